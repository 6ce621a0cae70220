// Package monitoring exports performance metrics and liveness state over
// HTTP. Publishing is a pure read/format step with no effect on engine state.
package monitoring

import (
	"fmt"
	"math"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alphapulse/risk-core/pkg/types"
)

// Sink receives a flat map of named numeric values on each publish.
// No request/response semantics.
type Sink interface {
	Publish(values map[string]float64)
}

// PrometheusSink exposes published values as labelled gauges
type PrometheusSink struct {
	registry *prometheus.Registry
	gauge    *prometheus.GaugeVec
}

// NewPrometheusSink creates a sink with its own registry
func NewPrometheusSink(namespace string) *PrometheusSink {
	registry := prometheus.NewRegistry()
	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "metric",
		Help:      "Published performance metric, keyed by name label",
	}, []string{"name"})
	registry.MustRegister(gauge)
	return &PrometheusSink{registry: registry, gauge: gauge}
}

// Publish updates one gauge per key
func (s *PrometheusSink) Publish(values map[string]float64) {
	for name, value := range values {
		if math.IsInf(value, 0) || math.IsNaN(value) {
			continue
		}
		s.gauge.WithLabelValues(name).Set(value)
	}
}

// Handler returns the scrape endpoint for this sink's registry
func (s *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Flatten converts a metrics snapshot into the flat key/value map consumed by
// sinks. Per-symbol aggregates are prefixed with the symbol name.
func Flatten(snap types.MetricsSnapshot) map[string]float64 {
	out := map[string]float64{
		"gross_profit":       snap.GrossProfit,
		"gross_loss":         snap.GrossLoss,
		"profit_factor":      snap.ProfitFactor,
		"win_rate":           snap.WinRate,
		"expectancy":         snap.Expectancy,
		"avg_risk_reward":    snap.AvgRiskReward,
		"median_risk_reward": snap.MedianRiskReward,
		"active_positions":   float64(snap.ActivePositions),
		"total_trades":       float64(snap.TotalTrades),
		"drawdown_current":   snap.Drawdown.CurrentDrawdownPct,
		"drawdown_max":       snap.Drawdown.MaxDrawdownPct,
	}
	if snap.RollingSharpeValid {
		out["rolling_sharpe"] = snap.RollingSharpe
	}
	for symbol, agg := range snap.SymbolAggregates {
		out[fmt.Sprintf("%s_open_positions", symbol)] = float64(agg.OpenPositions)
		out[fmt.Sprintf("%s_unrealized_pnl", symbol)] = agg.UnrealizedPnL
		out[fmt.Sprintf("%s_exposure", symbol)] = agg.Exposure
		out[fmt.Sprintf("%s_avg_rr", symbol)] = agg.AvgRR
	}
	return out
}
