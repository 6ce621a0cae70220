// Package metrics derives performance statistics from the stream of closed
// trades and equity samples. Every figure here is recomputable from the trade
// history; the engine is a cache, not a source of truth.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/alphapulse/risk-core/pkg/types"
)

// Engine accumulates trade outcomes and equity points and serves read-only
// snapshots. Safe for concurrent use.
type Engine struct {
	mu sync.RWMutex

	sharpeWindow int

	outcomes []types.TradeOutcome
	rrRatios []float64 // reward/risk per trade, only where risk was known

	grossProfit float64
	grossLoss   float64
	winCount    int
	lossCount   int

	equity   []types.EquityPoint
	peak     float64
	drawdown types.DrawdownState

	symbols map[string]*symbolStats
}

type symbolStats struct {
	rrSum   float64
	rrCount int
	live    types.PositionSummary
}

// NewEngine creates a metrics engine with the given rolling window for the
// risk-adjusted return calculation
func NewEngine(sharpeWindow int) *Engine {
	if sharpeWindow < 2 {
		sharpeWindow = 2
	}
	return &Engine{
		sharpeWindow: sharpeWindow,
		symbols:      make(map[string]*symbolStats),
	}
}

// RecordOutcome folds a closed trade into the aggregates
func (e *Engine) RecordOutcome(outcome types.TradeOutcome) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record(outcome)
}

// Seed replays persisted outcomes in order, used at startup recovery
func (e *Engine) Seed(outcomes []types.TradeOutcome) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, o := range outcomes {
		e.record(o)
	}
}

func (e *Engine) record(outcome types.TradeOutcome) {
	e.outcomes = append(e.outcomes, outcome)

	if outcome.RealizedPnL > 0 {
		e.grossProfit += outcome.RealizedPnL
		e.winCount++
	} else if outcome.RealizedPnL < 0 {
		e.grossLoss += -outcome.RealizedPnL
		e.lossCount++
	} else {
		// Breakeven counts as a loss for win rate purposes
		e.lossCount++
	}

	st := e.symbolFor(outcome.Symbol)
	if outcome.Risk > 0 {
		rr := outcome.Reward / outcome.Risk
		e.rrRatios = append(e.rrRatios, rr)
		st.rrSum += rr
		st.rrCount++
	}
}

// RecordEquity appends an equity sample and updates the drawdown state
// incrementally
func (e *Engine) RecordEquity(equity float64, at time.Time) types.EquityPoint {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Equality counts as recovery; a sample sitting exactly on the peak is
	// not in drawdown and must not start an interval.
	if equity >= e.peak {
		e.peak = equity
		if !e.drawdown.DrawdownStartedAt.IsZero() {
			dur := at.Sub(e.drawdown.DrawdownStartedAt)
			if dur > e.drawdown.MaxDrawdownDuration {
				e.drawdown.MaxDrawdownDuration = dur
			}
			e.drawdown.DrawdownStartedAt = time.Time{}
		}
		e.drawdown.CurrentDrawdownPct = 0
	} else if e.peak > 0 {
		// Drawdown is a fraction of the peak, in [0, 1]
		dd := (e.peak - equity) / e.peak
		e.drawdown.CurrentDrawdownPct = dd
		if dd > e.drawdown.MaxDrawdownPct {
			e.drawdown.MaxDrawdownPct = dd
		}
		if e.drawdown.DrawdownStartedAt.IsZero() {
			e.drawdown.DrawdownStartedAt = at
		}
		dur := at.Sub(e.drawdown.DrawdownStartedAt)
		if dur > e.drawdown.MaxDrawdownDuration {
			e.drawdown.MaxDrawdownDuration = dur
		}
	}

	point := types.EquityPoint{Timestamp: at, Equity: equity, RunningPeak: e.peak}
	e.equity = append(e.equity, point)
	return point
}

// UpdatePositions replaces the live per-symbol state. Symbols absent from the
// summaries have their live figures cleared, not their trade history.
func (e *Engine) UpdatePositions(summaries []types.PositionSummary) {
	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[string]bool, len(summaries))
	for _, s := range summaries {
		seen[s.Symbol] = true
		e.symbolFor(s.Symbol).live = s
	}
	for sym, st := range e.symbols {
		if !seen[sym] {
			st.live = types.PositionSummary{Symbol: sym}
		}
	}
}

func (e *Engine) symbolFor(symbol string) *symbolStats {
	st, ok := e.symbols[symbol]
	if !ok {
		st = &symbolStats{live: types.PositionSummary{Symbol: symbol}}
		e.symbols[symbol] = st
	}
	return st
}

// Snapshot returns a point-in-time copy of all derived metrics
func (e *Engine) Snapshot() types.MetricsSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snap := types.MetricsSnapshot{
		GrossProfit:      e.grossProfit,
		GrossLoss:        e.grossLoss,
		TotalTrades:      len(e.outcomes),
		Drawdown:         e.drawdown,
		SymbolAggregates: make(map[string]types.SymbolAggregate, len(e.symbols)),
	}

	snap.ProfitFactor = profitFactor(e.grossProfit, e.grossLoss)

	total := e.winCount + e.lossCount
	if total > 0 {
		snap.WinRate = float64(e.winCount) / float64(total)
	}

	snap.Expectancy = e.expectancy()
	snap.AvgRiskReward, snap.MedianRiskReward = rrStats(e.rrRatios)
	snap.RollingSharpe, snap.RollingSharpeValid = e.rollingSharpe()

	active := 0
	for sym, st := range e.symbols {
		agg := types.SymbolAggregate{
			OpenPositions: st.live.OpenPositions,
			UnrealizedPnL: st.live.UnrealizedPnL,
			Exposure:      st.live.Exposure,
			RRCount:       st.rrCount,
		}
		if st.rrCount > 0 {
			agg.AvgRR = st.rrSum / float64(st.rrCount)
		}
		snap.SymbolAggregates[sym] = agg
		active += st.live.OpenPositions
	}
	snap.ActivePositions = active

	return snap
}

// Outcomes returns a copy of the recorded trade history
func (e *Engine) Outcomes() []types.TradeOutcome {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]types.TradeOutcome, len(e.outcomes))
	copy(out, e.outcomes)
	return out
}

func profitFactor(grossProfit, grossLoss float64) float64 {
	if grossLoss == 0 {
		if grossProfit > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return grossProfit / grossLoss
}

// expectancy is win_rate * avg_win - loss_rate * avg_loss, the expected value
// of one trade in account currency
func (e *Engine) expectancy() float64 {
	total := e.winCount + e.lossCount
	if total == 0 {
		return 0
	}
	winRate := float64(e.winCount) / float64(total)
	avgWin, avgLoss := 0.0, 0.0
	if e.winCount > 0 {
		avgWin = e.grossProfit / float64(e.winCount)
	}
	if e.lossCount > 0 {
		avgLoss = e.grossLoss / float64(e.lossCount)
	}
	return winRate*avgWin - (1-winRate)*avgLoss
}

func rrStats(ratios []float64) (avg, median float64) {
	if len(ratios) == 0 {
		return 0, 0
	}
	sorted := make([]float64, len(ratios))
	copy(sorted, ratios)
	sort.Float64s(sorted)

	sum := 0.0
	for _, r := range sorted {
		sum += r
	}
	avg = sum / float64(len(sorted))

	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		median = (sorted[mid-1] + sorted[mid]) / 2
	} else {
		median = sorted[mid]
	}
	return avg, median
}

// rollingSharpe annualizes mean/stdev of the last sharpeWindow trade returns.
// Invalid with fewer than two samples or zero variance.
func (e *Engine) rollingSharpe() (float64, bool) {
	n := len(e.outcomes)
	if n < 2 {
		return 0, false
	}
	start := n - e.sharpeWindow
	if start < 0 {
		start = 0
	}
	window := e.outcomes[start:]

	mean := 0.0
	for _, o := range window {
		mean += o.RealizedPnL
	}
	mean /= float64(len(window))

	variance := 0.0
	for _, o := range window {
		d := o.RealizedPnL - mean
		variance += d * d
	}
	variance /= float64(len(window) - 1)

	if variance == 0 {
		return 0, false
	}
	return mean / math.Sqrt(variance) * math.Sqrt(252), true
}
