// Package agent drives the polling cycle that ties the engines together.
// Within a cycle every step runs sequentially against one account snapshot:
// reconciliation, stop evaluation, metrics update, publish. New signals enter
// through ExecuteSignal between cycles.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alphapulse/risk-core/internal/config"
	"github.com/alphapulse/risk-core/internal/logger"
	"github.com/alphapulse/risk-core/internal/metrics"
	"github.com/alphapulse/risk-core/internal/monitoring"
	"github.com/alphapulse/risk-core/internal/position"
	"github.com/alphapulse/risk-core/internal/risk"
	"github.com/alphapulse/risk-core/internal/stops"
	"github.com/alphapulse/risk-core/internal/store"
	"github.com/alphapulse/risk-core/internal/venue"
	"github.com/alphapulse/risk-core/pkg/types"
)

// Agent owns the cycle loop and the wiring between engines
type Agent struct {
	cfg       *config.Config
	conn      venue.Connector
	risk      *risk.Engine
	lifecycle *position.Engine
	stops     *stops.Manager
	feeder    *stops.Feeder
	metrics   *metrics.Engine
	store     *store.Store
	sink      monitoring.Sink
	log       *logger.Logger

	// lastCycle is read by health checks from HTTP goroutines
	cycleMu   sync.Mutex
	lastCycle time.Time
}

// New wires the engines together. store and sink may be nil.
func New(cfg *config.Config, conn venue.Connector, st *store.Store, sink monitoring.Sink, log *logger.Logger) *Agent {
	metricsEngine := metrics.NewEngine(cfg.Metrics.SharpeWindow)
	windows := stops.NewWindows(cfg.Stops.WindowSize)
	riskEngine := risk.NewEngine(cfg, conn, windows, log)

	var persister position.Persister
	if st != nil {
		persister = st
	}
	lifecycle := position.NewEngine(conn, metricsEngine, persister, log)
	lifecycle.OnOutcome(func(o types.TradeOutcome) {
		riskEngine.RecordDailyPnL(o.RealizedPnL)
	})

	return &Agent{
		cfg:       cfg,
		conn:      conn,
		risk:      riskEngine,
		lifecycle: lifecycle,
		stops:     stops.NewManager(cfg, windows, log),
		feeder:    stops.NewFeeder(conn, windows, cfg.Stops.PollInterval, log),
		metrics:   metricsEngine,
		store:     st,
		sink:      sink,
		log:       log,
	}
}

// Metrics exposes the metrics engine for read paths
func (a *Agent) Metrics() *metrics.Engine { return a.metrics }

// Lifecycle exposes the position engine
func (a *Agent) Lifecycle() *position.Engine { return a.lifecycle }

// Risk exposes the risk engine
func (a *Agent) Risk() *risk.Engine { return a.risk }

// LastCycle returns when the previous cycle completed
func (a *Agent) LastCycle() time.Time {
	a.cycleMu.Lock()
	defer a.cycleMu.Unlock()
	return a.lastCycle
}

// Recover reloads durable state: open positions back into the registry, trade
// history into the metrics engine, and the equity curve into drawdown state
func (a *Agent) Recover() error {
	if a.store == nil {
		return nil
	}

	positions, err := a.store.LoadPositions()
	if err != nil {
		return fmt.Errorf("recovering positions: %w", err)
	}
	a.lifecycle.Restore(positions)

	outcomes, err := a.store.LoadOutcomes()
	if err != nil {
		return fmt.Errorf("recovering outcomes: %w", err)
	}
	a.metrics.Seed(outcomes)

	// Losses realized earlier today must survive a restart, or a restart
	// would clear the daily loss limit mid-day.
	today := time.Now().Format("2006-01-02")
	todayPnL := 0.0
	for _, o := range outcomes {
		if o.ExitTime.Local().Format("2006-01-02") == today {
			todayPnL += o.RealizedPnL
		}
	}
	if todayPnL != 0 {
		a.risk.RecordDailyPnL(todayPnL)
		a.log.Info("📅 Replayed today's realized P&L from store: %.2f", todayPnL)
	}

	equity, err := a.store.LoadEquity(0)
	if err != nil {
		return fmt.Errorf("recovering equity curve: %w", err)
	}
	for _, p := range equity {
		a.metrics.RecordEquity(p.Equity, p.Timestamp)
	}

	a.log.Info("♻️ Recovery complete: %d positions, %d outcomes, %d equity points",
		len(positions), len(outcomes), len(equity))
	return nil
}

// Run executes cycles on the configured interval until the context ends
func (a *Agent) Run(ctx context.Context) error {
	a.feeder.Watch(a.cfg.Agent.Symbol)
	a.feeder.Start(ctx)
	defer a.feeder.Stop()

	a.log.Status("Agent running: symbol=%s cycle=%v venue=%s",
		a.cfg.Agent.Symbol, a.cfg.Agent.CycleInterval, a.conn.GetName())

	ticker := time.NewTicker(a.cfg.Agent.CycleInterval)
	defer ticker.Stop()

	a.runCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			a.log.Status("Agent stopping")
			return ctx.Err()
		case <-ticker.C:
			a.runCycle(ctx)
		}
	}
}

// runCycle performs one polling cycle under a deadline. A cycle that fails
// midway leaves state for the next cycle to correct; venue truth always wins
// on the next reconciliation.
func (a *Agent) runCycle(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, a.cfg.Agent.CycleTimeout)
	defer cancel()

	a.risk.ResetDailyLimitsIfNeeded(time.Now())

	snapshot, err := a.conn.GetAccountSnapshot(ctx)
	if err != nil {
		a.log.LogError("cycle account snapshot", err)
		return
	}

	venuePositions, err := a.conn.GetOpenPositions(ctx)
	if err != nil {
		a.log.LogError("cycle position fetch", err)
		return
	}

	report := a.lifecycle.Reconcile(venuePositions)
	if !report.Empty() {
		a.log.Warning("🔄 Reconciliation: %d external, %d closed outside, %d warnings",
			len(report.ExternalFound), len(report.ClosedOutside), len(report.DesyncWarnings))
	}

	for _, proposal := range a.stops.EvaluateAll(a.lifecycle.Positions()) {
		if !a.cfg.Stops.AutoApply {
			continue
		}
		sl := proposal.StopLoss
		if err := a.lifecycle.Modify(ctx, proposal.Ticket, &sl, nil); err != nil {
			a.log.LogError(fmt.Sprintf("applying stop proposal for #%d", proposal.Ticket), err)
		}
	}

	a.metrics.UpdatePositions(a.lifecycle.Summaries())
	point := a.metrics.RecordEquity(snapshot.Equity, snapshot.FetchedAt)
	if a.store != nil {
		if err := a.store.AppendEquity(point); err != nil {
			a.log.LogError("persisting equity point", err)
		}
	}

	if a.sink != nil {
		a.sink.Publish(monitoring.Flatten(a.metrics.Snapshot()))
	}

	a.cycleMu.Lock()
	a.lastCycle = time.Now()
	a.cycleMu.Unlock()
}

// ExecuteSignal screens a signal through the risk engine and opens the
// position when approved. The decision is returned either way; a rejection is
// not an error.
func (a *Agent) ExecuteSignal(ctx context.Context, signal types.OrderRequest) (types.RiskDecision, int64, error) {
	snapshot, err := a.conn.GetAccountSnapshot(ctx)
	if err != nil {
		return types.RiskDecision{}, 0, err
	}

	decision := a.risk.Approve(ctx, signal, snapshot, a.lifecycle.OpenCount(), a.metrics.Snapshot())
	if !decision.Approved {
		a.log.Info("⛔ Signal rejected: %s %s (%s)", signal.Side, signal.Symbol, decision.Reason)
		return decision, 0, nil
	}
	if decision.Advice != nil {
		a.log.Warning("⚠️ Stop advice for %s: proposed %.5f exceeds %.1f%% tier limit, suggest %.5f (%s)",
			signal.Symbol, decision.Advice.ProposedStop, decision.Advice.MaxDistance*100,
			decision.Advice.SuggestedStop, decision.Advice.Cadence)
	}

	ticket, err := a.lifecycle.Open(ctx, signal.Symbol, signal.Side, decision.PositionSize, decision.StopLoss, decision.TakeProfit)
	if err != nil {
		return decision, 0, err
	}
	a.feeder.Watch(signal.Symbol)
	return decision, ticket, nil
}

// ClosePosition closes one tracked position through the lifecycle engine
func (a *Agent) ClosePosition(ctx context.Context, ticket int64, reason string) (*types.TradeOutcome, error) {
	return a.lifecycle.Close(ctx, ticket, reason)
}

// Shutdown closes all SELF-owned positions when requested and reports counts
func (a *Agent) Shutdown(ctx context.Context, closeAll bool) {
	if closeAll {
		closed, failures := a.lifecycle.CloseAll(ctx, nil)
		a.log.Status("Closed %d positions on shutdown, %d failures", closed, len(failures))
		for _, err := range failures {
			a.log.LogError("shutdown close", err)
		}
	}
}
