package agent

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphapulse/risk-core/internal/config"
	"github.com/alphapulse/risk-core/internal/logger"
	"github.com/alphapulse/risk-core/internal/risk"
	"github.com/alphapulse/risk-core/internal/store"
	"github.com/alphapulse/risk-core/internal/venue/paper"
	"github.com/alphapulse/risk-core/pkg/types"
)

type captureSink struct {
	published []map[string]float64
}

func (c *captureSink) Publish(values map[string]float64) {
	c.published = append(c.published, values)
}

func newTestAgent(t *testing.T) (*Agent, *paper.Venue, *captureSink) {
	t.Helper()
	cfg := config.Load()
	require.NoError(t, cfg.Validate())

	pv := paper.New(50_000)
	require.NoError(t, pv.Connect(context.Background()))
	pv.SetPrice(cfg.Agent.Symbol, 100.0)

	sink := &captureSink{}
	a := New(cfg, pv, nil, sink, logger.NewDiscard())
	return a, pv, sink
}

// TestExecuteSignal_OpensApprovedTrade tests the approve-then-open path
func TestExecuteSignal_OpensApprovedTrade(t *testing.T) {
	a, _, _ := newTestAgent(t)
	ctx := context.Background()

	signal := types.OrderRequest{
		Symbol:    "BTCUSDT",
		Side:      types.SideLong,
		PriceHint: 100.0,
		StopLoss:  98.0,
	}
	decision, ticket, err := a.ExecuteSignal(ctx, signal)
	require.NoError(t, err)
	require.True(t, decision.Approved)
	assert.NotZero(t, ticket)
	assert.Equal(t, 1, a.Lifecycle().OpenCount())
}

// TestExecuteSignal_RejectionIsNotAnError tests that a risk rejection returns cleanly
func TestExecuteSignal_RejectionIsNotAnError(t *testing.T) {
	a, pv, _ := newTestAgent(t)
	ctx := context.Background()
	pv.SetTradeAllowed(false)

	signal := types.OrderRequest{Symbol: "BTCUSDT", Side: types.SideLong, PriceHint: 100.0, StopLoss: 98.0}
	decision, ticket, err := a.ExecuteSignal(ctx, signal)
	require.NoError(t, err)
	assert.False(t, decision.Approved)
	assert.Zero(t, ticket)
	assert.Equal(t, 0, a.Lifecycle().OpenCount())
}

// TestRunCycle_PublishesMetrics tests one full cycle through reconciliation and publish
func TestRunCycle_PublishesMetrics(t *testing.T) {
	a, pv, sink := newTestAgent(t)
	ctx := context.Background()

	signal := types.OrderRequest{Symbol: "BTCUSDT", Side: types.SideLong, PriceHint: 100.0, StopLoss: 98.0}
	_, _, err := a.ExecuteSignal(ctx, signal)
	require.NoError(t, err)

	pv.SetPrice("BTCUSDT", 103.0)
	a.runCycle(ctx)

	require.NotEmpty(t, sink.published)
	last := sink.published[len(sink.published)-1]
	assert.Equal(t, 1.0, last["active_positions"])
	assert.False(t, a.LastCycle().IsZero())
}

// TestRunCycle_FeedsDailyCounterOnOutsideClose tests that a position stopped
// out between cycles lands in the daily realized P&L
func TestRunCycle_FeedsDailyCounterOnOutsideClose(t *testing.T) {
	a, pv, _ := newTestAgent(t)
	ctx := context.Background()

	signal := types.OrderRequest{Symbol: "BTCUSDT", Side: types.SideLong, PriceHint: 100.0, StopLoss: 98.0}
	_, ticket, err := a.ExecuteSignal(ctx, signal)
	require.NoError(t, err)

	// Price collapses and the venue stop fires between cycles
	pv.SetPrice("BTCUSDT", 98.0)
	a.runCycle(ctx)
	pv.RemovePosition(ticket)
	a.runCycle(ctx)

	assert.Equal(t, 0, a.Lifecycle().OpenCount())
	assert.Less(t, a.Risk().DailyPnL(), 0.0)
	assert.Equal(t, 1, a.Metrics().Snapshot().TotalTrades)
}

// TestRecover_NoStoreIsNoop tests that recovery without a store succeeds
func TestRecover_NoStoreIsNoop(t *testing.T) {
	a, _, _ := newTestAgent(t)
	assert.NoError(t, a.Recover())
}

// TestRecover_DailyLossLimitSurvivesRestart tests that realized losses from
// earlier today still trip the daily loss limit after a restart
func TestRecover_DailyLossLimitSurvivesRestart(t *testing.T) {
	cfg := config.Load()
	require.NoError(t, cfg.Validate())
	ctx := context.Background()

	st, err := store.Open(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	defer st.Close()

	pv := paper.New(10_000)
	require.NoError(t, pv.Connect(ctx))
	pv.SetPrice("BTCUSDT", 100.0)

	// Realize a 500 loss against a 3% cap on a 10k balance
	first := New(cfg, pv, st, nil, logger.NewDiscard())
	ticket, err := first.Lifecycle().Open(ctx, "BTCUSDT", types.SideLong, 10, 98.0, 0)
	require.NoError(t, err)
	pv.SetPrice("BTCUSDT", 50.0)
	_, err = first.ClosePosition(ctx, ticket, "stop_hit")
	require.NoError(t, err)
	require.InDelta(t, -500.0, first.Risk().DailyPnL(), 1e-9)

	signal := types.OrderRequest{Symbol: "BTCUSDT", Side: types.SideLong, PriceHint: 100.0, StopLoss: 98.0}
	decision, _, err := first.ExecuteSignal(ctx, signal)
	require.NoError(t, err)
	require.False(t, decision.Approved)
	require.Equal(t, risk.ReasonDailyLossLimit, decision.Reason)

	// Restart on the same store within the same trading day
	second := New(cfg, pv, st, nil, logger.NewDiscard())
	require.NoError(t, second.Recover())
	assert.InDelta(t, -500.0, second.Risk().DailyPnL(), 1e-9)

	decision, _, err = second.ExecuteSignal(ctx, signal)
	require.NoError(t, err)
	assert.False(t, decision.Approved)
	assert.Equal(t, risk.ReasonDailyLossLimit, decision.Reason)
}

// TestLastCycle_ConcurrentReads tests that health checks can read the cycle
// timestamp while the loop is writing it
func TestLastCycle_ConcurrentReads(t *testing.T) {
	a, _, _ := newTestAgent(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = a.LastCycle()
			}
		}()
	}
	for i := 0; i < 10; i++ {
		a.runCycle(ctx)
	}
	wg.Wait()
	assert.False(t, a.LastCycle().IsZero())
}
