package position

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphapulse/risk-core/internal/logger"
	"github.com/alphapulse/risk-core/internal/metrics"
	"github.com/alphapulse/risk-core/internal/venue"
	"github.com/alphapulse/risk-core/internal/venue/paper"
	"github.com/alphapulse/risk-core/pkg/types"
)

func newTestEngine(t *testing.T) (*Engine, *paper.Venue, *metrics.Engine) {
	t.Helper()
	pv := paper.New(10_000)
	require.NoError(t, pv.Connect(context.Background()))
	m := metrics.NewEngine(30)
	e := NewEngine(pv, m, nil, logger.NewDiscard())
	return e, pv, m
}

// TestOpenClose_RoundTrip tests that an immediate open/close pair produces an
// outcome matching the two fills and empties the registry
func TestOpenClose_RoundTrip(t *testing.T) {
	e, pv, m := newTestEngine(t)
	ctx := context.Background()
	pv.SetPrice("BTCUSDT", 100.0)

	ticket, err := e.Open(ctx, "BTCUSDT", types.SideLong, 2.0, 95.0, 110.0)
	require.NoError(t, err)
	assert.Equal(t, 1, e.OpenCount())

	pv.SetPrice("BTCUSDT", 104.0)
	outcome, err := e.Close(ctx, ticket, "target")
	require.NoError(t, err)

	assert.Equal(t, 100.0, outcome.EntryPrice)
	assert.Equal(t, 104.0, outcome.ExitPrice)
	assert.InDelta(t, 8.0, outcome.RealizedPnL, 1e-9)
	assert.Equal(t, 5.0, outcome.Risk)
	assert.Equal(t, 10.0, outcome.Reward)
	assert.Equal(t, "target", outcome.CloseReason)
	assert.Equal(t, 0, e.OpenCount())
	assert.Equal(t, 1, m.Snapshot().TotalTrades)
}

// TestClose_UnknownTicket tests that closing an untracked ticket is a typed error
func TestClose_UnknownTicket(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.Close(context.Background(), 424242, "manual")
	assert.True(t, errors.Is(err, venue.ErrNotFound))
}

// TestOpen_RejectionNotInserted tests that a gateway rejection leaves no registry entry
func TestOpen_RejectionNotInserted(t *testing.T) {
	e, pv, _ := newTestEngine(t)
	pv.SetPrice("BTCUSDT", 100.0)
	pv.RejectNextOrder("risk limit on venue side")

	_, err := e.Open(context.Background(), "BTCUSDT", types.SideLong, 1.0, 0, 0)
	require.Error(t, err)
	assert.True(t, venue.IsRejection(err))
	assert.Contains(t, err.Error(), "risk limit on venue side")
	assert.Equal(t, 0, e.OpenCount())
}

type submitHookConnector struct {
	venue.Connector
	beforeSubmit func()
}

func (c *submitHookConnector) SubmitOrder(ctx context.Context, req venue.OrderSpec) (*venue.Fill, error) {
	if c.beforeSubmit != nil {
		c.beforeSubmit()
	}
	return c.Connector.SubmitOrder(ctx, req)
}

// TestOpen_TracksInFlightOrder tests that the submit round-trip is visible as a
// provisional PENDING_OPEN entry and that reconciliation leaves it alone
func TestOpen_TracksInFlightOrder(t *testing.T) {
	ctx := context.Background()
	pv := paper.New(10_000)
	require.NoError(t, pv.Connect(ctx))
	pv.SetPrice("BTCUSDT", 100.0)

	hook := &submitHookConnector{Connector: pv}
	e := NewEngine(hook, metrics.NewEngine(30), nil, logger.NewDiscard())

	var seen []types.Position
	var midFlight types.ReconciliationReport
	hook.beforeSubmit = func() {
		seen = e.Positions()
		midFlight = e.Reconcile(nil)
	}

	ticket, err := e.Open(ctx, "BTCUSDT", types.SideLong, 1.0, 95.0, 0)
	require.NoError(t, err)

	require.Len(t, seen, 1)
	assert.Equal(t, types.StatePendingOpen, seen[0].State)
	assert.Negative(t, seen[0].Ticket)
	assert.Equal(t, types.OwnerSelf, seen[0].Owner)
	assert.Empty(t, midFlight.ClosedOutside)

	// The fill replaces the provisional entry
	positions := e.Positions()
	require.Len(t, positions, 1)
	assert.Equal(t, ticket, positions[0].Ticket)
	assert.Equal(t, types.StateOpen, positions[0].State)
}

// TestClose_FailureRevertsState tests that a failed close round-trip restores OPEN
func TestClose_FailureRevertsState(t *testing.T) {
	e, pv, _ := newTestEngine(t)
	ctx := context.Background()
	pv.SetPrice("BTCUSDT", 100.0)

	ticket, err := e.Open(ctx, "BTCUSDT", types.SideLong, 1.0, 95.0, 0)
	require.NoError(t, err)

	pv.RejectNextOrder("close rejected")
	_, err = e.Close(ctx, ticket, "manual")
	require.Error(t, err)

	pos, ok := e.Position(ticket)
	require.True(t, ok)
	assert.Equal(t, types.StateOpen, pos.State)
	assert.Equal(t, 1, e.OpenCount())
}

// TestModify_KeepsUnspecifiedFields tests the nil-means-keep contract
func TestModify_KeepsUnspecifiedFields(t *testing.T) {
	e, pv, _ := newTestEngine(t)
	ctx := context.Background()
	pv.SetPrice("BTCUSDT", 100.0)

	ticket, err := e.Open(ctx, "BTCUSDT", types.SideLong, 1.0, 95.0, 110.0)
	require.NoError(t, err)

	newStop := 97.0
	require.NoError(t, e.Modify(ctx, ticket, &newStop, nil))

	pos, ok := e.Position(ticket)
	require.True(t, ok)
	assert.Equal(t, 97.0, pos.StopLoss)
	assert.Equal(t, 110.0, pos.TakeProfit)
}

// TestModify_RejectionLeavesRegistryUnchanged tests that a venue rejection keeps prior stop levels
func TestModify_RejectionLeavesRegistryUnchanged(t *testing.T) {
	e, pv, _ := newTestEngine(t)
	ctx := context.Background()
	pv.SetPrice("BTCUSDT", 100.0)

	ticket, err := e.Open(ctx, "BTCUSDT", types.SideLong, 1.0, 95.0, 110.0)
	require.NoError(t, err)

	pv.RejectNextOrder("stop too close to market")
	newStop := 99.99
	err = e.Modify(ctx, ticket, &newStop, nil)
	require.Error(t, err)

	pos, ok := e.Position(ticket)
	require.True(t, ok)
	assert.Equal(t, 95.0, pos.StopLoss)
	assert.Equal(t, types.StateOpen, pos.State)
}

// TestReconcile_FlagsExternalPositions tests that venue positions this agent
// never opened are adopted as EXTERNAL and surfaced, not closed
func TestReconcile_FlagsExternalPositions(t *testing.T) {
	e, pv, _ := newTestEngine(t)
	ctx := context.Background()
	pv.SetPrice("ETHUSDT", 2000.0)
	pv.AddExternalPosition("ETHUSDT", types.SideShort, 0.5, 2000.0)

	venuePositions, err := pv.GetOpenPositions(ctx)
	require.NoError(t, err)

	report := e.Reconcile(venuePositions)
	require.Len(t, report.ExternalFound, 1)
	assert.Equal(t, types.OwnerExternal, report.ExternalFound[0].Owner)
	assert.Empty(t, report.ClosedOutside)

	// The external position is tracked but never counts toward our exposure
	assert.Equal(t, 0, e.OpenCount())
	assert.Len(t, e.Positions(), 1)
}

// TestReconcile_Idempotent tests that a second pass over the same snapshot changes nothing
func TestReconcile_Idempotent(t *testing.T) {
	e, pv, _ := newTestEngine(t)
	ctx := context.Background()
	pv.SetPrice("BTCUSDT", 100.0)
	pv.SetPrice("ETHUSDT", 2000.0)

	_, err := e.Open(ctx, "BTCUSDT", types.SideLong, 1.0, 95.0, 0)
	require.NoError(t, err)
	pv.AddExternalPosition("ETHUSDT", types.SideShort, 0.5, 2000.0)

	venuePositions, err := pv.GetOpenPositions(ctx)
	require.NoError(t, err)

	first := e.Reconcile(venuePositions)
	assert.Len(t, first.ExternalFound, 1)

	second := e.Reconcile(venuePositions)
	assert.True(t, second.Empty())
	assert.Len(t, e.Positions(), 2)
}

// TestReconcile_ClosedOutside tests that a tracked ticket missing from the
// venue snapshot yields a synthesized outcome and a desync warning
func TestReconcile_ClosedOutside(t *testing.T) {
	e, pv, m := newTestEngine(t)
	ctx := context.Background()
	pv.SetPrice("BTCUSDT", 100.0)

	ticket, err := e.Open(ctx, "BTCUSDT", types.SideLong, 1.0, 95.0, 0)
	require.NoError(t, err)

	// Price moves, then the position is stopped out between cycles
	pv.SetPrice("BTCUSDT", 96.0)
	venuePositions, err := pv.GetOpenPositions(ctx)
	require.NoError(t, err)
	e.Reconcile(venuePositions)

	pv.RemovePosition(ticket)
	venuePositions, err = pv.GetOpenPositions(ctx)
	require.NoError(t, err)
	report := e.Reconcile(venuePositions)

	require.Len(t, report.ClosedOutside, 1)
	assert.Equal(t, ticket, report.ClosedOutside[0].Ticket)
	assert.Equal(t, 96.0, report.ClosedOutside[0].ExitPrice)
	assert.Equal(t, "closed_outside", report.ClosedOutside[0].CloseReason)
	assert.NotEmpty(t, report.DesyncWarnings)
	assert.Equal(t, 0, e.OpenCount())
	assert.Equal(t, 1, m.Snapshot().TotalTrades)
}

// TestReconcile_CorrectsStopLevels tests that venue-side stop changes overwrite local state
func TestReconcile_CorrectsStopLevels(t *testing.T) {
	e, pv, _ := newTestEngine(t)
	ctx := context.Background()
	pv.SetPrice("BTCUSDT", 100.0)

	ticket, err := e.Open(ctx, "BTCUSDT", types.SideLong, 1.0, 95.0, 0)
	require.NoError(t, err)

	// Stop moved at the terminal, outside this agent
	require.NoError(t, pv.ModifyPosition(ctx, ticket, 97.0, 0))

	venuePositions, err := pv.GetOpenPositions(ctx)
	require.NoError(t, err)
	report := e.Reconcile(venuePositions)

	assert.NotEmpty(t, report.DesyncWarnings)
	pos, ok := e.Position(ticket)
	require.True(t, ok)
	assert.Equal(t, 97.0, pos.StopLoss)
}

// TestCloseAll_ContinuesPastFailures tests partial failure aggregation
func TestCloseAll_ContinuesPastFailures(t *testing.T) {
	e, pv, _ := newTestEngine(t)
	ctx := context.Background()
	pv.SetPrice("BTCUSDT", 100.0)
	pv.SetPrice("ETHUSDT", 2000.0)

	_, err := e.Open(ctx, "BTCUSDT", types.SideLong, 1.0, 0, 0)
	require.NoError(t, err)
	_, err = e.Open(ctx, "ETHUSDT", types.SideShort, 0.5, 0, 0)
	require.NoError(t, err)

	pv.RejectNextOrder("one close fails")
	closed, failures := e.CloseAll(ctx, nil)

	assert.Equal(t, 1, closed)
	assert.Len(t, failures, 1)
	assert.Equal(t, 1, e.OpenCount())
}

// TestCloseAll_SkipsExternal tests that external positions are never closed in bulk
func TestCloseAll_SkipsExternal(t *testing.T) {
	e, pv, _ := newTestEngine(t)
	ctx := context.Background()
	pv.SetPrice("ETHUSDT", 2000.0)
	pv.AddExternalPosition("ETHUSDT", types.SideShort, 0.5, 2000.0)

	venuePositions, err := pv.GetOpenPositions(ctx)
	require.NoError(t, err)
	e.Reconcile(venuePositions)

	closed, failures := e.CloseAll(ctx, nil)
	assert.Equal(t, 0, closed)
	assert.Empty(t, failures)
	assert.Len(t, e.Positions(), 1)
}

// TestOutcomeHook_FeedsDailyCounter tests the outcome hook wiring
func TestOutcomeHook_FeedsDailyCounter(t *testing.T) {
	e, pv, _ := newTestEngine(t)
	ctx := context.Background()
	pv.SetPrice("BTCUSDT", 100.0)

	var total float64
	e.OnOutcome(func(o types.TradeOutcome) { total += o.RealizedPnL })

	ticket, err := e.Open(ctx, "BTCUSDT", types.SideLong, 1.0, 0, 0)
	require.NoError(t, err)
	pv.SetPrice("BTCUSDT", 90.0)
	_, err = e.Close(ctx, ticket, "manual")
	require.NoError(t, err)

	assert.InDelta(t, -10.0, total, 1e-9)
}
