package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alphapulse/risk-core/internal/config"
	"github.com/alphapulse/risk-core/internal/logger"
	"github.com/alphapulse/risk-core/internal/venue/paper"
	"github.com/alphapulse/risk-core/pkg/types"
)

type stubVolatility struct {
	atr float64
	ok  bool
}

func (s stubVolatility) Volatility(string) (float64, bool) { return s.atr, s.ok }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Load()
	require.NoError(t, cfg.Validate())
	return cfg
}

func testVenue(t *testing.T, symbol string, price float64) *paper.Venue {
	t.Helper()
	pv := paper.New(50_000)
	require.NoError(t, pv.Connect(context.Background()))
	pv.SetPrice(symbol, price)
	return pv
}

func testAccount(balance float64) *types.AccountSnapshot {
	return &types.AccountSnapshot{
		Balance:      balance,
		Equity:       balance,
		MarginFree:   balance,
		Currency:     "USDT",
		TradeAllowed: true,
		FetchedAt:    time.Now(),
	}
}

// TestApprove_MaxPositionsReached tests rejection at the position cap regardless of signal content
func TestApprove_MaxPositionsReached(t *testing.T) {
	cfg := testConfig(t)
	pv := testVenue(t, "BTCUSDT", 1.0)
	e := NewEngine(cfg, pv, stubVolatility{atr: 0.001, ok: true}, logger.NewDiscard())

	signal := types.OrderRequest{Symbol: "BTCUSDT", Side: types.SideLong, PriceHint: 1.0}
	decision := e.Approve(context.Background(), signal, testAccount(50_000), cfg.Risk.MaxPositions, types.MetricsSnapshot{})

	assert.False(t, decision.Approved)
	assert.Equal(t, ReasonMaxPositions, decision.Reason)
}

// TestApprove_DailyLossLimit tests the daily counter blocking new trades and resetting on a new day
func TestApprove_DailyLossLimit(t *testing.T) {
	cfg := testConfig(t)
	pv := testVenue(t, "BTCUSDT", 1.0)
	e := NewEngine(cfg, pv, stubVolatility{atr: 0.001, ok: true}, logger.NewDiscard())

	// Default daily cap is 3% of balance
	e.RecordDailyPnL(-2_000)

	signal := types.OrderRequest{Symbol: "BTCUSDT", Side: types.SideLong, PriceHint: 1.0}
	decision := e.Approve(context.Background(), signal, testAccount(50_000), 0, types.MetricsSnapshot{})
	assert.False(t, decision.Approved)
	assert.Equal(t, ReasonDailyLossLimit, decision.Reason)

	// Counter survives within the same day
	e.ResetDailyLimitsIfNeeded(time.Now())
	decision = e.Approve(context.Background(), signal, testAccount(50_000), 0, types.MetricsSnapshot{})
	assert.Equal(t, ReasonDailyLossLimit, decision.Reason)

	// Calendar date advance clears it
	e.ResetDailyLimitsIfNeeded(time.Now().Add(24 * time.Hour))
	decision = e.Approve(context.Background(), signal, testAccount(50_000), 0, types.MetricsSnapshot{})
	assert.True(t, decision.Approved)
	assert.Equal(t, 0.0, e.DailyPnL())
}

// TestApprove_MaxDrawdownBreaker tests that a deep equity drawdown vetoes new entries
func TestApprove_MaxDrawdownBreaker(t *testing.T) {
	cfg := testConfig(t)
	pv := testVenue(t, "BTCUSDT", 1.0)
	e := NewEngine(cfg, pv, stubVolatility{atr: 0.001, ok: true}, logger.NewDiscard())
	signal := types.OrderRequest{Symbol: "BTCUSDT", Side: types.SideLong, PriceHint: 1.0}

	// Default ceiling is 25% of peak equity
	deep := types.MetricsSnapshot{Drawdown: types.DrawdownState{CurrentDrawdownPct: 0.30}}
	decision := e.Approve(context.Background(), signal, testAccount(50_000), 0, deep)
	assert.False(t, decision.Approved)
	assert.Equal(t, ReasonMaxDrawdown, decision.Reason)

	// Recovery below the ceiling lifts the veto
	shallow := types.MetricsSnapshot{Drawdown: types.DrawdownState{CurrentDrawdownPct: 0.10}}
	decision = e.Approve(context.Background(), signal, testAccount(50_000), 0, shallow)
	assert.True(t, decision.Approved)
}

// TestApprove_TradingNotAllowed tests rejection when the account forbids trading or the venue is down
func TestApprove_TradingNotAllowed(t *testing.T) {
	cfg := testConfig(t)
	pv := testVenue(t, "BTCUSDT", 1.0)
	e := NewEngine(cfg, pv, stubVolatility{atr: 0.001, ok: true}, logger.NewDiscard())
	signal := types.OrderRequest{Symbol: "BTCUSDT", Side: types.SideLong, PriceHint: 1.0}

	account := testAccount(50_000)
	account.TradeAllowed = false
	decision := e.Approve(context.Background(), signal, account, 0, types.MetricsSnapshot{})
	assert.Equal(t, ReasonTradingNotAllowed, decision.Reason)

	require.NoError(t, pv.Disconnect())
	decision = e.Approve(context.Background(), signal, testAccount(50_000), 0, types.MetricsSnapshot{})
	assert.Equal(t, ReasonTradingNotAllowed, decision.Reason)
}

// TestApprove_InvalidStopDistance tests that no stop hint and no volatility estimate is a defined rejection
func TestApprove_InvalidStopDistance(t *testing.T) {
	cfg := testConfig(t)
	pv := testVenue(t, "BTCUSDT", 1.0)
	e := NewEngine(cfg, pv, stubVolatility{ok: false}, logger.NewDiscard())

	signal := types.OrderRequest{Symbol: "BTCUSDT", Side: types.SideLong, PriceHint: 1.0}
	decision := e.Approve(context.Background(), signal, testAccount(50_000), 0, types.MetricsSnapshot{})

	assert.False(t, decision.Approved)
	assert.Equal(t, ReasonInvalidStopDist, decision.Reason)
}

// TestApprove_InsufficientMargin tests rejection when required margin exceeds free margin
func TestApprove_InsufficientMargin(t *testing.T) {
	cfg := testConfig(t)
	pv := testVenue(t, "BTCUSDT", 1.0)
	e := NewEngine(cfg, pv, stubVolatility{atr: 0.001, ok: true}, logger.NewDiscard())

	account := testAccount(50_000)
	account.MarginFree = 0.000001
	signal := types.OrderRequest{Symbol: "BTCUSDT", Side: types.SideLong, PriceHint: 1.0}
	decision := e.Approve(context.Background(), signal, account, 0, types.MetricsSnapshot{})

	assert.False(t, decision.Approved)
	assert.Equal(t, ReasonInsufficientMargin, decision.Reason)
}

// TestApprove_MarginSafetyFloor tests rejection when the projected margin level dips below the floor
func TestApprove_MarginSafetyFloor(t *testing.T) {
	cfg := testConfig(t)
	pv := testVenue(t, "BTCUSDT", 1.0)
	e := NewEngine(cfg, pv, stubVolatility{atr: 0.001, ok: true}, logger.NewDiscard())

	// Heavily margined account: equity barely above what is already in use
	account := testAccount(50_000)
	account.Equity = 1_000
	account.MarginUsed = 900
	account.MarginFree = 100
	signal := types.OrderRequest{Symbol: "BTCUSDT", Side: types.SideLong, PriceHint: 1.0}
	decision := e.Approve(context.Background(), signal, account, 0, types.MetricsSnapshot{})

	assert.False(t, decision.Approved)
	assert.Equal(t, ReasonInsufficientMargin, decision.Reason)
}

// TestApprove_DerivedStopRespectsTier tests the 50k balance scenario: a derived
// stop never sits more than 5% from a 1.0000 entry
func TestApprove_DerivedStopRespectsTier(t *testing.T) {
	cfg := testConfig(t)
	pv := testVenue(t, "BTCUSDT", 1.0)
	// Volatility estimate so large the raw stop would sit 20% away
	e := NewEngine(cfg, pv, stubVolatility{atr: 0.1, ok: true}, logger.NewDiscard())

	signal := types.OrderRequest{Symbol: "BTCUSDT", Side: types.SideLong, PriceHint: 1.0}
	decision := e.Approve(context.Background(), signal, testAccount(50_000), 0, types.MetricsSnapshot{})

	assert.True(t, decision.Approved)
	assert.GreaterOrEqual(t, decision.StopLoss, 0.95)
	assert.Less(t, decision.StopLoss, 1.0)
	assert.Nil(t, decision.Advice)
}

// TestApprove_HintedStopGetsAdvice tests that an oversized hinted stop is kept but flagged
func TestApprove_HintedStopGetsAdvice(t *testing.T) {
	cfg := testConfig(t)
	pv := testVenue(t, "BTCUSDT", 1.0)
	e := NewEngine(cfg, pv, stubVolatility{atr: 0.001, ok: true}, logger.NewDiscard())

	// 20% stop distance against a 5% tier limit for a 50k balance
	signal := types.OrderRequest{Symbol: "BTCUSDT", Side: types.SideLong, PriceHint: 1.0, StopLoss: 0.80}
	decision := e.Approve(context.Background(), signal, testAccount(50_000), 0, types.MetricsSnapshot{})

	assert.True(t, decision.Approved)
	assert.Equal(t, 0.80, decision.StopLoss)
	if assert.NotNil(t, decision.Advice) {
		assert.Equal(t, 0.80, decision.Advice.ProposedStop)
		assert.InDelta(t, 0.95, decision.Advice.SuggestedStop, 1e-4)
		assert.Equal(t, "swing", decision.Advice.Cadence)
	}
}

// TestApprove_TakeProfitFromRiskReward tests TP derivation from the stop distance
func TestApprove_TakeProfitFromRiskReward(t *testing.T) {
	cfg := testConfig(t)
	pv := testVenue(t, "BTCUSDT", 100.0)
	e := NewEngine(cfg, pv, stubVolatility{atr: 0.5, ok: true}, logger.NewDiscard())

	signal := types.OrderRequest{Symbol: "BTCUSDT", Side: types.SideLong, PriceHint: 100.0}
	decision := e.Approve(context.Background(), signal, testAccount(50_000), 0, types.MetricsSnapshot{})

	require.True(t, decision.Approved)
	// atr 0.5 x multiple 2.0 = 1.0 stop distance, RR 2.0 doubles it for TP
	assert.InDelta(t, 99.0, decision.StopLoss, 1e-6)
	assert.InDelta(t, 102.0, decision.TakeProfit, 1e-6)
}

// TestApprove_ShortSideDerivation tests that stops sit above entry for shorts
func TestApprove_ShortSideDerivation(t *testing.T) {
	cfg := testConfig(t)
	pv := testVenue(t, "BTCUSDT", 100.0)
	e := NewEngine(cfg, pv, stubVolatility{atr: 0.5, ok: true}, logger.NewDiscard())

	signal := types.OrderRequest{Symbol: "BTCUSDT", Side: types.SideShort, PriceHint: 100.0}
	decision := e.Approve(context.Background(), signal, testAccount(50_000), 0, types.MetricsSnapshot{})

	require.True(t, decision.Approved)
	assert.InDelta(t, 101.0, decision.StopLoss, 1e-6)
	assert.InDelta(t, 98.0, decision.TakeProfit, 1e-6)
}

// TestApprove_ExplicitSizeKept tests that a supplied size bypasses derivation but still snaps to the step
func TestApprove_ExplicitSizeKept(t *testing.T) {
	cfg := testConfig(t)
	pv := testVenue(t, "BTCUSDT", 1.0)
	e := NewEngine(cfg, pv, stubVolatility{atr: 0.001, ok: true}, logger.NewDiscard())

	signal := types.OrderRequest{Symbol: "BTCUSDT", Side: types.SideLong, PriceHint: 1.0, Size: 0.503}
	decision := e.Approve(context.Background(), signal, testAccount(50_000), 0, types.MetricsSnapshot{})

	require.True(t, decision.Approved)
	assert.InDelta(t, 0.50, decision.PositionSize, 1e-9)
}
