// Package risk implements the approval gate every prospective trade passes
// through before reaching the venue. The engine is stateless apart from its
// configuration and the realized P&L counter for the current trading day.
package risk

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/alphapulse/risk-core/internal/config"
	"github.com/alphapulse/risk-core/internal/logger"
	"github.com/alphapulse/risk-core/internal/venue"
	"github.com/alphapulse/risk-core/pkg/types"
)

// Rejection reasons returned in RiskDecision.Reason
const (
	ReasonMaxPositions       = "max_positions_reached"
	ReasonDailyLossLimit     = "daily_loss_limit"
	ReasonMaxDrawdown        = "max_drawdown_exceeded"
	ReasonTradingNotAllowed  = "trading_not_allowed"
	ReasonInvalidStopDist    = "invalid_stop_distance"
	ReasonInsufficientMargin = "insufficient_margin"
)

// VolatilityProvider supplies a recent volatility estimate per symbol.
// ok is false when too few samples exist to estimate.
type VolatilityProvider interface {
	Volatility(symbol string) (atr float64, ok bool)
}

// Engine screens order requests against position limits, daily loss limits,
// margin requirements, and stop sanity rules
type Engine struct {
	cfg  *config.Config
	conn venue.Connector
	vol  VolatilityProvider
	log  *logger.Logger

	mu       sync.Mutex
	day      string  // local calendar date the counter belongs to
	dailyPnL float64 // net realized P&L accumulated during day
}

// NewEngine creates a risk engine bound to a venue connector and volatility source
func NewEngine(cfg *config.Config, conn venue.Connector, vol VolatilityProvider, log *logger.Logger) *Engine {
	return &Engine{
		cfg:  cfg,
		conn: conn,
		vol:  vol,
		log:  log,
		day:  time.Now().Format("2006-01-02"),
	}
}

// RecordDailyPnL folds a realized trade result into today's counter
func (e *Engine) RecordDailyPnL(pnl float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dailyPnL += pnl
}

// ResetDailyLimitsIfNeeded clears the daily counter when the local calendar
// date has advanced. Called at the start of every cycle, not from a timer.
func (e *Engine) ResetDailyLimitsIfNeeded(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	today := now.Format("2006-01-02")
	if today != e.day {
		e.log.Info("📅 New trading day %s, resetting daily P&L counter (was %.2f)", today, e.dailyPnL)
		e.day = today
		e.dailyPnL = 0
	}
}

// DailyPnL returns today's accumulated realized P&L
func (e *Engine) DailyPnL() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dailyPnL
}

func reject(reason string) types.RiskDecision {
	return types.RiskDecision{Approved: false, Reason: reason}
}

// Approve decides whether the signal may be executed and with what size and
// stop levels. A rejection is a valid decision, not an error.
func (e *Engine) Approve(ctx context.Context, signal types.OrderRequest, account *types.AccountSnapshot, openCount int, metrics types.MetricsSnapshot) types.RiskDecision {
	if openCount >= e.cfg.Risk.MaxPositions {
		return reject(ReasonMaxPositions)
	}

	e.mu.Lock()
	dailyPnL := e.dailyPnL
	e.mu.Unlock()
	if dailyPnL < 0 && -dailyPnL >= account.Balance*e.cfg.Risk.MaxDailyLossFraction {
		e.log.Warning("🚫 Daily loss limit hit: %.2f against limit %.2f", -dailyPnL, account.Balance*e.cfg.Risk.MaxDailyLossFraction)
		return reject(ReasonDailyLossLimit)
	}

	if metrics.Drawdown.CurrentDrawdownPct >= e.cfg.Risk.MaxDrawdownFraction {
		e.log.Warning("🚫 Drawdown breaker: %.2f%% against ceiling %.2f%%, no new entries until equity recovers",
			metrics.Drawdown.CurrentDrawdownPct*100, e.cfg.Risk.MaxDrawdownFraction*100)
		return reject(ReasonMaxDrawdown)
	}

	if !account.TradeAllowed || !e.conn.IsConnected() {
		return reject(ReasonTradingNotAllowed)
	}

	info, err := e.conn.GetSymbolInfo(ctx, signal.Symbol)
	if err != nil {
		e.log.LogError("symbol info fetch during approval", err)
		return reject(ReasonTradingNotAllowed)
	}

	entry := signal.PriceHint
	tier := e.cfg.TierFor(account.Balance)

	stopLoss, advice := e.deriveStop(signal, entry, tier, *info)
	stopDistance := math.Abs(entry - stopLoss)
	if stopDistance <= 0 || info.Point <= 0 {
		return reject(ReasonInvalidStopDist)
	}

	takeProfit := signal.TakeProfit
	if takeProfit == 0 {
		if signal.Side == types.SideLong {
			takeProfit = entry + stopDistance*e.cfg.Risk.RiskRewardRatio
		} else {
			takeProfit = entry - stopDistance*e.cfg.Risk.RiskRewardRatio
		}
		takeProfit = info.RoundPrice(takeProfit)
	}

	volume := signal.Size
	if volume == 0 {
		riskAmount := account.Balance * e.cfg.Risk.RiskPerTrade
		distancePoints := stopDistance / info.Point
		volume = riskAmount / distancePoints
	}
	volume = info.RoundVolume(volume)

	required, err := e.conn.CalcRequiredMargin(ctx, signal.Side, signal.Symbol, volume)
	if err != nil {
		e.log.LogError("margin calc during approval", err)
		return reject(ReasonInsufficientMargin)
	}
	if required > account.MarginFree {
		return reject(ReasonInsufficientMargin)
	}
	projectedUsed := account.MarginUsed + required
	if projectedUsed > 0 && account.Equity/projectedUsed*100 < e.cfg.Risk.MarginSafetyFloor {
		return reject(ReasonInsufficientMargin)
	}

	e.log.Info("✅ Approved %s %s vol=%.4f sl=%.5f tp=%.5f (dd=%.2f%%, pf=%.2f)",
		signal.Side, signal.Symbol, volume, stopLoss, takeProfit,
		metrics.Drawdown.CurrentDrawdownPct*100, metrics.ProfitFactor)

	return types.RiskDecision{
		Approved:     true,
		Reason:       "approved",
		PositionSize: volume,
		StopLoss:     stopLoss,
		TakeProfit:   takeProfit,
		Advice:       advice,
	}
}

// deriveStop resolves the stop-loss for the signal. A hinted stop is kept as
// given; when its relative distance exceeds the balance tier threshold the
// decision carries advisory output with a tighter suggestion. A derived stop
// is clamped to the tier threshold outright.
func (e *Engine) deriveStop(signal types.OrderRequest, entry float64, tier config.BalanceTier, info types.SymbolInfo) (float64, *types.StopAdvice) {
	maxDistance := entry * tier.MaxStopPct

	if signal.StopLoss != 0 {
		distance := math.Abs(entry - signal.StopLoss)
		if distance > maxDistance {
			suggested := entry - maxDistance
			if signal.Side == types.SideShort {
				suggested = entry + maxDistance
			}
			return signal.StopLoss, &types.StopAdvice{
				ProposedStop:  signal.StopLoss,
				SuggestedStop: info.RoundPrice(suggested),
				MaxDistance:   tier.MaxStopPct,
				Cadence:       tier.Cadence,
			}
		}
		return signal.StopLoss, nil
	}

	atr, ok := e.vol.Volatility(signal.Symbol)
	if !ok || atr <= 0 {
		return entry, nil // zero distance, rejected by the caller
	}
	distance := atr * e.cfg.Risk.ATRMultiple
	if distance > maxDistance {
		distance = maxDistance
	}

	stop := entry - distance
	if signal.Side == types.SideShort {
		stop = entry + distance
	}
	return info.RoundPrice(stop), nil
}
