package types

import (
	"math"
	"time"
)

// Side represents the direction of a position
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite returns the closing side for a position
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Owner distinguishes positions opened by this agent from ones found at the venue
type Owner string

const (
	OwnerSelf     Owner = "SELF"
	OwnerExternal Owner = "EXTERNAL"
)

// PositionState tracks the lifecycle state of a position.
// PENDING_* states only exist for the duration of a single venue round-trip.
type PositionState string

const (
	StatePendingOpen   PositionState = "PENDING_OPEN"
	StateOpen          PositionState = "OPEN"
	StatePendingModify PositionState = "PENDING_MODIFY"
	StatePendingClose  PositionState = "PENDING_CLOSE"
	StateClosed        PositionState = "CLOSED"
)

// AccountSnapshot is an immutable view of the venue account, fetched once per cycle
type AccountSnapshot struct {
	Balance      float64   `json:"balance"`
	Equity       float64   `json:"equity"`
	MarginUsed   float64   `json:"margin_used"`
	MarginFree   float64   `json:"margin_free"`
	Currency     string    `json:"currency"`
	TradeAllowed bool      `json:"trade_allowed"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// MarginLevel returns the account margin level as a percentage, or +Inf with no margin in use
func (a AccountSnapshot) MarginLevel() float64 {
	if a.MarginUsed <= 0 {
		return math.Inf(1)
	}
	return a.Equity / a.MarginUsed * 100
}

// Position represents an open position. Identity is the venue-assigned ticket,
// which is globally unique and never reused.
type Position struct {
	Ticket        int64         `json:"ticket"`
	Symbol        string        `json:"symbol"`
	Side          Side          `json:"side"`
	Volume        float64       `json:"volume"`
	OpenPrice     float64       `json:"open_price"`
	CurrentPrice  float64       `json:"current_price"`
	StopLoss      float64       `json:"stop_loss,omitempty"`   // 0 = not set
	TakeProfit    float64       `json:"take_profit,omitempty"` // 0 = not set
	UnrealizedPnL float64       `json:"unrealized_pnl"`
	OpenedAt      time.Time     `json:"opened_at"`
	Owner         Owner         `json:"owner"`
	State         PositionState `json:"state"`
}

// Exposure returns the notional value of the position at its current price
func (p *Position) Exposure() float64 {
	return p.CurrentPrice * p.Volume
}

// Direction returns +1 for long positions and -1 for short positions
func (p *Position) Direction() float64 {
	if p.Side == SideShort {
		return -1
	}
	return 1
}

// PnLAt returns the profit of the position were it closed at the given price
func (p *Position) PnLAt(price float64) float64 {
	return (price - p.OpenPrice) * p.Volume * p.Direction()
}

// TradeOutcome records a closed trade. Immutable once created; the unit of
// input to the metrics engine.
type TradeOutcome struct {
	Ticket      int64     `json:"ticket"`
	Symbol      string    `json:"symbol"`
	RealizedPnL float64   `json:"realized_pnl"`
	EntryPrice  float64   `json:"entry_price"`
	ExitPrice   float64   `json:"exit_price"`
	EntryTime   time.Time `json:"entry_time"`
	ExitTime    time.Time `json:"exit_time"`
	Risk        float64   `json:"risk"`   // entry-to-stop distance, 0 if no stop was set
	Reward      float64   `json:"reward"` // entry-to-target distance at close
	CloseReason string    `json:"close_reason"`
}

// OrderRequest is a prospective trade produced by a strategy and screened by
// the risk engine. Hints left at zero are derived by the engine.
type OrderRequest struct {
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	PriceHint  float64 `json:"price_hint"`
	StopLoss   float64 `json:"stop_loss,omitempty"`
	TakeProfit float64 `json:"take_profit,omitempty"`
	Size       float64 `json:"size,omitempty"`
}

// RiskDecision is the output of the risk approval engine. It is acted upon
// immediately or discarded, never persisted.
type RiskDecision struct {
	Approved     bool        `json:"approved"`
	Reason       string      `json:"reason"`
	PositionSize float64     `json:"position_size"`
	StopLoss     float64     `json:"stop_loss"`
	TakeProfit   float64     `json:"take_profit"`
	Advice       *StopAdvice `json:"advice,omitempty"`
}

// StopAdvice flags a proposed stop whose relative distance exceeds the
// balance tier threshold. Advisory only; the caller decides whether to apply it.
type StopAdvice struct {
	ProposedStop  float64 `json:"proposed_stop"`
	SuggestedStop float64 `json:"suggested_stop"`
	MaxDistance   float64 `json:"max_distance"` // tier threshold, fraction of price
	Cadence       string  `json:"cadence"`      // scalping, short-term, swing
}

// EquityPoint is one sample of the equity curve, appended in time order
type EquityPoint struct {
	Timestamp   time.Time `json:"timestamp"`
	Equity      float64   `json:"equity"`
	RunningPeak float64   `json:"running_peak"`
}

// DrawdownState tracks the current peak-to-trough decline, recomputed
// incrementally on each new equity point
type DrawdownState struct {
	CurrentDrawdownPct  float64       `json:"current_drawdown_pct"`
	MaxDrawdownPct      float64       `json:"max_drawdown_pct"`
	DrawdownStartedAt   time.Time     `json:"drawdown_started_at,omitempty"`
	MaxDrawdownDuration time.Duration `json:"max_drawdown_duration"`
}

// SymbolAggregate mirrors the headline metrics per symbol, merged with the
// live position summary each cycle
type SymbolAggregate struct {
	OpenPositions int     `json:"open_positions"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	Exposure      float64 `json:"exposure"`
	RRCount       int     `json:"rr_count"`
	AvgRR         float64 `json:"avg_rr"`
}

// MetricsSnapshot is a derived, point-in-time view of performance. Never the
// source of truth itself.
type MetricsSnapshot struct {
	GrossProfit        float64                    `json:"gross_profit"`
	GrossLoss          float64                    `json:"gross_loss"`
	ProfitFactor       float64                    `json:"profit_factor"` // +Inf when gross_loss == 0 and gross_profit > 0
	WinRate            float64                    `json:"win_rate"`
	Expectancy         float64                    `json:"expectancy"`
	AvgRiskReward      float64                    `json:"avg_risk_reward"`
	MedianRiskReward   float64                    `json:"median_risk_reward"`
	RollingSharpe      float64                    `json:"rolling_sharpe"`
	RollingSharpeValid bool                       `json:"rolling_sharpe_valid"`
	ActivePositions    int                        `json:"active_positions"`
	TotalTrades        int                        `json:"total_trades"`
	Drawdown           DrawdownState              `json:"drawdown"`
	SymbolAggregates   map[string]SymbolAggregate `json:"symbol_aggregates"`
}

// PositionSummary is the per-symbol live state handed to the metrics engine by
// the lifecycle engine each cycle
type PositionSummary struct {
	Symbol        string  `json:"symbol"`
	OpenPositions int     `json:"open_positions"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	Exposure      float64 `json:"exposure"`
}

// SymbolInfo holds the venue's trading constraints for a symbol
type SymbolInfo struct {
	Symbol       string  `json:"symbol"`
	Point        float64 `json:"point"`  // smallest price increment
	Digits       int     `json:"digits"` // price precision
	VolumeMin    float64 `json:"volume_min"`
	VolumeMax    float64 `json:"volume_max"`
	VolumeStep   float64 `json:"volume_step"`
	ContractSize float64 `json:"contract_size"`
}

// RoundPrice rounds a price to the symbol's precision
func (s SymbolInfo) RoundPrice(price float64) float64 {
	mult := math.Pow(10, float64(s.Digits))
	return math.Round(price*mult) / mult
}

// RoundVolume snaps a volume to the symbol's step and clamps it to [min, max]
func (s SymbolInfo) RoundVolume(volume float64) float64 {
	if s.VolumeStep > 0 {
		volume = math.Round(volume/s.VolumeStep) * s.VolumeStep
	}
	if volume < s.VolumeMin {
		volume = s.VolumeMin
	}
	if s.VolumeMax > 0 && volume > s.VolumeMax {
		volume = s.VolumeMax
	}
	return volume
}

// ReconciliationReport is the outcome of aligning the local registry with the
// venue's authoritative position list
type ReconciliationReport struct {
	Timestamp        time.Time      `json:"timestamp"`
	ExternalFound    []Position     `json:"external_found,omitempty"` // venue positions not opened by this agent
	ClosedOutside    []TradeOutcome `json:"closed_outside,omitempty"` // tracked tickets missing from the venue snapshot
	DesyncWarnings   []string       `json:"desync_warnings,omitempty"`
	PositionsChecked int            `json:"positions_checked"`
}

// Empty reports whether reconciliation found nothing to act on
func (r *ReconciliationReport) Empty() bool {
	return len(r.ExternalFound) == 0 && len(r.ClosedOutside) == 0 && len(r.DesyncWarnings) == 0
}
