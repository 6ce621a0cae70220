package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alphapulse/risk-core/pkg/types"
)

// BreakerState represents the state of the connectivity circuit breaker
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

// String returns the string representation of the breaker state
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// GuardConfig holds circuit breaker and timeout settings for venue calls
type GuardConfig struct {
	FailureThreshold uint32        // consecutive connectivity failures before opening
	SuccessThreshold uint32        // successes needed to close from half-open
	OpenTimeout      time.Duration // wait before probing again
	CallTimeout      time.Duration // per-call deadline
}

// Guard wraps a Connector with bounded per-call timeouts and a circuit
// breaker that trips on repeated connectivity failures. Business rejections
// are valid venue responses and never count against the breaker.
type Guard struct {
	inner       Connector
	config      GuardConfig
	state       BreakerState
	failures    uint32
	successes   uint32
	nextAttempt time.Time
	mutex       sync.Mutex
}

// NewGuard wraps the given connector
func NewGuard(inner Connector, config GuardConfig) *Guard {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 2
	}
	if config.OpenTimeout == 0 {
		config.OpenTimeout = 30 * time.Second
	}
	if config.CallTimeout == 0 {
		config.CallTimeout = 10 * time.Second
	}
	return &Guard{inner: inner, config: config, state: BreakerClosed}
}

// State returns the current breaker state
func (g *Guard) State() BreakerState {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	if g.state == BreakerOpen && time.Now().After(g.nextAttempt) {
		g.state = BreakerHalfOpen
		g.successes = 0
	}
	return g.state
}

// GetName returns the wrapped connector's name
func (g *Guard) GetName() string { return g.inner.GetName() }

// IsConnected reports connectivity; an open breaker counts as disconnected
func (g *Guard) IsConnected() bool {
	return g.State() != BreakerOpen && g.inner.IsConnected()
}

// Connect passes through to the wrapped connector
func (g *Guard) Connect(ctx context.Context) error { return g.inner.Connect(ctx) }

// Disconnect passes through to the wrapped connector
func (g *Guard) Disconnect() error { return g.inner.Disconnect() }

func (g *Guard) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if g.State() == BreakerOpen {
		return NewConnectivityError(op, fmt.Errorf("circuit breaker open until %s", g.nextAttempt.Format(time.RFC3339)))
	}

	callCtx, cancel := context.WithTimeout(ctx, g.config.CallTimeout)
	defer cancel()

	err := fn(callCtx)
	if err != nil && IsConnectivity(err) {
		g.recordFailure()
		return err
	}
	g.recordSuccess()
	return err
}

func (g *Guard) recordFailure() {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	g.failures++
	switch g.state {
	case BreakerClosed:
		if g.failures >= g.config.FailureThreshold {
			g.state = BreakerOpen
			g.nextAttempt = time.Now().Add(g.config.OpenTimeout)
		}
	case BreakerHalfOpen:
		g.state = BreakerOpen
		g.nextAttempt = time.Now().Add(g.config.OpenTimeout)
	case BreakerOpen:
		g.nextAttempt = time.Now().Add(g.config.OpenTimeout)
	}
}

func (g *Guard) recordSuccess() {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	g.failures = 0
	if g.state == BreakerHalfOpen {
		g.successes++
		if g.successes >= g.config.SuccessThreshold {
			g.state = BreakerClosed
		}
	}
}

// GetAccountSnapshot fetches the account state through the breaker
func (g *Guard) GetAccountSnapshot(ctx context.Context) (*types.AccountSnapshot, error) {
	var snap *types.AccountSnapshot
	err := g.call(ctx, "account_snapshot", func(ctx context.Context) error {
		var err error
		snap, err = g.inner.GetAccountSnapshot(ctx)
		return err
	})
	return snap, err
}

// GetOpenPositions fetches the venue's position list through the breaker
func (g *Guard) GetOpenPositions(ctx context.Context) ([]types.Position, error) {
	var positions []types.Position
	err := g.call(ctx, "open_positions", func(ctx context.Context) error {
		var err error
		positions, err = g.inner.GetOpenPositions(ctx)
		return err
	})
	return positions, err
}

// GetSymbolInfo fetches symbol constraints through the breaker
func (g *Guard) GetSymbolInfo(ctx context.Context, symbol string) (*types.SymbolInfo, error) {
	var info *types.SymbolInfo
	err := g.call(ctx, "symbol_info", func(ctx context.Context) error {
		var err error
		info, err = g.inner.GetSymbolInfo(ctx, symbol)
		return err
	})
	return info, err
}

// GetLatestPrice fetches the last price through the breaker
func (g *Guard) GetLatestPrice(ctx context.Context, symbol string) (float64, error) {
	var price float64
	err := g.call(ctx, "latest_price", func(ctx context.Context) error {
		var err error
		price, err = g.inner.GetLatestPrice(ctx, symbol)
		return err
	})
	return price, err
}

// CalcRequiredMargin computes margin for a prospective order through the breaker
func (g *Guard) CalcRequiredMargin(ctx context.Context, side types.Side, symbol string, volume float64) (float64, error) {
	var margin float64
	err := g.call(ctx, "required_margin", func(ctx context.Context) error {
		var err error
		margin, err = g.inner.CalcRequiredMargin(ctx, side, symbol, volume)
		return err
	})
	return margin, err
}

// SubmitOrder submits a market order through the breaker
func (g *Guard) SubmitOrder(ctx context.Context, req OrderSpec) (*Fill, error) {
	var fill *Fill
	err := g.call(ctx, "submit_order", func(ctx context.Context) error {
		var err error
		fill, err = g.inner.SubmitOrder(ctx, req)
		return err
	})
	return fill, err
}

// ClosePosition closes a position through the breaker
func (g *Guard) ClosePosition(ctx context.Context, ticket int64, volume float64) (*Fill, error) {
	var fill *Fill
	err := g.call(ctx, "close_position", func(ctx context.Context) error {
		var err error
		fill, err = g.inner.ClosePosition(ctx, ticket, volume)
		return err
	})
	return fill, err
}

// ModifyPosition updates stop levels through the breaker
func (g *Guard) ModifyPosition(ctx context.Context, ticket int64, stopLoss, takeProfit float64) error {
	return g.call(ctx, "modify_position", func(ctx context.Context) error {
		return g.inner.ModifyPosition(ctx, ticket, stopLoss, takeProfit)
	})
}
