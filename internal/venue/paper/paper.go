// Package paper implements an in-memory simulated venue. It fills market
// orders at the current simulated price and keeps its own authoritative
// position list, which makes it the test double for every engine that talks
// to a venue.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alphapulse/risk-core/internal/venue"
	"github.com/alphapulse/risk-core/pkg/types"
)

// Venue is a simulated trading venue
type Venue struct {
	mu        sync.Mutex
	balance   float64
	realized  float64
	leverage  float64
	connected bool

	prices     map[string]float64
	symbols    map[string]types.SymbolInfo
	positions  map[int64]*paperPosition
	nextTicket int64

	// Failure injection for tests
	rejectNext   string // non-empty = reject next order with this reason
	failNext     bool   // next call returns a connectivity error
	tradeAllowed bool
}

type paperPosition struct {
	pos types.Position
	tag string
}

// New creates a paper venue with the given starting balance
func New(balance float64) *Venue {
	return &Venue{
		balance:      balance,
		leverage:     100,
		prices:       make(map[string]float64),
		symbols:      make(map[string]types.SymbolInfo),
		positions:    make(map[int64]*paperPosition),
		nextTicket:   1000,
		tradeAllowed: true,
	}
}

// GetName identifies the venue
func (v *Venue) GetName() string { return "paper" }

// Connect marks the venue as connected
func (v *Venue) Connect(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.connected = true
	return nil
}

// Disconnect marks the venue as disconnected
func (v *Venue) Disconnect() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.connected = false
	return nil
}

// IsConnected reports the simulated connection state
func (v *Venue) IsConnected() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.connected
}

// SetPrice sets the simulated market price for a symbol
func (v *Venue) SetPrice(symbol string, price float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.prices[symbol] = price
	for _, pp := range v.positions {
		if pp.pos.Symbol == symbol {
			pp.pos.CurrentPrice = price
			pp.pos.UnrealizedPnL = pp.pos.PnLAt(price)
		}
	}
}

// SetSymbolInfo registers trading constraints for a symbol
func (v *Venue) SetSymbolInfo(info types.SymbolInfo) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.symbols[info.Symbol] = info
}

// SetTradeAllowed toggles the account-level trading permission
func (v *Venue) SetTradeAllowed(allowed bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tradeAllowed = allowed
}

// RejectNextOrder makes the next SubmitOrder fail with a business rejection
func (v *Venue) RejectNextOrder(reason string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rejectNext = reason
}

// FailNextCall makes the next venue call fail with a connectivity error
func (v *Venue) FailNextCall() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failNext = true
}

// AddExternalPosition injects a position opened outside this agent, as manual
// trading at the terminal would
func (v *Venue) AddExternalPosition(symbol string, side types.Side, volume, price float64) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nextTicket++
	ticket := v.nextTicket
	v.positions[ticket] = &paperPosition{
		pos: types.Position{
			Ticket:       ticket,
			Symbol:       symbol,
			Side:         side,
			Volume:       volume,
			OpenPrice:    price,
			CurrentPrice: price,
			OpenedAt:     time.Now(),
			Owner:        types.OwnerExternal,
			State:        types.StateOpen,
		},
		tag: "",
	}
	return ticket
}

// RemovePosition drops a position without a fill, simulating a close that
// happened outside the polling loop
func (v *Venue) RemovePosition(ticket int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.positions, ticket)
}

func (v *Venue) checkConnectivity(op string) error {
	if v.failNext {
		v.failNext = false
		return venue.NewConnectivityError(op, fmt.Errorf("simulated transport failure"))
	}
	if !v.connected {
		return venue.NewConnectivityError(op, fmt.Errorf("not connected"))
	}
	return nil
}

// GetAccountSnapshot returns the simulated account state
func (v *Venue) GetAccountSnapshot(ctx context.Context) (*types.AccountSnapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkConnectivity("account_snapshot"); err != nil {
		return nil, err
	}

	unrealized := 0.0
	marginUsed := 0.0
	for _, pp := range v.positions {
		unrealized += pp.pos.UnrealizedPnL
		marginUsed += pp.pos.OpenPrice * pp.pos.Volume / v.leverage
	}
	equity := v.balance + unrealized
	return &types.AccountSnapshot{
		Balance:      v.balance,
		Equity:       equity,
		MarginUsed:   marginUsed,
		MarginFree:   equity - marginUsed,
		Currency:     "USDT",
		TradeAllowed: v.tradeAllowed,
		FetchedAt:    time.Now(),
	}, nil
}

// GetOpenPositions returns the venue's authoritative position list
func (v *Venue) GetOpenPositions(ctx context.Context) ([]types.Position, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkConnectivity("open_positions"); err != nil {
		return nil, err
	}

	out := make([]types.Position, 0, len(v.positions))
	for _, pp := range v.positions {
		pos := pp.pos
		if pp.tag == venue.OwnerTag {
			pos.Owner = types.OwnerSelf
		} else {
			pos.Owner = types.OwnerExternal
		}
		out = append(out, pos)
	}
	return out, nil
}

// GetSymbolInfo returns constraints for a symbol, with permissive defaults
func (v *Venue) GetSymbolInfo(ctx context.Context, symbol string) (*types.SymbolInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkConnectivity("symbol_info"); err != nil {
		return nil, err
	}

	if info, ok := v.symbols[symbol]; ok {
		return &info, nil
	}
	return &types.SymbolInfo{
		Symbol:       symbol,
		Point:        0.0001,
		Digits:       4,
		VolumeMin:    0.01,
		VolumeMax:    100,
		VolumeStep:   0.01,
		ContractSize: 1,
	}, nil
}

// GetLatestPrice returns the simulated market price
func (v *Venue) GetLatestPrice(ctx context.Context, symbol string) (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkConnectivity("latest_price"); err != nil {
		return 0, err
	}

	price, ok := v.prices[symbol]
	if !ok {
		return 0, venue.NewBusinessRejection("latest_price", "NO_PRICE", fmt.Sprintf("no price for %s", symbol))
	}
	return price, nil
}

// CalcRequiredMargin applies the simulated leverage-based margin formula
func (v *Venue) CalcRequiredMargin(ctx context.Context, side types.Side, symbol string, volume float64) (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkConnectivity("required_margin"); err != nil {
		return 0, err
	}

	price, ok := v.prices[symbol]
	if !ok {
		return 0, venue.NewBusinessRejection("required_margin", "NO_PRICE", fmt.Sprintf("no price for %s", symbol))
	}
	return price * volume / v.leverage, nil
}

// SubmitOrder fills a market order at the current simulated price
func (v *Venue) SubmitOrder(ctx context.Context, req venue.OrderSpec) (*venue.Fill, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkConnectivity("submit_order"); err != nil {
		return nil, err
	}
	if v.rejectNext != "" {
		reason := v.rejectNext
		v.rejectNext = ""
		return nil, venue.NewBusinessRejection("submit_order", "REJECTED", reason)
	}
	if !v.tradeAllowed {
		return nil, venue.NewBusinessRejection("submit_order", "TRADE_DISABLED", "trading disabled on account")
	}

	price, ok := v.prices[req.Symbol]
	if !ok {
		return nil, venue.NewBusinessRejection("submit_order", "NO_PRICE", fmt.Sprintf("no price for %s", req.Symbol))
	}

	v.nextTicket++
	ticket := v.nextTicket
	now := time.Now()
	v.positions[ticket] = &paperPosition{
		pos: types.Position{
			Ticket:       ticket,
			Symbol:       req.Symbol,
			Side:         req.Side,
			Volume:       req.Volume,
			OpenPrice:    price,
			CurrentPrice: price,
			StopLoss:     req.StopLoss,
			TakeProfit:   req.TakeProfit,
			OpenedAt:     now,
			State:        types.StateOpen,
		},
		tag: req.Tag,
	}
	return &venue.Fill{Ticket: ticket, Symbol: req.Symbol, Price: price, Volume: req.Volume, FilledAt: now}, nil
}

// ClosePosition fills the closing order and realizes the P&L into the balance
func (v *Venue) ClosePosition(ctx context.Context, ticket int64, volume float64) (*venue.Fill, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkConnectivity("close_position"); err != nil {
		return nil, err
	}
	if v.rejectNext != "" {
		reason := v.rejectNext
		v.rejectNext = ""
		return nil, venue.NewBusinessRejection("close_position", "REJECTED", reason)
	}

	pp, ok := v.positions[ticket]
	if !ok {
		return nil, venue.ErrNotFound
	}
	price, ok := v.prices[pp.pos.Symbol]
	if !ok {
		price = pp.pos.CurrentPrice
	}

	v.realized += pp.pos.PnLAt(price)
	v.balance += pp.pos.PnLAt(price)
	delete(v.positions, ticket)

	return &venue.Fill{Ticket: ticket, Symbol: pp.pos.Symbol, Price: price, Volume: volume, FilledAt: time.Now()}, nil
}

// ModifyPosition updates stop levels on an open position
func (v *Venue) ModifyPosition(ctx context.Context, ticket int64, stopLoss, takeProfit float64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkConnectivity("modify_position"); err != nil {
		return err
	}
	if v.rejectNext != "" {
		reason := v.rejectNext
		v.rejectNext = ""
		return venue.NewBusinessRejection("modify_position", "REJECTED", reason)
	}

	pp, ok := v.positions[ticket]
	if !ok {
		return venue.ErrNotFound
	}
	pp.pos.StopLoss = stopLoss
	pp.pos.TakeProfit = takeProfit
	return nil
}
