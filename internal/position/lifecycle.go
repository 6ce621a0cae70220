// Package position owns the local registry of positions opened by this agent
// and keeps it aligned with the venue's authoritative state. All open, close,
// and modify traffic to the venue flows through the Engine, which serializes
// operations per ticket.
package position

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/alphapulse/risk-core/internal/logger"
	"github.com/alphapulse/risk-core/internal/metrics"
	"github.com/alphapulse/risk-core/internal/venue"
	"github.com/alphapulse/risk-core/pkg/types"
)

// Persister is the durable backing for the registry. May be nil, in which
// case state lives only in memory.
type Persister interface {
	SavePosition(*types.Position) error
	DeletePosition(int64) error
	AppendOutcome(*types.TradeOutcome) error
}

// Engine tracks open positions and drives their lifecycle against the venue
type Engine struct {
	conn    venue.Connector
	metrics *metrics.Engine
	store   Persister
	log     *logger.Logger

	mu       sync.RWMutex
	registry map[int64]*types.Position

	// pendingSeq issues negative provisional tickets for in-flight opens,
	// outside the venue's ticket space
	pendingSeq int64

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex

	// onOutcome is invoked after every emitted TradeOutcome, synthesized
	// ones included. Used to feed the daily loss counter.
	onOutcome func(types.TradeOutcome)
}

// NewEngine creates a lifecycle engine. store may be nil for dry runs.
func NewEngine(conn venue.Connector, m *metrics.Engine, store Persister, log *logger.Logger) *Engine {
	return &Engine{
		conn:     conn,
		metrics:  m,
		store:    store,
		log:      log,
		registry: make(map[int64]*types.Position),
		locks:    make(map[int64]*sync.Mutex),
	}
}

// OnOutcome registers a hook called with every emitted trade outcome
func (e *Engine) OnOutcome(fn func(types.TradeOutcome)) {
	e.onOutcome = fn
}

// Restore seeds the registry from persisted positions at startup. The next
// reconciliation corrects any of them the venue no longer reports.
func (e *Engine) Restore(positions []types.Position) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range positions {
		pos := positions[i]
		pos.State = types.StateOpen
		e.registry[pos.Ticket] = &pos
	}
	if len(positions) > 0 {
		e.log.Info("♻️ Restored %d positions from store", len(positions))
	}
}

func (e *Engine) ticketLock(ticket int64) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	l, ok := e.locks[ticket]
	if !ok {
		l = &sync.Mutex{}
		e.locks[ticket] = l
	}
	return l
}

func (e *Engine) dropTicketLock(ticket int64) {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	delete(e.locks, ticket)
}

// Open submits a market order and on fill inserts the position into the
// registry with owner SELF. The submit round-trip is tracked as a provisional
// PENDING_OPEN entry under a negative ticket, so position counts and
// reconciliation see the in-flight order. A venue rejection is returned
// verbatim without retry; a blind retry on a rejected order risks duplicate
// exposure.
func (e *Engine) Open(ctx context.Context, symbol string, side types.Side, volume, stopLoss, takeProfit float64) (int64, error) {
	e.mu.Lock()
	e.pendingSeq--
	provisional := e.pendingSeq
	e.registry[provisional] = &types.Position{
		Ticket:     provisional,
		Symbol:     symbol,
		Side:       side,
		Volume:     volume,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		OpenedAt:   time.Now(),
		Owner:      types.OwnerSelf,
		State:      types.StatePendingOpen,
	}
	e.mu.Unlock()

	fill, err := e.conn.SubmitOrder(ctx, venue.OrderSpec{
		Symbol:     symbol,
		Side:       side,
		Volume:     volume,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
		Tag:        venue.OwnerTag,
	})
	if err != nil {
		e.mu.Lock()
		delete(e.registry, provisional)
		e.mu.Unlock()
		if venue.IsConnectivity(err) {
			// Unknown outcome. The next reconciliation picks up the
			// position if the order actually executed.
			e.log.Warning("⚠️ Order submit outcome unknown for %s %s: %v", side, symbol, err)
		}
		return 0, err
	}

	pos := &types.Position{
		Ticket:       fill.Ticket,
		Symbol:       fill.Symbol,
		Side:         side,
		Volume:       fill.Volume,
		OpenPrice:    fill.Price,
		CurrentPrice: fill.Price,
		StopLoss:     stopLoss,
		TakeProfit:   takeProfit,
		OpenedAt:     fill.FilledAt,
		Owner:        types.OwnerSelf,
		State:        types.StateOpen,
	}

	e.mu.Lock()
	delete(e.registry, provisional)
	e.registry[pos.Ticket] = pos
	e.mu.Unlock()

	e.persistSave(pos)
	e.log.Trade("📈 Opened #%d %s %s vol=%.4f @ %.5f sl=%.5f tp=%.5f",
		pos.Ticket, side, symbol, pos.Volume, pos.OpenPrice, stopLoss, takeProfit)
	return pos.Ticket, nil
}

// Close issues the closing order for the full volume and emits a TradeOutcome
// on success. Closing an unknown ticket returns ErrNotFound.
func (e *Engine) Close(ctx context.Context, ticket int64, reason string) (*types.TradeOutcome, error) {
	l := e.ticketLock(ticket)
	l.Lock()
	defer l.Unlock()

	e.mu.Lock()
	pos, ok := e.registry[ticket]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("close %d: %w", ticket, venue.ErrNotFound)
	}
	prior := pos.State
	pos.State = types.StatePendingClose
	volume := pos.Volume
	e.mu.Unlock()

	fill, err := e.conn.ClosePosition(ctx, ticket, volume)
	if err != nil {
		e.mu.Lock()
		pos.State = prior
		e.mu.Unlock()
		if venue.IsConnectivity(err) {
			e.log.Warning("⚠️ Close outcome unknown for #%d: %v", ticket, err)
		}
		return nil, err
	}

	outcome := buildOutcome(pos, fill.Price, fill.FilledAt, reason)

	e.mu.Lock()
	delete(e.registry, ticket)
	e.mu.Unlock()
	e.dropTicketLock(ticket)

	e.emitOutcome(outcome)
	e.log.Trade("📉 Closed #%d %s pnl=%.2f (%s)", ticket, outcome.Symbol, outcome.RealizedPnL, reason)
	return &outcome, nil
}

// Modify updates stop-loss and take-profit on an open position. Nil fields
// keep their current values. A venue rejection leaves the registry unchanged.
func (e *Engine) Modify(ctx context.Context, ticket int64, stopLoss, takeProfit *float64) error {
	l := e.ticketLock(ticket)
	l.Lock()
	defer l.Unlock()

	e.mu.Lock()
	pos, ok := e.registry[ticket]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("modify %d: %w", ticket, venue.ErrNotFound)
	}
	prior := pos.State
	pos.State = types.StatePendingModify
	newSL := pos.StopLoss
	newTP := pos.TakeProfit
	if stopLoss != nil {
		newSL = *stopLoss
	}
	if takeProfit != nil {
		newTP = *takeProfit
	}
	e.mu.Unlock()

	if err := e.conn.ModifyPosition(ctx, ticket, newSL, newTP); err != nil {
		e.mu.Lock()
		pos.State = prior
		e.mu.Unlock()
		return err
	}

	e.mu.Lock()
	pos.StopLoss = newSL
	pos.TakeProfit = newTP
	pos.State = types.StateOpen
	snapshot := *pos
	e.mu.Unlock()

	e.persistSave(&snapshot)
	e.log.Info("🔧 Modified #%d sl=%.5f tp=%.5f", ticket, newSL, newTP)
	return nil
}

// CloseAll sequentially closes every SELF-owned position matching the filter,
// continuing past individual failures. Returns the confirmed closure count
// and the per-ticket failures.
func (e *Engine) CloseAll(ctx context.Context, filter func(*types.Position) bool) (int, []error) {
	e.mu.RLock()
	var tickets []int64
	for ticket, pos := range e.registry {
		if pos.Owner != types.OwnerSelf {
			continue
		}
		if filter != nil && !filter(pos) {
			continue
		}
		tickets = append(tickets, ticket)
	}
	e.mu.RUnlock()

	closed := 0
	var failures []error
	for _, ticket := range tickets {
		if _, err := e.Close(ctx, ticket, "close_all"); err != nil {
			failures = append(failures, fmt.Errorf("ticket %d: %w", ticket, err))
			continue
		}
		closed++
	}
	return closed, failures
}

// Position returns a copy of one tracked position
func (e *Engine) Position(ticket int64) (types.Position, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	pos, ok := e.registry[ticket]
	if !ok {
		return types.Position{}, false
	}
	return *pos, true
}

// Positions returns a copy of every tracked position
func (e *Engine) Positions() []types.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]types.Position, 0, len(e.registry))
	for _, pos := range e.registry {
		out = append(out, *pos)
	}
	return out
}

// OpenCount returns the number of SELF-owned positions currently tracked
func (e *Engine) OpenCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, pos := range e.registry {
		if pos.Owner == types.OwnerSelf {
			n++
		}
	}
	return n
}

// Summaries returns the per-symbol live state handed to the metrics engine
// each cycle
func (e *Engine) Summaries() []types.PositionSummary {
	e.mu.RLock()
	defer e.mu.RUnlock()

	bySymbol := make(map[string]*types.PositionSummary)
	for _, pos := range e.registry {
		if pos.Owner != types.OwnerSelf {
			continue
		}
		// Provisional entries have no fill yet and no live figures
		if pos.State == types.StatePendingOpen {
			continue
		}
		s, ok := bySymbol[pos.Symbol]
		if !ok {
			s = &types.PositionSummary{Symbol: pos.Symbol}
			bySymbol[pos.Symbol] = s
		}
		s.OpenPositions++
		s.UnrealizedPnL += pos.UnrealizedPnL
		s.Exposure += pos.Exposure()
	}

	out := make([]types.PositionSummary, 0, len(bySymbol))
	for _, s := range bySymbol {
		out = append(out, *s)
	}
	return out
}

func (e *Engine) persistSave(pos *types.Position) {
	if e.store == nil {
		return
	}
	if err := e.store.SavePosition(pos); err != nil {
		e.log.LogError("persisting position", err)
	}
}

func (e *Engine) persistDelete(ticket int64) {
	if e.store == nil {
		return
	}
	if err := e.store.DeletePosition(ticket); err != nil {
		e.log.LogError("deleting persisted position", err)
	}
}

func (e *Engine) emitOutcome(outcome types.TradeOutcome) {
	e.persistDelete(outcome.Ticket)
	if e.store != nil {
		if err := e.store.AppendOutcome(&outcome); err != nil {
			e.log.LogError("persisting trade outcome", err)
		}
	}
	e.metrics.RecordOutcome(outcome)
	if e.onOutcome != nil {
		e.onOutcome(outcome)
	}
}

// buildOutcome derives the immutable trade record from the position and its
// closing fill. Risk is the entry-to-stop distance, zero when no stop was set.
func buildOutcome(pos *types.Position, exitPrice float64, exitTime time.Time, reason string) types.TradeOutcome {
	risk := 0.0
	if pos.StopLoss != 0 {
		risk = math.Abs(pos.OpenPrice - pos.StopLoss)
	}
	reward := math.Abs(exitPrice - pos.OpenPrice)
	if pos.TakeProfit != 0 {
		reward = math.Abs(pos.TakeProfit - pos.OpenPrice)
	}
	return types.TradeOutcome{
		Ticket:      pos.Ticket,
		Symbol:      pos.Symbol,
		RealizedPnL: pos.PnLAt(exitPrice),
		EntryPrice:  pos.OpenPrice,
		ExitPrice:   exitPrice,
		EntryTime:   pos.OpenedAt,
		ExitTime:    exitTime,
		Risk:        risk,
		Reward:      reward,
		CloseReason: reason,
	}
}
