package bybit

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/alphapulse/risk-core/internal/venue"
	"github.com/alphapulse/risk-core/pkg/types"
)

// Connector implements the venue contract on top of the Bybit client.
// Bybit keys positions by symbol in one-way mode, so tickets are synthesized
// as a stable hash of the symbol; ownership is tracked locally by remembering
// which tickets this connector opened.
type Connector struct {
	client   *Client
	leverage float64

	mu        sync.Mutex
	connected bool
	owned     map[int64]bool
	meta      map[int64]positionMeta
}

type positionMeta struct {
	symbol string
	side   types.Side
}

// NewConnector creates a Bybit connector
func NewConnector(cfg Config) *Connector {
	return &Connector{
		client:   NewClient(cfg),
		leverage: 10,
		owned:    make(map[int64]bool),
		meta:     make(map[int64]positionMeta),
	}
}

// GetName identifies the venue
func (c *Connector) GetName() string { return "bybit" }

// Connect verifies credentials with a wallet fetch
func (c *Connector) Connect(ctx context.Context) error {
	if _, err := c.client.GetWallet(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

// Disconnect marks the connector as disconnected
func (c *Connector) Disconnect() error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}

// IsConnected reports whether Connect has succeeded
func (c *Connector) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// ticketFor derives the stable synthetic ticket for a symbol
func ticketFor(symbol string) int64 {
	h := fnv.New64a()
	h.Write([]byte(symbol))
	return int64(h.Sum64() & 0x7fffffffffffffff)
}

func (c *Connector) remember(ticket int64, symbol string, side types.Side, owned bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.meta[ticket] = positionMeta{symbol: symbol, side: side}
	if owned {
		c.owned[ticket] = true
	}
}

func (c *Connector) metaFor(ticket int64) (positionMeta, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.meta[ticket]
	return m, ok
}

// GetAccountSnapshot fetches the unified wallet state
func (c *Connector) GetAccountSnapshot(ctx context.Context) (*types.AccountSnapshot, error) {
	var wallet *walletInfo
	err := c.withRetry(ctx, "account_snapshot", func() error {
		var err error
		wallet, err = c.client.GetWallet(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &types.AccountSnapshot{
		Balance:      wallet.TotalWalletBalance,
		Equity:       wallet.TotalEquity,
		MarginUsed:   wallet.TotalInitialMargin,
		MarginFree:   wallet.TotalAvailableBalance,
		Currency:     "USDT",
		TradeAllowed: true,
		FetchedAt:    time.Now(),
	}, nil
}

// GetOpenPositions fetches the venue's position list and maps it to tickets
func (c *Connector) GetOpenPositions(ctx context.Context) ([]types.Position, error) {
	var raw []positionInfo
	err := c.withRetry(ctx, "open_positions", func() error {
		var err error
		raw, err = c.client.GetPositions(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]types.Position, 0, len(raw))
	for _, p := range raw {
		side := types.SideLong
		if p.Side == "Sell" {
			side = types.SideShort
		}
		ticket := ticketFor(p.Symbol)
		c.remember(ticket, p.Symbol, side, false)

		owner := types.OwnerExternal
		c.mu.Lock()
		if c.owned[ticket] {
			owner = types.OwnerSelf
		}
		c.mu.Unlock()

		out = append(out, types.Position{
			Ticket:        ticket,
			Symbol:        p.Symbol,
			Side:          side,
			Volume:        p.Size,
			OpenPrice:     p.EntryPrice,
			CurrentPrice:  p.MarkPrice,
			StopLoss:      p.StopLoss,
			TakeProfit:    p.TakeProfit,
			UnrealizedPnL: p.UnrealisedPnl,
			OpenedAt:      p.CreatedTime,
			Owner:         owner,
			State:         types.StateOpen,
		})
	}
	return out, nil
}

// GetSymbolInfo maps instrument constraints to the venue-neutral form
func (c *Connector) GetSymbolInfo(ctx context.Context, symbol string) (*types.SymbolInfo, error) {
	var inst *instrumentInfo
	err := c.withRetry(ctx, "symbol_info", func() error {
		var err error
		inst, err = c.client.GetInstrument(ctx, symbol)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &types.SymbolInfo{
		Symbol:       inst.Symbol,
		Point:        inst.TickSize,
		Digits:       inst.PriceScale,
		VolumeMin:    inst.MinQty,
		VolumeMax:    inst.MaxQty,
		VolumeStep:   inst.QtyStep,
		ContractSize: 1,
	}, nil
}

// GetLatestPrice fetches the ticker last price
func (c *Connector) GetLatestPrice(ctx context.Context, symbol string) (float64, error) {
	var price float64
	err := c.withRetry(ctx, "latest_price", func() error {
		var err error
		price, err = c.client.GetLatestPrice(ctx, symbol)
		return err
	})
	return price, err
}

// CalcRequiredMargin estimates initial margin as notional over leverage
func (c *Connector) CalcRequiredMargin(ctx context.Context, side types.Side, symbol string, volume float64) (float64, error) {
	price, err := c.GetLatestPrice(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return price * volume / c.leverage, nil
}

func apiSide(side types.Side) string {
	if side == types.SideShort {
		return "Sell"
	}
	return "Buy"
}

// SubmitOrder places a market order with attached stop levels. Retries are
// not applied here; a lost confirmation is resolved by reconciliation.
func (c *Connector) SubmitOrder(ctx context.Context, req venue.OrderSpec) (*venue.Fill, error) {
	qty := strconv.FormatFloat(req.Volume, 'f', -1, 64)
	linkID := fmt.Sprintf("%s-%d", req.Tag, time.Now().UnixNano())

	sl, tp := "", ""
	if req.StopLoss > 0 {
		sl = strconv.FormatFloat(req.StopLoss, 'f', -1, 64)
	}
	if req.TakeProfit > 0 {
		tp = strconv.FormatFloat(req.TakeProfit, 'f', -1, 64)
	}

	if _, err := c.client.PlaceMarketOrder(ctx, req.Symbol, apiSide(req.Side), qty, sl, tp, linkID, false); err != nil {
		return nil, err
	}

	// Market orders fill immediately; the position entry price is the
	// authoritative fill price.
	fillPrice := 0.0
	positions, err := c.client.GetPositions(ctx)
	if err == nil {
		for _, p := range positions {
			if p.Symbol == req.Symbol {
				fillPrice = p.EntryPrice
				break
			}
		}
	}
	if fillPrice == 0 {
		if fillPrice, err = c.client.GetLatestPrice(ctx, req.Symbol); err != nil {
			return nil, err
		}
	}

	ticket := ticketFor(req.Symbol)
	c.remember(ticket, req.Symbol, req.Side, true)
	return &venue.Fill{
		Ticket:   ticket,
		Symbol:   req.Symbol,
		Price:    fillPrice,
		Volume:   req.Volume,
		FilledAt: time.Now(),
	}, nil
}

// ClosePosition submits a reduce-only market order at the opposite side
func (c *Connector) ClosePosition(ctx context.Context, ticket int64, volume float64) (*venue.Fill, error) {
	m, ok := c.metaFor(ticket)
	if !ok {
		return nil, venue.ErrNotFound
	}

	qty := strconv.FormatFloat(volume, 'f', -1, 64)
	linkID := fmt.Sprintf("%s-close-%d", venue.OwnerTag, time.Now().UnixNano())
	if _, err := c.client.PlaceMarketOrder(ctx, m.symbol, apiSide(m.side.Opposite()), qty, "", "", linkID, true); err != nil {
		return nil, err
	}

	price, err := c.client.GetLatestPrice(ctx, m.symbol)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	delete(c.owned, ticket)
	delete(c.meta, ticket)
	c.mu.Unlock()

	return &venue.Fill{
		Ticket:   ticket,
		Symbol:   m.symbol,
		Price:    price,
		Volume:   volume,
		FilledAt: time.Now(),
	}, nil
}

// ModifyPosition updates stop-loss and take-profit via the trading stop API
func (c *Connector) ModifyPosition(ctx context.Context, ticket int64, stopLoss, takeProfit float64) error {
	m, ok := c.metaFor(ticket)
	if !ok {
		return venue.ErrNotFound
	}

	sl, tp := "", ""
	if stopLoss > 0 {
		sl = strconv.FormatFloat(stopLoss, 'f', -1, 64)
	}
	if takeProfit > 0 {
		tp = strconv.FormatFloat(takeProfit, 'f', -1, 64)
	}
	return c.client.SetTradingStop(ctx, m.symbol, sl, tp)
}
