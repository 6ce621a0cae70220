// Package bybit adapts the Bybit v5 API to the venue connector contract.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	bybit_api "github.com/bybit-exchange/bybit.go.api"

	"github.com/alphapulse/risk-core/internal/venue"
)

// Client wraps the Bybit HTTP client with typed request/response handling
type Client struct {
	httpClient *bybit_api.Client
	category   string
	testnet    bool
}

// Config holds the Bybit client configuration
type Config struct {
	APIKey    string
	APISecret string
	Testnet   bool
	Category  string // linear, inverse, spot
}

// NewClient creates a Bybit API client
func NewClient(cfg Config) *Client {
	baseURL := bybit_api.MAINNET
	if cfg.Testnet {
		baseURL = bybit_api.TESTNET
	}
	category := cfg.Category
	if category == "" {
		category = "linear"
	}

	httpClient := bybit_api.NewBybitHttpClient(
		cfg.APIKey,
		cfg.APISecret,
		bybit_api.WithBaseURL(baseURL),
	)
	return &Client{httpClient: httpClient, category: category, testnet: cfg.Testnet}
}

// unwrap validates a raw API response and returns its result payload.
// A non-zero retCode is a business rejection; anything else that went wrong
// on the wire already surfaced as a transport error.
func unwrap(op string, response interface{}, err error) (interface{}, error) {
	if err != nil {
		return nil, venue.NewConnectivityError(op, err)
	}
	serverResp, ok := response.(*bybit_api.ServerResponse)
	if !ok {
		return nil, venue.NewConnectivityError(op, fmt.Errorf("unexpected response type %T", response))
	}
	if serverResp.RetCode != 0 {
		return nil, venue.NewBusinessRejection(op, strconv.Itoa(serverResp.RetCode), serverResp.RetMsg)
	}
	return serverResp.Result, nil
}

// decode re-marshals a result payload into a typed struct
func decode(op string, result interface{}, into interface{}) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return venue.NewConnectivityError(op, fmt.Errorf("marshaling result: %w", err))
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return venue.NewConnectivityError(op, fmt.Errorf("unmarshaling result: %w", err))
	}
	return nil
}

type walletInfo struct {
	TotalEquity           float64
	TotalWalletBalance    float64
	TotalInitialMargin    float64
	TotalAvailableBalance float64
}

// GetWallet fetches the unified account wallet totals
func (c *Client) GetWallet(ctx context.Context) (*walletInfo, error) {
	const op = "wallet"
	params := map[string]interface{}{"accountType": "UNIFIED"}
	raw, err := c.httpClient.NewUtaBybitServiceWithParams(params).GetAccountWallet(ctx)
	result, err := unwrap(op, raw, err)
	if err != nil {
		return nil, err
	}

	var payload struct {
		List []struct {
			TotalEquity           string `json:"totalEquity"`
			TotalWalletBalance    string `json:"totalWalletBalance"`
			TotalInitialMargin    string `json:"totalInitialMargin"`
			TotalAvailableBalance string `json:"totalAvailableBalance"`
		} `json:"list"`
	}
	if err := decode(op, result, &payload); err != nil {
		return nil, err
	}
	if len(payload.List) == 0 {
		return nil, venue.NewBusinessRejection(op, "EMPTY", "no account data returned")
	}

	acct := payload.List[0]
	return &walletInfo{
		TotalEquity:           parseFloat(acct.TotalEquity),
		TotalWalletBalance:    parseFloat(acct.TotalWalletBalance),
		TotalInitialMargin:    parseFloat(acct.TotalInitialMargin),
		TotalAvailableBalance: parseFloat(acct.TotalAvailableBalance),
	}, nil
}

type positionInfo struct {
	Symbol        string
	Side          string
	Size          float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealisedPnl float64
	TakeProfit    float64
	StopLoss      float64
	CreatedTime   time.Time
}

// GetPositions fetches all open positions in the configured category
func (c *Client) GetPositions(ctx context.Context) ([]positionInfo, error) {
	const op = "positions"
	params := map[string]interface{}{
		"category":   c.category,
		"settleCoin": "USDT",
	}
	raw, err := c.httpClient.NewUtaBybitServiceWithParams(params).GetPositionList(ctx)
	result, err := unwrap(op, raw, err)
	if err != nil {
		return nil, err
	}

	var payload struct {
		List []struct {
			Symbol        string `json:"symbol"`
			Side          string `json:"side"`
			Size          string `json:"size"`
			AvgPrice      string `json:"avgPrice"`
			MarkPrice     string `json:"markPrice"`
			UnrealisedPnl string `json:"unrealisedPnl"`
			TakeProfit    string `json:"takeProfit"`
			StopLoss      string `json:"stopLoss"`
			CreatedTime   string `json:"createdTime"`
		} `json:"list"`
	}
	if err := decode(op, result, &payload); err != nil {
		return nil, err
	}

	var out []positionInfo
	for _, p := range payload.List {
		size := parseFloat(p.Size)
		if size == 0 {
			continue
		}
		out = append(out, positionInfo{
			Symbol:        p.Symbol,
			Side:          p.Side,
			Size:          size,
			EntryPrice:    parseFloat(p.AvgPrice),
			MarkPrice:     parseFloat(p.MarkPrice),
			UnrealisedPnl: parseFloat(p.UnrealisedPnl),
			TakeProfit:    parseFloat(p.TakeProfit),
			StopLoss:      parseFloat(p.StopLoss),
			CreatedTime:   parseTimestamp(p.CreatedTime),
		})
	}
	return out, nil
}

type instrumentInfo struct {
	Symbol     string
	TickSize   float64
	MinQty     float64
	MaxQty     float64
	QtyStep    float64
	PriceScale int
}

// GetInstrument fetches trading constraints for one symbol
func (c *Client) GetInstrument(ctx context.Context, symbol string) (*instrumentInfo, error) {
	const op = "instrument"
	params := map[string]interface{}{
		"category": c.category,
		"symbol":   symbol,
	}
	raw, err := c.httpClient.NewUtaBybitServiceWithParams(params).GetInstrumentInfo(ctx)
	result, err := unwrap(op, raw, err)
	if err != nil {
		return nil, err
	}

	var payload struct {
		List []struct {
			Symbol      string `json:"symbol"`
			PriceScale  string `json:"priceScale"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
			LotSizeFilter struct {
				MinOrderQty string `json:"minOrderQty"`
				MaxOrderQty string `json:"maxOrderQty"`
				QtyStep     string `json:"qtyStep"`
			} `json:"lotSizeFilter"`
		} `json:"list"`
	}
	if err := decode(op, result, &payload); err != nil {
		return nil, err
	}
	if len(payload.List) == 0 {
		return nil, venue.NewBusinessRejection(op, "UNKNOWN_SYMBOL", fmt.Sprintf("symbol %s not found", symbol))
	}

	inst := payload.List[0]
	scale, _ := strconv.Atoi(inst.PriceScale)
	return &instrumentInfo{
		Symbol:     inst.Symbol,
		TickSize:   parseFloat(inst.PriceFilter.TickSize),
		MinQty:     parseFloat(inst.LotSizeFilter.MinOrderQty),
		MaxQty:     parseFloat(inst.LotSizeFilter.MaxOrderQty),
		QtyStep:    parseFloat(inst.LotSizeFilter.QtyStep),
		PriceScale: scale,
	}, nil
}

// GetLatestPrice fetches the ticker last price for one symbol
func (c *Client) GetLatestPrice(ctx context.Context, symbol string) (float64, error) {
	const op = "ticker"
	params := map[string]interface{}{
		"category": c.category,
		"symbol":   symbol,
	}
	raw, err := c.httpClient.NewUtaBybitServiceWithParams(params).GetMarketTickers(ctx)
	result, err := unwrap(op, raw, err)
	if err != nil {
		return 0, err
	}

	var payload struct {
		List []struct {
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := decode(op, result, &payload); err != nil {
		return 0, err
	}
	if len(payload.List) == 0 {
		return 0, venue.NewBusinessRejection(op, "UNKNOWN_SYMBOL", fmt.Sprintf("no ticker for %s", symbol))
	}
	return parseFloat(payload.List[0].LastPrice), nil
}

type orderResult struct {
	OrderID     string
	OrderLinkID string
}

// PlaceMarketOrder submits a market order, optionally with attached stop levels
// and a reduce-only flag for closing orders
func (c *Client) PlaceMarketOrder(ctx context.Context, symbol, side, qty, stopLoss, takeProfit, orderLinkID string, reduceOnly bool) (*orderResult, error) {
	const op = "place_order"
	params := map[string]interface{}{
		"category":  c.category,
		"symbol":    symbol,
		"side":      side,
		"orderType": "Market",
		"qty":       qty,
	}
	if stopLoss != "" {
		params["stopLoss"] = stopLoss
	}
	if takeProfit != "" {
		params["takeProfit"] = takeProfit
	}
	if orderLinkID != "" {
		params["orderLinkId"] = orderLinkID
	}
	if reduceOnly {
		params["reduceOnly"] = true
	}

	raw, err := c.httpClient.NewUtaBybitServiceWithParams(params).PlaceOrder(ctx)
	result, err := unwrap(op, raw, err)
	if err != nil {
		return nil, err
	}

	var payload struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := decode(op, result, &payload); err != nil {
		return nil, err
	}
	return &orderResult{OrderID: payload.OrderID, OrderLinkID: payload.OrderLinkID}, nil
}

// SetTradingStop updates stop-loss and take-profit on a position
func (c *Client) SetTradingStop(ctx context.Context, symbol, stopLoss, takeProfit string) error {
	const op = "trading_stop"
	params := map[string]interface{}{
		"category":    c.category,
		"symbol":      symbol,
		"positionIdx": 0,
	}
	if stopLoss != "" {
		params["stopLoss"] = stopLoss
	}
	if takeProfit != "" {
		params["takeProfit"] = takeProfit
	}

	raw, err := c.httpClient.NewUtaBybitServiceWithParams(params).SetPositionTradingStop(ctx)
	_, err = unwrap(op, raw, err)
	return err
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func parseTimestamp(ms string) time.Time {
	if ms == "" {
		return time.Time{}
	}
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(n)
}
