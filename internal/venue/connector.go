package venue

import (
	"context"
	"time"

	"github.com/alphapulse/risk-core/pkg/types"
)

// Connector abstracts the external trading venue. All calls may fail with a
// ConnectivityError distinct from a BusinessRejection.
type Connector interface {
	// Identification
	GetName() string
	IsConnected() bool

	// Read path, polled once per cycle
	GetAccountSnapshot(ctx context.Context) (*types.AccountSnapshot, error)
	GetOpenPositions(ctx context.Context) ([]types.Position, error)
	GetSymbolInfo(ctx context.Context, symbol string) (*types.SymbolInfo, error)
	GetLatestPrice(ctx context.Context, symbol string) (float64, error)
	CalcRequiredMargin(ctx context.Context, side types.Side, symbol string, volume float64) (float64, error)

	// Trading round-trips
	SubmitOrder(ctx context.Context, req OrderSpec) (*Fill, error)
	ClosePosition(ctx context.Context, ticket int64, volume float64) (*Fill, error)
	ModifyPosition(ctx context.Context, ticket int64, stopLoss, takeProfit float64) error

	// Connection management
	Connect(ctx context.Context) error
	Disconnect() error
}

// OwnerTag is the opaque annotation attached to every order this agent
// submits. Reconciliation uses it to distinguish self-opened positions from
// external ones.
const OwnerTag = "risk-core"

// OrderSpec describes a market order to be submitted to the venue
type OrderSpec struct {
	Symbol     string     `json:"symbol"`
	Side       types.Side `json:"side"`
	Volume     float64    `json:"volume"`
	StopLoss   float64    `json:"stop_loss,omitempty"`
	TakeProfit float64    `json:"take_profit,omitempty"`
	Tag        string     `json:"tag"`
}

// Fill is the venue's confirmation of an executed order
type Fill struct {
	Ticket   int64     `json:"ticket"`
	Symbol   string    `json:"symbol"`
	Price    float64   `json:"price"`
	Volume   float64   `json:"volume"`
	FilledAt time.Time `json:"filled_at"`
}
