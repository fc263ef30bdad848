package broker

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"main/internal/schema"
)

var (
	ErrRejected     = errors.New("broker rejected request")
	ErrDisconnected = errors.New("broker disconnected")
	ErrAckTimeout   = errors.New("broker acknowledge timed out")
)

// OrderRequest is a new-order submission.
type OrderRequest struct {
	Strategy   string
	Contract   schema.Contract
	Side       schema.OrderSide
	Kind       schema.OrderKind
	Quantity   decimal.Decimal
	LimitPrice decimal.Decimal
}

// OpenOrder is one entry of the broker's open-order snapshot.
type OpenOrder struct {
	Key      schema.OrderKey
	Contract schema.Contract
	Side     schema.OrderSide
	Quantity decimal.Decimal
	Filled   decimal.Decimal
	Status   schema.OrderStatus
}

// PositionSnapshot is one entry of the broker's position snapshot.
type PositionSnapshot struct {
	Contract schema.Contract
	Quantity decimal.Decimal
	AvgCost  decimal.Decimal
}

// Adapter is the outbound contract every broker implementation satisfies.
// Inbound events flow through the bus queue the adapter was built with.
// Calls block only for the broker acknowledge, bounded by ctx.
type Adapter interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (schema.OrderKey, error)
	CancelOrder(ctx context.Context, key schema.OrderKey) error
	SubscribeMarketData(ctx context.Context, contract schema.Contract) error
	UnsubscribeMarketData(ctx context.Context, contract schema.Contract) error
	RequestOpenOrders(ctx context.Context) ([]OpenOrder, error)
	RequestPositions(ctx context.Context) ([]PositionSnapshot, error)
}
