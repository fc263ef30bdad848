package strategy

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"main/internal/broker"
	"main/internal/schema"
)

// Decision is a strategy's desired holding in one contract after a bar.
type Decision struct {
	Contract schema.Contract
	// Quantity is the signed target holding, not a delta.
	Quantity decimal.Decimal
	Kind     schema.OrderKind
	// LimitPrice applies to limit decisions only.
	LimitPrice decimal.Decimal
}

// Strategy is the decision core the runner drives. Implementations hold
// their own state and are called from a single goroutine.
type Strategy interface {
	Name() string
	Contracts() []schema.Contract
	BarInterval() time.Duration
	OnBar(contract schema.Contract, bar schema.Bar) []Decision
}

// Engine is the slice of the order engine a runner needs.
type Engine interface {
	SubmitOrder(ctx context.Context, req broker.OrderRequest) (schema.OrderKey, error)
	Position(strategy string, contract schema.ContractKey) (schema.Position, bool)
	OpenOrders(strategy string) []schema.Order
}

// TargetSaver persists a strategy's declared target positions.
type TargetSaver interface {
	SaveTarget(ctx context.Context, target schema.TargetPosition) error
}
