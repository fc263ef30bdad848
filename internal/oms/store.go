package oms

import (
	"context"

	"github.com/shopspring/decimal"

	"main/internal/schema"
)

// Store is the durable state log behind the engine. In-memory state is a
// cache rebuildable from it plus a broker resync.
type Store interface {
	SaveOrder(ctx context.Context, order *schema.Order) error
	DeleteOrder(ctx context.Context, key schema.OrderKey) error

	// ApplyExecution persists one confirmed fill as a single unit: the
	// transaction insert, the order update or removal, the position upsert
	// and the staged-commission consume must not be partially observable.
	ApplyExecution(ctx context.Context, apply ExecutionApply) error

	// SetTransactionFee sets the fee of an existing transaction whose fee is
	// still unset. Returns false when no such transaction exists.
	SetTransactionFee(ctx context.Context, execID string, fee decimal.Decimal) (bool, error)
	SaveStagedCommission(ctx context.Context, staged schema.StagedCommission) error

	SavePosition(ctx context.Context, position schema.Position) error
	SaveStrategy(ctx context.Context, strategy schema.Strategy) error

	LoadOpenOrders(ctx context.Context) ([]*schema.Order, error)

	// LoadExecutions returns every recorded execution id mapped to whether
	// its transaction fee is already set.
	LoadExecutions(ctx context.Context) (map[string]bool, error)
	LoadPositions(ctx context.Context) ([]schema.Position, error)
	LoadStagedCommissions(ctx context.Context) ([]schema.StagedCommission, error)
	LoadStrategies(ctx context.Context) ([]schema.Strategy, error)
}

// ExecutionApply is the unit of work persisted for one fill.
type ExecutionApply struct {
	Transaction schema.Transaction
	// Order is the post-fill order state. Nil when the fill matched no known
	// order and was booked to the unknown strategy.
	Order *schema.Order
	// OrderDone removes the open-order record instead of updating it.
	OrderDone bool
	Position  schema.Position
	// ConsumeStaged deletes the staged commission for Transaction.ExecID in
	// the same unit; the transaction carries its fee already.
	ConsumeStaged bool
}

// Notifier delivers operator-facing notifications.
type Notifier interface {
	Notify(ctx context.Context, title, body string) error
}
