package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// BrokerEvent is the closed set of normalized events a broker adapter can
// deliver to the core. Dispatch is an exhaustive type switch at the
// adapter-to-core boundary.
type BrokerEvent interface {
	brokerEvent()
}

// OrderStatusEvent reports an order's broker-side status and cumulative
// filled quantity.
type OrderStatusEvent struct {
	Key    OrderKey
	Status OrderStatus
	Filled decimal.Decimal
}

// ExecutionEvent reports a single fill. ExecID is globally unique and
// immutable; Qty is a positive magnitude signed by Side.
type ExecutionEvent struct {
	ExecID   string
	Key      OrderKey
	Contract Contract
	Side     OrderSide
	Price    decimal.Decimal
	Qty      decimal.Decimal
	CumQty   decimal.Decimal
	Time     time.Time
}

// CommissionEvent reports the fee for an execution. It may arrive before or
// after its ExecutionEvent.
type CommissionEvent struct {
	ExecID string
	Fee    decimal.Decimal
}

// MarketDataEvent carries one bar for a subscribed contract.
type MarketDataEvent struct {
	Contract Contract
	Bar      Bar
}

// ConnectionEvent reports broker connectivity transitions.
type ConnectionEvent struct {
	Up bool
}

func (OrderStatusEvent) brokerEvent() {}
func (ExecutionEvent) brokerEvent()   {}
func (CommissionEvent) brokerEvent()  {}
func (MarketDataEvent) brokerEvent()  {}
func (ConnectionEvent) brokerEvent()  {}

// OrderStatus is the broker's order status vocabulary.
type OrderStatus uint8

const (
	OrderStatusUnknown OrderStatus = iota
	OrderStatusPendingSubmit
	OrderStatusPreSubmitted
	OrderStatusSubmitted
	OrderStatusCancelled
	OrderStatusFilled
	OrderStatusInactive
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusPendingSubmit:
		return "PendingSubmit"
	case OrderStatusPreSubmitted:
		return "PreSubmitted"
	case OrderStatusSubmitted:
		return "Submitted"
	case OrderStatusCancelled:
		return "Cancelled"
	case OrderStatusFilled:
		return "Filled"
	case OrderStatusInactive:
		return "Inactive"
	default:
		return "Unknown"
	}
}

// ParseOrderStatus decodes a broker status string. Unknown strings map to
// OrderStatusUnknown rather than failing; the engine drops them with a log.
func ParseOrderStatus(s string) OrderStatus {
	switch s {
	case "PendingSubmit", "ApiPending":
		return OrderStatusPendingSubmit
	case "PreSubmitted":
		return OrderStatusPreSubmitted
	case "Submitted":
		return OrderStatusSubmitted
	case "Cancelled", "ApiCancelled", "PendingCancel":
		return OrderStatusCancelled
	case "Filled":
		return OrderStatusFilled
	case "Inactive":
		return OrderStatusInactive
	default:
		return OrderStatusUnknown
	}
}
