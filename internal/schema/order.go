package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an order.
type OrderSide uint8

const (
	OrderSideUnknown OrderSide = iota
	OrderSideBuy
	OrderSideSell
)

func (s OrderSide) String() string {
	switch s {
	case OrderSideBuy:
		return "BUY"
	case OrderSideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Sign returns +1 for buys and -1 for sells.
func (s OrderSide) Sign() decimal.Decimal {
	if s == OrderSideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// ParseOrderSide decodes a side from its wire form, including the broker's
// fill-side spellings ("BOT"/"SLD").
func ParseOrderSide(s string) OrderSide {
	switch strings.ToUpper(s) {
	case "BUY", "BOT":
		return OrderSideBuy
	case "SELL", "SLD":
		return OrderSideSell
	default:
		return OrderSideUnknown
	}
}

// OrderKind is the execution style of an order.
type OrderKind uint8

const (
	OrderKindUnknown OrderKind = iota
	OrderKindMarket
	OrderKindLimit
)

func (k OrderKind) String() string {
	switch k {
	case OrderKindMarket:
		return "MKT"
	case OrderKindLimit:
		return "LMT"
	default:
		return "UNKNOWN"
	}
}

// ParseOrderKind decodes an order kind from its wire form.
func ParseOrderKind(s string) OrderKind {
	switch strings.ToUpper(s) {
	case "MKT", "MARKET":
		return OrderKindMarket
	case "LMT", "LIMIT":
		return OrderKindLimit
	default:
		return OrderKindUnknown
	}
}

// OrderState tracks the lifecycle of an order.
type OrderState uint8

const (
	OrderStateUnknown OrderState = iota
	OrderStateSubmitted
	OrderStatePartFilled
	OrderStateFilled
	OrderStateCancelled
)

func (s OrderState) String() string {
	switch s {
	case OrderStateSubmitted:
		return "Submitted"
	case OrderStatePartFilled:
		return "PartiallyFilled"
	case OrderStateFilled:
		return "Filled"
	case OrderStateCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// ParseOrderState decodes an order state from its stored form.
func ParseOrderState(s string) OrderState {
	switch s {
	case "Submitted":
		return OrderStateSubmitted
	case "PartiallyFilled":
		return OrderStatePartFilled
	case "Filled":
		return OrderStateFilled
	case "Cancelled":
		return OrderStateCancelled
	default:
		return OrderStateUnknown
	}
}

// IsTerminal reports whether no further fills can arrive for this state.
func (s OrderState) IsTerminal() bool {
	return s == OrderStateFilled || s == OrderStateCancelled
}

// OrderKey is the broker-issued identity of an order.
type OrderKey struct {
	PermID  int64
	OrderID int64
}

// Order is the ledger's view of a working order. Filled is monotonically
// non-decreasing; Executions is the set of execution ids already applied.
type Order struct {
	Key        OrderKey
	Strategy   string
	Contract   Contract
	Side       OrderSide
	Kind       OrderKind
	LimitPrice decimal.Decimal
	Quantity   decimal.Decimal
	Filled     decimal.Decimal
	// Executed is the quantity accounted for by execution reports. Filled
	// can run ahead of it when a status event lands first; the order is not
	// retired until Executed catches up.
	Executed    decimal.Decimal
	State       OrderState
	Executions  map[string]struct{}
	SubmittedAt time.Time
}

// HasExecution reports whether the execution id was already applied.
func (o *Order) HasExecution(execID string) bool {
	_, ok := o.Executions[execID]
	return ok
}

// RecordExecution marks an execution id as applied.
func (o *Order) RecordExecution(execID string) {
	if o.Executions == nil {
		o.Executions = make(map[string]struct{})
	}
	o.Executions[execID] = struct{}{}
}

// ExecutionIDs returns the applied execution ids in unspecified order.
func (o *Order) ExecutionIDs() []string {
	ids := make([]string, 0, len(o.Executions))
	for id := range o.Executions {
		ids = append(ids, id)
	}
	return ids
}

// Clone returns a deep copy safe to hand to readers.
func (o *Order) Clone() *Order {
	dup := *o
	dup.Executions = make(map[string]struct{}, len(o.Executions))
	for id := range o.Executions {
		dup.Executions[id] = struct{}{}
	}
	return &dup
}
