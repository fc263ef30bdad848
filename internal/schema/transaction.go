package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is the durable record of a single execution. Quantity is signed
// by the fill side. Fee stays invalid until the broker's commission report has
// been reconciled; a zero fee and a missing fee are distinct states.
type Transaction struct {
	ExecID   string
	Strategy string
	Contract Contract
	OrderKey OrderKey
	Time     time.Time
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Fee      decimal.NullDecimal
}

// StagedCommission holds a fee that arrived before its matching execution.
// It must be consumed the moment the execution appears.
type StagedCommission struct {
	ExecID string
	Fee    decimal.Decimal
}
