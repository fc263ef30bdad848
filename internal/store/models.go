package store

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"main/internal/schema"
)

type strategyRow struct {
	Name           string          `gorm:"primaryKey"`
	Capital        decimal.Decimal `gorm:"type:numeric"`
	InitialCapital decimal.Decimal `gorm:"type:numeric"`
	Status         string
}

func (strategyRow) TableName() string { return "strategies" }

type orderRow struct {
	PermID      int64  `gorm:"primaryKey;autoIncrement:false"`
	OrderID     int64  `gorm:"primaryKey;autoIncrement:false"`
	Strategy    string `gorm:"index"`
	ContractKey string `gorm:"index"`
	Symbol      string
	Exchange    string
	SecType     string
	Expiry      string
	Strike      decimal.Decimal `gorm:"type:numeric"`
	Multiplier  string
	Right       string
	Side        string
	Kind        string
	LimitPrice  decimal.Decimal `gorm:"type:numeric"`
	Quantity    decimal.Decimal `gorm:"type:numeric"`
	Filled      decimal.Decimal `gorm:"type:numeric"`
	Executed    decimal.Decimal `gorm:"type:numeric"`
	State       string
	Executions  string
	SubmittedAt time.Time
}

func (orderRow) TableName() string { return "open_orders" }

type transactionRow struct {
	ExecID      string `gorm:"primaryKey"`
	Strategy    string `gorm:"index"`
	ContractKey string `gorm:"index"`
	Symbol      string
	Exchange    string
	SecType     string
	Expiry      string
	Strike      decimal.Decimal `gorm:"type:numeric"`
	Multiplier  string
	Right       string
	PermID      int64
	OrderID     int64
	Time        time.Time
	Price       decimal.Decimal     `gorm:"type:numeric"`
	Quantity    decimal.Decimal     `gorm:"type:numeric"`
	Fee         decimal.NullDecimal `gorm:"type:numeric"`
}

func (transactionRow) TableName() string { return "transactions" }

type positionRow struct {
	Strategy    string `gorm:"primaryKey"`
	ContractKey string `gorm:"primaryKey"`
	Symbol      string
	Exchange    string
	SecType     string
	Expiry      string
	Strike      decimal.Decimal `gorm:"type:numeric"`
	Multiplier  string
	Right       string
	Quantity    decimal.Decimal `gorm:"type:numeric"`
	AvgPrice    decimal.Decimal `gorm:"type:numeric"`
}

func (positionRow) TableName() string { return "positions" }

type targetRow struct {
	Strategy    string `gorm:"primaryKey"`
	ContractKey string `gorm:"primaryKey"`
	Symbol      string
	Exchange    string
	SecType     string
	Expiry      string
	Strike      decimal.Decimal `gorm:"type:numeric"`
	Multiplier  string
	Right       string
	Quantity    decimal.Decimal `gorm:"type:numeric"`
}

func (targetRow) TableName() string { return "target_positions" }

type stagedCommissionRow struct {
	ExecID string          `gorm:"primaryKey"`
	Fee    decimal.Decimal `gorm:"type:numeric"`
}

func (stagedCommissionRow) TableName() string { return "staged_commissions" }

type barRow struct {
	ContractKey string          `gorm:"primaryKey"`
	IntervalSec int64           `gorm:"primaryKey;autoIncrement:false"`
	Time        time.Time       `gorm:"primaryKey"`
	Open        decimal.Decimal `gorm:"type:numeric"`
	High        decimal.Decimal `gorm:"type:numeric"`
	Low         decimal.Decimal `gorm:"type:numeric"`
	Close       decimal.Decimal `gorm:"type:numeric"`
	Volume      decimal.Decimal `gorm:"type:numeric"`
}

func (barRow) TableName() string { return "historical_bars" }

type notificationRow struct {
	ID    int64 `gorm:"primaryKey"`
	Time  time.Time
	Title string
	Body  string
}

func (notificationRow) TableName() string { return "notifications" }

func contractColumns(c schema.Contract) (symbol, exchange, secType, expiry, multiplier, right string, strike decimal.Decimal) {
	return c.Symbol, c.PrimaryExchange, c.SecType.String(), c.Expiry, c.Multiplier, c.Right.String(), c.Strike
}

func contractFrom(symbol, exchange, secType, expiry, multiplier, right string, strike decimal.Decimal) schema.Contract {
	st := schema.ParseSecurityType(secType)
	rt, _ := schema.ParseRight(right)
	return schema.Contract{
		Symbol:          symbol,
		PrimaryExchange: exchange,
		SecType:         st,
		Expiry:          expiry,
		Strike:          strike,
		Multiplier:      multiplier,
		Right:           rt,
	}
}

func encodeExecutions(order *schema.Order) string {
	ids := order.ExecutionIDs()
	if len(ids) == 0 {
		return "[]"
	}
	raw, _ := json.Marshal(ids)
	return string(raw)
}

func decodeExecutions(raw string) map[string]struct{} {
	out := make(map[string]struct{})
	if raw == "" {
		return out
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return out
	}
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}
