package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"main/internal/schema"
)

// Momentum is a minimal moving-average crossover strategy. It holds a fixed
// quantity while the close sits above its rolling average and is flat
// otherwise. It exists to exercise the trading loop end to end; it is not
// investment advice.
type Momentum struct {
	name     string
	contract schema.Contract
	interval time.Duration
	window   int
	size     decimal.Decimal

	closes []decimal.Decimal
}

func NewMomentum(name string, contract schema.Contract, interval time.Duration, window int, size decimal.Decimal) *Momentum {
	if window < 2 {
		window = 2
	}
	return &Momentum{
		name:     name,
		contract: contract,
		interval: interval,
		window:   window,
		size:     size,
	}
}

func (m *Momentum) Name() string                 { return m.name }
func (m *Momentum) Contracts() []schema.Contract { return []schema.Contract{m.contract} }
func (m *Momentum) BarInterval() time.Duration   { return m.interval }

func (m *Momentum) OnBar(_ schema.Contract, bar schema.Bar) []Decision {
	m.closes = append(m.closes, bar.Close)
	if len(m.closes) > m.window {
		m.closes = m.closes[1:]
	}
	if len(m.closes) < m.window {
		return nil
	}

	sum := decimal.Zero
	for _, c := range m.closes {
		sum = sum.Add(c)
	}
	avg := sum.Div(decimal.NewFromInt(int64(len(m.closes))))

	target := decimal.Zero
	if bar.Close.GreaterThan(avg) {
		target = m.size
	}
	return []Decision{{
		Contract: m.contract,
		Quantity: target,
		Kind:     schema.OrderKindMarket,
	}}
}
