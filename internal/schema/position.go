package schema

import "github.com/shopspring/decimal"

// PositionKey identifies a position by strategy and contract.
type PositionKey struct {
	Strategy string
	Contract ContractKey
}

// Position is a strategy's holding in a contract. Quantity is signed; AvgPrice
// is the weighted-average entry price of the open quantity.
type Position struct {
	Strategy string
	Contract Contract
	Quantity decimal.Decimal
	AvgPrice decimal.Decimal
}

// Key returns the position's lookup key.
func (p *Position) Key() PositionKey {
	return PositionKey{Strategy: p.Strategy, Contract: p.Contract.Key()}
}

// ApplyFill mutates the position for a confirmed fill of qty units (positive
// magnitude) at price. Same-direction fills recompute the weighted-average
// price; opposite-direction fills reduce the position at the existing average,
// and a fill past zero flips the position and re-bases the average at the fill
// price.
func (p *Position) ApplyFill(side OrderSide, qty, price decimal.Decimal) {
	signed := qty.Mul(side.Sign())

	sameDirection := (side == OrderSideBuy && !p.Quantity.IsNegative()) ||
		(side == OrderSideSell && !p.Quantity.IsPositive())

	if sameDirection {
		abs := p.Quantity.Abs()
		newAbs := abs.Add(qty)
		if !newAbs.IsZero() {
			p.AvgPrice = abs.Mul(p.AvgPrice).Add(qty.Mul(price)).Div(newAbs)
		}
		p.Quantity = p.Quantity.Add(signed)
		return
	}

	abs := p.Quantity.Abs()
	switch {
	case qty.GreaterThan(abs):
		// Flip through zero. The remainder opens in the fill's direction.
		p.Quantity = p.Quantity.Add(signed)
		p.AvgPrice = price
	case qty.Equal(abs):
		p.Quantity = decimal.Zero
		p.AvgPrice = decimal.Zero
	default:
		// Partial reduction keeps the cost basis.
		p.Quantity = p.Quantity.Add(signed)
	}
}

// Clone returns a copy safe to hand to readers.
func (p *Position) Clone() Position {
	return *p
}

// TargetPosition is the quantity a strategy wants to hold in a contract.
type TargetPosition struct {
	Strategy string
	Contract Contract
	Quantity decimal.Decimal
}

// Key returns the target's lookup key.
func (t *TargetPosition) Key() PositionKey {
	return PositionKey{Strategy: t.Strategy, Contract: t.Contract.Key()}
}
