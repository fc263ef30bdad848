package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Bar is a single OHLCV bar. Time is the bar's open time in UTC.
type Bar struct {
	Time   time.Time
	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal
}

// Merge folds a later bar into this one, widening the range and accumulating
// volume. The receiver keeps its open time and open price.
func (b *Bar) Merge(next Bar) {
	if next.High.GreaterThan(b.High) {
		b.High = next.High
	}
	if next.Low.LessThan(b.Low) {
		b.Low = next.Low
	}
	b.Close = next.Close
	b.Volume = b.Volume.Add(next.Volume)
}
