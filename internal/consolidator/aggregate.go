package consolidator

import (
	"time"

	"main/internal/schema"
)

// aggregator folds raw feed bars into fixed-interval buckets. A bucket is
// emitted when the first bar of the next bucket arrives, so the emitted bar
// is always complete.
type aggregator struct {
	interval time.Duration
	current  *schema.Bar
}

func newAggregator(interval time.Duration) *aggregator {
	return &aggregator{interval: interval}
}

func (a *aggregator) add(bar schema.Bar) (schema.Bar, bool) {
	bucket := bar.Time.Truncate(a.interval)
	if a.current != nil && a.current.Time.Equal(bucket) {
		a.current.Merge(bar)
		return schema.Bar{}, false
	}

	done := a.current
	next := bar
	next.Time = bucket
	a.current = &next
	if done == nil {
		return schema.Bar{}, false
	}
	return *done, true
}
