package bus

import (
	"context"
	"errors"
	"sync/atomic"

	"main/internal/schema"
)

var (
	ErrQueueFull   = errors.New("event queue full")
	ErrQueueClosed = errors.New("event queue closed")
)

// Queue is a bounded, non-blocking queue of broker events. The adapter
// publishes without blocking; a single consumer drains it.
type Queue struct {
	ch     chan schema.BrokerEvent
	closed uint32
}

// NewQueue allocates a queue with the given capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan schema.BrokerEvent, capacity)}
}

// TryPublish enqueues an event without blocking.
func (q *Queue) TryPublish(e schema.BrokerEvent) error {
	if atomic.LoadUint32(&q.closed) != 0 {
		return ErrQueueClosed
	}
	select {
	case q.ch <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops the queue from accepting new events.
func (q *Queue) Close() {
	if atomic.CompareAndSwapUint32(&q.closed, 0, 1) {
		close(q.ch)
	}
}

// Run consumes events until the context is done or the queue is closed and
// drained. Events already buffered at cancellation are still handled so a
// shutdown does not lose acknowledged broker state.
func (q *Queue) Run(ctx context.Context, handler func(schema.BrokerEvent)) {
	for {
		select {
		case <-ctx.Done():
			q.drain(handler)
			return
		case e, ok := <-q.ch:
			if !ok {
				return
			}
			handler(e)
		}
	}
}

func (q *Queue) drain(handler func(schema.BrokerEvent)) {
	for {
		select {
		case e, ok := <-q.ch:
			if !ok {
				return
			}
			handler(e)
		default:
			return
		}
	}
}
