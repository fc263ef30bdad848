package bus

import (
	"context"
	"errors"
	"testing"

	"main/internal/schema"
)

func TestTryPublishBounded(t *testing.T) {
	q := NewQueue(2)
	if err := q.TryPublish(schema.ConnectionEvent{Up: true}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := q.TryPublish(schema.ConnectionEvent{Up: false}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := q.TryPublish(schema.ConnectionEvent{Up: true}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if q.Len() != 2 {
		t.Fatalf("len: got %d want 2", q.Len())
	}
}

func TestPublishAfterCloseFails(t *testing.T) {
	q := NewQueue(2)
	q.Close()
	q.Close()
	if err := q.TryPublish(schema.ConnectionEvent{Up: true}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
}

func TestRunDrainsInOrder(t *testing.T) {
	q := NewQueue(8)
	want := []bool{true, false, true}
	for _, up := range want {
		if err := q.TryPublish(schema.ConnectionEvent{Up: up}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	q.Close()

	var got []bool
	q.Run(context.Background(), func(e schema.BrokerEvent) {
		got = append(got, e.(schema.ConnectionEvent).Up)
	})
	if len(got) != len(want) {
		t.Fatalf("handled %d events, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: got %v want %v", i, got[i], want[i])
		}
	}
}

func TestRunDrainsBufferedOnCancel(t *testing.T) {
	q := NewQueue(8)
	for i := 0; i < 3; i++ {
		if err := q.TryPublish(schema.ConnectionEvent{Up: true}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var handled int
	q.Run(ctx, func(schema.BrokerEvent) { handled++ })
	if handled != 3 {
		t.Fatalf("handled %d buffered events, want 3", handled)
	}
}
