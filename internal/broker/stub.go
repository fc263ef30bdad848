package broker

import (
	"context"
	"sync"

	"main/internal/schema"
)

// Stub is an in-memory broker adapter for tests and paper trading. It acks
// orders with generated ids and records every call.
type Stub struct {
	mu sync.Mutex

	nextPermID  int64
	nextOrderID int64
	connected   bool

	RejectOrders bool
	FailSub      bool
	// OnUnsubscribe runs after a cancel is recorded, outside the stub's
	// lock. Tests use it to interleave calls with an in-flight cancel.
	OnUnsubscribe func(schema.Contract)

	Placed        []OrderRequest
	Cancelled     []schema.OrderKey
	Subscribed    []schema.Contract
	Unsubscribed  []schema.Contract
	OpenOrderSnap []OpenOrder
	PositionSnap  []PositionSnapshot
}

// NewStub creates a connected stub broker.
func NewStub() *Stub {
	return &Stub{nextPermID: 1000, nextOrderID: 0, connected: true}
}

// PlaceOrder acks with the next generated key, or ErrRejected when
// RejectOrders is set.
func (s *Stub) PlaceOrder(_ context.Context, req OrderRequest) (schema.OrderKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return schema.OrderKey{}, ErrDisconnected
	}
	if s.RejectOrders {
		return schema.OrderKey{}, ErrRejected
	}
	s.nextPermID++
	s.nextOrderID++
	s.Placed = append(s.Placed, req)
	return schema.OrderKey{PermID: s.nextPermID, OrderID: s.nextOrderID}, nil
}

// CancelOrder records the cancel request.
func (s *Stub) CancelOrder(_ context.Context, key schema.OrderKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrDisconnected
	}
	s.Cancelled = append(s.Cancelled, key)
	return nil
}

// SubscribeMarketData records the subscription request.
func (s *Stub) SubscribeMarketData(_ context.Context, contract schema.Contract) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailSub {
		return ErrDisconnected
	}
	s.Subscribed = append(s.Subscribed, contract)
	return nil
}

// UnsubscribeMarketData records the cancel request.
func (s *Stub) UnsubscribeMarketData(_ context.Context, contract schema.Contract) error {
	s.mu.Lock()
	s.Unsubscribed = append(s.Unsubscribed, contract)
	hook := s.OnUnsubscribe
	s.mu.Unlock()
	if hook != nil {
		hook(contract)
	}
	return nil
}

// RequestOpenOrders returns the configured snapshot.
func (s *Stub) RequestOpenOrders(_ context.Context) ([]OpenOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrDisconnected
	}
	return append([]OpenOrder(nil), s.OpenOrderSnap...), nil
}

// RequestPositions returns the configured snapshot.
func (s *Stub) RequestPositions(_ context.Context) ([]PositionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrDisconnected
	}
	return append([]PositionSnapshot(nil), s.PositionSnap...), nil
}

// SetConnected flips the stub's connectivity.
func (s *Stub) SetConnected(up bool) {
	s.mu.Lock()
	s.connected = up
	s.mu.Unlock()
}

// SubscribeCalls returns how many subscribe requests were recorded for the
// contract.
func (s *Stub) SubscribeCalls(key schema.ContractKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.Subscribed {
		if c.Key() == key {
			n++
		}
	}
	return n
}

// UnsubscribeCalls returns how many cancel requests were recorded for the
// contract.
func (s *Stub) UnsubscribeCalls(key schema.ContractKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.Unsubscribed {
		if c.Key() == key {
			n++
		}
	}
	return n
}
