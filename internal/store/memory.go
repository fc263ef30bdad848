package store

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"main/internal/oms"
	"main/internal/schema"
)

// Memory is an in-process store with the same contract as the PostgreSQL
// one. It backs tests and paper trading runs.
type Memory struct {
	mu            sync.Mutex
	orders        map[schema.OrderKey]schema.Order
	transactions  map[string]schema.Transaction
	positions     map[schema.PositionKey]schema.Position
	targets       map[schema.PositionKey]schema.TargetPosition
	staged        map[string]decimal.Decimal
	strategies    map[string]schema.Strategy
	bars          []SavedBar
	notifications []Notification
}

// SavedBar is one persisted consolidated bar.
type SavedBar struct {
	Contract schema.ContractKey
	Interval time.Duration
	Bar      schema.Bar
}

// Notification is one recorded operator notification.
type Notification struct {
	Time  time.Time
	Title string
	Body  string
}

func NewMemory() *Memory {
	return &Memory{
		orders:       make(map[schema.OrderKey]schema.Order),
		transactions: make(map[string]schema.Transaction),
		positions:    make(map[schema.PositionKey]schema.Position),
		targets:      make(map[schema.PositionKey]schema.TargetPosition),
		staged:       make(map[string]decimal.Decimal),
		strategies:   make(map[string]schema.Strategy),
	}
}

func (m *Memory) SaveOrder(_ context.Context, order *schema.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[order.Key] = *order.Clone()
	return nil
}

func (m *Memory) DeleteOrder(_ context.Context, key schema.OrderKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.orders, key)
	return nil
}

func (m *Memory) ApplyExecution(_ context.Context, apply oms.ExecutionApply) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if apply.ConsumeStaged {
		delete(m.staged, apply.Transaction.ExecID)
	}
	m.transactions[apply.Transaction.ExecID] = apply.Transaction
	if apply.Order != nil {
		if apply.OrderDone {
			delete(m.orders, apply.Order.Key)
		} else {
			m.orders[apply.Order.Key] = *apply.Order.Clone()
		}
	}
	m.positions[apply.Position.Key()] = apply.Position
	return nil
}

func (m *Memory) SetTransactionFee(_ context.Context, execID string, fee decimal.Decimal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[execID]
	if !ok || tx.Fee.Valid {
		return false, nil
	}
	tx.Fee = decimal.NullDecimal{Decimal: fee, Valid: true}
	m.transactions[execID] = tx
	return true, nil
}

func (m *Memory) SaveStagedCommission(_ context.Context, staged schema.StagedCommission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staged[staged.ExecID] = staged.Fee
	return nil
}

func (m *Memory) SavePosition(_ context.Context, position schema.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[position.Key()] = position
	return nil
}

func (m *Memory) SaveStrategy(_ context.Context, strategy schema.Strategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.strategies[strategy.Name] = strategy
	return nil
}

func (m *Memory) SaveTarget(_ context.Context, target schema.TargetPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.targets[target.Key()] = target
	return nil
}

func (m *Memory) SaveBar(_ context.Context, contract schema.ContractKey, interval time.Duration, bar schema.Bar) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bars = append(m.bars, SavedBar{Contract: contract, Interval: interval, Bar: bar})
	return nil
}

func (m *Memory) LoadOpenOrders(_ context.Context) ([]*schema.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*schema.Order, 0, len(m.orders))
	for key := range m.orders {
		o := m.orders[key]
		out = append(out, o.Clone())
	}
	return out, nil
}

func (m *Memory) LoadPositions(_ context.Context) ([]schema.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]schema.Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	return out, nil
}

func (m *Memory) LoadExecutions(_ context.Context) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(m.transactions))
	for id, tx := range m.transactions {
		out[id] = tx.Fee.Valid
	}
	return out, nil
}

func (m *Memory) LoadStagedCommissions(_ context.Context) ([]schema.StagedCommission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]schema.StagedCommission, 0, len(m.staged))
	for id, fee := range m.staged {
		out = append(out, schema.StagedCommission{ExecID: id, Fee: fee})
	}
	return out, nil
}

func (m *Memory) LoadStrategies(_ context.Context) ([]schema.Strategy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]schema.Strategy, 0, len(m.strategies))
	for _, s := range m.strategies {
		out = append(out, s)
	}
	return out, nil
}

func (m *Memory) LoadTargets(_ context.Context) ([]schema.TargetPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]schema.TargetPosition, 0, len(m.targets))
	for _, t := range m.targets {
		out = append(out, t)
	}
	return out, nil
}

func (m *Memory) Notify(_ context.Context, title, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, Notification{Time: time.Now().UTC(), Title: title, Body: body})
	return nil
}

// Transaction returns the stored transaction for an execution id.
func (m *Memory) Transaction(execID string) (schema.Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.transactions[execID]
	return tx, ok
}

// StagedFee returns the staged commission for an execution id.
func (m *Memory) StagedFee(execID string) (decimal.Decimal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fee, ok := m.staged[execID]
	return fee, ok
}

// StoredOrder returns the persisted order record for a key.
func (m *Memory) StoredOrder(key schema.OrderKey) (schema.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[key]
	return o, ok
}

// StoredPosition returns the persisted position for a key.
func (m *Memory) StoredPosition(key schema.PositionKey) (schema.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[key]
	return p, ok
}

// Bars returns every persisted bar in insertion order.
func (m *Memory) Bars() []SavedBar {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SavedBar, len(m.bars))
	copy(out, m.bars)
	return out
}

// Notifications returns every recorded notification in insertion order.
func (m *Memory) Notifications() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Notification, len(m.notifications))
	copy(out, m.notifications)
	return out
}
