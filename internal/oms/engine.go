package oms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"main/internal/broker"
	"main/internal/schema"
)

var (
	// ErrUnknownStrategy is returned when an operation names a strategy the
	// engine has never registered.
	ErrUnknownStrategy = errors.New("unknown strategy")
	// ErrStrategyInactive is returned when a submission comes from a
	// strategy that is not in the active state.
	ErrStrategyInactive = errors.New("strategy is not active")
	// ErrNotConnected is returned when the broker session is down.
	ErrNotConnected = errors.New("broker session is down")
	// ErrResyncInProgress rejects submissions while a reconnect
	// reconciliation is still running.
	ErrResyncInProgress = errors.New("resync in progress")
)

// Config carries the engine tunables.
type Config struct {
	// AckTimeout bounds broker round trips issued without a caller deadline.
	AckTimeout time.Duration
	// PositionTolerance is the absolute quantity gap between local and
	// broker positions below which a resync stays silent.
	PositionTolerance decimal.Decimal
}

type execRecord struct {
	feeSet bool
}

// Engine owns all order and position state. Every mutation funnels through
// it, either from a strategy call or from the broker event queue, so the
// write path is single threaded and reads take a snapshot under RLock.
type Engine struct {
	broker   broker.Adapter
	store    Store
	notifier Notifier
	cfg      Config

	ctx context.Context
	md  func(schema.MarketDataEvent)

	mu         sync.RWMutex
	connected  bool
	resyncing  bool
	orders     map[schema.OrderKey]*schema.Order
	positions  map[schema.PositionKey]*schema.Position
	strategies map[string]*schema.Strategy
	owners     map[schema.ContractKey]string
	staged     map[string]decimal.Decimal
	execs      map[string]*execRecord
}

// NewEngine builds an engine with empty state. Call Rebuild before serving
// to recover persisted state, then Run to start draining the event queue.
func NewEngine(adapter broker.Adapter, store Store, notifier Notifier, cfg Config) *Engine {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 10 * time.Second
	}
	return &Engine{
		broker:     adapter,
		store:      store,
		notifier:   notifier,
		cfg:        cfg,
		ctx:        context.Background(),
		orders:     make(map[schema.OrderKey]*schema.Order),
		positions:  make(map[schema.PositionKey]*schema.Position),
		strategies: make(map[string]*schema.Strategy),
		owners:     make(map[schema.ContractKey]string),
		staged:     make(map[string]decimal.Decimal),
		execs:      make(map[string]*execRecord),
	}
}

// Rebuild loads persisted state into the in-memory cache.
func (e *Engine) Rebuild(ctx context.Context) error {
	orders, err := e.store.LoadOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("load open orders: %w", err)
	}
	execs, err := e.store.LoadExecutions(ctx)
	if err != nil {
		return fmt.Errorf("load executions: %w", err)
	}
	positions, err := e.store.LoadPositions(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	staged, err := e.store.LoadStagedCommissions(ctx)
	if err != nil {
		return fmt.Errorf("load staged commissions: %w", err)
	}
	strategies, err := e.store.LoadStrategies(ctx)
	if err != nil {
		return fmt.Errorf("load strategies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// Fee state comes from the transactions table, not from the orders, so
	// a commission arriving after the restart is not mistaken for a replay.
	// Executions whose orders closed before the restart are in there too.
	for id, feeSet := range execs {
		e.execs[id] = &execRecord{feeSet: feeSet}
	}
	for _, o := range orders {
		e.orders[o.Key] = o
		for _, id := range o.ExecutionIDs() {
			if _, ok := e.execs[id]; !ok {
				e.execs[id] = &execRecord{}
			}
		}
	}
	for i := range positions {
		p := positions[i]
		e.positions[schema.PositionKey{Strategy: p.Strategy, Contract: p.Contract.Key()}] = &p
	}
	for _, s := range staged {
		e.staged[s.ExecID] = s.Fee
	}
	for i := range strategies {
		s := strategies[i]
		e.strategies[s.Name] = &s
	}
	return nil
}

// RegisterStrategy records a strategy and the contracts it trades. The
// contract mapping is used to attribute broker-side orders discovered
// during a resync.
func (e *Engine) RegisterStrategy(ctx context.Context, strategy schema.Strategy, contracts []schema.Contract) error {
	if err := e.store.SaveStrategy(ctx, strategy); err != nil {
		return fmt.Errorf("save strategy %s: %w", strategy.Name, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := strategy
	e.strategies[s.Name] = &s
	for _, c := range contracts {
		e.owners[c.Key()] = s.Name
	}
	return nil
}

// PauseStrategy moves a strategy to stopping. New submissions are rejected
// immediately; orders already working keep receiving their events, and the
// strategy becomes inactive once its last open order closes.
func (e *Engine) PauseStrategy(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.strategies[name]
	if !ok {
		return fmt.Errorf("pause %s: %w", name, ErrUnknownStrategy)
	}
	if s.Status == schema.StrategyStatusInactive {
		return nil
	}
	s.Status = schema.StrategyStatusStopping
	if !e.hasOpenOrdersLocked(name) {
		s.Status = schema.StrategyStatusInactive
	}
	return e.store.SaveStrategy(ctx, *s)
}

// ResumeStrategy moves a strategy back to active from any state.
func (e *Engine) ResumeStrategy(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.strategies[name]
	if !ok {
		return fmt.Errorf("resume %s: %w", name, ErrUnknownStrategy)
	}
	s.Status = schema.StrategyStatusActive
	return e.store.SaveStrategy(ctx, *s)
}

// SubmitOrder places an order with the broker on behalf of a strategy and
// registers it as open once the broker acknowledges.
func (e *Engine) SubmitOrder(ctx context.Context, req broker.OrderRequest) (schema.OrderKey, error) {
	e.mu.RLock()
	s, ok := e.strategies[req.Strategy]
	switch {
	case !ok:
		e.mu.RUnlock()
		return schema.OrderKey{}, fmt.Errorf("submit for %s: %w", req.Strategy, ErrUnknownStrategy)
	case s.Status != schema.StrategyStatusActive:
		e.mu.RUnlock()
		return schema.OrderKey{}, fmt.Errorf("submit for %s: %w", req.Strategy, ErrStrategyInactive)
	case !e.connected:
		e.mu.RUnlock()
		return schema.OrderKey{}, ErrNotConnected
	case e.resyncing:
		e.mu.RUnlock()
		return schema.OrderKey{}, ErrResyncInProgress
	}
	e.mu.RUnlock()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.AckTimeout)
		defer cancel()
	}
	key, err := e.broker.PlaceOrder(ctx, req)
	if err != nil {
		return schema.OrderKey{}, fmt.Errorf("place order for %s: %w", req.Strategy, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.orders[key]; ok {
		// The broker stream can surface the order before the ack returns.
		return existing.Key, nil
	}
	order := &schema.Order{
		Key:         key,
		Strategy:    req.Strategy,
		Contract:    req.Contract,
		Side:        req.Side,
		Kind:        req.Kind,
		LimitPrice:  req.LimitPrice,
		Quantity:    req.Quantity,
		State:       schema.OrderStateSubmitted,
		Executions:  make(map[string]struct{}),
		SubmittedAt: time.Now().UTC(),
	}
	e.orders[key] = order
	e.owners[req.Contract.Key()] = req.Strategy
	if err := e.store.SaveOrder(ctx, order); err != nil {
		logs.Errorf("save submitted order %d/%d: %v", key.PermID, key.OrderID, err)
	}
	return key, nil
}

// CancelOrder asks the broker to cancel an open order. State changes only
// when the cancellation comes back on the event stream.
func (e *Engine) CancelOrder(ctx context.Context, key schema.OrderKey) error {
	e.mu.RLock()
	_, ok := e.orders[key]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("cancel %d/%d: order not open", key.PermID, key.OrderID)
	}
	return e.broker.CancelOrder(ctx, key)
}

// Position returns a copy of the position held by a strategy on a contract.
func (e *Engine) Position(strategy string, contract schema.ContractKey) (schema.Position, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.positions[schema.PositionKey{Strategy: strategy, Contract: contract}]
	if !ok {
		return schema.Position{}, false
	}
	return *p, true
}

// Positions returns a copy of every position.
func (e *Engine) Positions() []schema.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]schema.Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, *p)
	}
	return out
}

// Order returns a copy of an open order.
func (e *Engine) Order(key schema.OrderKey) (schema.Order, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	o, ok := e.orders[key]
	if !ok {
		return schema.Order{}, false
	}
	return *o.Clone(), true
}

// OpenOrders returns a copy of every open order for one strategy. An empty
// strategy name selects all.
func (e *Engine) OpenOrders(strategy string) []schema.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]schema.Order, 0, len(e.orders))
	for _, o := range e.orders {
		if strategy != "" && o.Strategy != strategy {
			continue
		}
		out = append(out, *o.Clone())
	}
	return out
}

// StrategyStatus reports the current state of a strategy.
func (e *Engine) StrategyStatus(name string) (schema.StrategyStatus, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.strategies[name]
	if !ok {
		return schema.StrategyStatusInactive, false
	}
	return s.Status, true
}

func (e *Engine) hasOpenOrdersLocked(strategy string) bool {
	for _, o := range e.orders {
		if o.Strategy == strategy {
			return true
		}
	}
	return false
}

func (e *Engine) retireIfStoppedLocked(strategy string) {
	s, ok := e.strategies[strategy]
	if !ok || s.Status != schema.StrategyStatusStopping {
		return
	}
	if e.hasOpenOrdersLocked(strategy) {
		return
	}
	s.Status = schema.StrategyStatusInactive
	if err := e.store.SaveStrategy(e.ctx, *s); err != nil {
		logs.Errorf("save strategy %s: %v", strategy, err)
	}
}
