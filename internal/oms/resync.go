package oms

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"main/internal/broker"
	"main/internal/schema"
)

// Resync reconciles local state against the broker after a reconnect. The
// broker is authoritative: orders it no longer reports are closed locally,
// orders it reports that we never saw are adopted, and position gaps above
// the tolerance are booked to the unknown strategy and notified.
func (e *Engine) Resync(ctx context.Context) error {
	e.mu.Lock()
	if e.resyncing {
		e.mu.Unlock()
		return ErrResyncInProgress
	}
	e.resyncing = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.resyncing = false
		e.mu.Unlock()
	}()

	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.AckTimeout)
	defer cancel()

	openOrders, err := e.broker.RequestOpenOrders(reqCtx)
	if err != nil {
		return fmt.Errorf("request open orders: %w", err)
	}
	e.reconcileOrders(ctx, openOrders)

	positions, err := e.broker.RequestPositions(reqCtx)
	if err != nil {
		return fmt.Errorf("request positions: %w", err)
	}
	e.reconcilePositions(ctx, positions)

	logs.Infof("resync complete: %d broker orders, %d broker positions",
		len(openOrders), len(positions))
	return nil
}

func (e *Engine) reconcileOrders(ctx context.Context, snapshot []broker.OpenOrder) {
	e.mu.Lock()
	defer e.mu.Unlock()

	reported := make(map[schema.OrderKey]struct{}, len(snapshot))
	for _, snap := range snapshot {
		reported[snap.Key] = struct{}{}
		order, ok := e.orders[snap.Key]
		if !ok {
			e.adoptOrderLocked(ctx, snap)
			continue
		}
		if snap.Filled.GreaterThan(order.Filled) {
			logs.Warnf("resync: order %d/%d filled %s locally, %s at broker, broker wins",
				snap.Key.PermID, snap.Key.OrderID, order.Filled, snap.Filled)
			order.Filled = snap.Filled
			if order.Filled.IsPositive() {
				order.State = schema.OrderStatePartFilled
			}
			if err := e.store.SaveOrder(ctx, order); err != nil {
				logs.Errorf("save reconciled order %d/%d: %v", snap.Key.PermID, snap.Key.OrderID, err)
			}
		}
	}

	for key, order := range e.orders {
		if _, ok := reported[key]; ok {
			continue
		}
		logs.Warnf("resync: order %d/%d missing at broker, closing locally",
			key.PermID, key.OrderID)
		order.State = schema.OrderStateCancelled
		delete(e.orders, key)
		if err := e.store.DeleteOrder(ctx, key); err != nil {
			logs.Errorf("delete vanished order %d/%d: %v", key.PermID, key.OrderID, err)
		}
		e.retireIfStoppedLocked(order.Strategy)
	}
}

// adoptOrderLocked registers a broker-side order we have no record of. It
// is attributed to the strategy trading that contract when one is known,
// otherwise to the unknown strategy.
func (e *Engine) adoptOrderLocked(ctx context.Context, snap broker.OpenOrder) {
	strategy, ok := e.owners[snap.Contract.Key()]
	if !ok {
		strategy = schema.UnknownStrategy
	}
	logs.Warnf("resync: adopting broker order %d/%d on %s for %s",
		snap.Key.PermID, snap.Key.OrderID, snap.Contract.Key(), strategy)

	state := schema.OrderStateSubmitted
	if snap.Filled.IsPositive() {
		state = schema.OrderStatePartFilled
	}
	order := &schema.Order{
		Key:      snap.Key,
		Strategy: strategy,
		Contract: snap.Contract,
		Side:     snap.Side,
		Kind:     schema.OrderKindLimit,
		Quantity: snap.Quantity,
		Filled:   snap.Filled,
		// Snapshot fills predate our watch; they count as accounted.
		Executed:    snap.Filled,
		State:       state,
		Executions:  make(map[string]struct{}),
		SubmittedAt: time.Now().UTC(),
	}
	e.orders[snap.Key] = order
	if err := e.store.SaveOrder(ctx, order); err != nil {
		logs.Errorf("save adopted order %d/%d: %v", snap.Key.PermID, snap.Key.OrderID, err)
	}
}

func (e *Engine) reconcilePositions(ctx context.Context, snapshot []broker.PositionSnapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Local quantities aggregated per contract across strategies, compared
	// against the broker's per-contract totals.
	local := make(map[schema.ContractKey]decimal.Decimal, len(e.positions))
	contracts := make(map[schema.ContractKey]schema.Contract, len(e.positions))
	for _, p := range e.positions {
		key := p.Contract.Key()
		local[key] = local[key].Add(p.Quantity)
		contracts[key] = p.Contract
	}

	seen := make(map[schema.ContractKey]struct{}, len(snapshot))
	for _, snap := range snapshot {
		key := snap.Contract.Key()
		seen[key] = struct{}{}
		e.bookPositionGapLocked(ctx, snap.Contract, local[key], snap.Quantity, snap.AvgCost)
	}
	for key, qty := range local {
		if _, ok := seen[key]; ok {
			continue
		}
		e.bookPositionGapLocked(ctx, contracts[key], qty, decimal.Zero, decimal.Zero)
	}
}

// bookPositionGapLocked absorbs the difference between the broker's
// quantity and the local aggregate into the unknown strategy's position.
func (e *Engine) bookPositionGapLocked(ctx context.Context, contract schema.Contract, localQty, brokerQty, avgCost decimal.Decimal) {
	gap := brokerQty.Sub(localQty)
	if gap.Abs().LessThanOrEqual(e.cfg.PositionTolerance) {
		return
	}

	logs.Warnf("resync: position gap on %s: broker %s, local %s",
		contract.Key(), brokerQty, localQty)
	if e.notifier != nil {
		body := fmt.Sprintf("contract %s holds %s at the broker but %s locally",
			contract.Key(), brokerQty, localQty)
		if err := e.notifier.Notify(ctx, "position mismatch", body); err != nil {
			logs.Errorf("notify position mismatch: %v", err)
		}
	}

	position := e.positionLocked(schema.UnknownStrategy, contract)
	wasFlat := position.Quantity.IsZero()
	position.Quantity = position.Quantity.Add(gap)
	if wasFlat {
		position.AvgPrice = avgCost
	}
	if err := e.store.SavePosition(ctx, *position); err != nil {
		logs.Errorf("save unknown position on %s: %v", contract.Key(), err)
	}
}
