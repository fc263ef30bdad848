package oms

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"main/internal/bus"
	"main/internal/schema"
)

// Run drains the broker event queue into the engine until ctx is done.
func (e *Engine) Run(ctx context.Context, queue *bus.Queue) {
	e.ctx = ctx
	queue.Run(ctx, e.Handle)
}

// SetMarketDataSink routes market data events off the engine's event loop.
// Must be set before Run.
func (e *Engine) SetMarketDataSink(sink func(schema.MarketDataEvent)) {
	e.md = sink
}

// Handle applies one broker event. The dispatch is exhaustive over the
// event variants; an unhandled variant is a bug, not a skippable case.
func (e *Engine) Handle(event schema.BrokerEvent) {
	switch ev := event.(type) {
	case schema.OrderStatusEvent:
		e.handleOrderStatus(ev)
	case schema.ExecutionEvent:
		e.handleExecution(ev)
	case schema.CommissionEvent:
		e.handleCommission(ev)
	case schema.ConnectionEvent:
		e.handleConnection(ev)
	case schema.MarketDataEvent:
		if e.md != nil {
			e.md(ev)
			return
		}
		logs.Warnf("market data for %s dropped, no sink attached", ev.Contract.Key())
	default:
		logs.Errorf("unhandled broker event %T", event)
	}
}

func (e *Engine) handleOrderStatus(ev schema.OrderStatusEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.orders[ev.Key]
	if !ok {
		logs.Warnf("order status for unknown order %d/%d (%s), dropped",
			ev.Key.PermID, ev.Key.OrderID, ev.Status)
		return
	}

	if ev.Status == schema.OrderStatusCancelled {
		order.State = schema.OrderStateCancelled
		if ev.Filled.GreaterThan(order.Filled) {
			order.Filled = ev.Filled
		}
		e.closeIfSettledLocked(order)
		return
	}

	// Cumulative filled quantity never shrinks. A lower value means the
	// event is stale or replayed out of order.
	if ev.Filled.LessThan(order.Filled) {
		logs.Warnf("stale order status for %d/%d: filled %s < %s, dropped",
			ev.Key.PermID, ev.Key.OrderID, ev.Filled, order.Filled)
		return
	}
	order.Filled = ev.Filled

	done := ev.Status == schema.OrderStatusFilled || order.Filled.GreaterThanOrEqual(order.Quantity)
	switch {
	case done:
		order.State = schema.OrderStateFilled
		e.closeIfSettledLocked(order)
	case order.Filled.IsPositive():
		order.State = schema.OrderStatePartFilled
		if err := e.store.SaveOrder(e.ctx, order); err != nil {
			logs.Errorf("save order %d/%d: %v", ev.Key.PermID, ev.Key.OrderID, err)
		}
	}
}

// closeIfSettledLocked retires a terminally closed order, but only once the
// execution stream has accounted for everything the broker reported filled.
// The status and execution streams carry no ordering guarantee between them,
// so a status that closes the order can outrun its last fills; holding the
// order open keeps those fills attributed to the owning strategy.
func (e *Engine) closeIfSettledLocked(order *schema.Order) {
	if order.Executed.LessThan(order.Filled) {
		if err := e.store.SaveOrder(e.ctx, order); err != nil {
			logs.Errorf("save closing order %d/%d: %v", order.Key.PermID, order.Key.OrderID, err)
		}
		return
	}
	delete(e.orders, order.Key)
	if err := e.store.DeleteOrder(e.ctx, order.Key); err != nil {
		logs.Errorf("delete closed order %d/%d: %v", order.Key.PermID, order.Key.OrderID, err)
	}
	e.retireIfStoppedLocked(order.Strategy)
}

func (e *Engine) handleExecution(ev schema.ExecutionEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, seen := e.execs[ev.ExecID]; seen {
		logs.Warnf("duplicate execution %s, dropped", ev.ExecID)
		return
	}

	order, ok := e.orders[ev.Key]
	if !ok {
		e.bookUnknownExecutionLocked(ev)
		return
	}
	if order.HasExecution(ev.ExecID) {
		logs.Warnf("duplicate execution %s on order %d/%d, dropped",
			ev.ExecID, ev.Key.PermID, ev.Key.OrderID)
		return
	}
	order.RecordExecution(ev.ExecID)

	executed := order.Executed.Add(ev.Qty)
	if ev.CumQty.IsPositive() {
		if !ev.CumQty.Equal(executed) {
			logs.Warnf("execution %s cumulative %s disagrees with local %s, broker wins",
				ev.ExecID, ev.CumQty, executed)
		}
		executed = ev.CumQty
	}
	if executed.GreaterThan(order.Executed) {
		order.Executed = executed
	}
	if order.Executed.GreaterThan(order.Filled) {
		order.Filled = order.Executed
	}

	// An order already closed on the status stream retires once its fills
	// catch up with the filled quantity that status reported.
	done := order.Executed.GreaterThanOrEqual(order.Quantity) ||
		(order.State.IsTerminal() && order.Executed.GreaterThanOrEqual(order.Filled))
	if !order.State.IsTerminal() {
		if done {
			order.State = schema.OrderStateFilled
		} else {
			order.State = schema.OrderStatePartFilled
		}
	}

	position := e.positionLocked(order.Strategy, order.Contract)
	position.ApplyFill(ev.Side, ev.Qty, ev.Price)

	tx := schema.Transaction{
		ExecID:   ev.ExecID,
		Strategy: order.Strategy,
		Contract: order.Contract,
		OrderKey: ev.Key,
		Time:     ev.Time,
		Price:    ev.Price,
		Quantity: ev.Qty.Mul(ev.Side.Sign()),
	}
	consumeStaged := e.takeStagedFeeLocked(ev.ExecID, &tx)

	if err := e.store.ApplyExecution(e.ctx, ExecutionApply{
		Transaction:   tx,
		Order:         order,
		OrderDone:     done,
		Position:      *position,
		ConsumeStaged: consumeStaged,
	}); err != nil {
		logs.Errorf("apply execution %s: %v", ev.ExecID, err)
	}

	if done {
		delete(e.orders, ev.Key)
		e.retireIfStoppedLocked(order.Strategy)
	}
}

// bookUnknownExecutionLocked records a fill the engine cannot attribute to
// any open order. The transaction and position land under the unknown
// strategy so the books still balance against the broker.
func (e *Engine) bookUnknownExecutionLocked(ev schema.ExecutionEvent) {
	logs.Errorf("execution %s for unknown order %d/%d, booking to %s",
		ev.ExecID, ev.Key.PermID, ev.Key.OrderID, schema.UnknownStrategy)

	position := e.positionLocked(schema.UnknownStrategy, ev.Contract)
	position.ApplyFill(ev.Side, ev.Qty, ev.Price)

	tx := schema.Transaction{
		ExecID:   ev.ExecID,
		Strategy: schema.UnknownStrategy,
		Contract: ev.Contract,
		OrderKey: ev.Key,
		Time:     ev.Time,
		Price:    ev.Price,
		Quantity: ev.Qty.Mul(ev.Side.Sign()),
	}
	consumeStaged := e.takeStagedFeeLocked(ev.ExecID, &tx)

	if err := e.store.ApplyExecution(e.ctx, ExecutionApply{
		Transaction:   tx,
		Position:      *position,
		ConsumeStaged: consumeStaged,
	}); err != nil {
		logs.Errorf("apply unknown execution %s: %v", ev.ExecID, err)
	}
}

func (e *Engine) handleCommission(ev schema.CommissionEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if rec, seen := e.execs[ev.ExecID]; seen {
		if rec.feeSet {
			logs.Warnf("duplicate commission for execution %s, dropped", ev.ExecID)
			return
		}
		updated, err := e.store.SetTransactionFee(e.ctx, ev.ExecID, ev.Fee)
		if err != nil {
			logs.Errorf("set fee for execution %s: %v", ev.ExecID, err)
			return
		}
		if !updated {
			logs.Warnf("commission for execution %s matched no transaction", ev.ExecID)
			return
		}
		rec.feeSet = true
		return
	}

	// Commission arrived before its execution. Stage it so the fill can
	// pick it up when it lands.
	e.staged[ev.ExecID] = ev.Fee
	if err := e.store.SaveStagedCommission(e.ctx, schema.StagedCommission{ExecID: ev.ExecID, Fee: ev.Fee}); err != nil {
		logs.Errorf("stage commission for execution %s: %v", ev.ExecID, err)
	}
}

func (e *Engine) handleConnection(ev schema.ConnectionEvent) {
	if !ev.Up {
		e.mu.Lock()
		e.connected = false
		e.mu.Unlock()
		logs.Warn("broker session down, submissions rejected until resync")
		return
	}

	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()
	logs.Info("broker session up, starting resync")
	if err := e.Resync(e.ctx); err != nil {
		logs.Errorf("resync: %v", err)
	}
}

// positionLocked returns the live position record, creating a flat one on
// first touch.
func (e *Engine) positionLocked(strategy string, contract schema.Contract) *schema.Position {
	key := schema.PositionKey{Strategy: strategy, Contract: contract.Key()}
	if p, ok := e.positions[key]; ok {
		return p
	}
	p := &schema.Position{
		Strategy: strategy,
		Contract: contract,
		Quantity: decimal.Zero,
		AvgPrice: decimal.Zero,
	}
	e.positions[key] = p
	return p
}

// takeStagedFeeLocked moves a staged commission, if any, onto the
// transaction and marks the execution seen.
func (e *Engine) takeStagedFeeLocked(execID string, tx *schema.Transaction) bool {
	fee, staged := e.staged[execID]
	if staged {
		tx.Fee = decimal.NullDecimal{Decimal: fee, Valid: true}
		delete(e.staged, execID)
	}
	e.execs[execID] = &execRecord{feeSet: staged}
	return staged
}
