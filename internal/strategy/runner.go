package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"main/internal/broker"
	"main/internal/consolidator"
	"main/internal/oms"
	"main/internal/schema"
)

// Runner drives one strategy on its own goroutine. It subscribes the
// strategy's contracts, feeds bars in sequentially, records the declared
// targets and raises the orders that move the held position toward them.
type Runner struct {
	strat   Strategy
	engine  Engine
	feed    *consolidator.Consolidator
	targets TargetSaver
}

func NewRunner(strat Strategy, engine Engine, feed *consolidator.Consolidator, targets TargetSaver) *Runner {
	return &Runner{strat: strat, engine: engine, feed: feed, targets: targets}
}

type contractBar struct {
	contract schema.Contract
	bar      schema.Bar
}

// Run blocks until ctx is done or subscription fails. Bars from all of the
// strategy's contracts are serialized onto one channel so the strategy
// never runs concurrently with itself.
func (r *Runner) Run(ctx context.Context) error {
	name := r.strat.Name()
	contracts := r.strat.Contracts()
	interval := r.strat.BarInterval()

	bars := make(chan contractBar, 1)
	var wg sync.WaitGroup
	subs := make([]*consolidator.Subscription, 0, len(contracts))
	defer func() {
		for _, sub := range subs {
			sub.Cancel()
		}
		wg.Wait()
	}()

	for _, contract := range contracts {
		sub, err := r.feed.Subscribe(ctx, contract, interval)
		if err != nil {
			return fmt.Errorf("strategy %s subscribe %s: %w", name, contract.Key(), err)
		}
		subs = append(subs, sub)

		wg.Add(1)
		go func(contract schema.Contract, ch <-chan schema.Bar) {
			defer wg.Done()
			for bar := range ch {
				select {
				case bars <- contractBar{contract: contract, bar: bar}:
				case <-ctx.Done():
					return
				}
			}
		}(contract, sub.C)
	}

	logs.Infof("strategy %s running: %d contracts, %s bars", name, len(contracts), interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case cb := <-bars:
			r.onBar(ctx, cb.contract, cb.bar)
		}
	}
}

func (r *Runner) onBar(ctx context.Context, contract schema.Contract, bar schema.Bar) {
	name := r.strat.Name()
	for _, decision := range r.strat.OnBar(contract, bar) {
		target := schema.TargetPosition{
			Strategy: name,
			Contract: decision.Contract,
			Quantity: decision.Quantity,
		}
		if err := r.targets.SaveTarget(ctx, target); err != nil {
			logs.Errorf("strategy %s save target %s: %v", name, decision.Contract.Key(), err)
		}
		r.steer(ctx, decision)
	}
}

// steer submits the order that closes the gap between the held and target
// quantity. While an order on the contract is still working, the gap is
// left alone so fills are not chased with duplicates.
func (r *Runner) steer(ctx context.Context, decision Decision) {
	name := r.strat.Name()
	key := decision.Contract.Key()

	held := decimal.Zero
	if p, ok := r.engine.Position(name, key); ok {
		held = p.Quantity
	}
	gap := decision.Quantity.Sub(held)
	if gap.IsZero() {
		return
	}
	for _, open := range r.engine.OpenOrders(name) {
		if open.Contract.Key() == key {
			return
		}
	}

	side := schema.OrderSideBuy
	if gap.IsNegative() {
		side = schema.OrderSideSell
	}
	req := broker.OrderRequest{
		Strategy:   name,
		Contract:   decision.Contract,
		Side:       side,
		Kind:       decision.Kind,
		Quantity:   gap.Abs(),
		LimitPrice: decision.LimitPrice,
	}
	_, err := r.engine.SubmitOrder(ctx, req)
	switch {
	case err == nil:
	case errors.Is(err, oms.ErrStrategyInactive),
		errors.Is(err, oms.ErrResyncInProgress),
		errors.Is(err, oms.ErrNotConnected):
		logs.Warnf("strategy %s submission on %s deferred: %v", name, key, err)
	default:
		logs.Errorf("strategy %s submit on %s: %v", name, key, err)
	}
}
