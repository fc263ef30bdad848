package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"main/internal/schema"
)

// PositionSource reads the currently held positions.
type PositionSource interface {
	Positions() []schema.Position
}

// TargetStore reads the target positions strategies have declared.
type TargetStore interface {
	LoadTargets(ctx context.Context) ([]schema.TargetPosition, error)
}

// Notifier delivers operator-facing notifications.
type Notifier interface {
	Notify(ctx context.Context, title, body string) error
}

// Config carries the reconciler tunables.
type Config struct {
	Interval time.Duration
	// Tolerance is the absolute quantity gap below which a deviation is
	// considered noise.
	Tolerance decimal.Decimal
}

// Reconciler periodically compares held positions against declared targets
// and raises a notification per deviating (strategy, contract) pair. It
// only reads and notifies; it never trades the gap closed.
type Reconciler struct {
	source   PositionSource
	targets  TargetStore
	notifier Notifier
	cfg      Config

	// raised remembers the last notified gap per pair so an unchanged
	// deviation is reported once, not every interval.
	raised map[schema.PositionKey]decimal.Decimal
}

func New(source PositionSource, targets TargetStore, notifier Notifier, cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Reconciler{
		source:   source,
		targets:  targets,
		notifier: notifier,
		cfg:      cfg,
		raised:   make(map[schema.PositionKey]decimal.Decimal),
	}
}

// Run compares on a fixed interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				logs.Errorf("reconcile: %v", err)
			}
		}
	}
}

// RunOnce performs a single comparison pass.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	targets, err := r.targets.LoadTargets(ctx)
	if err != nil {
		return fmt.Errorf("load targets: %w", err)
	}

	current := make(map[schema.PositionKey]schema.Position)
	for _, p := range r.source.Positions() {
		current[p.Key()] = p
	}

	checked := make(map[schema.PositionKey]struct{}, len(targets))
	for _, t := range targets {
		key := t.Key()
		checked[key] = struct{}{}
		held := current[key].Quantity
		r.check(ctx, key, t.Contract, held, t.Quantity)
	}

	// Holdings with no declared target reconcile against zero, except the
	// unknown strategy, whose whole point is to hold unattributed quantity.
	for key, p := range current {
		if _, ok := checked[key]; ok {
			continue
		}
		if key.Strategy == schema.UnknownStrategy {
			continue
		}
		r.check(ctx, key, p.Contract, p.Quantity, decimal.Zero)
	}
	return nil
}

func (r *Reconciler) check(ctx context.Context, key schema.PositionKey, contract schema.Contract, held, target decimal.Decimal) {
	gap := held.Sub(target)
	if gap.Abs().LessThanOrEqual(r.cfg.Tolerance) {
		delete(r.raised, key)
		return
	}
	if last, ok := r.raised[key]; ok && last.Equal(gap) {
		return
	}
	r.raised[key] = gap

	logs.Warnf("position deviation: %s %s holds %s, target %s",
		key.Strategy, key.Contract, held, target)
	if r.notifier == nil {
		return
	}
	body := fmt.Sprintf("strategy %s on %s holds %s but targets %s (gap %s)",
		key.Strategy, contract.Key(), held, target, gap)
	if err := r.notifier.Notify(ctx, "position deviation", body); err != nil {
		logs.Errorf("notify deviation %s/%s: %v", key.Strategy, key.Contract, err)
	}
}
