package consolidator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/yanun0323/logs"

	"main/internal/broker"
	"main/internal/schema"
)

// SubState is the lifecycle of one contract's market data feed.
type SubState uint8

const (
	SubStateUnsubscribed SubState = iota
	SubStateSubscribed
	SubStateStale
	SubStateResubscribing
)

func (s SubState) String() string {
	switch s {
	case SubStateUnsubscribed:
		return "unsubscribed"
	case SubStateSubscribed:
		return "subscribed"
	case SubStateStale:
		return "stale"
	case SubStateResubscribing:
		return "resubscribing"
	default:
		return "unknown"
	}
}

// BarStore persists consolidated bars.
type BarStore interface {
	SaveBar(ctx context.Context, contract schema.ContractKey, interval time.Duration, bar schema.Bar) error
}

// Config carries the consolidator tunables.
type Config struct {
	// StaleAfter marks a feed stale when no bar arrives for this long.
	StaleAfter time.Duration
	// Watchdog is the staleness check cadence.
	Watchdog time.Duration
	// QueueSize bounds each subscriber channel. A full channel drops its
	// oldest bar, never the feed.
	QueueSize int
	Backoff   Backoff
}

type subscriber struct {
	token int64
	ch    chan schema.Bar
	agg   *aggregator
}

type savedBar struct {
	contract schema.ContractKey
	interval time.Duration
	bar      schema.Bar
}

type entry struct {
	mu         sync.Mutex
	contract   schema.Contract
	state      SubState
	lastUpdate time.Time
	nextToken  int64
	subs       []*subscriber
	attempts   int
	retryAt    time.Time
}

// Subscription is a live bar feed handle. Receive from C; call Cancel when
// done so the broker subscription can be released.
type Subscription struct {
	C      <-chan schema.Bar
	cancel func()
}

// Cancel detaches the subscriber. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// Consolidator multiplexes broker market data feeds. It holds at most one
// broker subscription per contract regardless of how many strategies want
// it, fans bars out in subscriber registration order, aggregates raw bars
// up to each subscriber's interval, and resubscribes stale feeds.
type Consolidator struct {
	broker broker.Adapter
	store  BarStore
	cfg    Config

	mu      sync.RWMutex
	entries map[schema.ContractKey]*entry

	saves chan savedBar
}

func New(adapter broker.Adapter, store BarStore, cfg Config) *Consolidator {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 20 * time.Second
	}
	if cfg.Watchdog <= 0 {
		cfg.Watchdog = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff()
	}
	return &Consolidator{
		broker:  adapter,
		store:   store,
		cfg:     cfg,
		entries: make(map[schema.ContractKey]*entry),
		saves:   make(chan savedBar, 256),
	}
}

// Subscribe attaches a bar feed on a contract. Interval is the bar size the
// subscriber wants; zero means the feed's native cadence. The first
// subscriber on a contract opens the broker subscription, later ones share
// it.
func (c *Consolidator) Subscribe(ctx context.Context, contract schema.Contract, interval time.Duration) (*Subscription, error) {
	key := contract.Key()

	c.mu.Lock()
	ent, ok := c.entries[key]
	if !ok {
		ent = &entry{contract: contract}
		c.entries[key] = ent
	}
	c.mu.Unlock()

	ent.mu.Lock()
	defer ent.mu.Unlock()

	if ent.state == SubStateUnsubscribed {
		if err := c.broker.SubscribeMarketData(ctx, contract); err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", key, err)
		}
		ent.state = SubStateSubscribed
		ent.lastUpdate = time.Now()
		ent.attempts = 0
		logs.Infof("market data subscribed: %s", key)
	}

	ent.nextToken++
	sub := &subscriber{
		token: ent.nextToken,
		ch:    make(chan schema.Bar, c.cfg.QueueSize),
	}
	if interval > 0 {
		sub.agg = newAggregator(interval)
	}
	ent.subs = append(ent.subs, sub)

	token := sub.token
	return &Subscription{
		C:      sub.ch,
		cancel: func() { c.detach(key, token) },
	}, nil
}

func (c *Consolidator) detach(key schema.ContractKey, token int64) {
	c.mu.RLock()
	ent, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return
	}

	ent.mu.Lock()
	for i, sub := range ent.subs {
		if sub.token == token {
			ent.subs = append(ent.subs[:i], ent.subs[i+1:]...)
			close(sub.ch)
			break
		}
	}
	release := len(ent.subs) == 0 && ent.state != SubStateUnsubscribed
	if release {
		ent.state = SubStateUnsubscribed
	}
	ent.mu.Unlock()

	if !release {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.broker.UnsubscribeMarketData(ctx, ent.contract); err != nil {
		logs.Errorf("unsubscribe %s: %v", key, err)
	}
	logs.Infof("market data released: %s", key)

	// Subscribe can reopen the feed while the cancel is in flight, in which
	// case the broker saw our cancel last and the feed is dead despite the
	// local state. Re-check demand and open the feed again.
	ent.mu.Lock()
	if len(ent.subs) > 0 {
		if err := c.broker.SubscribeMarketData(ctx, ent.contract); err != nil {
			logs.Errorf("reopen %s after release: %v", key, err)
			ent.attempts++
			ent.state = SubStateResubscribing
			ent.retryAt = time.Now().Add(c.cfg.Backoff.Next(ent.attempts))
		} else {
			ent.state = SubStateSubscribed
			ent.lastUpdate = time.Now()
		}
		ent.mu.Unlock()
		return
	}
	ent.mu.Unlock()

	c.mu.Lock()
	if cur, ok := c.entries[key]; ok {
		cur.mu.Lock()
		if len(cur.subs) == 0 && cur.state == SubStateUnsubscribed {
			delete(c.entries, key)
		}
		cur.mu.Unlock()
	}
	c.mu.Unlock()
}

// OnMarketData feeds one raw bar into the fanout. It never blocks: a slow
// subscriber loses its oldest queued bar instead of stalling the feed.
func (c *Consolidator) OnMarketData(ev schema.MarketDataEvent) {
	key := ev.Contract.Key()
	c.mu.RLock()
	ent, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		// Late data after the last subscriber left.
		return
	}

	var completed []savedBar
	ent.mu.Lock()
	ent.lastUpdate = time.Now()
	if ent.state == SubStateStale || ent.state == SubStateResubscribing {
		logs.Infof("market data recovered: %s", key)
		ent.state = SubStateSubscribed
		ent.attempts = 0
	}

	for _, sub := range ent.subs {
		if sub.agg == nil {
			push(sub.ch, ev.Bar)
			continue
		}
		done, ok := sub.agg.add(ev.Bar)
		if !ok {
			continue
		}
		push(sub.ch, done)
		if c.store != nil {
			completed = append(completed, savedBar{contract: key, interval: sub.agg.interval, bar: done})
		}
	}
	ent.mu.Unlock()

	// Persistence runs on its own goroutine so a slow database cannot
	// stall the fanout or the event queue feeding it.
	for _, sb := range completed {
		select {
		case c.saves <- sb:
		default:
			logs.Warnf("bar writer backlogged, dropping %s %s bar", sb.contract, sb.interval)
		}
	}
}

func (c *Consolidator) persistBars(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sb := <-c.saves:
			saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.store.SaveBar(saveCtx, sb.contract, sb.interval, sb.bar); err != nil {
				logs.Errorf("save bar %s: %v", sb.contract, err)
			}
			cancel()
		}
	}
}

func push(ch chan schema.Bar, bar schema.Bar) {
	select {
	case ch <- bar:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- bar:
	default:
	}
}

// Run drives the staleness watchdog and the bar writer until ctx is done.
func (c *Consolidator) Run(ctx context.Context) {
	go c.persistBars(ctx)
	ticker := time.NewTicker(c.cfg.Watchdog)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

func (c *Consolidator) sweep(ctx context.Context) {
	c.mu.RLock()
	entries := make([]*entry, 0, len(c.entries))
	for _, ent := range c.entries {
		entries = append(entries, ent)
	}
	c.mu.RUnlock()

	now := time.Now()
	for _, ent := range entries {
		ent.mu.Lock()
		key := ent.contract.Key()
		switch ent.state {
		case SubStateSubscribed:
			if now.Sub(ent.lastUpdate) <= c.cfg.StaleAfter {
				ent.mu.Unlock()
				continue
			}
			logs.Warnf("market data stale: %s, last bar %s ago", key, now.Sub(ent.lastUpdate).Truncate(time.Second))
			ent.state = SubStateStale
		case SubStateResubscribing:
			if now.Before(ent.retryAt) {
				ent.mu.Unlock()
				continue
			}
		default:
			ent.mu.Unlock()
			continue
		}

		ent.attempts++
		ent.state = SubStateResubscribing
		ent.retryAt = now.Add(c.cfg.Backoff.Next(ent.attempts))
		contract := ent.contract
		attempt := ent.attempts
		ent.mu.Unlock()

		if err := c.resubscribe(ctx, contract); err != nil {
			logs.Errorf("resubscribe %s (attempt %d): %v", key, attempt, err)
			continue
		}
		ent.mu.Lock()
		if ent.state == SubStateResubscribing {
			ent.lastUpdate = time.Now()
		}
		ent.mu.Unlock()
	}
}

func (c *Consolidator) resubscribe(ctx context.Context, contract schema.Contract) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.broker.UnsubscribeMarketData(ctx, contract); err != nil {
		logs.Warnf("cancel before resubscribe %s: %v", contract.Key(), err)
	}
	return c.broker.SubscribeMarketData(ctx, contract)
}

// States reports the current feed state per contract. Intended for
// operational introspection and tests.
func (c *Consolidator) States() map[schema.ContractKey]SubState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[schema.ContractKey]SubState, len(c.entries))
	for key, ent := range c.entries {
		ent.mu.Lock()
		out[key] = ent.state
		ent.mu.Unlock()
	}
	return out
}
