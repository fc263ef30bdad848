package consolidator

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/broker"
	"main/internal/schema"
	"main/internal/store"
)

var testContract = schema.Stock("TSLA", "NASDAQ")

func rawBar(at time.Time, px int64) schema.MarketDataEvent {
	p := decimal.NewFromInt(px)
	return schema.MarketDataEvent{
		Contract: testContract,
		Bar: schema.Bar{
			Time:   at,
			Open:   p,
			High:   p.Add(decimal.NewFromInt(1)),
			Low:    p.Sub(decimal.NewFromInt(1)),
			Close:  p,
			Volume: decimal.NewFromInt(10),
		},
	}
}

func TestSharedSubscriptionHitsBrokerOnce(t *testing.T) {
	stub := broker.NewStub()
	c := New(stub, nil, Config{})

	first, err := c.Subscribe(t.Context(), testContract, 0)
	require.NoError(t, err)
	second, err := c.Subscribe(t.Context(), testContract, 0)
	require.NoError(t, err)

	assert.Equal(t, 1, stub.SubscribeCalls(testContract.Key()))

	ev := rawBar(time.Now(), 100)
	c.OnMarketData(ev)

	for _, sub := range []*Subscription{first, second} {
		select {
		case got := <-sub.C:
			assert.True(t, got.Close.Equal(ev.Bar.Close))
		default:
			t.Fatal("subscriber did not receive the bar")
		}
	}
}

func TestOptionFeedSharedAcrossStrategies(t *testing.T) {
	stub := broker.NewStub()
	c := New(stub, nil, Config{})
	call := schema.Option("AAPL", "NASDAQ", "20260320", decimal.NewFromInt(250), "100", schema.RightCall)

	// Two strategies trading the same option leg share one broker feed.
	momo, err := c.Subscribe(t.Context(), call, 5*time.Minute)
	require.NoError(t, err)
	wheel, err := c.Subscribe(t.Context(), call, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, stub.SubscribeCalls(call.Key()))

	momo.Cancel()
	wheel.Cancel()
	assert.Equal(t, 1, stub.UnsubscribeCalls(call.Key()))
}

func TestLastCancelReleasesBrokerSubscription(t *testing.T) {
	stub := broker.NewStub()
	c := New(stub, nil, Config{})

	first, err := c.Subscribe(t.Context(), testContract, 0)
	require.NoError(t, err)
	second, err := c.Subscribe(t.Context(), testContract, 0)
	require.NoError(t, err)

	first.Cancel()
	assert.Equal(t, 0, stub.UnsubscribeCalls(testContract.Key()), "feed still demanded")

	second.Cancel()
	assert.Equal(t, 1, stub.UnsubscribeCalls(testContract.Key()))

	// A fresh subscribe opens a new broker subscription.
	_, err = c.Subscribe(t.Context(), testContract, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, stub.SubscribeCalls(testContract.Key()))
}

func TestSubscribeDuringReleaseReopensFeed(t *testing.T) {
	stub := broker.NewStub()
	c := New(stub, nil, Config{})

	sub, err := c.Subscribe(t.Context(), testContract, 0)
	require.NoError(t, err)

	// A new subscriber lands while the broker cancel is in flight. The
	// broker then sees subscribe before cancel and the feed goes dark, so
	// the release path must open it again.
	var reopened *Subscription
	stub.OnUnsubscribe = func(schema.Contract) {
		stub.OnUnsubscribe = nil
		var serr error
		reopened, serr = c.Subscribe(t.Context(), testContract, 0)
		require.NoError(t, serr)
	}
	sub.Cancel()

	require.NotNil(t, reopened)
	assert.Equal(t, 3, stub.SubscribeCalls(testContract.Key()))
	assert.Equal(t, SubStateSubscribed, c.States()[testContract.Key()])

	ev := rawBar(time.Now(), 100)
	c.OnMarketData(ev)
	select {
	case got := <-reopened.C:
		assert.True(t, got.Close.Equal(ev.Bar.Close))
	default:
		t.Fatal("subscriber did not receive the bar")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	stub := broker.NewStub()
	c := New(stub, nil, Config{})

	sub, err := c.Subscribe(t.Context(), testContract, 0)
	require.NoError(t, err)
	sub.Cancel()
	sub.Cancel()
	assert.Equal(t, 1, stub.UnsubscribeCalls(testContract.Key()))
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	stub := broker.NewStub()
	c := New(stub, nil, Config{QueueSize: 2})

	sub, err := c.Subscribe(t.Context(), testContract, 0)
	require.NoError(t, err)

	base := time.Now()
	for i := int64(0); i < 5; i++ {
		c.OnMarketData(rawBar(base.Add(time.Duration(i)*5*time.Second), 100+i))
	}

	// Queue holds the two newest bars; the oldest three were dropped.
	first := <-sub.C
	second := <-sub.C
	assert.True(t, first.Close.Equal(decimal.NewFromInt(103)), "got %s", first.Close)
	assert.True(t, second.Close.Equal(decimal.NewFromInt(104)), "got %s", second.Close)
	select {
	case <-sub.C:
		t.Fatal("queue should be empty")
	default:
	}
}

func TestAggregationEmitsCompleteBars(t *testing.T) {
	stub := broker.NewStub()
	mem := store.NewMemory()
	c := New(stub, mem, Config{})
	go c.Run(t.Context())

	sub, err := c.Subscribe(t.Context(), testContract, 5*time.Minute)
	require.NoError(t, err)

	base := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	// A full five-minute bucket of five-second bars, then one bar of the
	// next bucket to close it out.
	for i := 0; i < 60; i++ {
		c.OnMarketData(rawBar(base.Add(time.Duration(i)*5*time.Second), 100+int64(i%4)))
	}
	c.OnMarketData(rawBar(base.Add(5*time.Minute), 200))

	select {
	case bar := <-sub.C:
		assert.Equal(t, base, bar.Time)
		assert.True(t, bar.Open.Equal(decimal.NewFromInt(100)), "open %s", bar.Open)
		assert.True(t, bar.High.Equal(decimal.NewFromInt(104)), "high %s", bar.High)
		assert.True(t, bar.Low.Equal(decimal.NewFromInt(99)), "low %s", bar.Low)
		assert.True(t, bar.Close.Equal(decimal.NewFromInt(103)), "close %s", bar.Close)
		assert.True(t, bar.Volume.Equal(decimal.NewFromInt(600)), "volume %s", bar.Volume)
	default:
		t.Fatal("expected a consolidated bar")
	}

	// Persistence happens off the fanout path.
	require.Eventually(t, func() bool { return len(mem.Bars()) == 1 }, time.Second, 5*time.Millisecond)
	bars := mem.Bars()
	assert.Equal(t, testContract.Key(), bars[0].Contract)
	assert.Equal(t, 5*time.Minute, bars[0].Interval)
}

func TestStaleFeedResubscribes(t *testing.T) {
	stub := broker.NewStub()
	c := New(stub, nil, Config{StaleAfter: 10 * time.Millisecond})

	_, err := c.Subscribe(t.Context(), testContract, 0)
	require.NoError(t, err)
	require.Equal(t, 1, stub.SubscribeCalls(testContract.Key()))

	time.Sleep(20 * time.Millisecond)
	c.sweep(t.Context())

	assert.Equal(t, 1, stub.UnsubscribeCalls(testContract.Key()))
	assert.Equal(t, 2, stub.SubscribeCalls(testContract.Key()))
	assert.Equal(t, SubStateResubscribing, c.States()[testContract.Key()])

	// Data arriving after the resubscribe marks the feed healthy again.
	c.OnMarketData(rawBar(time.Now(), 100))
	assert.Equal(t, SubStateSubscribed, c.States()[testContract.Key()])
}
