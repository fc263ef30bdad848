package oms_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/broker"
	"main/internal/oms"
	"main/internal/schema"
	"main/internal/store"
)

func newTestEngine(t *testing.T) (*oms.Engine, *broker.Stub, *store.Memory) {
	t.Helper()
	stub := broker.NewStub()
	mem := store.NewMemory()
	engine := oms.NewEngine(stub, mem, mem, oms.Config{AckTimeout: time.Second})

	err := engine.RegisterStrategy(t.Context(), schema.Strategy{
		Name:           "alpha",
		Capital:        decimal.NewFromInt(100000),
		InitialCapital: decimal.NewFromInt(100000),
		Status:         schema.StrategyStatusActive,
	}, []schema.Contract{schema.Stock("AAPL", "NASDAQ")})
	require.NoError(t, err)

	engine.Handle(schema.ConnectionEvent{Up: true})
	return engine, stub, mem
}

func submit(t *testing.T, engine *oms.Engine, qty int64) schema.OrderKey {
	t.Helper()
	key, err := engine.SubmitOrder(t.Context(), broker.OrderRequest{
		Strategy: "alpha",
		Contract: schema.Stock("AAPL", "NASDAQ"),
		Side:     schema.OrderSideBuy,
		Kind:     schema.OrderKindMarket,
		Quantity: decimal.NewFromInt(qty),
	})
	require.NoError(t, err)
	return key
}

func execution(key schema.OrderKey, execID string, qty, price int64) schema.ExecutionEvent {
	return schema.ExecutionEvent{
		ExecID:   execID,
		Key:      key,
		Contract: schema.Stock("AAPL", "NASDAQ"),
		Side:     schema.OrderSideBuy,
		Price:    decimal.NewFromInt(price),
		Qty:      decimal.NewFromInt(qty),
		Time:     time.Now().UTC(),
	}
}

func TestSubmitRequiresActiveStrategy(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	_, err := engine.SubmitOrder(t.Context(), broker.OrderRequest{Strategy: "ghost"})
	assert.ErrorIs(t, err, oms.ErrUnknownStrategy)

	require.NoError(t, engine.PauseStrategy(t.Context(), "alpha"))
	_, err = engine.SubmitOrder(t.Context(), broker.OrderRequest{
		Strategy: "alpha",
		Contract: schema.Stock("AAPL", "NASDAQ"),
		Side:     schema.OrderSideBuy,
		Quantity: decimal.NewFromInt(10),
	})
	assert.ErrorIs(t, err, oms.ErrStrategyInactive)
}

func TestSubmitRejectedWhileDisconnected(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	engine.Handle(schema.ConnectionEvent{Up: false})

	_, err := engine.SubmitOrder(t.Context(), broker.OrderRequest{
		Strategy: "alpha",
		Contract: schema.Stock("AAPL", "NASDAQ"),
		Side:     schema.OrderSideBuy,
		Quantity: decimal.NewFromInt(10),
	})
	assert.ErrorIs(t, err, oms.ErrNotConnected)
}

func TestBrokerRejectionPropagates(t *testing.T) {
	engine, stub, _ := newTestEngine(t)
	stub.RejectOrders = true

	_, err := engine.SubmitOrder(t.Context(), broker.OrderRequest{
		Strategy: "alpha",
		Contract: schema.Stock("AAPL", "NASDAQ"),
		Side:     schema.OrderSideBuy,
		Quantity: decimal.NewFromInt(10),
	})
	assert.ErrorIs(t, err, broker.ErrRejected)
	assert.Empty(t, engine.OpenOrders("alpha"))
}

func TestPartialFillsAccumulate(t *testing.T) {
	engine, _, mem := newTestEngine(t)
	key := submit(t, engine, 300)

	engine.Handle(execution(key, "e-1", 100, 50))
	engine.Handle(execution(key, "e-2", 200, 53))

	// 100@50 + 200@53 fills the order; it leaves the open set and the
	// position carries the weighted average.
	_, open := engine.Order(key)
	assert.False(t, open)

	pos, ok := engine.Position("alpha", schema.Stock("AAPL", "NASDAQ").Key())
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(300)), "quantity %s", pos.Quantity)
	assert.True(t, pos.AvgPrice.Equal(decimal.NewFromInt(52)), "avg price %s", pos.AvgPrice)

	tx, ok := mem.Transaction("e-2")
	require.True(t, ok)
	assert.True(t, tx.Quantity.Equal(decimal.NewFromInt(200)))
	assert.False(t, tx.Fee.Valid)
}

func TestDuplicateExecutionIgnored(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	key := submit(t, engine, 300)

	engine.Handle(execution(key, "e-1", 100, 50))
	engine.Handle(execution(key, "e-1", 100, 50))

	order, ok := engine.Order(key)
	require.True(t, ok)
	assert.True(t, order.Filled.Equal(decimal.NewFromInt(100)), "filled %s", order.Filled)

	pos, _ := engine.Position("alpha", schema.Stock("AAPL", "NASDAQ").Key())
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(100)))
}

func TestOrderStatusRegressionDropped(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	key := submit(t, engine, 300)

	engine.Handle(schema.OrderStatusEvent{Key: key, Status: schema.OrderStatusSubmitted, Filled: decimal.NewFromInt(200)})
	engine.Handle(schema.OrderStatusEvent{Key: key, Status: schema.OrderStatusSubmitted, Filled: decimal.NewFromInt(100)})

	order, ok := engine.Order(key)
	require.True(t, ok)
	assert.True(t, order.Filled.Equal(decimal.NewFromInt(200)), "filled %s", order.Filled)
}

func TestCommissionAfterExecutionSetsFee(t *testing.T) {
	engine, _, mem := newTestEngine(t)
	key := submit(t, engine, 100)

	engine.Handle(execution(key, "e-1", 100, 50))
	engine.Handle(schema.CommissionEvent{ExecID: "e-1", Fee: decimal.NewFromFloat(1.25)})

	tx, ok := mem.Transaction("e-1")
	require.True(t, ok)
	require.True(t, tx.Fee.Valid)
	assert.True(t, tx.Fee.Decimal.Equal(decimal.NewFromFloat(1.25)))
}

func TestCommissionBeforeExecutionIsStaged(t *testing.T) {
	engine, _, mem := newTestEngine(t)
	key := submit(t, engine, 100)

	engine.Handle(schema.CommissionEvent{ExecID: "e-1", Fee: decimal.NewFromFloat(1.25)})
	_, staged := mem.StagedFee("e-1")
	require.True(t, staged)

	engine.Handle(execution(key, "e-1", 100, 50))

	tx, ok := mem.Transaction("e-1")
	require.True(t, ok)
	require.True(t, tx.Fee.Valid)
	assert.True(t, tx.Fee.Decimal.Equal(decimal.NewFromFloat(1.25)))
	_, staged = mem.StagedFee("e-1")
	assert.False(t, staged, "staged commission should be consumed")
}

func TestUnknownExecutionBookedToUnknown(t *testing.T) {
	engine, _, mem := newTestEngine(t)

	ghost := schema.OrderKey{PermID: 77, OrderID: 9}
	engine.Handle(execution(ghost, "e-9", 50, 40))

	pos, ok := engine.Position(schema.UnknownStrategy, schema.Stock("AAPL", "NASDAQ").Key())
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(50)))

	tx, ok := mem.Transaction("e-9")
	require.True(t, ok)
	assert.Equal(t, schema.UnknownStrategy, tx.Strategy)
}

func TestStatusBeforeExecutionKeepsAttribution(t *testing.T) {
	engine, _, mem := newTestEngine(t)
	key := submit(t, engine, 100)

	// The status and execution streams are unordered relative to each
	// other; the terminal status can land first.
	engine.Handle(schema.OrderStatusEvent{Key: key, Status: schema.OrderStatusFilled, Filled: decimal.NewFromInt(100)})

	order, open := engine.Order(key)
	require.True(t, open, "order waits for its fills before retiring")
	assert.Equal(t, schema.OrderStateFilled, order.State)

	engine.Handle(execution(key, "e-1", 100, 50))

	_, open = engine.Order(key)
	assert.False(t, open)

	pos, ok := engine.Position("alpha", schema.Stock("AAPL", "NASDAQ").Key())
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(100)))
	_, ok = engine.Position(schema.UnknownStrategy, schema.Stock("AAPL", "NASDAQ").Key())
	assert.False(t, ok, "fill belongs to the owning strategy")

	tx, ok := mem.Transaction("e-1")
	require.True(t, ok)
	assert.Equal(t, "alpha", tx.Strategy)
}

func TestCancelHoldsForInFlightFill(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	key := submit(t, engine, 300)

	engine.Handle(schema.OrderStatusEvent{Key: key, Status: schema.OrderStatusCancelled, Filled: decimal.NewFromInt(100)})

	order, open := engine.Order(key)
	require.True(t, open, "cancelled with a fill still on the wire")
	assert.Equal(t, schema.OrderStateCancelled, order.State)

	engine.Handle(execution(key, "e-1", 100, 50))

	_, open = engine.Order(key)
	assert.False(t, open)
	pos, ok := engine.Position("alpha", schema.Stock("AAPL", "NASDAQ").Key())
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(100)))
}

func TestCancelStatusClosesOrder(t *testing.T) {
	engine, _, mem := newTestEngine(t)
	key := submit(t, engine, 100)

	engine.Handle(schema.OrderStatusEvent{Key: key, Status: schema.OrderStatusCancelled})

	_, open := engine.Order(key)
	assert.False(t, open)
	_, stored := mem.StoredOrder(key)
	assert.False(t, stored)
}

func TestPauseDrainsThenRetires(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	key := submit(t, engine, 100)

	require.NoError(t, engine.PauseStrategy(t.Context(), "alpha"))
	status, _ := engine.StrategyStatus("alpha")
	assert.Equal(t, schema.StrategyStatusStopping, status)

	engine.Handle(execution(key, "e-1", 100, 50))
	status, _ = engine.StrategyStatus("alpha")
	assert.Equal(t, schema.StrategyStatusInactive, status)

	require.NoError(t, engine.ResumeStrategy(t.Context(), "alpha"))
	status, _ = engine.StrategyStatus("alpha")
	assert.Equal(t, schema.StrategyStatusActive, status)
}

func TestResyncAdoptsBrokerOrders(t *testing.T) {
	engine, stub, _ := newTestEngine(t)

	adopted := schema.OrderKey{PermID: 500, OrderID: 5}
	stub.OpenOrderSnap = []broker.OpenOrder{{
		Key:      adopted,
		Contract: schema.Stock("AAPL", "NASDAQ"),
		Side:     schema.OrderSideBuy,
		Quantity: decimal.NewFromInt(80),
		Filled:   decimal.NewFromInt(30),
		Status:   schema.OrderStatusSubmitted,
	}}
	require.NoError(t, engine.Resync(t.Context()))

	order, ok := engine.Order(adopted)
	require.True(t, ok)
	assert.Equal(t, "alpha", order.Strategy, "contract is mapped to its strategy")
	assert.True(t, order.Filled.Equal(decimal.NewFromInt(30)))
}

func TestResyncClosesVanishedOrders(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	key := submit(t, engine, 100)

	require.NoError(t, engine.Resync(t.Context()))

	_, open := engine.Order(key)
	assert.False(t, open, "order unknown to the broker is closed locally")
}

func TestResyncBooksPositionGap(t *testing.T) {
	engine, stub, mem := newTestEngine(t)

	stub.PositionSnap = []broker.PositionSnapshot{{
		Contract: schema.Stock("AAPL", "NASDAQ"),
		Quantity: decimal.NewFromInt(25),
		AvgCost:  decimal.NewFromInt(42),
	}}
	require.NoError(t, engine.Resync(t.Context()))

	pos, ok := engine.Position(schema.UnknownStrategy, schema.Stock("AAPL", "NASDAQ").Key())
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(25)))
	assert.True(t, pos.AvgPrice.Equal(decimal.NewFromInt(42)))
	assert.NotEmpty(t, mem.Notifications())
}

func TestRebuildRestoresState(t *testing.T) {
	engine, stub, mem := newTestEngine(t)
	key := submit(t, engine, 300)
	engine.Handle(execution(key, "e-1", 100, 50))

	rebuilt := oms.NewEngine(stub, mem, mem, oms.Config{AckTimeout: time.Second})
	require.NoError(t, rebuilt.Rebuild(t.Context()))

	order, ok := rebuilt.Order(key)
	require.True(t, ok)
	assert.True(t, order.Filled.Equal(decimal.NewFromInt(100)))

	pos, ok := rebuilt.Position("alpha", schema.Stock("AAPL", "NASDAQ").Key())
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(100)))

	// A replayed execution after a restart is still recognized.
	rebuilt.Handle(execution(key, "e-1", 100, 50))
	pos, _ = rebuilt.Position("alpha", schema.Stock("AAPL", "NASDAQ").Key())
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(100)))
}

func TestCommissionAfterRestartSetsFee(t *testing.T) {
	engine, stub, mem := newTestEngine(t)
	key := submit(t, engine, 300)
	engine.Handle(execution(key, "e-1", 100, 50))

	rebuilt := oms.NewEngine(stub, mem, mem, oms.Config{AckTimeout: time.Second})
	require.NoError(t, rebuilt.Rebuild(t.Context()))
	rebuilt.Handle(schema.CommissionEvent{ExecID: "e-1", Fee: decimal.NewFromFloat(1.25)})

	tx, ok := mem.Transaction("e-1")
	require.True(t, ok)
	require.True(t, tx.Fee.Valid, "commission after a restart must set the fee")
	assert.True(t, tx.Fee.Decimal.Equal(decimal.NewFromFloat(1.25)))
	_, staged := mem.StagedFee("e-1")
	assert.False(t, staged)

	// A replay of the same commission is now a true duplicate.
	rebuilt.Handle(schema.CommissionEvent{ExecID: "e-1", Fee: decimal.NewFromFloat(9)})
	tx, _ = mem.Transaction("e-1")
	assert.True(t, tx.Fee.Decimal.Equal(decimal.NewFromFloat(1.25)))
}

func TestCommissionForClosedOrderAfterRestart(t *testing.T) {
	engine, stub, mem := newTestEngine(t)
	key := submit(t, engine, 100)
	engine.Handle(execution(key, "e-1", 100, 50))

	// The order closed before the restart; its commission arrives after.
	_, open := engine.Order(key)
	require.False(t, open)

	rebuilt := oms.NewEngine(stub, mem, mem, oms.Config{AckTimeout: time.Second})
	require.NoError(t, rebuilt.Rebuild(t.Context()))
	rebuilt.Handle(schema.CommissionEvent{ExecID: "e-1", Fee: decimal.NewFromFloat(0.75)})

	tx, ok := mem.Transaction("e-1")
	require.True(t, ok)
	require.True(t, tx.Fee.Valid)
	assert.True(t, tx.Fee.Decimal.Equal(decimal.NewFromFloat(0.75)))
	_, staged := mem.StagedFee("e-1")
	assert.False(t, staged, "fee lands on the transaction, not the staging table")
}
