package reconciler

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/schema"
	"main/internal/store"
)

type staticPositions []schema.Position

func (s staticPositions) Positions() []schema.Position { return s }

func TestDeviationNotifiedOnce(t *testing.T) {
	mem := store.NewMemory()
	contract := schema.Stock("MSFT", "NASDAQ")
	require.NoError(t, mem.SaveTarget(t.Context(), schema.TargetPosition{
		Strategy: "alpha",
		Contract: contract,
		Quantity: decimal.NewFromInt(100),
	}))

	held := staticPositions{{
		Strategy: "alpha",
		Contract: contract,
		Quantity: decimal.NewFromInt(60),
	}}
	r := New(held, mem, mem, Config{Interval: time.Minute, Tolerance: decimal.NewFromInt(1)})

	require.NoError(t, r.RunOnce(t.Context()))
	require.NoError(t, r.RunOnce(t.Context()))
	assert.Len(t, mem.Notifications(), 1, "unchanged gap is reported once")
}

func TestDeviationWithinToleranceIgnored(t *testing.T) {
	mem := store.NewMemory()
	contract := schema.Stock("MSFT", "NASDAQ")
	require.NoError(t, mem.SaveTarget(t.Context(), schema.TargetPosition{
		Strategy: "alpha",
		Contract: contract,
		Quantity: decimal.NewFromInt(100),
	}))

	held := staticPositions{{
		Strategy: "alpha",
		Contract: contract,
		Quantity: decimal.NewFromInt(99),
	}}
	r := New(held, mem, mem, Config{Interval: time.Minute, Tolerance: decimal.NewFromInt(1)})

	require.NoError(t, r.RunOnce(t.Context()))
	assert.Empty(t, mem.Notifications())
}

func TestChangedGapNotifiesAgain(t *testing.T) {
	mem := store.NewMemory()
	contract := schema.Stock("MSFT", "NASDAQ")
	require.NoError(t, mem.SaveTarget(t.Context(), schema.TargetPosition{
		Strategy: "alpha",
		Contract: contract,
		Quantity: decimal.NewFromInt(100),
	}))

	held := staticPositions{{
		Strategy: "alpha",
		Contract: contract,
		Quantity: decimal.NewFromInt(60),
	}}
	r := New(held, mem, mem, Config{Interval: time.Minute})
	require.NoError(t, r.RunOnce(t.Context()))

	held[0].Quantity = decimal.NewFromInt(80)
	require.NoError(t, r.RunOnce(t.Context()))
	assert.Len(t, mem.Notifications(), 2)
}

func TestUntargetedHoldingReconcilesAgainstZero(t *testing.T) {
	mem := store.NewMemory()
	held := staticPositions{{
		Strategy: "alpha",
		Contract: schema.Stock("MSFT", "NASDAQ"),
		Quantity: decimal.NewFromInt(10),
	}}
	r := New(held, mem, mem, Config{Interval: time.Minute})

	require.NoError(t, r.RunOnce(t.Context()))
	assert.Len(t, mem.Notifications(), 1)
}

func TestUnknownStrategyHoldingsAreExempt(t *testing.T) {
	mem := store.NewMemory()
	held := staticPositions{{
		Strategy: schema.UnknownStrategy,
		Contract: schema.Stock("MSFT", "NASDAQ"),
		Quantity: decimal.NewFromInt(10),
	}}
	r := New(held, mem, mem, Config{Interval: time.Minute})

	require.NoError(t, r.RunOnce(t.Context()))
	assert.Empty(t, mem.Notifications())
}

func TestRecoveredGapCanFireAgain(t *testing.T) {
	mem := store.NewMemory()
	contract := schema.Stock("MSFT", "NASDAQ")
	require.NoError(t, mem.SaveTarget(t.Context(), schema.TargetPosition{
		Strategy: "alpha",
		Contract: contract,
		Quantity: decimal.NewFromInt(100),
	}))

	held := staticPositions{{
		Strategy: "alpha",
		Contract: contract,
		Quantity: decimal.NewFromInt(60),
	}}
	r := New(held, mem, mem, Config{Interval: time.Minute})
	require.NoError(t, r.RunOnce(t.Context()))

	held[0].Quantity = decimal.NewFromInt(100)
	require.NoError(t, r.RunOnce(t.Context()))

	held[0].Quantity = decimal.NewFromInt(60)
	require.NoError(t, r.RunOnce(t.Context()))
	assert.Len(t, mem.Notifications(), 2)
}
