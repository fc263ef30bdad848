package ops

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/schema"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadResolvesConfig(t *testing.T) {
	path := writeConfig(t, `{
		"database": {"host": "db", "port": 5433, "user": "trader", "database": "trading"},
		"gateway": {"url": "ws://gw:7497", "requestsPerSecond": 40, "ackTimeoutSec": 5, "queueSize": 1024},
		"engine": {"positionTolerance": "0.5"},
		"consolidator": {"staleAfterSec": 20, "watchdogSec": 5, "subscriberSize": 32},
		"reconciler": {"intervalSec": 30, "tolerance": "1"},
		"strategies": [
			{
				"name": "momo",
				"capital": "50000",
				"contract": {"symbol": "AAPL", "primaryExchange": "NASDAQ", "secType": "STK"},
				"barMinutes": 5,
				"window": 20,
				"positionSize": "100"
			},
			{
				"name": "wheel",
				"capital": "25000",
				"contract": {
					"symbol": "AAPL", "primaryExchange": "NASDAQ", "secType": "OPT",
					"expiry": "20260320", "strike": "250", "multiplier": "100", "right": "P"
				},
				"positionSize": "1"
			}
		]
	}`)

	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "db", loaded.Database.Host)
	assert.Equal(t, 5433, loaded.Database.Port)
	assert.Equal(t, "ws://gw:7497", loaded.Gateway.URL)
	assert.Equal(t, 5*time.Second, loaded.Gateway.AckTimeout)
	assert.Equal(t, 1024, loaded.GatewayQueue)
	assert.True(t, loaded.Engine.PositionTolerance.Equal(decimal.NewFromFloat(0.5)))
	assert.Equal(t, 20*time.Second, loaded.Consolidator.StaleAfter)
	assert.Equal(t, 30*time.Second, loaded.Reconciler.Interval)
	assert.True(t, loaded.Reconciler.Tolerance.Equal(decimal.NewFromInt(1)))

	require.Len(t, loaded.Strategies, 2)
	momo := loaded.Strategies[0]
	assert.Equal(t, "momo", momo.Name)
	assert.Equal(t, 5*time.Minute, momo.BarInterval)
	assert.Equal(t, schema.SecurityTypeStock, momo.Contract.SecType)

	wheel := loaded.Strategies[1]
	assert.Equal(t, schema.SecurityTypeOption, wheel.Contract.SecType)
	assert.Equal(t, schema.RightPut, wheel.Contract.Right)
	assert.Equal(t, 5*time.Minute, wheel.BarInterval, "bar size defaults")
	assert.Equal(t, 20, wheel.Window, "window defaults")
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `{"gateway": {"url": "ws://gw:7497"}}`)

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, loaded.Gateway.AckTimeout)
	assert.Equal(t, 20*time.Second, loaded.Consolidator.StaleAfter)
	assert.Equal(t, 5*time.Second, loaded.Consolidator.Watchdog)
	assert.Equal(t, time.Minute, loaded.Reconciler.Interval)
	assert.True(t, loaded.Reconciler.Tolerance.IsZero())
}

func TestLoadRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing gateway url", `{}`},
		{"reserved strategy name", `{
			"gateway": {"url": "ws://gw"},
			"strategies": [{"name": "unknown", "positionSize": "1",
				"contract": {"symbol": "AAPL", "secType": "STK"}}]
		}`},
		{"zero position size", `{
			"gateway": {"url": "ws://gw"},
			"strategies": [{"name": "momo",
				"contract": {"symbol": "AAPL", "secType": "STK"}}]
		}`},
		{"option without expiry", `{
			"gateway": {"url": "ws://gw"},
			"strategies": [{"name": "momo", "positionSize": "1",
				"contract": {"symbol": "AAPL", "secType": "OPT", "strike": "250", "right": "C"}}]
		}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			assert.Error(t, err)
		})
	}
}
