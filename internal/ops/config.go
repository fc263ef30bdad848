package ops

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"main/internal/broker"
	"main/internal/consolidator"
	"main/internal/oms"
	"main/internal/reconciler"
	"main/internal/schema"
	"main/pkg/conn"
)

// FileConfig mirrors the JSON config layout.
type FileConfig struct {
	Database     DatabaseConfig     `json:"database"`
	Gateway      GatewayConfig      `json:"gateway"`
	Engine       EngineConfig       `json:"engine"`
	Consolidator ConsolidatorConfig `json:"consolidator"`
	Reconciler   ReconcilerConfig   `json:"reconciler"`
	Strategies   []StrategyConfig   `json:"strategies"`
	Profiler     ProfilerConfig     `json:"profiler"`
}

// DatabaseConfig describes the PostgreSQL connection.
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"sslMode"`
}

// GatewayConfig describes the broker gateway session.
type GatewayConfig struct {
	URL string `json:"url"`
	// RequestsPerSecond caps outbound broker requests.
	RequestsPerSecond float64 `json:"requestsPerSecond"`
	AckTimeoutSec     int     `json:"ackTimeoutSec"`
	QueueSize         int     `json:"queueSize"`
}

// EngineConfig describes order engine tunables.
type EngineConfig struct {
	PositionTolerance string `json:"positionTolerance"`
}

// ConsolidatorConfig describes market data staleness handling.
type ConsolidatorConfig struct {
	StaleAfterSec  int `json:"staleAfterSec"`
	WatchdogSec    int `json:"watchdogSec"`
	SubscriberSize int `json:"subscriberSize"`
}

// ReconcilerConfig describes the position reconciliation pass.
type ReconcilerConfig struct {
	IntervalSec int    `json:"intervalSec"`
	Tolerance   string `json:"tolerance"`
}

// StrategyConfig describes one momentum strategy instance.
type StrategyConfig struct {
	Name         string         `json:"name"`
	Capital      string         `json:"capital"`
	Contract     ContractConfig `json:"contract"`
	BarMinutes   int            `json:"barMinutes"`
	Window       int            `json:"window"`
	PositionSize string         `json:"positionSize"`
}

// ContractConfig describes a tradable contract.
type ContractConfig struct {
	Symbol          string `json:"symbol"`
	PrimaryExchange string `json:"primaryExchange"`
	SecType         string `json:"secType"`
	Expiry          string `json:"expiry"`
	Strike          string `json:"strike"`
	Multiplier      string `json:"multiplier"`
	Right           string `json:"right"`
}

// ProfilerConfig enables continuous profiling when a server is set.
type ProfilerConfig struct {
	ServerAddress string `json:"serverAddress"`
}

// StrategySpec is a resolved strategy definition.
type StrategySpec struct {
	Name        string
	Capital     decimal.Decimal
	Contract    schema.Contract
	BarInterval time.Duration
	Window      int
	Size        decimal.Decimal
}

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Database     conn.Option
	Gateway      broker.GatewayConfig
	GatewayQueue int
	Engine       oms.Config
	Consolidator consolidator.Config
	Reconciler   reconciler.Config
	Strategies   []StrategySpec
	Profiler     ProfilerConfig
}

// Load reads a JSON config file and resolves it.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, err
	}
	var cfg FileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, err
	}
	return resolve(cfg)
}

func resolve(cfg FileConfig) (Loaded, error) {
	loaded := Loaded{
		Database: conn.Option{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			Database: cfg.Database.Database,
			SSLMode:  cfg.Database.SSLMode,
		},
		Profiler: cfg.Profiler,
	}

	if cfg.Gateway.URL == "" {
		return Loaded{}, fmt.Errorf("gateway url is required")
	}
	loaded.Gateway = broker.GatewayConfig{
		URL:         cfg.Gateway.URL,
		RequestRate: cfg.Gateway.RequestsPerSecond,
		AckTimeout:  secondsOr(cfg.Gateway.AckTimeoutSec, 10*time.Second),
	}
	loaded.GatewayQueue = cfg.Gateway.QueueSize

	engineTol, err := decimalOr(cfg.Engine.PositionTolerance, decimal.Zero)
	if err != nil {
		return Loaded{}, fmt.Errorf("engine positionTolerance: %w", err)
	}
	loaded.Engine = oms.Config{
		AckTimeout:        loaded.Gateway.AckTimeout,
		PositionTolerance: engineTol,
	}

	loaded.Consolidator = consolidator.Config{
		StaleAfter: secondsOr(cfg.Consolidator.StaleAfterSec, 20*time.Second),
		Watchdog:   secondsOr(cfg.Consolidator.WatchdogSec, 5*time.Second),
		QueueSize:  cfg.Consolidator.SubscriberSize,
	}

	recTol, err := decimalOr(cfg.Reconciler.Tolerance, decimal.Zero)
	if err != nil {
		return Loaded{}, fmt.Errorf("reconciler tolerance: %w", err)
	}
	loaded.Reconciler = reconciler.Config{
		Interval:  secondsOr(cfg.Reconciler.IntervalSec, time.Minute),
		Tolerance: recTol,
	}

	for _, sc := range cfg.Strategies {
		spec, err := resolveStrategy(sc)
		if err != nil {
			return Loaded{}, fmt.Errorf("strategy %s: %w", sc.Name, err)
		}
		loaded.Strategies = append(loaded.Strategies, spec)
	}
	return loaded, nil
}

func resolveStrategy(cfg StrategyConfig) (StrategySpec, error) {
	if cfg.Name == "" {
		return StrategySpec{}, fmt.Errorf("name is required")
	}
	if cfg.Name == schema.UnknownStrategy {
		return StrategySpec{}, fmt.Errorf("name %q is reserved", schema.UnknownStrategy)
	}
	capital, err := decimalOr(cfg.Capital, decimal.Zero)
	if err != nil {
		return StrategySpec{}, fmt.Errorf("capital: %w", err)
	}
	size, err := decimalOr(cfg.PositionSize, decimal.Zero)
	if err != nil {
		return StrategySpec{}, fmt.Errorf("positionSize: %w", err)
	}
	if !size.IsPositive() {
		return StrategySpec{}, fmt.Errorf("positionSize must be positive")
	}
	contract, err := resolveContract(cfg.Contract)
	if err != nil {
		return StrategySpec{}, err
	}
	barMinutes := cfg.BarMinutes
	if barMinutes <= 0 {
		barMinutes = 5
	}
	window := cfg.Window
	if window <= 0 {
		window = 20
	}
	return StrategySpec{
		Name:        cfg.Name,
		Capital:     capital,
		Contract:    contract,
		BarInterval: time.Duration(barMinutes) * time.Minute,
		Window:      window,
		Size:        size,
	}, nil
}

func resolveContract(cfg ContractConfig) (schema.Contract, error) {
	if cfg.Symbol == "" {
		return schema.Contract{}, fmt.Errorf("contract symbol is required")
	}
	secType := schema.ParseSecurityType(cfg.SecType)
	if secType == schema.SecurityTypeUnknown {
		return schema.Contract{}, fmt.Errorf("unknown secType %q", cfg.SecType)
	}
	if secType == schema.SecurityTypeStock {
		return schema.Stock(cfg.Symbol, cfg.PrimaryExchange), nil
	}

	right, err := schema.ParseRight(cfg.Right)
	if err != nil {
		return schema.Contract{}, err
	}
	strike, err := decimal.NewFromString(cfg.Strike)
	if err != nil {
		return schema.Contract{}, fmt.Errorf("contract strike: %w", err)
	}
	if cfg.Expiry == "" {
		return schema.Contract{}, fmt.Errorf("contract expiry is required for options")
	}
	return schema.Option(cfg.Symbol, cfg.PrimaryExchange, cfg.Expiry, strike, cfg.Multiplier, right), nil
}

func secondsOr(sec int, fallback time.Duration) time.Duration {
	if sec <= 0 {
		return fallback
	}
	return time.Duration(sec) * time.Second
}

func decimalOr(s string, fallback decimal.Decimal) (decimal.Decimal, error) {
	if s == "" {
		return fallback, nil
	}
	return decimal.NewFromString(s)
}
