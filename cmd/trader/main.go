package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/yanun0323/logs"

	"main/internal/broker"
	"main/internal/bus"
	"main/internal/consolidator"
	"main/internal/oms"
	"main/internal/ops"
	"main/internal/reconciler"
	"main/internal/schema"
	"main/internal/store"
	"main/internal/strategy"
	"main/pkg/conn"
)

const defaultQueueSize = 4096

func main() {
	configPath := flag.String("config", "config.json", "Path to JSON config")
	migrateOnly := flag.Bool("migrate", false, "Run database migrations and exit")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loaded, err := ops.Load(*configPath)
	if err != nil {
		logs.Errorf("load config %s: %v", *configPath, err)
		os.Exit(1)
	}

	if loaded.Profiler.ServerAddress != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "trader",
			ServerAddress:   loaded.Profiler.ServerAddress,
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			logs.Errorf("start profiler: %v", err)
			os.Exit(1)
		}
		defer func() { _ = profiler.Stop() }()
	}

	client, err := conn.New(loaded.Database)
	if err != nil {
		logs.Errorf("connect database: %v", err)
		os.Exit(1)
	}
	defer client.Close()

	st := store.New(client.DB())
	if err := st.Migrate(ctx); err != nil {
		logs.Errorf("migrate database: %v", err)
		os.Exit(1)
	}
	if *migrateOnly {
		logs.Info("migration complete")
		return
	}

	queueSize := loaded.GatewayQueue
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	events := bus.NewQueue(queueSize)
	gateway := broker.NewGateway(ctx, loaded.Gateway, events)

	engine := oms.NewEngine(gateway, st, st, loaded.Engine)
	if err := engine.Rebuild(ctx); err != nil {
		logs.Errorf("rebuild engine state: %v", err)
		os.Exit(1)
	}
	for _, spec := range loaded.Strategies {
		record := schema.Strategy{
			Name:           spec.Name,
			Capital:        spec.Capital,
			InitialCapital: spec.Capital,
			Status:         schema.StrategyStatusActive,
		}
		if err := engine.RegisterStrategy(ctx, record, []schema.Contract{spec.Contract}); err != nil {
			logs.Errorf("register strategy %s: %v", spec.Name, err)
			os.Exit(1)
		}
	}

	cons := consolidator.New(gateway, st, loaded.Consolidator)
	engine.SetMarketDataSink(cons.OnMarketData)

	if err := gateway.Start(ctx); err != nil {
		logs.Errorf("start gateway: %v", err)
		os.Exit(1)
	}
	defer gateway.Close()

	rec := reconciler.New(engine, st, st, loaded.Reconciler)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		engine.Run(ctx, events)
	}()
	go func() {
		defer wg.Done()
		cons.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		rec.Run(ctx)
	}()

	for _, spec := range loaded.Strategies {
		runner := strategy.NewRunner(
			strategy.NewMomentum(spec.Name, spec.Contract, spec.BarInterval, spec.Window, spec.Size),
			engine, cons, st,
		)
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := runner.Run(ctx); err != nil {
				logs.Errorf("strategy %s stopped: %v", name, err)
			}
		}(spec.Name)
	}

	logs.Infof("trader up: %d strategies, queue %d", len(loaded.Strategies), queueSize)
	<-ctx.Done()
	logs.Info("shutting down")

	// Stop intake first, then let the engine drain what is already queued.
	gateway.Close()
	time.Sleep(100 * time.Millisecond)
	events.Close()
	wg.Wait()
	logs.Info("shutdown complete")
}
