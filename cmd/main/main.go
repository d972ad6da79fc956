package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"market-streamer/src/analysis"
	"market-streamer/src/bus"
	"market-streamer/src/config"
	"market-streamer/src/interfaces"
	"market-streamer/src/logger"
	"market-streamer/src/network"
	"market-streamer/src/pool"
	"market-streamer/src/publisher"
	"market-streamer/src/reconcile"
	"market-streamer/src/registry"
	"market-streamer/src/router"
	"market-streamer/src/server"
	"market-streamer/src/storage"
	"market-streamer/src/supervisor"
	"market-streamer/src/upstream"
	"market-streamer/src/utils"

	"go.uber.org/zap"
)

// -----------------------------------------------------------------------------

func main() {

	// Parse command line flags
	configPath := flag.String("config", "../../config/default.yaml", "path to config file")
	flag.Parse()

	// Load config from YAML file
	cfg, err := config.NewConfig(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	appLogger, err := logger.NewLogger(cfg.LogLevel, cfg.Name)
	if err != nil {
		fmt.Printf("Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Storage
	var store interfaces.ITimeSeriesStore
	switch cfg.Storage.DBType {
	case "postgres":
		store, err = storage.NewPostgresStore(cfg.MConfig, appLogger)
	default:
		// Default to SQLite
		store, err = storage.NewSQLiteStore(cfg.MConfig, appLogger)
	}
	if err != nil {
		appLogger.Fatal("failed to open store", zap.Error(err))
	}
	if err := store.Initialize(); err != nil {
		appLogger.Fatal("failed to migrate store", zap.Error(err))
	}
	defer store.Close()

	// 2. Message Bus
	var msgBus interfaces.IMessageBus
	switch cfg.Bus.Backend {
	case "redis":
		msgBus = bus.NewRedisBus(cfg.Bus.RedisAddr, appLogger)
	case "kafka":
		msgBus = bus.NewKafkaBus(cfg.Bus.KafkaBrokers, cfg.Bus.KafkaGroupID, appLogger)
	default:
		msgBus = bus.NewMemoryBus(cfg.Bus.BufferSize, appLogger)
	}
	defer msgBus.Close()

	// 3. Upstream sessions, one per configured account
	sessions := make([]interfaces.IUpstreamSession, 0, len(cfg.Upstream.Accounts))
	for _, acc := range cfg.Upstream.Accounts {
		var sess interfaces.IUpstreamSession
		if cfg.Upstream.Simulated {
			sess = upstream.NewMockSession(acc.ID, time.Second, appLogger)
		} else {
			sess = upstream.NewWSSession(acc, appLogger)
		}
		if err := sess.Connect(ctx); err != nil {
			appLogger.Fatal("upstream connect failed",
				zap.String("account", acc.ID), zap.Error(err))
		}
		sessions = append(sessions, sess)
	}

	// 4. Publisher: every session's ticks flow onto the bus, routed by the
	// persisted instrument catalog
	pub := publisher.NewTickPublisher(msgBus, appLogger)
	if insts, err := store.Instruments(); err != nil {
		appLogger.Warn("instrument catalog load failed", zap.Error(err))
	} else {
		for _, inst := range insts {
			pub.RegisterInstrument(inst)
		}
		appLogger.Info("instrument catalog loaded", zap.Int("count", len(insts)))
	}
	for _, sess := range sessions {
		pub.Attach(sess)
	}

	// 5. Connection pool over the sessions
	upstreamPool, err := pool.NewConnectionPool(cfg.Upstream, sessions, appLogger)
	if err != nil {
		appLogger.Fatal("failed to build connection pool", zap.Error(err))
	}
	defer upstreamPool.Shutdown()

	// 6. Registry and indicator engine
	reg := registry.NewRegistry(cfg.Registry.Shards, appLogger)
	engine := analysis.NewIndicatorEngine(msgBus, reg, appLogger)
	reg.SetValueSource(engine.LatestValue)

	// 7. Reconciliation worker over the pool's active universe
	calendar := utils.GetCalendar(cfg.Reconcile.DefaultCalendar, appLogger)
	backfill := network.NewBackfillClient(cfg.MConfig, appLogger)
	reconciler := reconcile.NewWorker(upstreamPool, store, backfill, calendar, cfg.Reconcile, appLogger)

	// 8. Server, broadcast router, sweeper
	sup := supervisor.NewSupervisor(5, 2*time.Second, appLogger)
	srv := server.NewServer(cfg.MConfig, reg, upstreamPool, pub, reconciler, sup, store, appLogger)
	srv.Watch = func(symbol string) error { return engine.Watch(ctx, symbol) }

	broadcast := router.NewBroadcastRouter(reg, srv, appLogger)

	sweeper := registry.NewSweeper(reg,
		time.Duration(cfg.Registry.HeartbeatTimeout)*time.Second,
		time.Duration(cfg.Registry.SweepInterval)*time.Second,
		appLogger)
	sweeper.OnDrop = srv.CloseClient

	// 9. Background tasks under supervision
	sup.Go(ctx, "router", func(ctx context.Context) error {
		return broadcast.Run(ctx, engine.Updates())
	})
	sup.Go(ctx, "sweeper", sweeper.Run)
	sup.Go(ctx, "reconciler", reconciler.Run)

	// 10. Start Server
	go func() {
		if err := srv.Start(); err != nil {
			appLogger.Error("server failed", zap.Error(err))
		}
	}()

	appLogger.Info("started",
		zap.String("name", cfg.Name),
		zap.Int("accounts", len(cfg.Upstream.Accounts)),
		zap.Bool("simulated", cfg.Upstream.Simulated),
		zap.String("bus", cfg.Bus.Backend))

	// 11. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("shutting down")
	cancel()
	sup.Wait()

	for _, sess := range sessions {
		if err := sess.Close(); err != nil {
			appLogger.Warn("session close failed", zap.Error(err))
		}
	}
}
