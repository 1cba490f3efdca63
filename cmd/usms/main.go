package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/smukkama/usms-stats/internal/aggregation"
	"github.com/smukkama/usms-stats/internal/api"
	"github.com/smukkama/usms-stats/internal/backfill"
	"github.com/smukkama/usms-stats/internal/coordinator"
	"github.com/smukkama/usms-stats/internal/database"
	"github.com/smukkama/usms-stats/internal/logger"
	"github.com/smukkama/usms-stats/internal/metrics"
	"github.com/smukkama/usms-stats/internal/queue"
	"github.com/smukkama/usms-stats/internal/reconcile"
	"github.com/smukkama/usms-stats/internal/sensor"
	"github.com/smukkama/usms-stats/internal/state"
	"github.com/smukkama/usms-stats/internal/statistics"
	"github.com/smukkama/usms-stats/internal/tariff"
	"github.com/smukkama/usms-stats/internal/timer"
	"github.com/smukkama/usms-stats/internal/usms"
	"github.com/smukkama/usms-stats/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logg := logger.New(cfg.Log)
	defer logg.Sync()

	if err := run(cfg, logg); err != nil {
		logg.Error("usms daemon exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logg *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Init()
	logg.Info("Starting USMS statistics daemon")

	// Statistics store
	var store statistics.Store
	switch cfg.Statistics.Backend {
	case "memory":
		store = statistics.NewMemoryStore()
		logg.Warn("using in-memory statistics store; imported series are lost on exit")
	default:
		db, err := database.Connect(ctx, cfg.Database.ConnectionString(), logg)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.RunMigrations(ctx, cfg.Statistics.MigrationsDir); err != nil {
			return err
		}
		store = db
	}

	// Sensor values and refresh status
	var (
		sink   sensor.ValueSink
		values api.ValueReader
		status coordinator.StatusStore
	)
	if cfg.Redis.Enabled {
		rdb, err := state.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		stateStore := state.NewStore(rdb, 0)
		sink, values, status = stateStore, stateStore, stateStore
		logg.Info("Connected to Redis", zap.String("addr", cfg.Redis.Addr))
	} else {
		memory := sensor.NewMemorySink()
		sink, values = memory, memory
	}

	// Statistics publisher
	var publisher coordinator.Publisher
	if cfg.Kafka.Enabled {
		if err := queue.CreateTopic(cfg.Kafka.Brokers, cfg.Kafka.TopicStatistics, cfg.Kafka.NumPartitions, 1, logg); err != nil {
			logg.Info("topic creation failed (may already exist)", zap.Error(err))
		}
		producer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicStatistics)
		defer producer.Close()
		publisher = producer
		logg.Info("Kafka producer initialized", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.TopicStatistics))
	}

	// Tariffs
	tariffOpts := []tariff.Option{tariff.WithLegacyElectricityOnly(cfg.Tariff.LegacyElectricityOnly)}
	if cfg.Tariff.File != "" {
		tables, err := tariff.LoadFile(cfg.Tariff.File)
		if err != nil {
			return err
		}
		tariffOpts = append(tariffOpts, tariff.WithTables(tables))
	}
	calc := tariff.NewCalculator(tariffOpts...)

	// Account
	client := usms.NewClient(cfg.USMS.GatewayURL, cfg.USMS.Username, cfg.USMS.Password, cfg.USMS.RequestTimeout, usms.WithLogger(logg))
	account, err := client.Login(ctx)
	if err != nil {
		return fmt.Errorf("failed to log in: %w", err)
	}
	logg.Info("Logged in", zap.String("account", account.RegNo()), zap.Int("meters", len(account.Meters())))

	acc := reconcile.NewAccountContext(account, time.Hour)
	engine := reconcile.NewEngine(store, reconcile.Options{
		RetryInterval: cfg.Sync.RetryInterval,
		PollOffset:    cfg.Sync.PollOffset,
	}, logg)
	coord := coordinator.New(acc, engine, backfill.NewService(store, nil, logg), coordinator.Options{
		Publisher: publisher,
		Status:    status,
		Log:       logg,
	})

	if err := coord.FirstRefresh(ctx); err != nil {
		return err
	}
	if err := coord.RegisterSensors(ctx, store, sink); err != nil {
		return err
	}

	scheduler := timer.NewScheduler(1, logg)
	scheduler.Start()
	defer scheduler.Stop()
	if err := coord.Start(scheduler); err != nil {
		return err
	}
	defer coord.Stop()

	// HTTP API
	srv := api.NewServer(coord, store, calc, aggregation.NewCollector(account, nil, logg), values, logg)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logg.Info("HTTP server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	go logStats(ctx, logg, scheduler, acc)

	select {
	case <-ctx.Done():
		logg.Info("Shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func logStats(ctx context.Context, logg *zap.Logger, scheduler *timer.Scheduler, acc *reconcile.AccountContext) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := scheduler.Stats()
			snap := acc.State.Snapshot()
			logg.Info("daemon statistics",
				zap.Int("pending_tasks", stats.Pending),
				zap.Int64("tasks_ran", stats.Ran),
				zap.Bool("available", snap.Available),
				zap.Duration("update_interval", snap.UpdateInterval),
				zap.Time("latest_update", snap.LatestUpdate),
			)
		}
	}
}
