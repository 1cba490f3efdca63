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

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/smukkama/usms-stats/internal/influx"
	"github.com/smukkama/usms-stats/internal/logger"
	"github.com/smukkama/usms-stats/internal/metrics"
	"github.com/smukkama/usms-stats/internal/queue"
	"github.com/smukkama/usms-stats/pkg/config"
)

func main() {
	cfg, err := config.LoadExporter()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logg := logger.New(cfg.Log).Named("exporter")
	defer logg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Init()
	logg.Info("Starting statistics exporter")

	writer, err := influx.NewWriter(ctx, cfg.InfluxDB, logg)
	if err != nil {
		logg.Fatal("failed to initialize InfluxDB writer", zap.Error(err))
	}
	defer writer.Close()

	consumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicStatistics, cfg.Exporter.GroupID)
	defer consumer.Close()

	batchWriter := queue.NewBatchWriter(consumer, writer, cfg.Exporter.BatchSize, cfg.Exporter.FlushInterval, logg)
	// Stop flushes the pending batch.
	batchWriter.Start(context.Background())
	logg.Info("Exporter started",
		zap.String("topic", cfg.Kafka.TopicStatistics),
		zap.String("group", cfg.Exporter.GroupID),
		zap.Int("batch_size", cfg.Exporter.BatchSize),
	)

	router := mux.NewRouter()
	router.Handle("/metrics", metrics.Handler()).Methods("GET")
	router.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Exporter.MetricsPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error("metrics server failed", zap.Error(err))
		}
	}()

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				written, skipped := batchWriter.Stats()
				stats := consumer.Stats()
				logg.Info("exporter statistics",
					zap.Int("written", written),
					zap.Int("skipped", skipped),
					zap.Int64("lag", stats.Lag),
				)
			}
		}
	}()

	<-ctx.Done()
	logg.Info("Shutting down exporter")
	batchWriter.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logg.Warn("metrics server shutdown failed", zap.Error(err))
	}
}
