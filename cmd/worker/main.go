package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kirillkom/evidence-router/internal/bootstrap"
	"github.com/kirillkom/evidence-router/internal/config"
	"github.com/kirillkom/evidence-router/internal/core/domain"
	"github.com/kirillkom/evidence-router/internal/observability/logging"
	"github.com/kirillkom/evidence-router/internal/observability/metrics"
)

const serviceName = "worker"

func main() {
	cfg := config.Load()
	logger := logging.NewJSONLogger(serviceName, cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	if err := app.ConnectQueue(); err != nil {
		logger.Error("queue_connect_failed", "error", err)
		os.Exit(1)
	}

	workerMetrics := metrics.NewWorkerMetrics(serviceName)
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", workerMetrics.Handler())
	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("worker_metrics_server_failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	logger.Info("worker_subscribed", "subject", cfg.NATSRequestSubject, "queue_group", cfg.NATSQueueGroup)
	err = app.Queue.SubscribeQueries(ctx, func(handlerCtx context.Context, query domain.Query) (*domain.AggregatedResult, error) {
		if !query.ReceivedAt.IsZero() {
			workerMetrics.ObserveQueueLag(serviceName, time.Since(query.ReceivedAt))
		}
		workerMetrics.StartQuery()
		start := time.Now()
		result, err := app.Process.Process(handlerCtx, query)
		workerMetrics.FinishQuery(serviceName, result, time.Since(start), err)
		if err != nil {
			logger.Warn("query_process_failed", "query_id", query.ID, "error", err)
		}
		return result, err
	})
	if err != nil {
		logger.Error("worker_subscribe_failed", "error", err)
		os.Exit(1)
	}
}
