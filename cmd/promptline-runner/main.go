// Promptline Runner — выполняет executions в режиме DISPATCH_MODE=queue.
//
// Runner:
//   - Получает executions из очереди executions.pending
//   - Опрашивает хранилище на pending executions (потерянные сообщения)
//   - По расписанию переводит зависшие executions в failed (sweeper)
//
// Runners масштабируются горизонтально: claim execution в хранилище
// гарантирует, что execution выполнит только один из них.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Promptline/internal/config"
	"github.com/shaiso/Promptline/internal/engine"
	"github.com/shaiso/Promptline/internal/mq"
	"github.com/shaiso/Promptline/internal/provider"
	"github.com/shaiso/Promptline/internal/repo"
	"github.com/shaiso/Promptline/internal/runner"
	"github.com/shaiso/Promptline/internal/telemetry"
)

func main() {
	cfg, err := config.Load(os.Getenv("PROMPTLINE_CONFIG"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	// Инициализируем structured logging
	logger := telemetry.SetupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting promptline-runner", "env", cfg.AppEnv, "db_driver", cfg.DBDriver)

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := repo.Open(ctx, repo.Options{Driver: cfg.DBDriver, DSN: cfg.DBURL, SQLitePath: cfg.SQLitePath})
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	logger.Info("store ready")

	// RabbitMQ
	conn, err := mq.Dial(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
		conn = nil
	} else {
		defer conn.Close()
		logger.Info("RabbitMQ connected")

		if err := mq.SetupTopology(ctx, conn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}
	}

	eng := engine.New(engine.Config{
		Store: store,
		Generator: provider.NewRegistry(
			provider.NewUnboundClient(cfg.UnboundBaseURL, cfg.UnboundAPIKey),
			&provider.MockGenerator{Latency: cfg.MockLatency},
		),
		StepTimeout:     cfg.StepTimeout,
		PropagateOutput: cfg.PropagateOutputAsContext,
		Logger:          logger,
	})

	sweeper, err := runner.NewSweeper(runner.SweeperConfig{
		Store:      store,
		Schedule:   cfg.SweepSchedule,
		StaleAfter: cfg.StaleAfter,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("invalid sweep schedule", "error", err)
		os.Exit(1)
	}

	rn := runner.New(runner.Config{
		Executor:     eng,
		Store:        store,
		Conn:         conn,
		Concurrency:  cfg.RunnerConcurrency,
		PollInterval: cfg.PollInterval,
		Sweeper:      sweeper,
		Logger:       logger,
	})
	if err := rn.Start(ctx); err != nil {
		logger.Error("failed to start runner", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if rn.IsStopped() {
			http.Error(w, "stopping", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok active=%d", rn.ActiveCount())
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              ":" + cfg.RunnerPort,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	rn.Stop(shutdownCtx)

	logger.Info("promptline-runner stopped")
}
