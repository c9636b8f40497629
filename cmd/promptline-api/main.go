// Promptline API — REST API для workflows и executions.
//
// В режиме DISPATCH_MODE=inprocess процесс сам выполняет executions
// (runner с пулом воркеров, опросом pending и sweeper'ом).
// В режиме queue executions публикуются в RabbitMQ и выполняются promptline-runner.
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

	"github.com/shaiso/Promptline/internal/api"
	"github.com/shaiso/Promptline/internal/config"
	"github.com/shaiso/Promptline/internal/engine"
	"github.com/shaiso/Promptline/internal/mq"
	"github.com/shaiso/Promptline/internal/provider"
	"github.com/shaiso/Promptline/internal/repo"
	"github.com/shaiso/Promptline/internal/runner"
	"github.com/shaiso/Promptline/internal/seed"
	"github.com/shaiso/Promptline/internal/telemetry"
)

var startTime = time.Now()

func main() {
	cfg, err := config.Load(os.Getenv("PROMPTLINE_CONFIG"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	// Инициализируем structured logging
	logger := telemetry.SetupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting promptline-api", "env", cfg.AppEnv, "db_driver", cfg.DBDriver, "dispatch_mode", cfg.DispatchMode)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Хранилище
	store, err := repo.Open(ctx, repo.Options{Driver: cfg.DBDriver, DSN: cfg.DBURL, SQLitePath: cfg.SQLitePath})
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	logger.Info("store ready")

	registry := provider.NewRegistry(
		provider.NewUnboundClient(cfg.UnboundBaseURL, cfg.UnboundAPIKey),
		&provider.MockGenerator{Latency: cfg.MockLatency},
	)
	if cfg.UnboundAPIKey == "" {
		logger.Warn("UNBOUND_API_KEY is not set, steps with provider unbound will fail")
	}

	eng := engine.New(engine.Config{
		Store:           store,
		Generator:       registry,
		StepTimeout:     cfg.StepTimeout,
		PropagateOutput: cfg.PropagateOutputAsContext,
		Logger:          logger,
	})

	// Диспетчеризация executions
	var rn *runner.Runner
	switch cfg.DispatchMode {
	case config.DispatchQueue:
		conn, err := mq.Dial(cfg.RabbitMQURL, logger)
		if err != nil {
			logger.Error("failed to connect to RabbitMQ", "error", err)
			os.Exit(1)
		}
		defer conn.Close()

		if err := mq.SetupTopology(ctx, conn); err != nil {
			logger.Error("failed to setup topology", "error", err)
			os.Exit(1)
		}
		eng.SetDispatcher(runner.NewQueueDispatcher(mq.NewPublisher(conn, logger)))
		logger.Info("executions are dispatched to RabbitMQ")

	default:
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

		rn = runner.New(runner.Config{
			Executor:     eng,
			Store:        store,
			Concurrency:  cfg.RunnerConcurrency,
			PollInterval: cfg.PollInterval,
			Sweeper:      sweeper,
			Logger:       logger,
		})
		if err := rn.Start(ctx); err != nil {
			logger.Error("failed to start runner", "error", err)
			os.Exit(1)
		}
		eng.SetDispatcher(rn)
		logger.Info("executions run in-process", "concurrency", cfg.RunnerConcurrency)
	}

	// Демо-данные для разработки
	if !cfg.IsProduction() {
		if _, err := seed.Run(ctx, store, logger); err != nil {
			logger.Warn("failed to seed demo workflow", "error", err)
		}
	}

	handler, err := api.NewHandler(api.Config{
		Store:    store,
		Executor: eng,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("failed to create handler", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()

	// Health и metrics
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %s", time.Since(startTime).Truncate(time.Second))
	})
	mux.Handle("/metrics", promhttp.Handler())

	handler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()
	logger.Info("shutting down")

	// Graceful shutdown с таймаутом 10 секунд
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	if rn != nil {
		rn.Stop(shutdownCtx)
	}

	logger.Info("stopped")
}
