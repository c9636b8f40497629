// Promptline MCP — MCP-сервер (stdio) для запуска workflows из агентов.
//
// Использует то же хранилище, что и API. Executions выполняются
// в этом процессе (inprocess) или публикуются в RabbitMQ (queue).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaiso/Promptline/internal/config"
	"github.com/shaiso/Promptline/internal/engine"
	"github.com/shaiso/Promptline/internal/mcpserver"
	"github.com/shaiso/Promptline/internal/mq"
	"github.com/shaiso/Promptline/internal/provider"
	"github.com/shaiso/Promptline/internal/repo"
	"github.com/shaiso/Promptline/internal/runner"
	"github.com/shaiso/Promptline/internal/telemetry"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	cfg, err := config.Load(os.Getenv("PROMPTLINE_CONFIG"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	// stdout занят протоколом MCP
	logger := telemetry.SetupLoggerTo(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting promptline-mcp", "db_driver", cfg.DBDriver, "dispatch_mode", cfg.DispatchMode)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := repo.Open(ctx, repo.Options{Driver: cfg.DBDriver, DSN: cfg.DBURL, SQLitePath: cfg.SQLitePath})
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

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

	var rn *runner.Runner
	if cfg.DispatchMode == config.DispatchQueue {
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
	} else {
		// Без sweeper'а: восстановлением занимается API или runner.
		rn = runner.New(runner.Config{
			Executor:     eng,
			Store:        store,
			Concurrency:  cfg.RunnerConcurrency,
			PollInterval: cfg.PollInterval,
			Logger:       logger,
		})
		if err := rn.Start(ctx); err != nil {
			logger.Error("failed to start runner", "error", err)
			os.Exit(1)
		}
		eng.SetDispatcher(rn)
	}

	srv := mcpserver.New(mcpserver.Config{
		Store:    store,
		Executor: eng,
		Version:  version,
		Logger:   logger,
	})

	if err := srv.Serve(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		logger.Error("mcp server error", "error", err)
	}

	if rn != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		rn.Stop(stopCtx)
	}
	logger.Info("promptline-mcp stopped")
}
