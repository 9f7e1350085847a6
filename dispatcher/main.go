package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"batch-gate/pkg/bootstrap"
	"batch-gate/pkg/config"
	"batch-gate/pkg/dispatch"
	"batch-gate/pkg/mq"
	"batch-gate/pkg/observability"
)

func main() {
	cfg := config.Load()
	logger := observability.NewLogger(cfg.SlogLevel())
	slog.SetDefault(logger)

	if err := config.Validate(cfg, config.RoleAllHandlers|config.RoleDelivery); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if masked, err := cfg.MaskedJSON(); err == nil {
		logger.Info("configuration loaded", "config", string(masked))
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("dispatcher failed", "error", err)
		os.Exit(1)
	}
	logger.Info("dispatcher stopped gracefully")
}

// run returns nil only after a shutdown signal; a lost broker channel is an
// error so the supervisor restarts the process.
func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, closeSvc, err := bootstrap.NewJobService(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect execution service: %w", err)
	}
	defer closeSvc()

	pub, closePub, err := bootstrap.NewPublisher(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("connect notification backend: %w", err)
	}
	defer closePub()

	mqClient, err := mq.New(cfg.RabbitMQURL)
	if err != nil {
		return fmt.Errorf("connect to rabbitmq: %w", err)
	}
	defer mqClient.Close()

	if err := mqClient.SetupTopology(); err != nil {
		return fmt.Errorf("setup rabbitmq topology: %w", err)
	}

	shutdownMetrics := observability.StartMetricsServer(cfg.MetricsAddr)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown failed", "error", err)
		}
	}()

	d := dispatch.New(mqClient, cfg.DispatcherConcurrency, logger,
		dispatch.ArrivalRoute(mq.ArrivalsQueue, bootstrap.NewSubmitter(cfg, svc, logger)),
		dispatch.BudgetRoute(mq.AdmissionQueue, bootstrap.NewAdmissionController(cfg, svc, logger)),
		dispatch.CompletionRoute(mq.JobStateQueue, bootstrap.NewCompletionNotifier(cfg, pub, logger)),
	)

	logger.Info("dispatcher started, waiting for events")
	err = d.Run(ctx)
	logger.Info("shutting down")
	return err
}
