package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"batch-gate/pkg/config"
	"batch-gate/pkg/database"
	"batch-gate/pkg/mq"
	"batch-gate/pkg/observability"
)

const batchSize = 100

type outbox interface {
	FetchOutboxMessages(ctx context.Context, limit int) ([]database.OutboxMessage, error)
	DeleteOutboxMessage(ctx context.Context, id string) error
}

type jobStatePublisher interface {
	PublishJobState(ctx context.Context, body []byte) error
}

func main() {
	cfg := config.Load()
	logger := observability.NewLogger(cfg.SlogLevel())
	slog.SetDefault(logger)

	if err := config.Validate(cfg, config.RoleDelivery|config.RoleRelay); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbClient, err := database.New(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()

	mqClient, err := mq.New(cfg.RabbitMQURL)
	if err != nil {
		logger.Error("failed to connect to rabbitmq", "error", err)
		os.Exit(1)
	}
	defer mqClient.Close()

	// Ensure topology exists; safe if already declared
	if err := mqClient.SetupTopology(); err != nil {
		logger.Error("failed to setup rabbitmq topology", "error", err)
		os.Exit(1)
	}

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("outbox relay stopped")
			return
		case <-ticker.C:
			processOutbox(ctx, dbClient, mqClient, logger)
		}
	}
}

// processOutbox relays pending job state changes. A row is deleted only
// after it was published, so a crash in between republishes it.
func processOutbox(ctx context.Context, db outbox, pub jobStatePublisher, logger *slog.Logger) int {
	messages, err := db.FetchOutboxMessages(ctx, batchSize)
	if err != nil {
		logger.Error("failed to fetch outbox messages", "error", err)
		return 0
	}
	relayed := 0
	for _, m := range messages {
		if err := pub.PublishJobState(ctx, []byte(m.Payload)); err != nil {
			logger.Error("failed to publish job state from outbox", "error", err, "job_id", m.JobID)
			continue
		}
		if err := db.DeleteOutboxMessage(ctx, m.ID); err != nil {
			logger.Error("failed to delete outbox message after publish", "error", err, "outbox_id", m.ID)
			continue
		}
		relayed++
		logger.Info("published job state from outbox", "job_id", m.JobID, "routing_key", m.RoutingKey)
	}
	return relayed
}
