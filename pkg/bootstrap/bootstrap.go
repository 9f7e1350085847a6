// Package bootstrap wires the configured execution and notification
// backends into the handlers.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/redis/go-redis/v9"

	"batch-gate/pkg/awsbatch"
	"batch-gate/pkg/config"
	"batch-gate/pkg/database"
	"batch-gate/pkg/handler"
	"batch-gate/pkg/job"
	"batch-gate/pkg/mq"
	"batch-gate/pkg/notify"
)

// JobService is the execution service as the handlers and the API see it.
type JobService interface {
	handler.JobSubmitter
	handler.QueueUpdater
	GetJobQueue(ctx context.Context, queue string) (job.Queue, error)
}

// Closer releases a backend connection.
type Closer func()

func noop() {}

var loadAWSConfig = func(ctx context.Context) (aws.Config, error) {
	return awsconfig.LoadDefaultConfig(ctx)
}

// NewJobService connects the backend named by EXECUTION_BACKEND. The
// Postgres backend also makes sure the schema and the configured queue exist.
func NewJobService(ctx context.Context, cfg config.Config) (JobService, Closer, error) {
	switch cfg.ExecutionBackend {
	case config.BackendBatch:
		awsCfg, err := loadAWSConfig(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("load aws config: %w", err)
		}
		return awsbatch.New(batch.NewFromConfig(awsCfg)), noop, nil
	case config.BackendPostgres:
		db, err := database.New(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			return nil, nil, err
		}
		if err := db.InitSchema(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("init schema: %w", err)
		}
		if cfg.JobQueue != "" {
			if err := db.EnsureQueue(ctx, cfg.JobQueue); err != nil {
				db.Close()
				return nil, nil, fmt.Errorf("ensure queue %s: %w", cfg.JobQueue, err)
			}
		}
		return db, db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported EXECUTION_BACKEND value %q", cfg.ExecutionBackend)
	}
}

// NewPublisher connects the notification fan-out named by NOTIFY_BACKEND.
func NewPublisher(ctx context.Context, cfg config.Config, logger *slog.Logger) (handler.Publisher, Closer, error) {
	switch cfg.NotifyBackend {
	case config.NotifySNS:
		awsCfg, err := loadAWSConfig(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("load aws config: %w", err)
		}
		pub := notify.NewSNSPublisher(sns.NewFromConfig(awsCfg), cfg.NotificationTopic)
		if cfg.NotificationEmail != "" {
			if err := pub.EnsureEmailSubscription(ctx, cfg.NotificationEmail); err != nil {
				logger.Warn("email subscription failed", "email", cfg.NotificationEmail, "error", err)
			}
		}
		return pub, noop, nil
	case config.NotifyAMQP:
		c, err := mq.New(cfg.RabbitMQURL)
		if err != nil {
			return nil, nil, err
		}
		if err := c.SetupTopology(); err != nil {
			c.Close()
			return nil, nil, fmt.Errorf("setup topology: %w", err)
		}
		return c, c.Close, nil
	case config.NotifyRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
		return notify.NewRedisPublisher(client, cfg.RedisChannel), func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported NOTIFY_BACKEND value %q", cfg.NotifyBackend)
	}
}

func NewSubmitter(cfg config.Config, svc handler.JobSubmitter, logger *slog.Logger) *handler.Submitter {
	return handler.NewSubmitter(svc, handler.SubmitterConfig{
		JobDefinition: cfg.JobDefinition,
		JobQueue:      cfg.JobQueue,
		OutputBucket:  cfg.OutputBucket,
		Timeout:       cfg.HandlerTimeout,
	}, logger)
}

func NewAdmissionController(cfg config.Config, svc handler.QueueUpdater, logger *slog.Logger) *handler.AdmissionController {
	return handler.NewAdmissionController(svc, handler.AdmissionConfig{
		JobQueue:               cfg.JobQueue,
		Attempts:               cfg.AlertRetryAttempts,
		Timeout:                cfg.HandlerTimeout,
		BudgetLimit:            cfg.BudgetLimit,
		BudgetThresholdPercent: cfg.BudgetThresholdPercent,
	}, logger)
}

func NewCompletionNotifier(cfg config.Config, pub handler.Publisher, logger *slog.Logger) *handler.CompletionNotifier {
	return handler.NewCompletionNotifier(pub, cfg.HandlerTimeout, logger)
}
