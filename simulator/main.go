package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"batch-gate/pkg/config"
	"batch-gate/pkg/job"
	"batch-gate/pkg/mq"
	"batch-gate/pkg/observability"
)

type arrivalPublisher interface {
	PublishArrival(ctx context.Context, n job.ArrivalNotification) error
}

func main() {
	cfg := config.Load()
	logger := observability.NewLogger(cfg.SlogLevel())
	slog.SetDefault(logger)

	if err := config.Validate(cfg, config.RoleDelivery); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	bucket := os.Getenv("SIMULATOR_BUCKET")
	if bucket == "" {
		bucket = "simulated-input"
	}

	// configurable load parameters
	ratePerSec := 1
	if v := os.Getenv("RATE_PER_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			ratePerSec = n
		}
	}
	concurrency := 1
	if v := os.Getenv("CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			concurrency = n
		}
	}

	mqClient, err := mq.New(cfg.RabbitMQURL)
	if err != nil {
		logger.Error("failed to connect to rabbitmq", "error", err)
		os.Exit(1)
	}
	defer mqClient.Close()
	if err := mqClient.SetupTopology(); err != nil {
		logger.Error("failed to setup rabbitmq topology", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			publishLoop(ctx, mqClient, bucket, ratePerSec/concurrency, rand.New(rand.NewSource(seed)), logger)
		}(time.Now().UnixNano() + int64(i))
	}
	wg.Wait()
	logger.Info("simulator stopped")
}

func publishLoop(ctx context.Context, pub arrivalPublisher, bucket string, rps int, rng *rand.Rand, logger *slog.Logger) {
	interval := time.Second
	if rps > 0 {
		interval = time.Second / time.Duration(rps)
	}
	if interval < time.Millisecond {
		interval = time.Millisecond // prevent very tight loop that overwhelms the broker
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := randomArrival(bucket, rng)
			if err := pub.PublishArrival(ctx, n); err != nil {
				logger.Error("failed to publish arrival", "key", n.Key, "error", err)
				continue
			}
			logger.Info("published arrival", "bucket", n.Bucket, "key", n.Key)
		}
	}
}

var (
	prefixes   = []string{"incoming/", "research/batch 7/", "uploads/2024-05/", ""}
	extensions = []string{".csv", ".txt", ".json", ".tar.gz"}
)

func randomArrival(bucket string, rng *rand.Rand) job.ArrivalNotification {
	key := fmt.Sprintf("%sdataset-%d%s",
		prefixes[rng.Intn(len(prefixes))],
		rng.Intn(10000),
		extensions[rng.Intn(len(extensions))],
	)
	return job.ArrivalNotification{Bucket: bucket, Key: key, ReceivedAt: time.Now().UTC()}
}
