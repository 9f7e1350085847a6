package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"batch-gate/pkg/bootstrap"
	"batch-gate/pkg/config"
	"batch-gate/pkg/database"
	"batch-gate/pkg/handler"
	"batch-gate/pkg/job"
	"batch-gate/pkg/mq"
	"batch-gate/pkg/observability"
)

// mqSink queues arrivals for the dispatcher.
type mqSink struct {
	client *mq.Client
}

func (m mqSink) Accept(ctx context.Context, n job.ArrivalNotification) (map[string]any, error) {
	if err := m.client.PublishArrival(ctx, n); err != nil {
		return nil, err
	}
	return map[string]any{"bucket": n.Bucket, "key": n.Key, "queued": true}, nil
}

func (m mqSink) AcceptAlert(ctx context.Context, alert job.BudgetAlert) (map[string]any, error) {
	if err := m.client.PublishBudgetAlert(ctx, alert.Message); err != nil {
		return nil, err
	}
	return map[string]any{"queued": true}, nil
}

// admissionSink disables the queue directly when no broker is configured.
type admissionSink struct {
	controller *handler.AdmissionController
	queue      string
}

func (a admissionSink) AcceptAlert(ctx context.Context, alert job.BudgetAlert) (map[string]any, error) {
	if err := a.controller.OnBudgetAlert(ctx, alert); err != nil {
		return nil, err
	}
	return map[string]any{"queue": a.queue, "state": job.QueueDisabled}, nil
}

// submitterSink submits directly when no broker is configured.
type submitterSink struct {
	submitter *handler.Submitter
}

func (s submitterSink) Accept(ctx context.Context, n job.ArrivalNotification) (map[string]any, error) {
	out, err := s.submitter.OnArrival(ctx, n)
	if err != nil {
		return nil, err
	}
	res := map[string]any{"bucket": n.Bucket, "key": n.Key, "job_name": out.JobName, "accepted": out.Accepted}
	if out.Accepted {
		res["job_id"] = out.JobID
	} else if out.Err != nil {
		res["error"] = out.Err.Error()
	}
	return res, nil
}

func main() {
	cfg := config.Load()
	logger := observability.NewLogger(cfg.SlogLevel())
	slog.SetDefault(logger)

	role := config.RoleAPI
	if cfg.RabbitMQURL == "" {
		role |= config.RoleArrival | config.RoleBudget
	}
	if err := config.Validate(cfg, role); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, closeSvc, err := bootstrap.NewJobService(ctx, cfg)
	if err != nil {
		logger.Error("failed to connect execution service", "error", err)
		os.Exit(1)
	}
	defer closeSvc()

	s := &server{queues: svc, logger: logger}
	if db, ok := svc.(*database.Client); ok {
		s.jobs = db
		s.health = db.Ping
	}

	if cfg.RabbitMQURL != "" {
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
		s.arrivals = mqSink{client: mqClient}
		s.alerts = mqSink{client: mqClient}
	} else {
		s.arrivals = submitterSink{submitter: bootstrap.NewSubmitter(cfg, svc, logger)}
		s.alerts = admissionSink{controller: bootstrap.NewAdmissionController(cfg, svc, logger), queue: cfg.JobQueue}
	}

	shutdownMetrics := observability.StartMetricsServer(cfg.MetricsAddr)

	srv := &http.Server{Addr: cfg.APIAddr, Handler: s.routes(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("API server starting", "addr", cfg.APIAddr, "backend", cfg.ExecutionBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping api")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", "error", err)
	}
	if err := shutdownMetrics(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown failed", "error", err)
	}
}
