package handler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"

	"batch-gate/pkg/job"
	"batch-gate/pkg/observability"
)

const maxAlertAttempts = 3

type AdmissionConfig struct {
	JobQueue string
	// Attempts is clamped to [1, 3].
	Attempts               int
	RetryDelay             time.Duration
	Timeout                time.Duration
	BudgetLimit            float64
	BudgetThresholdPercent float64
}

// AdmissionController trips the queue to DISABLED when a budget alert
// arrives. It never re-enables a queue; that is an operator action.
type AdmissionController struct {
	svc    QueueUpdater
	cfg    AdmissionConfig
	logger *slog.Logger
}

func NewAdmissionController(svc QueueUpdater, cfg AdmissionConfig, logger *slog.Logger) *AdmissionController {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if cfg.Attempts > maxAlertAttempts {
		cfg.Attempts = maxAlertAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AdmissionController{svc: svc, cfg: cfg, logger: logger.With("handler", NameBudget)}
}

// OnBudgetAlert disables the configured queue regardless of its current
// state. The alert contents are not inspected; the budgeting service has
// already compared spend against the threshold.
//
// The update is retried inline up to the configured attempts, all within
// one Timeout. If every attempt fails the error is returned so the delivery
// layer redelivers the alert.
func (a *AdmissionController) OnBudgetAlert(ctx context.Context, alert job.BudgetAlert) error {
	start := time.Now()
	defer observability.ObserveHandler(NameBudget, start)

	l := a.logger.With("invocation_id", uuid.NewString(), "queue", a.cfg.JobQueue)
	l.Warn("budget exceeded, disabling queue",
		"budget_limit", a.cfg.BudgetLimit,
		"threshold_percent", a.cfg.BudgetThresholdPercent,
		"alert_threshold_percent", alert.ThresholdPercent,
		"account", alert.AccountScope,
		"raised_at", alert.RaisedAt,
		"alert", alert.Message,
	)

	// Timeout bounds the whole invocation, retries and backoff included.
	callCtx, cancel := withTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	err := retry.Do(
		func() error {
			return a.svc.UpdateJobQueue(callCtx, a.cfg.JobQueue, job.QueueDisabled)
		},
		retry.Context(callCtx),
		retry.Attempts(uint(a.cfg.Attempts)),
		retry.Delay(a.cfg.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			l.Warn("queue disable attempt failed", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		l.Error("error disabling queue", "error", err)
		observability.QueueDisables.WithLabelValues(observability.OutcomeFailed).Inc()
		return fmt.Errorf("disable queue %s: %w", a.cfg.JobQueue, err)
	}

	l.Info("queue disabled", "state", job.QueueDisabled)
	observability.QueueDisables.WithLabelValues(observability.OutcomeDisabled).Inc()
	return nil
}
