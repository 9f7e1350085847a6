package handler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"batch-gate/pkg/job"
	"batch-gate/pkg/notify"
	"batch-gate/pkg/observability"
)

// CompletionNotifier republishes terminal job state changes to the fan-out.
type CompletionNotifier struct {
	pub     Publisher
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

func NewCompletionNotifier(pub Publisher, timeout time.Duration, logger *slog.Logger) *CompletionNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompletionNotifier{
		pub:     pub,
		timeout: timeout,
		logger:  logger.With("handler", NameCompletion),
		now:     time.Now,
	}
}

// OnJobStateChange publishes one notification for SUCCEEDED or FAILED and
// does nothing for any other status. It reports whether a notification was
// published; publish failures are logged, not returned.
func (c *CompletionNotifier) OnJobStateChange(ctx context.Context, ev job.CompletionEvent) bool {
	start := time.Now()
	defer observability.ObserveHandler(NameCompletion, start)

	l := c.logger.With("invocation_id", uuid.NewString(), "job_id", ev.JobID, "status", ev.Status)

	if !ev.Status.IsTerminal() {
		l.Debug("ignoring non-terminal job state")
		observability.EventsIgnored.WithLabelValues("non_terminal").Inc()
		return false
	}

	n := c.notification(ev)
	l.Info("publishing job completion", "notification_id", n.ID, "subject", n.Subject)

	callCtx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.pub.Publish(callCtx, n); err != nil {
		l.Error("publishing job completion failed", "error", err)
		observability.Notifications.WithLabelValues(observability.OutcomeFailed).Inc()
		return false
	}
	observability.Notifications.WithLabelValues(observability.OutcomePublished).Inc()
	return true
}

func (c *CompletionNotifier) notification(ev job.CompletionEvent) notify.Notification {
	name := ev.JobName
	if name == "" {
		name = ev.JobID
	}
	msg := fmt.Sprintf("Job %s (%s) finished with status %s.", ev.JobID, name, ev.Status)
	if ev.StatusReason != "" {
		msg += "\nReason: " + ev.StatusReason
	}
	if ev.JobQueue != "" {
		msg += "\nQueue: " + ev.JobQueue
	}
	return notify.Notification{
		ID:      uuid.NewString(),
		Subject: fmt.Sprintf("Job %s %s", name, ev.Status),
		Message: msg,
		Attributes: map[string]string{
			notify.AttrJobID:  ev.JobID,
			notify.AttrStatus: string(ev.Status),
		},
		PublishedAt: c.now().UTC(),
	}
}
