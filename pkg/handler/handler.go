// Package handler holds the three event handlers of the control plane.
//
// Every handler is a stateless function of its input event plus the static
// configuration it was built with. The delivery layer may run any number of
// invocations concurrently and may redeliver an event, so no handler keeps
// mutable state between calls. The only shared mutable resource, the job
// queue state, is owned by the execution service behind JobSubmitter and
// QueueUpdater.
package handler

import (
	"context"
	"time"

	"batch-gate/pkg/job"
	"batch-gate/pkg/notify"
)

// Handler names used for logging and metrics.
const (
	NameArrival    = "bucket-arrival"
	NameBudget     = "budget-exceeded"
	NameCompletion = "job-state-change"
)

// JobSubmitter submits a job and returns the identifier the service assigned.
// A disabled queue is rejected by the service, never checked here.
type JobSubmitter interface {
	SubmitJob(ctx context.Context, req job.SubmissionRequest) (string, error)
}

// QueueUpdater sets the state of a job queue. Setting DISABLED on a disabled
// queue must succeed.
type QueueUpdater interface {
	UpdateJobQueue(ctx context.Context, queue string, state job.QueueState) error
}

type Publisher interface {
	Publish(ctx context.Context, n notify.Notification) error
}

// withTimeout bounds a single downstream call by the invocation ceiling.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
