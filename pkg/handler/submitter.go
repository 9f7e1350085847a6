package handler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"batch-gate/pkg/job"
	"batch-gate/pkg/observability"
)

// Outcome reports what happened to one arrival.
type Outcome struct {
	Accepted bool
	JobID    string
	JobName  string
	Err      error // submission-call failure, already logged
}

type SubmitterConfig struct {
	JobDefinition string
	JobQueue      string
	OutputBucket  string
	Timeout       time.Duration
}

// Submitter turns arrival notifications into job submissions.
type Submitter struct {
	svc    JobSubmitter
	cfg    SubmitterConfig
	logger *slog.Logger
}

func NewSubmitter(svc JobSubmitter, cfg SubmitterConfig, logger *slog.Logger) *Submitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{svc: svc, cfg: cfg, logger: logger.With("handler", NameArrival)}
}

// OnArrival makes exactly one submission call per valid notification.
//
// Submission-call failures are logged and reported in the Outcome, never
// returned: the job's retry policy covers execution failures after
// acceptance, and redelivery covers the rest. A malformed notification
// returns an error wrapping job.ErrInvalidArrival and makes no call.
func (s *Submitter) OnArrival(ctx context.Context, n job.ArrivalNotification) (Outcome, error) {
	start := time.Now()
	defer observability.ObserveHandler(NameArrival, start)

	l := s.logger.With("invocation_id", uuid.NewString(), "bucket", n.Bucket, "key", n.Key)
	l.Info("arrival received", "received_at", n.ReceivedAt)

	if err := n.Validate(); err != nil {
		l.Error("dropping malformed arrival", "error", err)
		observability.Submissions.WithLabelValues(observability.OutcomeInvalid).Inc()
		return Outcome{}, err
	}

	req := job.NewSubmissionRequest(n, s.cfg.JobDefinition, s.cfg.JobQueue, s.cfg.OutputBucket)
	l = l.With("job_name", req.JobName, "queue", req.JobQueue)
	l.Info("submitting job",
		"job_definition", req.JobDefinition,
		"max_attempts", req.RetryPolicy.MaxAttempts,
		"parameters", req.Parameters,
	)

	callCtx, cancel := withTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	jobID, err := s.svc.SubmitJob(callCtx, req)
	if err != nil {
		l.Error("job submission failed", "error", err)
		observability.Submissions.WithLabelValues(observability.OutcomeFailed).Inc()
		return Outcome{JobName: req.JobName, Err: err}, nil
	}

	l.Info("job submitted", "job_id", jobID)
	observability.Submissions.WithLabelValues(observability.OutcomeAccepted).Inc()
	return Outcome{Accepted: true, JobID: jobID, JobName: req.JobName}, nil
}
