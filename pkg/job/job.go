package job

import (
	"encoding/json"
	"errors"
	"time"
)

type Status string
type QueueState string

const (
	StatusSubmitted Status = "SUBMITTED"
	StatusPending   Status = "PENDING"
	StatusRunnable  Status = "RUNNABLE"
	StatusStarting  Status = "STARTING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

const (
	QueueEnabled  QueueState = "ENABLED"
	QueueDisabled QueueState = "DISABLED"
)

// DefaultMaxAttempts is the retry strategy attached to every submission.
const DefaultMaxAttempts = 3

// Environment names handed to the job container.
const (
	EnvInputObject  = "S3_INPUT_OBJECT"
	EnvInputBucket  = "S3_INPUT_BUCKET"
	EnvOutputBucket = "S3_OUTPUT_BUCKET"
)

var ErrInvalidArrival = errors.New("invalid arrival notification")

// IsTerminal reports whether no further transitions follow s.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

func (s Status) Valid() bool {
	switch s {
	case StatusSubmitted, StatusPending, StatusRunnable, StatusStarting, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

func (s QueueState) Valid() bool {
	return s == QueueEnabled || s == QueueDisabled
}

// ArrivalNotification announces a new object in a watched bucket.
type ArrivalNotification struct {
	Bucket     string    `json:"bucket"`
	Key        string    `json:"key"`
	ReceivedAt time.Time `json:"received_at"`
}

func (n ArrivalNotification) Validate() error {
	if n.Key == "" {
		return errors.Join(ErrInvalidArrival, errors.New("object key is empty"))
	}
	if n.Bucket == "" {
		return errors.Join(ErrInvalidArrival, errors.New("bucket is empty"))
	}
	return nil
}

type Parameter struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type RetryPolicy struct {
	MaxAttempts int `json:"max_attempts"`
}

type SubmissionRequest struct {
	JobName       string      `json:"job_name"`
	JobDefinition string      `json:"job_definition"`
	JobQueue      string      `json:"job_queue"`
	RetryPolicy   RetryPolicy `json:"retry_policy"`
	Parameters    []Parameter `json:"parameters"` // ordered, environment style
}

// Param returns the value of the named parameter.
func (r SubmissionRequest) Param(name string) (string, bool) {
	for _, p := range r.Parameters {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// NewSubmissionRequest builds the request for one arrival.
func NewSubmissionRequest(n ArrivalNotification, jobDefinition, jobQueue, outputBucket string) SubmissionRequest {
	return SubmissionRequest{
		JobName:       SanitizeName(n.Key),
		JobDefinition: jobDefinition,
		JobQueue:      jobQueue,
		RetryPolicy:   RetryPolicy{MaxAttempts: DefaultMaxAttempts},
		Parameters: []Parameter{
			{Name: EnvInputObject, Value: n.Key},
			{Name: EnvInputBucket, Value: n.Bucket},
			{Name: EnvOutputBucket, Value: outputBucket},
		},
	}
}

type Queue struct {
	Name      string     `json:"name"`
	State     QueueState `json:"state"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// BudgetAlert is treated as a trigger only; its numbers are informational.
type BudgetAlert struct {
	ThresholdPercent float64   `json:"threshold_percent,omitempty"`
	AccountScope     string    `json:"account_scope,omitempty"`
	RaisedAt         time.Time `json:"raised_at"`
	Message          string    `json:"message"`
}

type CompletionEvent struct {
	JobID        string          `json:"job_id"`
	JobName      string          `json:"job_name,omitempty"`
	JobQueue     string          `json:"job_queue,omitempty"`
	Status       Status          `json:"status"`
	StatusReason string          `json:"status_reason,omitempty"`
	Detail       json.RawMessage `json:"detail,omitempty"`
}
