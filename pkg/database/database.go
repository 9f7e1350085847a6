// Package database is a self-hosted execution service backed by Postgres.
// It owns the job queue state and enforces admission at submission time:
// a job is inserted only while its queue is ENABLED.
package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"batch-gate/pkg/job"
)

var (
	ErrQueueDisabled          = errors.New("job queue is disabled")
	ErrQueueNotFound          = errors.New("job queue not found")
	ErrJobNotFound            = errors.New("job not found")
	ErrStatusTransitionDenied = errors.New("status transition denied: job already in terminal state")
)

// JobStateRoutingKey is the routing key outbox rows are published under;
// it matches mq.JobStateKey.
const JobStateRoutingKey = "job.state"

type Client struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string, maxConns int) (*Client, error) {
	// Parse connection string into pgxpool.Config to allow tweaking settings.
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return &Client{pool: pool}, nil
}

func (c *Client) Close() {
	c.pool.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.pool.Ping(ctx)
}

// InitSchema creates the necessary tables. Safe to run repeatedly.
func (c *Client) InitSchema(ctx context.Context) error {
	schema := `
    CREATE TABLE IF NOT EXISTS job_queues (
        name TEXT PRIMARY KEY,
        state TEXT NOT NULL DEFAULT 'ENABLED' CHECK (state IN ('ENABLED', 'DISABLED')),
        updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );
    CREATE TABLE IF NOT EXISTS jobs (
        id UUID PRIMARY KEY,
        name TEXT NOT NULL,
        queue TEXT NOT NULL REFERENCES job_queues(name),
        definition TEXT NOT NULL,
        status TEXT NOT NULL DEFAULT 'SUBMITTED',
        status_reason TEXT NOT NULL DEFAULT '',
        parameters JSONB NOT NULL,
        max_attempts INTEGER NOT NULL,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );
    CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs (status);

    -- Outbox table for transactional outbox pattern
    CREATE TABLE IF NOT EXISTS job_outbox (
        id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
        job_id UUID NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
        routing_key TEXT NOT NULL,
        payload TEXT NOT NULL,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );
    `
	_, err := c.pool.Exec(ctx, schema)
	return err
}

// EnsureQueue creates queue in state ENABLED unless it already exists.
func (c *Client) EnsureQueue(ctx context.Context, queue string) error {
	_, err := c.pool.Exec(ctx, `INSERT INTO job_queues (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, queue)
	return err
}

func (c *Client) GetJobQueue(ctx context.Context, queue string) (job.Queue, error) {
	q := job.Queue{}
	var state string
	err := c.pool.QueryRow(ctx, `SELECT name, state, updated_at FROM job_queues WHERE name = $1`, queue).
		Scan(&q.Name, &state, &q.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return job.Queue{}, fmt.Errorf("%w: %s", ErrQueueNotFound, queue)
	}
	if err != nil {
		return job.Queue{}, err
	}
	q.State = job.QueueState(state)
	return q, nil
}

// UpdateJobQueue sets the queue state. Repeating the current state succeeds.
func (c *Client) UpdateJobQueue(ctx context.Context, queue string, state job.QueueState) error {
	if !state.Valid() {
		return fmt.Errorf("invalid queue state %q", state)
	}
	tag, err := c.pool.Exec(ctx, `UPDATE job_queues SET state = $2, updated_at = NOW() WHERE name = $1`, queue, string(state))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrQueueNotFound, queue)
	}
	return nil
}

// SubmitJob inserts the job only while its queue is ENABLED; the check and
// the insert are one statement so a concurrent disable cannot slip between them.
func (c *Client) SubmitJob(ctx context.Context, req job.SubmissionRequest) (string, error) {
	params, err := json.Marshal(req.Parameters)
	if err != nil {
		return "", fmt.Errorf("encode parameters: %w", err)
	}

	var jobID string
	query := `
        INSERT INTO jobs (id, name, queue, definition, parameters, max_attempts)
        SELECT $1, $2, q.name, $4, $5, $6
        FROM job_queues q
        WHERE q.name = $3 AND q.state = 'ENABLED'
        RETURNING id
    `
	err = c.pool.QueryRow(ctx, query, uuid.NewString(), req.JobName, req.JobQueue, req.JobDefinition, params, req.RetryPolicy.MaxAttempts).Scan(&jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		q, qerr := c.GetJobQueue(ctx, req.JobQueue)
		if qerr != nil {
			return "", qerr
		}
		return "", fmt.Errorf("%w: %s is %s", ErrQueueDisabled, q.Name, q.State)
	}
	if err != nil {
		return "", err
	}
	return jobID, nil
}

// Job is a row of the jobs table.
type Job struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Queue        string          `json:"queue"`
	Definition   string          `json:"definition"`
	Status       job.Status      `json:"status"`
	StatusReason string          `json:"status_reason,omitempty"`
	Parameters   []job.Parameter `json:"parameters"`
	MaxAttempts  int             `json:"max_attempts"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (c *Client) GetJob(ctx context.Context, jobID string) (*Job, error) {
	j := &Job{}
	var params []byte
	query := `SELECT id, name, queue, definition, status, status_reason, parameters, max_attempts, created_at, updated_at
              FROM jobs WHERE id = $1`
	err := c.pool.QueryRow(ctx, query, jobID).Scan(
		&j.ID, &j.Name, &j.Queue, &j.Definition, &j.Status, &j.StatusReason,
		&params, &j.MaxAttempts, &j.CreatedAt, &j.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(params, &j.Parameters); err != nil {
		return nil, fmt.Errorf("decode parameters of %s: %w", jobID, err)
	}
	return j, nil
}

// UpdateJobStatus records a state change reported by an executor and writes
// the matching job state change event to the outbox in the same transaction.
// Terminal jobs reject further transitions.
func (c *Client) UpdateJobStatus(ctx context.Context, jobID string, status job.Status, reason string) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	ev := job.CompletionEvent{JobID: jobID, Status: status, StatusReason: reason}
	update := `
        UPDATE jobs SET status = $2, status_reason = $3, updated_at = NOW()
        WHERE id = $1 AND status NOT IN ('SUCCEEDED', 'FAILED')
        RETURNING name, queue
    `
	err = tx.QueryRow(ctx, update, jobID, string(status), reason).Scan(&ev.JobName, &ev.JobQueue)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, gerr := c.GetJob(ctx, jobID); gerr != nil {
			return gerr
		}
		return ErrStatusTransitionDenied
	}
	if err != nil {
		return err
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode job state change: %w", err)
	}
	insertOutbox := `INSERT INTO job_outbox (job_id, routing_key, payload) VALUES ($1, $2, $3)`
	if _, err := tx.Exec(ctx, insertOutbox, jobID, JobStateRoutingKey, string(payload)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// OutboxMessage represents a row in the job_outbox table.
type OutboxMessage struct {
	ID         string
	JobID      string
	RoutingKey string
	Payload    string
	CreatedAt  time.Time
}

// FetchOutboxMessages retrieves up to 'limit' outbox messages ordered by creation time.
func (c *Client) FetchOutboxMessages(ctx context.Context, limit int) ([]OutboxMessage, error) {
	query := `SELECT id, job_id, routing_key, payload, created_at FROM job_outbox ORDER BY created_at LIMIT $1`
	rows, err := c.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []OutboxMessage{}
	for rows.Next() {
		var m OutboxMessage
		if err := rows.Scan(&m.ID, &m.JobID, &m.RoutingKey, &m.Payload, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// DeleteOutboxMessage removes an outbox message after successful publish.
func (c *Client) DeleteOutboxMessage(ctx context.Context, id string) error {
	_, err := c.pool.Exec(ctx, `DELETE FROM job_outbox WHERE id = $1`, id)
	return err
}
