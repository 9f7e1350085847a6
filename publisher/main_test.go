package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"batch-gate/pkg/database"
)

type fakeOutbox struct {
	rows     []database.OutboxMessage
	fetchErr error
	deleted  []string
}

func (f *fakeOutbox) FetchOutboxMessages(ctx context.Context, limit int) ([]database.OutboxMessage, error) {
	return f.rows, f.fetchErr
}

func (f *fakeOutbox) DeleteOutboxMessage(ctx context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

type fakeRelay struct {
	bodies [][]byte
	failOn string
}

func (f *fakeRelay) PublishJobState(ctx context.Context, body []byte) error {
	if f.failOn != "" && string(body) == f.failOn {
		return errors.New("channel closed")
	}
	f.bodies = append(f.bodies, body)
	return nil
}

func TestProcessOutbox(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ob := &fakeOutbox{rows: []database.OutboxMessage{
		{ID: "o-1", JobID: "j-1", RoutingKey: database.JobStateRoutingKey, Payload: `{"job_id":"j-1","status":"SUCCEEDED"}`},
		{ID: "o-2", JobID: "j-2", RoutingKey: database.JobStateRoutingKey, Payload: `{"job_id":"j-2","status":"FAILED"}`},
	}}
	relay := &fakeRelay{failOn: `{"job_id":"j-2","status":"FAILED"}`}

	assert.Equal(t, 1, processOutbox(context.Background(), ob, relay, logger))
	assert.Equal(t, []string{"o-1"}, ob.deleted, "unpublished rows stay in the outbox")
	assert.Len(t, relay.bodies, 1)

	assert.Equal(t, 0, processOutbox(context.Background(), &fakeOutbox{fetchErr: errors.New("db down")}, relay, logger))
}
