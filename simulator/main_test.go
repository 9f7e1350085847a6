package main

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batch-gate/pkg/job"
)

type recordingPublisher struct {
	mu   sync.Mutex
	sent []job.ArrivalNotification
}

func (r *recordingPublisher) PublishArrival(ctx context.Context, n job.ArrivalNotification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingPublisher) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func TestRandomArrival_IsValid(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		n := randomArrival("sim-bucket", rng)
		require.NoError(t, n.Validate())
		assert.Equal(t, "sim-bucket", n.Bucket)
	}
}

func TestPublishLoop_StopsOnCancel(t *testing.T) {
	pub := &recordingPublisher{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		publishLoop(ctx, pub, "sim-bucket", 1000, rand.New(rand.NewSource(1)), slog.New(slog.NewTextHandler(io.Discard, nil)))
		close(done)
	}()

	assert.Eventually(t, func() bool { return pub.count() >= 3 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish loop did not stop")
	}
}
