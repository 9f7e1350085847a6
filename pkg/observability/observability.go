package observability

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchgate_submissions_total",
		Help: "Job submission calls made for arrival notifications.",
	}, []string{"outcome"}) // accepted, failed, invalid

	QueueDisables = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchgate_queue_disables_total",
		Help: "Queue disable commands issued for budget alerts.",
	}, []string{"outcome"}) // disabled, failed

	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchgate_notifications_total",
		Help: "Completion notifications published to the fan-out channel.",
	}, []string{"outcome"}) // published, failed

	EventsIgnored = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchgate_events_ignored_total",
		Help: "Events dropped without a downstream call.",
	}, []string{"reason"})

	HandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "batchgate_handler_duration_seconds",
		Help:    "Duration of a single handler invocation.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"handler"})
)

// Outcome labels.
const (
	OutcomeAccepted  = "accepted"
	OutcomeFailed    = "failed"
	OutcomeInvalid   = "invalid"
	OutcomeDisabled  = "disabled"
	OutcomePublished = "published"
)

// ObserveHandler records the time since start under the handler label.
func ObserveHandler(handler string, start time.Time) {
	HandlerDuration.WithLabelValues(handler).Observe(time.Since(start).Seconds())
}

// NewLogger creates a new structured logger.
func NewLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// StartMetricsServer runs an HTTP server to expose Prometheus metrics.
// The returned function shuts it down.
func StartMetricsServer(addr string) func(context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server failed", "error", err)
		}
	}()
	return srv.Shutdown
}
