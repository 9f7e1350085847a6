// Package dispatch feeds broker deliveries to the handlers with manual
// acknowledgement, giving the handlers at-least-once delivery.
//
// A handled delivery is acked. A permanent failure (malformed payload) is
// nacked without requeue so the broker dead-letters it. Any other failure is
// nacked with requeue and will be redelivered.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"batch-gate/pkg/events"
	"batch-gate/pkg/handler"
	"batch-gate/pkg/job"
	"batch-gate/pkg/observability"
)

var (
	ErrPermanent      = errors.New("permanent failure")
	ErrConsumerClosed = errors.New("delivery channel closed")
)

// HandleFunc processes one delivery body.
type HandleFunc func(ctx context.Context, body []byte) error

type Route struct {
	Name   string
	Queue  string
	Handle HandleFunc
}

type Consumer interface {
	Consume(queue string, prefetch int) (<-chan amqp.Delivery, error)
}

type Dispatcher struct {
	consumer    Consumer
	routes      []Route
	concurrency int
	logger      *slog.Logger
}

func New(consumer Consumer, concurrency int, logger *slog.Logger, routes ...Route) *Dispatcher {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{consumer: consumer, routes: routes, concurrency: concurrency, logger: logger}
}

// Run consumes every route until ctx is cancelled, then returns nil. If a
// delivery channel closes first, the broker connection or channel is gone:
// every consumer is stopped and ErrConsumerClosed is returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		closeErr error
	)
	lost := func(r Route) {
		mu.Lock()
		defer mu.Unlock()
		if closeErr == nil {
			closeErr = fmt.Errorf("%w: %s", ErrConsumerClosed, r.Queue)
			d.logger.Error("delivery channel closed", "route", r.Name, "queue", r.Queue)
		}
		cancel()
	}

	for _, r := range d.routes {
		deliveries, err := d.consumer.Consume(r.Queue, d.concurrency)
		if err != nil {
			cancel()
			wg.Wait()
			return fmt.Errorf("consume %s: %w", r.Queue, err)
		}
		d.logger.Info("consumer started", "route", r.Name, "queue", r.Queue, "concurrency", d.concurrency)
		for i := 0; i < d.concurrency; i++ {
			wg.Add(1)
			go func(r Route) {
				defer wg.Done()
				for {
					select {
					case <-ctx.Done():
						return
					case msg, ok := <-deliveries:
						if !ok {
							if ctx.Err() == nil {
								lost(r)
							}
							return
						}
						d.handle(ctx, r, msg)
					}
				}
			}(r)
		}
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	return closeErr
}

func (d *Dispatcher) handle(ctx context.Context, r Route, msg amqp.Delivery) {
	l := d.logger.With("route", r.Name, "delivery_tag", msg.DeliveryTag, "redelivered", msg.Redelivered)

	err := r.Handle(ctx, msg.Body)
	switch {
	case err == nil:
		if aerr := msg.Ack(false); aerr != nil {
			l.Error("ack failed", "error", aerr)
		}
	case errors.Is(err, ErrPermanent):
		l.Error("dead-lettering delivery", "error", err)
		observability.EventsIgnored.WithLabelValues("malformed").Inc()
		if nerr := msg.Nack(false, false); nerr != nil {
			l.Error("nack failed", "error", nerr)
		}
	default:
		l.Warn("requeueing delivery", "error", err)
		if nerr := msg.Nack(false, true); nerr != nil {
			l.Error("nack failed", "error", nerr)
		}
	}
}

func permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// ArrivalRoute submits one job per notification in the body. Submission
// failures are already logged by the submitter and the delivery is acked.
func ArrivalRoute(queue string, s *handler.Submitter) Route {
	return Route{Name: handler.NameArrival, Queue: queue, Handle: func(ctx context.Context, body []byte) error {
		arrivals, err := events.DecodeArrivals(body)
		if err != nil {
			return permanent(err)
		}
		var invalid error
		for _, n := range arrivals {
			if _, err := s.OnArrival(ctx, n); err != nil {
				invalid = errors.Join(invalid, err)
			}
		}
		if invalid != nil && errors.Is(invalid, job.ErrInvalidArrival) {
			return permanent(invalid)
		}
		return invalid
	}}
}

// BudgetRoute disables the queue; a failed disable is redelivered.
func BudgetRoute(queue string, a *handler.AdmissionController) Route {
	return Route{Name: handler.NameBudget, Queue: queue, Handle: func(ctx context.Context, body []byte) error {
		alert, err := events.DecodeBudgetAlert(body)
		if err != nil {
			return permanent(err)
		}
		return a.OnBudgetAlert(ctx, alert)
	}}
}

func CompletionRoute(queue string, n *handler.CompletionNotifier) Route {
	return Route{Name: handler.NameCompletion, Queue: queue, Handle: func(ctx context.Context, body []byte) error {
		ev, err := events.DecodeCompletion(body)
		if err != nil {
			return permanent(err)
		}
		n.OnJobStateChange(ctx, ev)
		return nil
	}}
}
