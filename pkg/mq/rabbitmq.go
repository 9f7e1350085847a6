package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"batch-gate/pkg/job"
	"batch-gate/pkg/notify"
)

type Client struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

const (
	EventsExchange        = "batchgate.events"
	BudgetAlertsExchange  = "batchgate.budget-alerts"
	NotificationsExchange = "batchgate.notifications"
	DLXExchange           = "batchgate.dlx"

	ArrivalsQueue      = "batchgate.arrivals"
	AdmissionQueue     = "batchgate.budget-alerts.admission"
	JobStateQueue      = "batchgate.job-state"
	NotificationsQueue = "batchgate.notifications.email"
	DeadLetterQueue    = "batchgate.dead_letter"

	ObjectCreatedKey = "object.created"
	JobStateKey      = "job.state"
)

func New(url string) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	return &Client{conn: conn, ch: ch}, nil
}

// SetupTopology declares all necessary exchanges and queues. Idempotent.
func (c *Client) SetupTopology() error {
	// Arrivals and job state changes share a direct exchange
	if err := c.ch.ExchangeDeclare(EventsExchange, "direct", true, false, false, false, nil); err != nil {
		return err
	}
	// Budget alerts and completion notifications fan out to every subscriber
	for _, ex := range []string{BudgetAlertsExchange, NotificationsExchange, DLXExchange} {
		if err := c.ch.ExchangeDeclare(ex, "fanout", true, false, false, false, nil); err != nil {
			return err
		}
	}

	// Dead-letter queue
	if _, err := c.ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		return err
	}
	if err := c.ch.QueueBind(DeadLetterQueue, "", DLXExchange, false, nil); err != nil {
		return err
	}

	bindings := []struct {
		queue, key, exchange string
	}{
		{ArrivalsQueue, ObjectCreatedKey, EventsExchange},
		{JobStateQueue, JobStateKey, EventsExchange},
		{AdmissionQueue, "", BudgetAlertsExchange},
		{NotificationsQueue, "", NotificationsExchange},
	}
	for _, b := range bindings {
		if _, err := c.ch.QueueDeclare(b.queue, true, false, false, false, queueArgs(b.queue)); err != nil {
			return err
		}
		if err := c.ch.QueueBind(b.queue, b.key, b.exchange, false, nil); err != nil {
			return err
		}
	}
	return nil
}

// Limits for NotificationsQueue. Nothing in batch-gate consumes it, so it is
// bounded until a mail relay subscribes.
const (
	NotificationsTTL    = 24 * time.Hour
	NotificationsMaxLen = 10000
)

// queueArgs returns the declare arguments for a bound queue. Event queues
// dead-letter rejected messages to DLXExchange. NotificationsQueue instead
// drops expired and overflowing messages so they do not pile up in the DLQ.
func queueArgs(queue string) amqp.Table {
	if queue == NotificationsQueue {
		return amqp.Table{
			"x-message-ttl": int32(NotificationsTTL / time.Millisecond),
			"x-max-length":  int32(NotificationsMaxLen),
			"x-overflow":    "drop-head",
		}
	}
	return amqp.Table{"x-dead-letter-exchange": DLXExchange}
}

func (c *Client) publish(ctx context.Context, exchange, key, contentType string, body []byte) error {
	return c.ch.PublishWithContext(ctx,
		exchange,
		key,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  contentType,
			DeliveryMode: amqp.Persistent,
			Body:         body,
		})
}

// PublishArrival publishes a bare arrival notification.
func (c *Client) PublishArrival(ctx context.Context, n job.ArrivalNotification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return c.publish(ctx, EventsExchange, ObjectCreatedKey, "application/json", body)
}

// PublishJobState relays an encoded job state change, typically from the outbox.
func (c *Client) PublishJobState(ctx context.Context, body []byte) error {
	return c.publish(ctx, EventsExchange, JobStateKey, "application/json", body)
}

// PublishBudgetAlert forwards an opaque budget alert to every alert subscriber.
func (c *Client) PublishBudgetAlert(ctx context.Context, message string) error {
	return c.publish(ctx, BudgetAlertsExchange, "", "text/plain", []byte(message))
}

// Publish implements the notification fan-out over the notifications exchange.
func (c *Client) Publish(ctx context.Context, n notify.Notification) error {
	body, err := n.JSON()
	if err != nil {
		return err
	}
	if err := c.publish(ctx, NotificationsExchange, "", "application/json", body); err != nil {
		return fmt.Errorf("amqp publish notification: %w", err)
	}
	return nil
}

// Consume starts a manual-ack consumer on queue with the given prefetch.
func (c *Client) Consume(queue string, prefetch int) (<-chan amqp.Delivery, error) {
	if err := c.ch.Qos(prefetch, 0, false); err != nil {
		return nil, err
	}
	return c.ch.Consume(
		queue,
		"",    // consumer
		false, // auto-ack is false. We will manually ack.
		false,
		false,
		false,
		nil,
	)
}

func (c *Client) Close() {
	c.ch.Close()
	c.conn.Close()
}
