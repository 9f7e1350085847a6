// Package notify publishes summaries to the notification fan-out channel.
// SNS is the managed channel (email + programmatic subscribers); Redis
// pub/sub and the RabbitMQ fanout exchange in pkg/mq serve self-hosted setups.
package notify

import (
	"encoding/json"
	"time"
)

// Attribute keys carried with every completion notification.
const (
	AttrJobID  = "jobId"
	AttrStatus = "status"
)

type Notification struct {
	ID          string            `json:"id"`
	Subject     string            `json:"subject"`
	Message     string            `json:"message"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	PublishedAt time.Time         `json:"published_at"`
}

// JSON is the wire form used by the broker-backed publishers.
func (n Notification) JSON() ([]byte, error) {
	return json.Marshal(n)
}
