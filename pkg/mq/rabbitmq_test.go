package mq

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueueArgs(t *testing.T) {
	for _, q := range []string{ArrivalsQueue, JobStateQueue, AdmissionQueue} {
		assert.Equal(t, DLXExchange, queueArgs(q)["x-dead-letter-exchange"], q)
	}

	args := queueArgs(NotificationsQueue)
	assert.Equal(t, int32(86400000), args["x-message-ttl"])
	assert.Equal(t, int32(10000), args["x-max-length"])
	assert.Equal(t, "drop-head", args["x-overflow"])
	assert.NotContains(t, args, "x-dead-letter-exchange")
	assert.NoError(t, args.Validate())
}
