package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fiapx/fiapx-video-pipeline/internal/domain/entity"
)

// RetryHeader carries the retry count of a resubmitted delivery.
const RetryHeader = "x-retry-count"

type Topology struct {
	Exchange          string
	ProcessQueue      string
	ProcessDLQ        string
	NotificationQueue string
	NotificationDLQ   string
	ProcessTTL        time.Duration
	DLQTTL            time.Duration
	NotificationTTL   time.Duration
	ConsumerTimeout   time.Duration
}

type queueSpec struct {
	name string
	args amqp.Table
	keys []entity.EventType
}

func (t Topology) queues() []queueSpec {
	return []queueSpec{
		{name: t.ProcessDLQ, args: amqp.Table{"x-message-ttl": ms(t.DLQTTL)}},
		{name: t.NotificationDLQ, args: amqp.Table{"x-message-ttl": ms(t.DLQTTL)}},
		{
			name: t.ProcessQueue,
			args: amqp.Table{
				"x-message-ttl":             ms(t.ProcessTTL),
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": t.ProcessDLQ,
				"x-queue-mode":              "lazy",
				"x-consumer-timeout":        ms(t.ConsumerTimeout),
			},
			keys: []entity.EventType{entity.EventJobCreated},
		},
		{
			name: t.NotificationQueue,
			args: amqp.Table{
				"x-message-ttl":             ms(t.NotificationTTL),
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": t.NotificationDLQ,
			},
			keys: []entity.EventType{entity.EventJobCompleted, entity.EventJobFailed},
		},
	}
}

// Declare creates the exchange, queues and bindings. Re-running it against
// an existing broker is a no-op as long as the arguments match.
func (t Topology) Declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(t.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	for _, q := range t.queues() {
		if _, err := ch.QueueDeclare(q.name, true, false, false, false, q.args); err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
		for _, key := range q.keys {
			if err := ch.QueueBind(q.name, string(key), t.Exchange, false, nil); err != nil {
				return fmt.Errorf("bind %s to %s: %w", q.name, key, err)
			}
		}
	}
	return nil
}

func ms(d time.Duration) int64 {
	return d.Milliseconds()
}
