package rabbitmq

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fiapx/fiapx-video-pipeline/internal/domain/entity"
	"github.com/fiapx/fiapx-video-pipeline/internal/queue"
)

var _ queue.TracedDelivery = (*delivery)(nil)

var ErrDeliveriesClosed = errors.New("delivery channel closed")

// Source consumes one queue with prefetch 1 and resubmits retries to the
// same queue through the default exchange.
type Source struct {
	channel    *amqp.Channel
	queue      string
	deliveries <-chan amqp.Delivery
	publisher  *Publisher
}

var _ queue.Source = (*Source)(nil)

func NewSource(ctx context.Context, conn *amqp.Connection, queueName string, publisher *Publisher) (*Source, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.ConsumeWithContext(ctx, queueName, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("consume %s: %w", queueName, err)
	}
	return &Source{
		channel:    ch,
		queue:      queueName,
		deliveries: deliveries,
		publisher:  publisher,
	}, nil
}

func (s *Source) Receive(ctx context.Context) (queue.Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case d, ok := <-s.deliveries:
		if !ok {
			return nil, ErrDeliveriesClosed
		}
		return &delivery{d: d}, nil
	}
}

func (s *Source) Resubmit(ctx context.Context, env *entity.Envelope) error {
	return s.publisher.PublishToQueue(ctx, s.queue, env)
}

func (s *Source) Close() error {
	return s.channel.Close()
}

type delivery struct {
	d amqp.Delivery
}

func (d *delivery) Body() []byte { return d.d.Body }

func (d *delivery) RetryHeader() (int, bool) {
	return retryCount(d.d.Headers)
}

// Context continues the trace the publisher started, when there is one.
func (d *delivery) Context(parent context.Context) context.Context {
	return extractTrace(parent, d.d.Headers)
}

func (d *delivery) Ack() error {
	return d.d.Ack(false)
}

func (d *delivery) Reject(requeue bool) error {
	return d.d.Reject(requeue)
}

// retryCount reads the retry header, which arrives with whatever integer
// width the publisher used.
func retryCount(h amqp.Table) (int, bool) {
	v, ok := h[RetryHeader]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	}
	return 0, false
}
