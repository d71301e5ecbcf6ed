package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fiapx/fiapx-video-pipeline/internal/domain/entity"
	"github.com/fiapx/fiapx-video-pipeline/internal/domain/port"
)

var ErrNotConfirmed = errors.New("broker did not confirm publish")

// Publisher sends envelopes to the topic exchange, routed by event type, and
// waits for the broker confirm before returning.
type Publisher struct {
	mu       sync.Mutex
	channel  *amqp.Channel
	exchange string
}

func NewPublisher(conn *amqp.Connection, exchange string) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open publisher channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	return &Publisher{channel: ch, exchange: exchange}, nil
}

var _ port.EventPublisher = (*Publisher)(nil)

func (p *Publisher) Publish(ctx context.Context, env *entity.Envelope) error {
	return p.publish(ctx, p.exchange, string(env.EventType), env)
}

// PublishToQueue bypasses the exchange and delivers straight to queue.
func (p *Publisher) PublishToQueue(ctx context.Context, queue string, env *entity.Envelope) error {
	return p.publish(ctx, "", queue, env)
}

func (p *Publisher) publish(ctx context.Context, exchange, key string, env *entity.Envelope) error {
	body, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	conf, err := p.channel.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, publishing(ctx, env, body))
	if err != nil {
		return fmt.Errorf("publish %s: %w", env.EventType, err)
	}
	ok, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("await confirm for %s: %w", env.EventType, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConfirmed, env.EventType)
	}
	return nil
}

func publishing(ctx context.Context, env *entity.Envelope, body []byte) amqp.Publishing {
	headers := amqp.Table{
		RetryHeader:       int32(env.Metadata.RetryCount),
		"idempotency-key": env.Metadata.IdempotencyKey,
	}
	injectTrace(ctx, headers)
	return amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    env.EventID.String(),
		Type:         string(env.EventType),
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
	}
}

func (p *Publisher) Close() error {
	return p.channel.Close()
}
