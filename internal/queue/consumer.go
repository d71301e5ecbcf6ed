// Package queue runs the receive → decode → process → settle loop shared by
// the worker and the notifier. Transport details live behind Source and
// Delivery; job bookkeeping for failures lives behind Finalizer.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fiapx/fiapx-video-pipeline/internal/domain/entity"
	"github.com/fiapx/fiapx-video-pipeline/internal/infra/metrics"
)

// Delivery is one unacknowledged message held by the consumer.
type Delivery interface {
	Body() []byte
	// RetryHeader returns the transport retry count when the header is present.
	RetryHeader() (int, bool)
	Ack() error
	Reject(requeue bool) error
}

// TracedDelivery is implemented by deliveries that carry a remote trace
// context; the consume span then joins the publisher's trace.
type TracedDelivery interface {
	Context(parent context.Context) context.Context
}

// Source yields deliveries one at a time and republishes retries to the
// queue they came from.
type Source interface {
	Receive(ctx context.Context) (Delivery, error)
	Resubmit(ctx context.Context, env *entity.Envelope) error
}

// Handler is the processing callback. It must be safe to call more than once
// for the same event.
type Handler func(ctx context.Context, env *entity.Envelope) Outcome

// Finalizer records failures against the job the envelope refers to.
// Retrying runs before a retry is resubmitted, with env already carrying the
// new retry count. GiveUp runs before the message is dead-lettered.
type Finalizer interface {
	Retrying(ctx context.Context, env *entity.Envelope, f *Failure) error
	GiveUp(ctx context.Context, env *entity.Envelope, f *Failure) error
}

// NopFinalizer is used by consumers that own no job state.
type NopFinalizer struct{}

func (NopFinalizer) Retrying(context.Context, *entity.Envelope, *Failure) error { return nil }
func (NopFinalizer) GiveUp(context.Context, *entity.Envelope, *Failure) error   { return nil }

type Config struct {
	// Name labels logs and metrics, usually the queue name.
	Name    string
	Backoff Backoff
}

type Consumer struct {
	name      string
	source    Source
	handler   Handler
	finalizer Finalizer
	backoff   Backoff
	logger    *zap.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

func NewConsumer(cfg Config, source Source, handler Handler, finalizer Finalizer, logger *zap.Logger) *Consumer {
	if finalizer == nil {
		finalizer = NopFinalizer{}
	}
	return &Consumer{
		name:      cfg.Name,
		source:    source,
		handler:   handler,
		finalizer: finalizer,
		backoff:   cfg.Backoff,
		logger:    logger.With(zap.String("consumer", cfg.Name)),
		sleep:     sleepContext,
	}
}

// Run processes deliveries until ctx is cancelled. The next delivery is only
// requested after the current one has been settled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consumer started")
	for {
		d, err := c.source.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopped")
				return nil
			}
			return fmt.Errorf("receive from %s: %w", c.name, err)
		}
		if err := c.Handle(ctx, d); err != nil {
			c.logger.Error("failed to settle delivery", zap.Error(err))
		}
	}
}

// Handle drives a single delivery to exactly one settlement and returns the
// settlement error, if any.
func (c *Consumer) Handle(ctx context.Context, d Delivery) error {
	gauge := metrics.InFlightMessages.WithLabelValues(c.name)
	gauge.Inc()
	defer gauge.Dec()

	env, err := entity.DecodeEnvelope(d.Body())
	if err != nil {
		c.logger.Error("rejecting malformed message", zap.Error(err))
		metrics.MessagesConsumedTotal.WithLabelValues(c.name, "malformed").Inc()
		metrics.DeadLetteredTotal.WithLabelValues(c.name, string(entity.CodeMalformedMessage)).Inc()
		return d.Reject(false)
	}
	if n, ok := d.RetryHeader(); ok && n >= 0 {
		env.Metadata.RetryCount = n
	}

	if td, ok := d.(TracedDelivery); ok {
		ctx = td.Context(ctx)
	}
	ctx, span := otel.Tracer("queue").Start(ctx, "queue.consume", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.destination", c.name),
		attribute.String("event.type", string(env.EventType)),
		attribute.String("event.id", env.EventID.String()),
		attribute.String("job.id", env.JobID().String()),
		attribute.Int("retry.count", env.Metadata.RetryCount),
	)

	log := c.logger.With(
		zap.String("event_type", string(env.EventType)),
		zap.String("event_id", env.EventID.String()),
		zap.String("job_id", env.JobID().String()),
		zap.Int("retry_count", env.Metadata.RetryCount),
	)

	out := c.invoke(ctx, env)
	metrics.MessagesConsumedTotal.WithLabelValues(c.name, out.Kind().String()).Inc()

	switch out.Kind() {
	case KindSuccess:
		return d.Ack()
	case KindRetryable:
		span.SetStatus(codes.Error, out.Failure().Error())
		if env.Metadata.RetryCount < env.Metadata.MaxRetries {
			return c.retry(ctx, d, env, out.Failure(), log)
		}
		log.Warn("retries exhausted", zap.Int("max_retries", env.Metadata.MaxRetries), zap.Error(out.Failure()))
		return c.giveUp(ctx, d, env, out.Failure(), log)
	default:
		span.SetStatus(codes.Error, out.Failure().Error())
		log.Error("fatal processing failure", zap.Error(out.Failure()))
		return c.giveUp(ctx, d, env, out.Failure(), log)
	}
}

func (c *Consumer) invoke(ctx context.Context, env *entity.Envelope) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Retryable(entity.CodeProcessing, fmt.Errorf("handler panic: %v", r))
		}
	}()
	out = c.handler(ctx, env)
	if out.Kind() != KindSuccess && out.Failure() == nil {
		out = Retryable(entity.CodeProcessing, errors.New("failure without reason"))
	}
	return out
}

func (c *Consumer) retry(ctx context.Context, d Delivery, env *entity.Envelope, f *Failure, log *zap.Logger) error {
	next := env.WithRetry(env.Metadata.RetryCount + 1)
	delay := c.backoff.Delay(next.Metadata.RetryCount)

	if err := c.finalizer.Retrying(ctx, next, f); err != nil {
		log.Warn("could not record retry, requeueing", zap.Error(err))
		return c.requeue(ctx, d)
	}

	log.Info("scheduling retry",
		zap.Int("attempt", next.Metadata.RetryCount),
		zap.Duration("delay", delay),
		zap.String("error_code", string(f.Code)),
		zap.Error(f.Err),
	)
	if err := c.sleep(ctx, delay); err != nil {
		log.Info("shutdown during backoff, requeueing")
		return d.Reject(true)
	}
	if err := c.source.Resubmit(ctx, next); err != nil {
		log.Warn("resubmit failed, requeueing", zap.Error(err))
		return d.Reject(true)
	}
	metrics.RetriesScheduledTotal.WithLabelValues(c.name, strconv.Itoa(next.Metadata.RetryCount)).Inc()
	return d.Ack()
}

func (c *Consumer) giveUp(ctx context.Context, d Delivery, env *entity.Envelope, f *Failure, log *zap.Logger) error {
	if err := c.finalizer.GiveUp(ctx, env, f); err != nil {
		log.Error("could not finalize failure, requeueing", zap.Error(err))
		return c.requeue(ctx, d)
	}
	metrics.DeadLetteredTotal.WithLabelValues(c.name, string(f.Code)).Inc()
	return d.Reject(false)
}

// requeue waits one base delay before handing the message back, so a broken
// dependency does not turn into a hot redelivery loop.
func (c *Consumer) requeue(ctx context.Context, d Delivery) error {
	_ = c.sleep(ctx, c.backoff.Base)
	return d.Reject(true)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
