package usecase

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fiapx/fiapx-video-pipeline/internal/domain/entity"
	"github.com/fiapx/fiapx-video-pipeline/internal/domain/port"
	"github.com/fiapx/fiapx-video-pipeline/internal/infra/metrics"
	"github.com/fiapx/fiapx-video-pipeline/internal/queue"
)

// NotifyUseCase turns job.completed and job.failed events into mail to the
// job owner. The job row, not the payload, decides what is sent.
type NotifyUseCase struct {
	jobs     port.JobStore
	users    port.UserDirectory
	notifier port.Notifier
	logger   *zap.Logger
}

func NewNotifyUseCase(jobs port.JobStore, users port.UserDirectory, notifier port.Notifier, logger *zap.Logger) *NotifyUseCase {
	return &NotifyUseCase{jobs: jobs, users: users, notifier: notifier, logger: logger}
}

func (uc *NotifyUseCase) Handle(ctx context.Context, env *entity.Envelope) queue.Outcome {
	ctx, span := otel.Tracer("usecase").Start(ctx, "NotifyUseCase.Handle")
	defer span.End()

	var want entity.JobStatus
	switch env.EventType {
	case entity.EventJobCompleted:
		var p entity.JobCompletedPayload
		if err := env.DecodePayload(entity.EventJobCompleted, &p); err != nil {
			return queue.Fatal(entity.CodeMalformedMessage, err)
		}
		want = entity.JobStatusDone
	case entity.EventJobFailed:
		var p entity.JobFailedPayload
		if err := env.DecodePayload(entity.EventJobFailed, &p); err != nil {
			return queue.Fatal(entity.CodeMalformedMessage, err)
		}
		want = entity.JobStatusFailed
	default:
		return queue.Fatal(entity.CodeMalformedMessage, fmt.Errorf("%w: %s on notification queue", entity.ErrUnknownEventType, env.EventType))
	}

	id := env.JobID()
	span.SetAttributes(attribute.String("job.id", id.String()))
	log := uc.logger.With(zap.String("job_id", id.String()), zap.String("event_type", string(env.EventType)))

	job, err := uc.jobs.Get(ctx, id)
	if errors.Is(err, entity.ErrJobNotFound) {
		return queue.Fatal(entity.CodeJobNotFound, err)
	}
	if err != nil {
		return queue.Retryable(entity.CodeTransientIO, fmt.Errorf("load job: %w", err))
	}
	if job.Status != want {
		log.Warn("job is not in the state the event announces, skipping", zap.String("status", string(job.Status)))
		return queue.Success()
	}

	key := env.Metadata.IdempotencyKey
	if key == "" {
		key = entity.IdempotencyKey(env.EventType, id)
	}
	sent, err := uc.jobs.Notified(ctx, id, key)
	if err != nil {
		return queue.Retryable(entity.CodeTransientIO, fmt.Errorf("check notification: %w", err))
	}
	if sent {
		log.Info("notification already sent, skipping", zap.String("idempotency_key", key))
		return queue.Success()
	}

	user, err := uc.users.FindUser(ctx, job.OwnerID)
	if errors.Is(err, entity.ErrRecipientNotFound) {
		return queue.Fatal(entity.CodeNotification, err)
	}
	if err != nil {
		return queue.Retryable(entity.CodeTransientIO, fmt.Errorf("load recipient: %w", err))
	}

	if want == entity.JobStatusDone {
		err = uc.notifier.NotifyCompleted(ctx, user, job)
	} else {
		err = uc.notifier.NotifyFailed(ctx, user, job)
	}
	if err != nil {
		return queue.Retryable(entity.CodeNotification, err)
	}

	metrics.NotificationsSentTotal.WithLabelValues(string(env.EventType)).Inc()
	log.Info("notification sent")
	// The mail is out; a failed record only risks a duplicate on redelivery.
	if err := uc.jobs.RecordNotification(ctx, id, job.Status, key); err != nil {
		log.Warn("could not record notification", zap.Error(err))
	}
	return queue.Success()
}
