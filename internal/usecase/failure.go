package usecase

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fiapx/fiapx-video-pipeline/internal/domain/entity"
	"github.com/fiapx/fiapx-video-pipeline/internal/domain/lifecycle"
	"github.com/fiapx/fiapx-video-pipeline/internal/domain/port"
	"github.com/fiapx/fiapx-video-pipeline/internal/queue"
)

const (
	maxErrorMessageLen = 500
	// maxConflicts is how many lost status races a walk tolerates.
	maxConflicts = 3
)

// JobFinalizer records retries and terminal failures on the job an envelope
// refers to, and announces failures with a job.failed event.
type JobFinalizer struct {
	jobs      port.JobStore
	publisher port.EventPublisher
	logger    *zap.Logger
}

func NewJobFinalizer(jobs port.JobStore, publisher port.EventPublisher, logger *zap.Logger) *JobFinalizer {
	return &JobFinalizer{jobs: jobs, publisher: publisher, logger: logger}
}

var _ queue.Finalizer = (*JobFinalizer)(nil)

func (f *JobFinalizer) Retrying(ctx context.Context, env *entity.Envelope, fl *queue.Failure) error {
	id := env.JobID()
	_, err := f.jobs.Transition(ctx, id, entity.JobStatusProcessing, lifecycle.Retry, func(j *entity.Job) error {
		j.RetryCount = env.Metadata.RetryCount
		return nil
	})
	if isNoop(err) {
		f.logger.Debug("retry not recorded on job", zap.String("job_id", id.String()), zap.Error(err))
		return nil
	}
	return err
}

func (f *JobFinalizer) GiveUp(ctx context.Context, env *entity.Envelope, fl *queue.Failure) error {
	id := env.JobID()
	log := f.logger.With(zap.String("job_id", id.String()), zap.String("error_code", string(fl.Code)))

	// Each committed step moves the job forward, so only conflicts can loop.
	for conflicts := 0; conflicts < maxConflicts; {
		job, err := f.jobs.Get(ctx, id)
		if errors.Is(err, entity.ErrJobNotFound) {
			log.Warn("no job to mark as failed")
			return nil
		}
		if err != nil {
			return fmt.Errorf("load job: %w", err)
		}

		var ev lifecycle.Event
		var mutate lifecycle.Mutator
		switch job.Status {
		case entity.JobStatusUploaded:
			ev = lifecycle.Enqueue
		case entity.JobStatusQueued:
			ev = lifecycle.Claim
		case entity.JobStatusProcessing:
			ev = lifecycle.Fail
			mutate = func(j *entity.Job) error {
				if env.Metadata.RetryCount > j.RetryCount {
					j.RetryCount = env.Metadata.RetryCount
				}
				j.Failure = &entity.FailureDescriptor{
					Code:    fl.Code,
					Message: truncate(fl.Message(), maxErrorMessageLen),
				}
				return nil
			}
		default:
			log.Info("job already terminal, leaving it", zap.String("status", string(job.Status)))
			return nil
		}

		failed, err := f.jobs.Transition(ctx, id, job.Status, ev, mutate)
		switch {
		case errors.Is(err, entity.ErrConflict):
			conflicts++
			continue
		case isNoop(err):
			log.Warn("could not mark job as failed", zap.Error(err))
			return nil
		case err != nil:
			return err
		}
		if ev != lifecycle.Fail {
			continue
		}

		log.Error("job failed", zap.Int("retry_count", failed.RetryCount), zap.String("error", failed.Failure.Message))
		out, err := entity.JobFailed(failed)
		if err != nil {
			return err
		}
		if err := f.publisher.Publish(ctx, out); err != nil {
			return fmt.Errorf("publish job.failed: %w", err)
		}
		return nil
	}
	return errors.New("job state kept changing while marking it failed")
}

// isNoop reports errors that mean another delivery already moved the job on.
func isNoop(err error) bool {
	return errors.Is(err, entity.ErrConflict) ||
		errors.Is(err, entity.ErrInvalidTransition) ||
		errors.Is(err, entity.ErrJobNotFound)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
