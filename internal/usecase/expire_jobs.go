package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fiapx/fiapx-video-pipeline/internal/domain/entity"
	"github.com/fiapx/fiapx-video-pipeline/internal/domain/lifecycle"
	"github.com/fiapx/fiapx-video-pipeline/internal/domain/port"
)

// ExpireJobsUseCase removes the artifacts of DONE jobs past their retention
// and moves them to EXPIRED.
type ExpireJobsUseCase struct {
	jobs      port.JobStore
	artifacts port.ArtifactStore
	logger    *zap.Logger
	batchSize int
	now       func() time.Time
}

func NewExpireJobsUseCase(jobs port.JobStore, artifacts port.ArtifactStore, batchSize int, logger *zap.Logger) *ExpireJobsUseCase {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &ExpireJobsUseCase{jobs: jobs, artifacts: artifacts, logger: logger, batchSize: batchSize, now: time.Now}
}

// Execute sweeps until no expired job is left and returns how many it expired.
func (uc *ExpireJobsUseCase) Execute(ctx context.Context) (int, error) {
	expired := 0
	for {
		jobs, err := uc.jobs.ListExpired(ctx, uc.now(), uc.batchSize)
		if err != nil {
			return expired, fmt.Errorf("list expired jobs: %w", err)
		}
		if len(jobs) == 0 {
			return expired, nil
		}

		progressed := false
		for _, job := range jobs {
			if err := ctx.Err(); err != nil {
				return expired, err
			}
			ok, err := uc.expire(ctx, job)
			if err != nil {
				uc.logger.Error("failed to expire job", zap.String("job_id", job.ID.String()), zap.Error(err))
				continue
			}
			if ok {
				expired++
				progressed = true
			}
		}
		// Every job in the batch failed; stop instead of spinning on it.
		if !progressed {
			return expired, nil
		}
	}
}

func (uc *ExpireJobsUseCase) expire(ctx context.Context, job *entity.Job) (bool, error) {
	if job.Output != nil {
		if err := uc.artifacts.Delete(ctx, job.Output.Path); err != nil {
			return false, fmt.Errorf("delete output: %w", err)
		}
	}
	if err := uc.artifacts.Delete(ctx, job.Input.Path); err != nil {
		return false, fmt.Errorf("delete input: %w", err)
	}

	_, err := uc.jobs.Transition(ctx, job.ID, entity.JobStatusDone, lifecycle.Expire, nil)
	if errors.Is(err, entity.ErrConflict) || errors.Is(err, entity.ErrJobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	uc.logger.Info("job expired", zap.String("job_id", job.ID.String()))
	return true, nil
}
