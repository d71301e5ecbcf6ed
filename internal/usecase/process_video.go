package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fiapx/fiapx-video-pipeline/internal/domain/entity"
	"github.com/fiapx/fiapx-video-pipeline/internal/domain/lifecycle"
	"github.com/fiapx/fiapx-video-pipeline/internal/domain/port"
	"github.com/fiapx/fiapx-video-pipeline/internal/infra/metrics"
	"github.com/fiapx/fiapx-video-pipeline/internal/queue"
)

type ProcessVideoUseCase struct {
	jobs       port.JobStore
	artifacts  port.ArtifactStore
	extractor  port.FrameExtractor
	zipper     port.Zipper
	publisher  port.EventPublisher
	logger     *zap.Logger
	tempDir    string
	timeout    time.Duration
	fatalCodes map[entity.ErrorCode]bool
	now        func() time.Time
}

type ProcessVideoConfig struct {
	TempDir string
	// Timeout bounds download, extraction, zip and upload together.
	Timeout time.Duration
	// FatalCodes are tool failure codes that skip the retry budget.
	FatalCodes []entity.ErrorCode
}

func NewProcessVideoUseCase(
	jobs port.JobStore,
	artifacts port.ArtifactStore,
	extractor port.FrameExtractor,
	zipper port.Zipper,
	publisher port.EventPublisher,
	logger *zap.Logger,
	cfg ProcessVideoConfig,
) *ProcessVideoUseCase {
	fatal := make(map[entity.ErrorCode]bool, len(cfg.FatalCodes))
	for _, c := range cfg.FatalCodes {
		fatal[c] = true
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	return &ProcessVideoUseCase{
		jobs:       jobs,
		artifacts:  artifacts,
		extractor:  extractor,
		zipper:     zipper,
		publisher:  publisher,
		logger:     logger,
		tempDir:    cfg.TempDir,
		timeout:    cfg.Timeout,
		fatalCodes: fatal,
		now:        time.Now,
	}
}

// Handle is the queue callback for job.created events.
func (uc *ProcessVideoUseCase) Handle(ctx context.Context, env *entity.Envelope) queue.Outcome {
	ctx, span := otel.Tracer("usecase").Start(ctx, "ProcessVideoUseCase.Handle")
	defer span.End()

	var p entity.JobCreatedPayload
	if err := env.DecodePayload(entity.EventJobCreated, &p); err != nil {
		return queue.Fatal(entity.CodeMalformedMessage, err)
	}
	span.SetAttributes(attribute.String("job.id", p.JobID.String()))

	log := uc.logger.With(
		zap.String("job_id", p.JobID.String()),
		zap.Int("retry_count", env.Metadata.RetryCount),
	)

	job, proceed, out := uc.claim(ctx, p.JobID, log)
	if !proceed {
		return out
	}

	start := uc.now()
	runCtx, cancel := context.WithTimeout(ctx, uc.timeout)
	output, err := uc.run(runCtx, job, log)
	timedOut := ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		code := entity.CodeOf(err, entity.CodeProcessing)
		if timedOut {
			code = entity.CodeFFmpegTimeout
			err = entity.WithCode(code, fmt.Errorf("processing exceeded %s: %w", uc.timeout, err))
		}
		log.Warn("processing attempt failed", zap.String("error_code", string(code)), zap.Error(err))
		if uc.fatalCodes[code] {
			return queue.Fatal(code, err)
		}
		return queue.Retryable(code, err)
	}
	output.ProcessingTime = uc.now().Sub(start)

	done, err := uc.jobs.Transition(ctx, job.ID, entity.JobStatusProcessing, lifecycle.Succeed, func(j *entity.Job) error {
		j.Output = output
		return nil
	})
	switch {
	case errors.Is(err, entity.ErrJobNotFound):
		return queue.Fatal(entity.CodeJobNotFound, err)
	case errors.Is(err, entity.ErrConflict), errors.Is(err, entity.ErrInvalidTransition):
		log.Warn("job left PROCESSING before completion was recorded", zap.Error(err))
		return queue.Success()
	case err != nil:
		return queue.Retryable(entity.CodeTransientIO, fmt.Errorf("record completion: %w", err))
	}

	metrics.JobProcessingDuration.WithLabelValues("total").Observe(output.ProcessingTime.Seconds())
	log.Info("job completed",
		zap.Int("frame_count", output.FrameCount),
		zap.Int64("zip_size_bytes", output.SizeBytes),
		zap.Duration("processing_time", output.ProcessingTime),
	)
	return uc.announce(ctx, done, log)
}

// claim brings the job to PROCESSING. proceed is false when the delivery
// must not run the pipeline; out is then the outcome to settle with.
func (uc *ProcessVideoUseCase) claim(ctx context.Context, id uuid.UUID, log *zap.Logger) (*entity.Job, bool, queue.Outcome) {
	for conflicts := 0; conflicts < maxConflicts; {
		job, err := uc.jobs.Get(ctx, id)
		if errors.Is(err, entity.ErrJobNotFound) {
			return nil, false, queue.Fatal(entity.CodeJobNotFound, err)
		}
		if err != nil {
			return nil, false, queue.Retryable(entity.CodeTransientIO, fmt.Errorf("load job: %w", err))
		}

		switch job.Status {
		case entity.JobStatusProcessing:
			log.Info("resuming job already in PROCESSING")
			return job, true, queue.Outcome{}
		case entity.JobStatusDone, entity.JobStatusFailed:
			// A crash after commit may have lost the terminal event; resend it.
			log.Info("job already finished, re-announcing", zap.String("status", string(job.Status)))
			return nil, false, uc.announce(ctx, job, log)
		case entity.JobStatusCancelled, entity.JobStatusExpired:
			log.Info("skipping job in terminal state", zap.String("status", string(job.Status)))
			return nil, false, queue.Success()
		}

		ev := lifecycle.Claim
		if job.Status == entity.JobStatusUploaded {
			ev = lifecycle.Enqueue
		}
		_, err = uc.jobs.Transition(ctx, job.ID, job.Status, ev, nil)
		switch {
		case err == nil:
			continue
		case errors.Is(err, entity.ErrConflict):
			// Someone else moved it; re-read.
			conflicts++
			continue
		case errors.Is(err, entity.ErrJobNotFound):
			return nil, false, queue.Fatal(entity.CodeJobNotFound, err)
		case errors.Is(err, entity.ErrInvalidTransition):
			return nil, false, queue.Fatal(entity.CodeProcessing, err)
		default:
			return nil, false, queue.Retryable(entity.CodeTransientIO, fmt.Errorf("claim job: %w", err))
		}
	}
	return nil, false, queue.Retryable(entity.CodeTransientIO, errors.New("job state kept changing during claim"))
}

func (uc *ProcessVideoUseCase) run(ctx context.Context, job *entity.Job, log *zap.Logger) (*entity.OutputDescriptor, error) {
	tracer := otel.Tracer("usecase")

	workDir := filepath.Join(uc.tempDir, job.ID.String())
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, entity.WithCode(entity.CodeTransientIO, fmt.Errorf("create workdir: %w", err))
	}
	defer os.RemoveAll(workDir)

	dlStart := time.Now()
	dlCtx, span := tracer.Start(ctx, "download_video")
	videoPath := filepath.Join(workDir, "input."+strings.TrimPrefix(job.Input.Format, "."))
	err := uc.download(dlCtx, job.Input.Path, videoPath)
	span.End()
	if err != nil {
		return nil, entity.WithCode(entity.CodeTransientIO, fmt.Errorf("download video: %w", err))
	}
	metrics.JobProcessingDuration.WithLabelValues("download").Observe(time.Since(dlStart).Seconds())

	exStart := time.Now()
	exCtx, span := tracer.Start(ctx, "extract_frames")
	result, err := uc.extractor.ExtractFrames(exCtx, videoPath, filepath.Join(workDir, "frames"))
	span.End()
	if err != nil {
		return nil, fmt.Errorf("extract frames: %w", err)
	}
	if result.FrameCount == 0 {
		return nil, entity.WithCode(entity.CodeNoFrames, errors.New("no frames extracted"))
	}
	metrics.JobProcessingDuration.WithLabelValues("extract").Observe(time.Since(exStart).Seconds())
	metrics.FramesExtractedTotal.Add(float64(result.FrameCount))

	zipStart := time.Now()
	zipCtx, span := tracer.Start(ctx, "create_zip")
	zipPath := filepath.Join(workDir, "output.zip")
	zipSize, err := uc.zipper.CreateZip(zipCtx, result.FramePaths, zipPath)
	span.End()
	if err != nil {
		return nil, entity.WithCode(entity.CodeTransientIO, fmt.Errorf("create zip: %w", err))
	}
	metrics.JobProcessingDuration.WithLabelValues("zip").Observe(time.Since(zipStart).Seconds())

	upStart := time.Now()
	upCtx, span := tracer.Start(ctx, "upload_zip")
	desc, err := uc.upload(upCtx, entity.OutputPath(job.OwnerID, job.ID), zipPath, zipSize)
	span.End()
	if err != nil {
		return nil, entity.WithCode(entity.CodeTransientIO, fmt.Errorf("upload zip: %w", err))
	}
	metrics.JobProcessingDuration.WithLabelValues("upload").Observe(time.Since(upStart).Seconds())

	log.Debug("pipeline finished", zap.String("zip_path", desc.Path))
	return &entity.OutputDescriptor{
		Path:       desc.Path,
		FrameCount: result.FrameCount,
		SizeBytes:  desc.SizeBytes,
	}, nil
}

func (uc *ProcessVideoUseCase) download(ctx context.Context, src, dst string) error {
	r, err := uc.artifacts.Fetch(ctx, src)
	if err != nil {
		return err
	}
	defer r.Close()

	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (uc *ProcessVideoUseCase) upload(ctx context.Context, dst, src string, size int64) (port.ArtifactDescriptor, error) {
	f, err := os.Open(src)
	if err != nil {
		return port.ArtifactDescriptor{}, err
	}
	defer f.Close()
	desc, err := uc.artifacts.Store(ctx, dst, f, size, "application/zip")
	if err != nil {
		return port.ArtifactDescriptor{}, err
	}
	if desc.SizeBytes == 0 {
		desc.SizeBytes = size
	}
	return desc, nil
}

// announce publishes the terminal event for a finished job.
func (uc *ProcessVideoUseCase) announce(ctx context.Context, job *entity.Job, log *zap.Logger) queue.Outcome {
	var (
		env *entity.Envelope
		err error
	)
	switch job.Status {
	case entity.JobStatusDone:
		env, err = entity.JobCompleted(job)
	case entity.JobStatusFailed:
		env, err = entity.JobFailed(job)
	default:
		return queue.Success()
	}
	if err != nil {
		return queue.Fatal(entity.CodeProcessing, err)
	}
	if err := uc.publisher.Publish(ctx, env); err != nil {
		log.Error("failed to publish terminal event", zap.String("event_type", string(env.EventType)), zap.Error(err))
		return queue.Retryable(entity.CodeTransientIO, fmt.Errorf("publish %s: %w", env.EventType, err))
	}
	return queue.Success()
}
