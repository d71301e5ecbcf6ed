package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fiapx/fiapx-video-pipeline/internal/domain/entity"
	"github.com/fiapx/fiapx-video-pipeline/internal/domain/lifecycle"
	"github.com/fiapx/fiapx-video-pipeline/internal/domain/port"
)

var SupportedFormats = map[string]bool{
	"mp4": true, "avi": true, "mov": true, "mkv": true, "wmv": true, "flv": true, "webm": true,
}

const (
	defaultPageLimit = 50
	maxPageLimit     = 100
)

type JobServiceConfig struct {
	MaxVideoSizeBytes int64
	MaxRetries        int
	Retention         time.Duration
	GrantTTL          time.Duration
}

// JobService is the producer side of the pipeline: it accepts uploads,
// answers status queries and hands out download grants.
type JobService struct {
	jobs      port.JobStore
	artifacts port.ArtifactStore
	publisher port.EventPublisher
	cfg       JobServiceConfig
	logger    *zap.Logger
	now       func() time.Time
}

func NewJobService(jobs port.JobStore, artifacts port.ArtifactStore, publisher port.EventPublisher, cfg JobServiceConfig, logger *zap.Logger) *JobService {
	return &JobService{
		jobs:      jobs,
		artifacts: artifacts,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

type Upload struct {
	OwnerID     uuid.UUID
	Filename    string
	SizeBytes   int64
	ContentType string
	Body        io.Reader
}

// Submit stores the input, records the job and queues it for processing.
func (s *JobService) Submit(ctx context.Context, up Upload) (*entity.Job, error) {
	// The name ends up in mail headers and download dispositions.
	if strings.ContainsFunc(up.Filename, unicode.IsControl) {
		return nil, fmt.Errorf("%w: control characters in %q", entity.ErrInvalidFilename, up.Filename)
	}
	format := strings.ToLower(strings.TrimPrefix(path.Ext(up.Filename), "."))
	if !SupportedFormats[format] {
		return nil, fmt.Errorf("%w: %q", entity.ErrUnsupportedFormat, path.Ext(up.Filename))
	}
	if up.SizeBytes <= 0 {
		return nil, fmt.Errorf("empty upload")
	}
	if up.SizeBytes > s.cfg.MaxVideoSizeBytes {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", entity.ErrTooLarge, up.SizeBytes, s.cfg.MaxVideoSizeBytes)
	}

	job := entity.NewJob(up.OwnerID, entity.InputDescriptor{
		SizeBytes:        up.SizeBytes,
		Format:           format,
		OriginalFilename: path.Base(up.Filename),
	}, s.cfg.MaxRetries, s.cfg.Retention)
	log := s.logger.With(zap.String("job_id", job.ID.String()), zap.String("user_id", up.OwnerID.String()))

	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	contentType := up.ContentType
	if contentType == "" {
		contentType = "video/" + format
	}
	if _, err := s.artifacts.Store(ctx, job.Input.Path, up.Body, up.SizeBytes, contentType); err != nil {
		log.Error("input upload failed, discarding job", zap.Error(err))
		if derr := s.jobs.Delete(ctx, job.ID); derr != nil {
			log.Error("failed to discard job", zap.Error(derr))
		}
		return nil, fmt.Errorf("store input: %w", err)
	}

	queued, err := s.jobs.Transition(ctx, job.ID, entity.JobStatusUploaded, lifecycle.Enqueue, nil)
	if err != nil {
		return nil, fmt.Errorf("queue job: %w", err)
	}

	env, err := entity.JobCreated(queued, s.cfg.MaxRetries)
	if err != nil {
		return nil, err
	}
	if err := s.publisher.Publish(ctx, env); err != nil {
		// The row stays QUEUED; Requeue republishes it.
		return queued, fmt.Errorf("publish job.created: %w", err)
	}

	log.Info("video queued", zap.Int64("size_bytes", up.SizeBytes), zap.String("format", format))
	return queued, nil
}

// Requeue republishes job.created for a job stuck before processing, for
// instance after a failed publish or a message that expired in the queue.
func (s *JobService) Requeue(ctx context.Context, id uuid.UUID) error {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != entity.JobStatusUploaded && job.Status != entity.JobStatusQueued {
		return fmt.Errorf("%w: job is %s", entity.ErrInvalidTransition, job.Status)
	}
	env, err := entity.JobCreated(job, s.cfg.MaxRetries)
	if err != nil {
		return err
	}
	return s.publisher.Publish(ctx, env)
}

// Cancel succeeds only while the job is QUEUED.
func (s *JobService) Cancel(ctx context.Context, owner, id uuid.UUID) (*entity.Job, error) {
	job, err := s.owned(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if job.Status != entity.JobStatusQueued {
		return nil, fmt.Errorf("%w: job is %s", entity.ErrNotCancellable, job.Status)
	}
	cancelled, err := s.jobs.Transition(ctx, id, entity.JobStatusQueued, lifecycle.Cancel, nil)
	if errors.Is(err, entity.ErrConflict) || errors.Is(err, entity.ErrInvalidTransition) {
		return nil, fmt.Errorf("%w: %v", entity.ErrNotCancellable, err)
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("job cancelled", zap.String("job_id", id.String()))
	return cancelled, nil
}

func (s *JobService) Status(ctx context.Context, owner, id uuid.UUID) (*entity.Job, error) {
	return s.owned(ctx, owner, id)
}

// StatusMessage is the human readable line shown next to a status.
func StatusMessage(job *entity.Job) string {
	switch job.Status {
	case entity.JobStatusUploaded:
		return "Video received"
	case entity.JobStatusQueued:
		return "Waiting in queue"
	case entity.JobStatusProcessing:
		return "Processing video"
	case entity.JobStatusDone:
		return "Ready for download"
	case entity.JobStatusFailed:
		if job.Failure != nil && job.Failure.Message != "" {
			return job.Failure.Message
		}
		return "Processing failed"
	case entity.JobStatusCancelled:
		return "Job cancelled"
	case entity.JobStatusExpired:
		return "Files expired"
	}
	return ""
}

// List returns the owner's jobs newest first and the total count.
func (s *JobService) List(ctx context.Context, owner uuid.UUID, page port.Page) ([]*entity.Job, int, error) {
	if page.Offset < 0 {
		page.Offset = 0
	}
	if page.Limit <= 0 {
		page.Limit = defaultPageLimit
	}
	if page.Limit > maxPageLimit {
		page.Limit = maxPageLimit
	}
	return s.jobs.ListByOwner(ctx, owner, page)
}

type DownloadGrant struct {
	URL       string
	ExpiresIn time.Duration
	Filename  string
}

func (s *JobService) DownloadGrant(ctx context.Context, owner, id uuid.UUID) (*DownloadGrant, error) {
	job, err := s.owned(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	switch {
	case job.Status == entity.JobStatusExpired:
		return nil, entity.ErrExpired
	case job.Status != entity.JobStatusDone || job.Output == nil:
		return nil, fmt.Errorf("%w: job is %s", entity.ErrNotReady, job.Status)
	case job.Expired(s.now()):
		return nil, entity.ErrExpired
	}

	filename := job.DownloadFilename()
	u, err := s.artifacts.IssueDownloadGrant(ctx, job.Output.Path, s.cfg.GrantTTL, filename)
	if err != nil {
		return nil, fmt.Errorf("issue grant: %w", err)
	}
	s.logger.Info("download grant issued", zap.String("job_id", id.String()), zap.String("user_id", owner.String()))
	return &DownloadGrant{URL: u.String(), ExpiresIn: s.cfg.GrantTTL, Filename: filename}, nil
}

func (s *JobService) owned(ctx context.Context, owner, id uuid.UUID) (*entity.Job, error) {
	job, err := s.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != owner {
		return nil, entity.ErrNotOwner
	}
	return job, nil
}
