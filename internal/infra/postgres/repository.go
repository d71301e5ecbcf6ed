package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fiapx/fiapx-video-pipeline/internal/domain/entity"
	"github.com/fiapx/fiapx-video-pipeline/internal/domain/lifecycle"
	"github.com/fiapx/fiapx-video-pipeline/internal/domain/port"
	"github.com/fiapx/fiapx-video-pipeline/internal/infra/metrics"
)

const jobColumns = `
	id, user_id, status, video_path, video_size_bytes, video_format, original_filename,
	zip_path, frame_count, zip_size_bytes, processing_time_ms, error_code, error_message,
	retry_count, max_retries, created_at, started_at, completed_at, expires_at, updated_at`

type JobRepository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

var _ port.JobStore = (*JobRepository)(nil)

func (r *JobRepository) Create(ctx context.Context, job *entity.Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`
	if _, err := tx.Exec(ctx, query, jobArgs(job)...); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if err := insertEvent(ctx, tx, job.ID, lifecycle.AuditCreated, nil, job.Status, map[string]any{
		"video_path":       job.Input.Path,
		"video_size_bytes": job.Input.SizeBytes,
	}, job.CreatedAt); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Transition reads the row, applies ev through the lifecycle table and writes
// it back guarded on the expected status. The audit row shares the
// transaction, so either both land or neither does.
func (r *JobRepository) Transition(ctx context.Context, id uuid.UUID, expected entity.JobStatus, ev lifecycle.Event, mutate lifecycle.Mutator) (*entity.Job, error) {
	if _, err := lifecycle.Next(expected, ev); err != nil {
		return nil, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id))
	if err != nil {
		return nil, err
	}
	if current.Status != expected {
		return nil, fmt.Errorf("%w: job %s is %s, expected %s", entity.ErrConflict, id, current.Status, expected)
	}

	next, err := lifecycle.Apply(current, ev, r.now(), mutate)
	if err != nil {
		return nil, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE jobs SET
			status=$3, zip_path=$4, frame_count=$5, zip_size_bytes=$6, processing_time_ms=$7,
			error_code=$8, error_message=$9, retry_count=$10,
			started_at=$11, completed_at=$12, updated_at=$13
		WHERE id=$1 AND status=$2`,
		id, string(expected), string(next.Status),
		outputPath(next), outputFrames(next), outputSize(next), outputMillis(next),
		failureCode(next), failureMessage(next), next.RetryCount,
		next.StartedAt, next.CompletedAt, next.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("%w: job %s left %s", entity.ErrConflict, id, expected)
	}

	old := current.Status
	if err := insertEvent(ctx, tx, id, ev.AuditType(), &old, next.Status, lifecycle.AuditMetadata(ev, next), next.UpdatedAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	metrics.JobTransitionsTotal.WithLabelValues(string(next.Status)).Inc()
	return next, nil
}

func (r *JobRepository) Get(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	return scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id))
}

func (r *JobRepository) ListByOwner(ctx context.Context, ownerID uuid.UUID, page port.Page) ([]*entity.Job, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM jobs WHERE user_id=$1`, ownerID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE user_id=$1 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`,
		ownerID, page.Limit, page.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

func (r *JobRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*entity.Job, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status=$1 AND expires_at <= $2 ORDER BY expires_at LIMIT $3`,
		string(entity.JobStatusDone), now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired jobs: %w", err)
	}
	return collectJobs(rows)
}

func (r *JobRepository) Events(ctx context.Context, id uuid.UUID) ([]entity.JobEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, job_id, event_type, old_status, new_status, metadata, created_at
		FROM job_events WHERE job_id=$1 ORDER BY created_at, id`, id)
	if err != nil {
		return nil, fmt.Errorf("list job events: %w", err)
	}
	defer rows.Close()

	var events []entity.JobEvent
	for rows.Next() {
		var (
			ev       entity.JobEvent
			old      *string
			newS     string
			metadata []byte
		)
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.Type, &old, &newS, &metadata, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		if old != nil {
			s := entity.JobStatus(*old)
			ev.OldStatus = &s
		}
		ev.NewStatus = entity.JobStatus(newS)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("decode event metadata: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (r *JobRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM jobs WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entity.ErrJobNotFound
	}
	return nil
}

func (r *JobRepository) Notified(ctx context.Context, id uuid.UUID, key string) (bool, error) {
	var sent bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM job_events
			WHERE job_id=$1 AND event_type=$2 AND metadata->>'idempotency_key'=$3)`,
		id, lifecycle.AuditNotificationSent, key).Scan(&sent)
	if err != nil {
		return false, fmt.Errorf("query notifications: %w", err)
	}
	return sent, nil
}

// RecordNotification appends a status-neutral audit row for a sent notification.
func (r *JobRepository) RecordNotification(ctx context.Context, id uuid.UUID, status entity.JobStatus, key string) error {
	return insertEvent(ctx, r.pool, id, lifecycle.AuditNotificationSent, &status, status,
		map[string]any{"idempotency_key": key}, r.now())
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertEvent(ctx context.Context, tx execer, jobID uuid.UUID, eventType string, old *entity.JobStatus, newStatus entity.JobStatus, md map[string]any, at time.Time) error {
	raw, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("encode event metadata: %w", err)
	}
	var oldS *string
	if old != nil {
		s := string(*old)
		oldS = &s
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO job_events (id, job_id, event_type, old_status, new_status, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		uuid.New(), jobID, eventType, oldS, string(newStatus), raw, at)
	if err != nil {
		return fmt.Errorf("insert job event: %w", err)
	}
	return nil
}

func collectJobs(rows pgx.Rows) ([]*entity.Job, error) {
	defer rows.Close()
	var jobs []*entity.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (*entity.Job, error) {
	var (
		job          entity.Job
		status       string
		zipPath      *string
		frameCount   *int
		zipSize      *int64
		processingMs *int64
		errorCode    *string
		errorMessage *string
	)
	err := row.Scan(
		&job.ID, &job.OwnerID, &status, &job.Input.Path, &job.Input.SizeBytes, &job.Input.Format, &job.Input.OriginalFilename,
		&zipPath, &frameCount, &zipSize, &processingMs, &errorCode, &errorMessage,
		&job.RetryCount, &job.MaxRetries, &job.CreatedAt, &job.StartedAt, &job.CompletedAt, &job.ExpiresAt, &job.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, entity.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	job.Status = entity.JobStatus(status)

	if job.Status == entity.JobStatusDone && zipPath != nil {
		job.Output = &entity.OutputDescriptor{Path: *zipPath}
		if frameCount != nil {
			job.Output.FrameCount = *frameCount
		}
		if zipSize != nil {
			job.Output.SizeBytes = *zipSize
		}
		if processingMs != nil {
			job.Output.ProcessingTime = time.Duration(*processingMs) * time.Millisecond
		}
	}
	if job.Status == entity.JobStatusFailed && errorCode != nil {
		job.Failure = &entity.FailureDescriptor{Code: entity.ErrorCode(*errorCode), RetryCount: job.RetryCount}
		if errorMessage != nil {
			job.Failure.Message = *errorMessage
		}
	}
	return &job, nil
}

func jobArgs(job *entity.Job) []any {
	return []any{
		job.ID, job.OwnerID, string(job.Status), job.Input.Path, job.Input.SizeBytes, job.Input.Format, job.Input.OriginalFilename,
		outputPath(job), outputFrames(job), outputSize(job), outputMillis(job), failureCode(job), failureMessage(job),
		job.RetryCount, job.MaxRetries, job.CreatedAt, job.StartedAt, job.CompletedAt, job.ExpiresAt, job.UpdatedAt,
	}
}

func outputPath(j *entity.Job) *string {
	if j.Output == nil {
		return nil
	}
	return &j.Output.Path
}

func outputFrames(j *entity.Job) *int {
	if j.Output == nil {
		return nil
	}
	return &j.Output.FrameCount
}

func outputSize(j *entity.Job) *int64 {
	if j.Output == nil {
		return nil
	}
	return &j.Output.SizeBytes
}

func outputMillis(j *entity.Job) *int64 {
	if j.Output == nil {
		return nil
	}
	ms := j.Output.ProcessingTime.Milliseconds()
	return &ms
}

func failureCode(j *entity.Job) *string {
	if j.Failure == nil {
		return nil
	}
	s := string(j.Failure.Code)
	return &s
}

func failureMessage(j *entity.Job) *string {
	if j.Failure == nil {
		return nil
	}
	return &j.Failure.Message
}
