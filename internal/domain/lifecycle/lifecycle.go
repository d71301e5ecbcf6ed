// Package lifecycle is the authoritative definition of job states and the
// transitions between them. Stores call Apply inside their guarded write so
// every persisted change goes through the same table and guards.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/fiapx/fiapx-video-pipeline/internal/domain/entity"
)

// Event is a lifecycle trigger.
type Event string

const (
	Enqueue Event = "enqueue"
	Claim   Event = "claim"
	Succeed Event = "succeed"
	Retry   Event = "retry"
	Fail    Event = "fail"
	Cancel  Event = "cancel"
	Expire  Event = "expire"
)

var AllEvents = []Event{Enqueue, Claim, Succeed, Retry, Fail, Cancel, Expire}

var transitions = map[entity.JobStatus]map[Event]entity.JobStatus{
	entity.JobStatusUploaded: {
		Enqueue: entity.JobStatusQueued,
	},
	entity.JobStatusQueued: {
		Claim:  entity.JobStatusProcessing,
		Cancel: entity.JobStatusCancelled,
	},
	entity.JobStatusProcessing: {
		Succeed: entity.JobStatusDone,
		Retry:   entity.JobStatusProcessing,
		Fail:    entity.JobStatusFailed,
	},
	entity.JobStatusDone: {
		Expire: entity.JobStatusExpired,
	},
}

// AuditType is the event_type recorded in the job_events trail.
func (e Event) AuditType() string {
	switch e {
	case Enqueue:
		return "JOB_QUEUED"
	case Claim:
		return "PROCESSING_STARTED"
	case Succeed:
		return "PROCESSING_COMPLETED"
	case Retry:
		return "PROCESSING_RETRY"
	case Fail:
		return "PROCESSING_FAILED"
	case Cancel:
		return "JOB_CANCELLED"
	case Expire:
		return "JOB_EXPIRED"
	}
	return "UNKNOWN"
}

const (
	// AuditCreated is recorded when the first row of a job is written.
	AuditCreated = "JOB_CREATED"
	// AuditNotificationSent marks a delivered notification. It changes no status.
	AuditNotificationSent = "NOTIFICATION_SENT"
)

// Next returns the state reached from "from" on ev, or ErrInvalidTransition.
func Next(from entity.JobStatus, ev Event) (entity.JobStatus, error) {
	to, ok := transitions[from][ev]
	if !ok {
		return "", fmt.Errorf("%w: %s on %s", entity.ErrInvalidTransition, ev, from)
	}
	return to, nil
}

// Mutator adjusts the candidate record before guards are checked.
type Mutator func(*entity.Job) error

// Apply computes the record that results from ev on job. The input is never
// modified; a guard violation returns ErrInvalidTransition.
func Apply(job *entity.Job, ev Event, now time.Time, mutate Mutator) (*entity.Job, error) {
	to, err := Next(job.Status, ev)
	if err != nil {
		return nil, err
	}

	next := job.Clone()
	if mutate != nil {
		if err := mutate(next); err != nil {
			return nil, err
		}
	}
	next.ID = job.ID
	next.OwnerID = job.OwnerID
	next.CreatedAt = job.CreatedAt
	next.ExpiresAt = job.ExpiresAt
	next.Status = to

	if now.Before(job.UpdatedAt) {
		now = job.UpdatedAt
	}
	next.UpdatedAt = now

	switch ev {
	case Enqueue:
		if !next.Input.Present() {
			return nil, guard(ev, "input descriptor missing")
		}
	case Claim:
		if next.StartedAt == nil {
			t := now
			next.StartedAt = &t
		}
	case Succeed:
		if next.Output == nil || next.Output.Path == "" {
			return nil, guard(ev, "output descriptor missing")
		}
		next.Failure = nil
		completed(next, now)
	case Retry:
		if next.RetryCount <= job.RetryCount {
			return nil, guard(ev, fmt.Sprintf("retry count %d does not advance %d", next.RetryCount, job.RetryCount))
		}
		if next.RetryCount > next.MaxRetries {
			return nil, guard(ev, fmt.Sprintf("retry count %d exceeds max %d", next.RetryCount, next.MaxRetries))
		}
	case Fail:
		if next.Failure == nil || next.Failure.Code == "" {
			return nil, guard(ev, "failure descriptor missing")
		}
		if next.RetryCount > next.MaxRetries {
			next.RetryCount = next.MaxRetries
		}
		next.Failure.RetryCount = next.RetryCount
		next.Output = nil
		completed(next, now)
	case Expire:
		next.Output = nil
	}

	if err := next.Validate(); err != nil {
		return nil, guard(ev, err.Error())
	}
	return next, nil
}

func completed(j *entity.Job, now time.Time) {
	if j.CompletedAt == nil {
		t := now
		j.CompletedAt = &t
	}
}

func guard(ev Event, reason string) error {
	return fmt.Errorf("%w: %s guard: %s", entity.ErrInvalidTransition, ev, reason)
}

// AuditMetadata is the detail recorded with the audit row for ev.
func AuditMetadata(ev Event, job *entity.Job) map[string]any {
	md := map[string]any{}
	switch ev {
	case Retry:
		md["retry_count"] = job.RetryCount
		md["max_retries"] = job.MaxRetries
	case Succeed:
		if job.Output != nil {
			md["zip_path"] = job.Output.Path
			md["frame_count"] = job.Output.FrameCount
			md["zip_size_bytes"] = job.Output.SizeBytes
			md["processing_time_ms"] = job.Output.ProcessingTime.Milliseconds()
		}
	case Fail:
		if job.Failure != nil {
			md["error_code"] = string(job.Failure.Code)
			md["error_message"] = job.Failure.Message
			md["retry_count"] = job.Failure.RetryCount
		}
	case Enqueue:
		md["video_path"] = job.Input.Path
	}
	return md
}
