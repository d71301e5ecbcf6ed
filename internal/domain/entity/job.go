package entity

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobStatusUploaded   JobStatus = "UPLOADED"
	JobStatusQueued     JobStatus = "QUEUED"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusDone       JobStatus = "DONE"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCancelled  JobStatus = "CANCELLED"
	JobStatusExpired    JobStatus = "EXPIRED"
)

// AllStatuses lists every job status in lifecycle order.
var AllStatuses = []JobStatus{
	JobStatusUploaded,
	JobStatusQueued,
	JobStatusProcessing,
	JobStatusDone,
	JobStatusFailed,
	JobStatusCancelled,
	JobStatusExpired,
}

func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusDone, JobStatusFailed, JobStatusCancelled, JobStatusExpired:
		return true
	}
	return false
}

func (s JobStatus) Valid() bool {
	for _, st := range AllStatuses {
		if s == st {
			return true
		}
	}
	return false
}

// InputDescriptor locates the uploaded source video.
type InputDescriptor struct {
	Path             string
	SizeBytes        int64
	Format           string
	OriginalFilename string
}

func (d InputDescriptor) Present() bool {
	return d.Path != "" && d.SizeBytes > 0
}

// OutputDescriptor is set only while the job is DONE.
type OutputDescriptor struct {
	Path           string
	FrameCount     int
	SizeBytes      int64
	ProcessingTime time.Duration
}

// FailureDescriptor is set only while the job is FAILED.
type FailureDescriptor struct {
	Code       ErrorCode
	Message    string
	RetryCount int
}

type Job struct {
	ID          uuid.UUID
	OwnerID     uuid.UUID
	Status      JobStatus
	Input       InputDescriptor
	Output      *OutputDescriptor
	Failure     *FailureDescriptor
	RetryCount  int
	MaxRetries  int
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	ExpiresAt   *time.Time
	UpdatedAt   time.Time
}

func NewJob(ownerID uuid.UUID, input InputDescriptor, maxRetries int, retention time.Duration) *Job {
	now := time.Now().UTC()
	id := uuid.New()
	expires := now.Add(retention)
	if input.Path == "" {
		input.Path = InputPath(ownerID, id, input.Format)
	}
	return &Job{
		ID:         id,
		OwnerID:    ownerID,
		Status:     JobStatusUploaded,
		Input:      input,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		ExpiresAt:  &expires,
		UpdatedAt:  now,
	}
}

// InputPath and OutputPath namespace object keys by owner and job.
func InputPath(ownerID, jobID uuid.UUID, format string) string {
	return path.Join("videos", ownerID.String(), jobID.String(), "input."+strings.TrimPrefix(format, "."))
}

func OutputPath(ownerID, jobID uuid.UUID) string {
	return path.Join("videos", ownerID.String(), jobID.String(), "output.zip")
}

// DownloadFilename derives the archive name offered with a download grant.
func (j *Job) DownloadFilename() string {
	name := j.Input.OriginalFilename
	if name == "" {
		return j.ID.String() + "_frames.zip"
	}
	if i := strings.LastIndex(name, "."); i > 0 {
		name = name[:i]
	}
	return name + "_frames.zip"
}

func (j *Job) Expired(now time.Time) bool {
	return j.ExpiresAt != nil && !j.ExpiresAt.After(now)
}

// Clone returns a deep copy so callers can mutate without touching stored state.
func (j *Job) Clone() *Job {
	c := *j
	if j.Output != nil {
		o := *j.Output
		c.Output = &o
	}
	if j.Failure != nil {
		f := *j.Failure
		c.Failure = &f
	}
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.ExpiresAt = cloneTime(j.ExpiresAt)
	return &c
}

// Validate checks the record invariants that must hold after every write.
func (j *Job) Validate() error {
	if !j.Status.Valid() {
		return fmt.Errorf("unknown status %q", j.Status)
	}
	if (j.Output != nil) != (j.Status == JobStatusDone) {
		return fmt.Errorf("output descriptor must be present iff status is DONE (status %s)", j.Status)
	}
	if (j.Failure != nil) != (j.Status == JobStatusFailed) {
		return fmt.Errorf("failure descriptor must be present iff status is FAILED (status %s)", j.Status)
	}
	if j.RetryCount < 0 || j.RetryCount > j.MaxRetries {
		return fmt.Errorf("retry count %d outside [0,%d]", j.RetryCount, j.MaxRetries)
	}
	if j.StartedAt != nil && j.StartedAt.Before(j.CreatedAt) {
		return fmt.Errorf("started_at precedes created_at")
	}
	if j.CompletedAt != nil {
		floor := j.CreatedAt
		if j.StartedAt != nil {
			floor = *j.StartedAt
		}
		if j.CompletedAt.Before(floor) {
			return fmt.Errorf("completed_at precedes start of job")
		}
	}
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// JobEvent is one row of the append-only audit trail.
type JobEvent struct {
	ID        uuid.UUID
	JobID     uuid.UUID
	Type      string
	OldStatus *JobStatus
	NewStatus JobStatus
	Metadata  map[string]any
	CreatedAt time.Time
}

// User is the subset of the owner's account the notifier needs.
type User struct {
	ID    uuid.UUID
	Email string
	Name  string
}
