package entity

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventJobCreated   EventType = "job.created"
	EventJobCompleted EventType = "job.completed"
	EventJobFailed    EventType = "job.failed"
)

func (t EventType) Valid() bool {
	switch t {
	case EventJobCreated, EventJobCompleted, EventJobFailed:
		return true
	}
	return false
}

// Metadata is the delivery bookkeeping carried alongside every payload.
type Metadata struct {
	RetryCount     int    `json:"retry_count"`
	MaxRetries     int    `json:"max_retries"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Envelope is the unit exchanged on the broker.
type Envelope struct {
	EventType EventType       `json:"event_type"`
	EventID   uuid.UUID       `json:"event_id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  Metadata        `json:"metadata"`
}

// JobCreatedPayload is published by ingestion once the input is stored.
type JobCreatedPayload struct {
	JobID          uuid.UUID `json:"job_id"`
	UserID         uuid.UUID `json:"user_id"`
	VideoPath      string    `json:"video_path"`
	VideoSizeBytes int64     `json:"video_size_bytes"`
	VideoFormat    string    `json:"video_format"`
	CreatedAt      time.Time `json:"created_at"`
}

// JobCompletedPayload is published when a job reaches DONE.
type JobCompletedPayload struct {
	JobID                 uuid.UUID `json:"job_id"`
	UserID                uuid.UUID `json:"user_id"`
	ZipPath               string    `json:"zip_path"`
	FrameCount            int       `json:"frame_count"`
	ProcessingTimeSeconds int       `json:"processing_time_seconds"`
	ZipSizeBytes          int64     `json:"zip_size_bytes"`
}

// JobFailedPayload is published when a job reaches FAILED.
type JobFailedPayload struct {
	JobID        uuid.UUID `json:"job_id"`
	UserID       uuid.UUID `json:"user_id"`
	ErrorCode    ErrorCode `json:"error_code"`
	ErrorMessage string    `json:"error_message"`
	RetryCount   int       `json:"retry_count"`
}

// jobRef is the common prefix of every payload.
type jobRef struct {
	JobID  uuid.UUID `json:"job_id"`
	UserID uuid.UUID `json:"user_id"`
}

// IdempotencyKey is stable for a given job and event type, so duplicates of
// the same logical event always share a key.
func IdempotencyKey(t EventType, jobID uuid.UUID) string {
	if t == EventJobCreated {
		return jobID.String()
	}
	return string(t) + ":" + jobID.String()
}

func NewEnvelope(t EventType, jobID uuid.UUID, payload any, maxRetries int) (*Envelope, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, t)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return &Envelope{
		EventType: t,
		EventID:   uuid.New(),
		Timestamp: time.Now().UTC(),
		Payload:   raw,
		Metadata: Metadata{
			MaxRetries:     maxRetries,
			IdempotencyKey: IdempotencyKey(t, jobID),
		},
	}, nil
}

func JobCreated(job *Job, maxRetries int) (*Envelope, error) {
	return NewEnvelope(EventJobCreated, job.ID, JobCreatedPayload{
		JobID:          job.ID,
		UserID:         job.OwnerID,
		VideoPath:      job.Input.Path,
		VideoSizeBytes: job.Input.SizeBytes,
		VideoFormat:    job.Input.Format,
		CreatedAt:      job.CreatedAt,
	}, maxRetries)
}

func JobCompleted(job *Job) (*Envelope, error) {
	if job.Output == nil {
		return nil, fmt.Errorf("job %s has no output descriptor", job.ID)
	}
	return NewEnvelope(EventJobCompleted, job.ID, JobCompletedPayload{
		JobID:                 job.ID,
		UserID:                job.OwnerID,
		ZipPath:               job.Output.Path,
		FrameCount:            job.Output.FrameCount,
		ProcessingTimeSeconds: int(job.Output.ProcessingTime.Seconds()),
		ZipSizeBytes:          job.Output.SizeBytes,
	}, job.MaxRetries)
}

func JobFailed(job *Job) (*Envelope, error) {
	if job.Failure == nil {
		return nil, fmt.Errorf("job %s has no failure descriptor", job.ID)
	}
	return NewEnvelope(EventJobFailed, job.ID, JobFailedPayload{
		JobID:        job.ID,
		UserID:       job.OwnerID,
		ErrorCode:    job.Failure.Code,
		ErrorMessage: job.Failure.Message,
		RetryCount:   job.Failure.RetryCount,
	}, job.MaxRetries)
}

// DecodeEnvelope parses and validates a wire message. Every error it returns
// wraps ErrMalformedMessage.
func DecodeEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if !env.EventType.Valid() {
		return nil, fmt.Errorf("%w: unknown event_type %q", ErrMalformedMessage, env.EventType)
	}
	if env.EventID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing event_id", ErrMalformedMessage)
	}
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("%w: missing payload", ErrMalformedMessage)
	}
	if env.Metadata.RetryCount < 0 || env.Metadata.MaxRetries < 0 {
		return nil, fmt.Errorf("%w: negative retry metadata", ErrMalformedMessage)
	}
	ref, err := env.jobRef()
	if err != nil {
		return nil, err
	}
	if ref.JobID == uuid.Nil {
		return nil, fmt.Errorf("%w: payload without job_id", ErrMalformedMessage)
	}
	return &env, nil
}

func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// JobID returns the job the envelope refers to.
func (e *Envelope) JobID() uuid.UUID {
	ref, _ := e.jobRef()
	return ref.JobID
}

func (e *Envelope) UserID() uuid.UUID {
	ref, _ := e.jobRef()
	return ref.UserID
}

func (e *Envelope) jobRef() (jobRef, error) {
	var ref jobRef
	if err := json.Unmarshal(e.Payload, &ref); err != nil {
		return ref, fmt.Errorf("%w: payload: %v", ErrMalformedMessage, err)
	}
	return ref, nil
}

// DecodePayload unmarshals the payload into v after checking the event type.
func (e *Envelope) DecodePayload(want EventType, v any) error {
	if e.EventType != want {
		return fmt.Errorf("%w: expected %s, got %s", ErrMalformedMessage, want, e.EventType)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedMessage, want, err)
	}
	return nil
}

// WithRetry returns a copy of the envelope carrying the next retry count.
// The event id and idempotency key are preserved so the copy is recognisable
// as the same logical event.
func (e *Envelope) WithRetry(retryCount int) *Envelope {
	c := *e
	c.Payload = append(json.RawMessage(nil), e.Payload...)
	c.Metadata.RetryCount = retryCount
	return &c
}
