package entity

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobCreated_Envelope(t *testing.T) {
	job := NewJob(uuid.New(), InputDescriptor{SizeBytes: 52428800, Format: "mp4"}, 3, time.Hour)

	env, err := JobCreated(job, 3)
	require.NoError(t, err)

	assert.Equal(t, EventJobCreated, env.EventType)
	assert.NotEqual(t, uuid.Nil, env.EventID)
	assert.Equal(t, job.ID.String(), env.Metadata.IdempotencyKey)
	assert.Equal(t, 3, env.Metadata.MaxRetries)
	assert.Zero(t, env.Metadata.RetryCount)
	assert.Equal(t, job.ID, env.JobID())
	assert.Equal(t, job.OwnerID, env.UserID())

	body, err := env.Encode()
	require.NoError(t, err)
	decoded, err := DecodeEnvelope(body)
	require.NoError(t, err)

	var p JobCreatedPayload
	require.NoError(t, decoded.DecodePayload(EventJobCreated, &p))
	assert.Equal(t, job.Input.Path, p.VideoPath)
	assert.Equal(t, int64(52428800), p.VideoSizeBytes)
}

func TestDecodeEnvelope_Malformed(t *testing.T) {
	id := uuid.New()
	tests := map[string]string{
		"not json":           `{"event_type":`,
		"unknown type":       fmt.Sprintf(`{"event_type":"job.deleted","event_id":%q,"payload":{"job_id":%q}}`, id, id),
		"missing event id":   fmt.Sprintf(`{"event_type":"job.created","payload":{"job_id":%q}}`, id),
		"missing payload":    fmt.Sprintf(`{"event_type":"job.created","event_id":%q}`, id),
		"missing job id":     fmt.Sprintf(`{"event_type":"job.created","event_id":%q,"payload":{}}`, id),
		"negative retries":   fmt.Sprintf(`{"event_type":"job.created","event_id":%q,"payload":{"job_id":%q},"metadata":{"retry_count":-1}}`, id, id),
		"payload not object": fmt.Sprintf(`{"event_type":"job.created","event_id":%q,"payload":"x"}`, id),
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeEnvelope([]byte(body))
			assert.ErrorIs(t, err, ErrMalformedMessage)
		})
	}
}

func TestDecodePayload_WrongType(t *testing.T) {
	job := NewJob(uuid.New(), InputDescriptor{SizeBytes: 1, Format: "mp4"}, 3, time.Hour)
	env, err := JobCreated(job, 3)
	require.NoError(t, err)

	var p JobFailedPayload
	assert.ErrorIs(t, env.DecodePayload(EventJobFailed, &p), ErrMalformedMessage)
}

func TestWithRetry_KeepsIdentity(t *testing.T) {
	job := NewJob(uuid.New(), InputDescriptor{SizeBytes: 1, Format: "mp4"}, 3, time.Hour)
	env, err := JobCreated(job, 3)
	require.NoError(t, err)

	next := env.WithRetry(2)

	assert.Equal(t, 2, next.Metadata.RetryCount)
	assert.Zero(t, env.Metadata.RetryCount)
	assert.Equal(t, env.EventID, next.EventID)
	assert.Equal(t, env.Metadata.IdempotencyKey, next.Metadata.IdempotencyKey)
}

func TestIdempotencyKey(t *testing.T) {
	id := uuid.New()
	assert.Equal(t, id.String(), IdempotencyKey(EventJobCreated, id))
	assert.Equal(t, "job.failed:"+id.String(), IdempotencyKey(EventJobFailed, id))
}

func TestCodeOf(t *testing.T) {
	err := fmt.Errorf("extract: %w", WithCode(CodeFFmpegTimeout, errors.New("killed")))
	assert.Equal(t, CodeFFmpegTimeout, CodeOf(err, CodeProcessing))
	assert.Equal(t, CodeProcessing, CodeOf(errors.New("plain"), CodeProcessing))
	assert.Nil(t, WithCode(CodeFFmpeg, nil))
}

func TestJob_DownloadFilename(t *testing.T) {
	j := &Job{ID: uuid.New(), Input: InputDescriptor{OriginalFilename: "my.trip.mov"}}
	assert.Equal(t, "my.trip_frames.zip", j.DownloadFilename())

	j.Input.OriginalFilename = ""
	assert.Equal(t, j.ID.String()+"_frames.zip", j.DownloadFilename())
}
