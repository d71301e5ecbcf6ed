package lifecycle

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiapx/fiapx-video-pipeline/internal/domain/entity"
)

func TestNext_Table(t *testing.T) {
	allowed := map[entity.JobStatus]map[Event]entity.JobStatus{
		entity.JobStatusUploaded:   {Enqueue: entity.JobStatusQueued},
		entity.JobStatusQueued:     {Claim: entity.JobStatusProcessing, Cancel: entity.JobStatusCancelled},
		entity.JobStatusProcessing: {Succeed: entity.JobStatusDone, Retry: entity.JobStatusProcessing, Fail: entity.JobStatusFailed},
		entity.JobStatusDone:       {Expire: entity.JobStatusExpired},
	}

	for _, from := range entity.AllStatuses {
		for _, ev := range AllEvents {
			to, err := Next(from, ev)
			want, ok := allowed[from][ev]
			if ok {
				require.NoError(t, err, "%s on %s", ev, from)
				assert.Equal(t, want, to, "%s on %s", ev, from)
			} else {
				assert.ErrorIs(t, err, entity.ErrInvalidTransition, "%s on %s", ev, from)
			}
		}
	}
}

func TestNext_TerminalStatesOnlyExpireFromDone(t *testing.T) {
	for _, s := range []entity.JobStatus{entity.JobStatusFailed, entity.JobStatusCancelled, entity.JobStatusExpired} {
		for _, ev := range AllEvents {
			_, err := Next(s, ev)
			assert.Error(t, err, "%s on %s", ev, s)
		}
	}
}

func newJob() *entity.Job {
	return entity.NewJob(uuid.New(), entity.InputDescriptor{SizeBytes: 1024, Format: "mp4"}, 3, time.Hour)
}

func step(t *testing.T, j *entity.Job, ev Event, mutate Mutator) *entity.Job {
	t.Helper()
	next, err := Apply(j, ev, time.Now().UTC(), mutate)
	require.NoError(t, err)
	return next
}

func TestApply_HappyPath(t *testing.T) {
	j := newJob()
	j = step(t, j, Enqueue, nil)
	j = step(t, j, Claim, nil)
	require.NotNil(t, j.StartedAt)

	j = step(t, j, Succeed, func(j *entity.Job) error {
		j.Output = &entity.OutputDescriptor{Path: "out.zip", FrameCount: 3}
		return nil
	})
	assert.Equal(t, entity.JobStatusDone, j.Status)
	require.NotNil(t, j.CompletedAt)
	assert.False(t, j.CompletedAt.Before(*j.StartedAt))

	j = step(t, j, Expire, nil)
	assert.Equal(t, entity.JobStatusExpired, j.Status)
	assert.Nil(t, j.Output)
}

func TestApply_DoesNotModifyInput(t *testing.T) {
	j := newJob()
	_ = step(t, j, Enqueue, nil)
	assert.Equal(t, entity.JobStatusUploaded, j.Status)
}

func TestApply_Guards(t *testing.T) {
	processing := step(t, step(t, newJob(), Enqueue, nil), Claim, nil)

	tests := []struct {
		name   string
		job    *entity.Job
		ev     Event
		mutate Mutator
	}{
		{
			name: "enqueue without input",
			job:  &entity.Job{ID: uuid.New(), Status: entity.JobStatusUploaded, MaxRetries: 3},
			ev:   Enqueue,
		},
		{
			name: "succeed without output",
			job:  processing,
			ev:   Succeed,
		},
		{
			name: "fail without failure",
			job:  processing,
			ev:   Fail,
		},
		{
			name: "retry without advancing count",
			job:  processing,
			ev:   Retry,
		},
		{
			name: "retry past max",
			job:  processing,
			ev:   Retry,
			mutate: func(j *entity.Job) error {
				j.RetryCount = 4
				return nil
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Apply(tt.job, tt.ev, time.Now().UTC(), tt.mutate)
			assert.ErrorIs(t, err, entity.ErrInvalidTransition)
		})
	}
}

func TestApply_FailRecordsRetryCount(t *testing.T) {
	j := step(t, step(t, newJob(), Enqueue, nil), Claim, nil)
	for n := 1; n <= 3; n++ {
		n := n
		j = step(t, j, Retry, func(j *entity.Job) error {
			j.RetryCount = n
			return nil
		})
	}
	j = step(t, j, Fail, func(j *entity.Job) error {
		j.Failure = &entity.FailureDescriptor{Code: entity.CodeFFmpegCodec, Message: "bad codec"}
		return nil
	})

	assert.Equal(t, entity.JobStatusFailed, j.Status)
	assert.Equal(t, 3, j.Failure.RetryCount)
	assert.Nil(t, j.Output)
	assert.NotNil(t, j.CompletedAt)

	md := AuditMetadata(Fail, j)
	assert.Equal(t, "FFMPEG_CODEC_ERROR", md["error_code"])
	assert.Equal(t, 3, md["retry_count"])
}

func TestApply_KeepsIdentityFields(t *testing.T) {
	j := newJob()
	next := step(t, j, Enqueue, func(c *entity.Job) error {
		c.ID = uuid.New()
		c.OwnerID = uuid.New()
		return nil
	})
	assert.Equal(t, j.ID, next.ID)
	assert.Equal(t, j.OwnerID, next.OwnerID)
	assert.Equal(t, j.CreatedAt, next.CreatedAt)
}

func TestAuditType(t *testing.T) {
	assert.Equal(t, "PROCESSING_STARTED", Claim.AuditType())
	assert.Equal(t, "JOB_EXPIRED", Expire.AuditType())
	assert.Equal(t, "UNKNOWN", Event("bogus").AuditType())
}
