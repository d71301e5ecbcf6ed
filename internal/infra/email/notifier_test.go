package email

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fiapx/fiapx-video-pipeline/internal/domain/entity"
)

type captured struct {
	addr string
	auth smtp.Auth
	to   []string
	msg  string
}

func newTestNotifier(cfg SMTPConfig, c *captured, err error) *SMTPNotifier {
	n := NewSMTPNotifier(cfg, zap.NewNop())
	n.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		c.addr, c.auth, c.to, c.msg = addr, a, to, string(msg)
		return err
	}
	return n
}

func testJob() *entity.Job {
	return entity.NewJob(uuid.New(), entity.InputDescriptor{SizeBytes: 10, Format: "mp4", OriginalFilename: "holiday.mp4"}, 3, 168*time.Hour)
}

func TestNotifyCompleted(t *testing.T) {
	var c captured
	n := newTestNotifier(SMTPConfig{Host: "mailhog", Port: 1025, From: "noreply@fiapx.local", Retention: 168 * time.Hour}, &c, nil)

	job := testJob()
	job.Status = entity.JobStatusDone
	job.Output = &entity.OutputDescriptor{Path: "out.zip", FrameCount: 120, ProcessingTime: 42 * time.Second}

	err := n.NotifyCompleted(context.Background(), &entity.User{Email: "ana@example.com", Name: "Ana"}, job)
	require.NoError(t, err)

	assert.Equal(t, "mailhog:1025", c.addr)
	assert.Nil(t, c.auth)
	assert.Equal(t, []string{"ana@example.com"}, c.to)
	assert.Contains(t, c.msg, "Subject: FIAP X: Your video 'holiday.mp4' is ready!")
	assert.Contains(t, c.msg, "Hello Ana")
	assert.Contains(t, c.msg, "Frames extracted: 120")
	assert.Contains(t, c.msg, "Processing time: 42 seconds")
	assert.Contains(t, c.msg, "available for 7 days")
}

func TestNotifyFailed_UsesAuthAndCodesErrors(t *testing.T) {
	var c captured
	n := newTestNotifier(SMTPConfig{Host: "smtp.example.com", Port: 587, User: "u", Password: "p", From: "x@y"}, &c, errors.New("421 try later"))

	job := testJob()
	job.Status = entity.JobStatusFailed
	job.Failure = &entity.FailureDescriptor{Code: entity.CodeFFmpegCodec, Message: "unsupported codec"}

	err := n.NotifyFailed(context.Background(), &entity.User{Email: "bo@example.com"}, job)
	require.Error(t, err)
	assert.Equal(t, entity.CodeNotification, entity.CodeOf(err, ""))
	assert.NotNil(t, c.auth)
	assert.Contains(t, c.msg, "Error: unsupported codec")
	assert.Contains(t, c.msg, "Hello bo@example.com")
}

func TestNotifyCompleted_FilenameCannotAddHeaders(t *testing.T) {
	var c captured
	n := newTestNotifier(SMTPConfig{Host: "mailhog", Port: 1025, From: "noreply@fiapx.local"}, &c, nil)

	job := testJob()
	job.Status = entity.JobStatusDone
	job.Input.OriginalFilename = "clip\r\nBcc: someone@else.test\r\nX: .mp4"

	require.NoError(t, n.NotifyCompleted(context.Background(), &entity.User{Email: "ana@example.com"}, job))

	hdr, _, found := strings.Cut(c.msg, "\r\n\r\n")
	require.True(t, found)
	assert.NotContains(t, hdr, "\r\nBcc:")
	assert.NotContains(t, hdr, "\r\nX:")
	assert.Contains(t, hdr, "Subject: =?UTF-8?q?")
	assert.Equal(t, []string{"ana@example.com"}, c.to)
}
