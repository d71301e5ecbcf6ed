package email

import (
	"context"
	"fmt"
	"mime"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fiapx/fiapx-video-pipeline/internal/domain/entity"
	"github.com/fiapx/fiapx-video-pipeline/internal/domain/port"
)

type SMTPConfig struct {
	Host      string
	Port      int
	User      string
	Password  string
	From      string
	Retention time.Duration
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type SMTPNotifier struct {
	cfg    SMTPConfig
	send   sendFunc
	logger *zap.Logger
}

func NewSMTPNotifier(cfg SMTPConfig, logger *zap.Logger) *SMTPNotifier {
	return &SMTPNotifier{cfg: cfg, send: smtp.SendMail, logger: logger}
}

var _ port.Notifier = (*SMTPNotifier)(nil)

func (n *SMTPNotifier) NotifyCompleted(ctx context.Context, to *entity.User, job *entity.Job) error {
	var frames int
	var took time.Duration
	if job.Output != nil {
		frames = job.Output.FrameCount
		took = job.Output.ProcessingTime
	}
	subject := fmt.Sprintf("FIAP X: Your video '%s' is ready!", videoName(job))
	body := fmt.Sprintf(
		"Hello %s,\r\n\r\n"+
			"Great news! Your video has been processed successfully.\r\n\r\n"+
			"Video: %s\r\n"+
			"Frames extracted: %d\r\n"+
			"Processing time: %d seconds\r\n\r\n"+
			"You can download your frames ZIP file by logging into FIAP X.\r\n\r\n"+
			"The download link will be available for %d days.\r\n\r\n"+
			"-- FIAP X Team",
		displayName(to), videoName(job), frames, int(took.Seconds()), retentionDays(n.cfg.Retention),
	)
	return n.deliver(ctx, to, job, "completed", subject, body)
}

func (n *SMTPNotifier) NotifyFailed(ctx context.Context, to *entity.User, job *entity.Job) error {
	reason := "Unknown error"
	if job.Failure != nil && job.Failure.Message != "" {
		reason = job.Failure.Message
	}
	subject := fmt.Sprintf("FIAP X: Error processing '%s'", videoName(job))
	body := fmt.Sprintf(
		"Hello %s,\r\n\r\n"+
			"Unfortunately, we encountered an error processing your video.\r\n\r\n"+
			"Video: %s\r\n"+
			"Error: %s\r\n\r\n"+
			"Please try again or contact support if the problem persists.\r\n\r\n"+
			"-- FIAP X Team",
		displayName(to), videoName(job), reason,
	)
	return n.deliver(ctx, to, job, "failed", subject, body)
}

func (n *SMTPNotifier) deliver(ctx context.Context, to *entity.User, job *entity.Job, kind, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)

	var auth smtp.Auth
	if n.cfg.User != "" && n.cfg.Password != "" {
		auth = smtp.PlainAuth("", n.cfg.User, n.cfg.Password, n.cfg.Host)
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		headerValue(n.cfg.From), headerValue(to.Email), mime.QEncoding.Encode("UTF-8", subject), body,
	)

	if err := n.send(addr, auth, n.cfg.From, []string{to.Email}, []byte(msg)); err != nil {
		n.logger.Error("failed to send notification email",
			zap.String("kind", kind),
			zap.String("to", to.Email),
			zap.String("job_id", job.ID.String()),
			zap.Error(err),
		)
		return entity.WithCode(entity.CodeNotification, fmt.Errorf("send email: %w", err))
	}

	n.logger.Info("notification email sent",
		zap.String("kind", kind),
		zap.String("to", to.Email),
		zap.String("job_id", job.ID.String()),
	)
	return nil
}

// headerValue drops line breaks so a value cannot start a new header.
func headerValue(s string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}

func videoName(job *entity.Job) string {
	if job.Input.OriginalFilename != "" {
		return job.Input.OriginalFilename
	}
	return job.ID.String()
}

func displayName(u *entity.User) string {
	if strings.TrimSpace(u.Name) != "" {
		return u.Name
	}
	return u.Email
}

func retentionDays(d time.Duration) int {
	days := int(d.Hours() / 24)
	if days < 1 {
		return 1
	}
	return days
}
