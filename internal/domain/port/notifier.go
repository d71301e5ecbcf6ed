package port

import (
	"context"

	"github.com/fiapx/fiapx-video-pipeline/internal/domain/entity"
)

type Notifier interface {
	NotifyCompleted(ctx context.Context, to *entity.User, job *entity.Job) error
	NotifyFailed(ctx context.Context, to *entity.User, job *entity.Job) error
}
