package port

import (
	"context"

	"github.com/fiapx/fiapx-video-pipeline/internal/domain/entity"
)

type EventPublisher interface {
	Publish(ctx context.Context, env *entity.Envelope) error
}
