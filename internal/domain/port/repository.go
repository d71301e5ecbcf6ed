package port

import (
	"context"
	"time"

	"github.com/fiapx/fiapx-video-pipeline/internal/domain/entity"
	"github.com/fiapx/fiapx-video-pipeline/internal/domain/lifecycle"
	"github.com/google/uuid"
)

type Page struct {
	Offset int
	Limit  int
}

// JobStore owns the persisted representation of jobs and their audit trail.
type JobStore interface {
	Create(ctx context.Context, job *entity.Job) error
	// Transition commits ev only if the stored status still equals expected.
	// It returns ErrJobNotFound, ErrConflict or ErrInvalidTransition, and
	// appends exactly one audit event when it succeeds.
	Transition(ctx context.Context, id uuid.UUID, expected entity.JobStatus, ev lifecycle.Event, mutate lifecycle.Mutator) (*entity.Job, error)
	Get(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID, page Page) ([]*entity.Job, int, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*entity.Job, error)
	Events(ctx context.Context, id uuid.UUID) ([]entity.JobEvent, error)
	Delete(ctx context.Context, id uuid.UUID) error
	// Notified reports whether a notification with key was already recorded.
	Notified(ctx context.Context, id uuid.UUID, key string) (bool, error)
	RecordNotification(ctx context.Context, id uuid.UUID, status entity.JobStatus, key string) error
}

type UserDirectory interface {
	FindUser(ctx context.Context, id uuid.UUID) (*entity.User, error)
}
