package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fiapx/fiapx-video-pipeline/internal/domain/entity"
	"github.com/fiapx/fiapx-video-pipeline/internal/domain/port"
)

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

var _ port.UserDirectory = (*UserRepository)(nil)

func (r *UserRepository) FindUser(ctx context.Context, id uuid.UUID) (*entity.User, error) {
	u := &entity.User{}
	err := r.pool.QueryRow(ctx, `SELECT id, email, name FROM users WHERE id=$1`, id).Scan(&u.ID, &u.Email, &u.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: user %s", entity.ErrRecipientNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return u, nil
}

// Upsert registers or updates an account; used by jobctl and tests.
func (r *UserRepository) Upsert(ctx context.Context, u *entity.User) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO users (id, email, name) VALUES ($1,$2,$3)
		ON CONFLICT (id) DO UPDATE SET email=EXCLUDED.email, name=EXCLUDED.name`,
		u.ID, u.Email, u.Name)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}
