// Package store persists user accounts.
package store

import (
	"context"

	"github.com/tallyd/tallyd/internal/user/models"
)

type Repository interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByToken(ctx context.Context, token string) (*models.User, error)
	UpdateTimezone(ctx context.Context, userID, timezone string) error
	UpdateSettings(ctx context.Context, userID string, settings models.Settings) error
	RotateToken(ctx context.Context, userID string) (string, error)
	DeleteUser(ctx context.Context, userID string) error
	Close() error
}
