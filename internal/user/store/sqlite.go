package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	apperrors "github.com/tallyd/tallyd/internal/common/errors"
	"github.com/tallyd/tallyd/internal/user/models"
)

// SQLRepository stores users via sqlx on either storage dialect.
type SQLRepository struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

var _ Repository = (*SQLRepository)(nil)

// NewWithDB creates a repository over existing writer and reader connections
// (shared ownership).
func NewWithDB(writer, reader *sqlx.DB) (*SQLRepository, error) {
	repo := &SQLRepository{db: writer, ro: reader}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// Provide creates the user repository using separate writer and reader pools.
func Provide(writer, reader *sqlx.DB) (Repository, func() error, error) {
	repo, err := NewWithDB(writer, reader)
	if err != nil {
		return nil, nil, err
	}
	return repo, repo.Close, nil
}

func (r *SQLRepository) Close() error {
	// Connections are owned by the shared pool.
	return nil
}

func (r *SQLRepository) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL DEFAULT '',
			display_name TEXT NOT NULL DEFAULT '',
			api_token TEXT NOT NULL UNIQUE,
			timezone TEXT NOT NULL DEFAULT 'UTC',
			currency TEXT NOT NULL DEFAULT 'USD',
			created_at_ms BIGINT NOT NULL,
			updated_at_ms BIGINT NOT NULL
		)`
	if _, err := r.db.Exec(schema); err != nil {
		return err
	}
	_, err := r.db.Exec(`CREATE INDEX IF NOT EXISTS idx_users_api_token ON users(api_token)`)
	return err
}

type userRow struct {
	ID          string `db:"id"`
	Email       string `db:"email"`
	DisplayName string `db:"display_name"`
	APIToken    string `db:"api_token"`
	Timezone    string `db:"timezone"`
	Currency    string `db:"currency"`
	CreatedAtMs int64  `db:"created_at_ms"`
	UpdatedAtMs int64  `db:"updated_at_ms"`
}

func (row *userRow) toModel() *models.User {
	return &models.User{
		ID:          row.ID,
		Email:       row.Email,
		DisplayName: row.DisplayName,
		APIToken:    row.APIToken,
		Timezone:    row.Timezone,
		Currency:    row.Currency,
		CreatedAt:   time.UnixMilli(row.CreatedAtMs).UTC(),
		UpdatedAt:   time.UnixMilli(row.UpdatedAtMs).UTC(),
	}
}

// CreateUser inserts a new account. Missing id, token, timezone, and
// currency are filled with defaults.
func (r *SQLRepository) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.APIToken == "" {
		user.APIToken = uuid.New().String()
	}
	if user.Timezone == "" {
		user.Timezone = "UTC"
	}
	if user.Currency == "" {
		user.Currency = "USD"
	}
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO users (id, email, display_name, api_token, timezone, currency, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		user.ID, user.Email, user.DisplayName, user.APIToken,
		user.Timezone, user.Currency, now.UnixMilli(), now.UnixMilli())
	return err
}

func (r *SQLRepository) GetUser(ctx context.Context, id string) (*models.User, error) {
	var row userRow
	err := r.ro.GetContext(ctx, &row, r.ro.Rebind("SELECT * FROM users WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("user", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// GetUserByToken resolves an API token to its account. Unknown tokens map
// to a not-found error so callers can turn it into a 401.
func (r *SQLRepository) GetUserByToken(ctx context.Context, token string) (*models.User, error) {
	var row userRow
	err := r.ro.GetContext(ctx, &row, r.ro.Rebind("SELECT * FROM users WHERE api_token = ?"), token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NotFound("user token", "")
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// UpdateTimezone persists the account timezone. Called on every upload that
// carries a timezone, so subsequent recalculations use the latest one.
func (r *SQLRepository) UpdateTimezone(ctx context.Context, userID, timezone string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(
		"UPDATE users SET timezone = ?, updated_at_ms = ? WHERE id = ?"),
		timezone, time.Now().UTC().UnixMilli(), userID)
	if err != nil {
		return err
	}
	return r.requireRow(result, userID)
}

func (r *SQLRepository) UpdateSettings(ctx context.Context, userID string, settings models.Settings) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(
		"UPDATE users SET timezone = ?, currency = ?, updated_at_ms = ? WHERE id = ?"),
		settings.Timezone, settings.Currency, time.Now().UTC().UnixMilli(), userID)
	if err != nil {
		return err
	}
	return r.requireRow(result, userID)
}

// RotateToken replaces the account's API token and returns the new one.
func (r *SQLRepository) RotateToken(ctx context.Context, userID string) (string, error) {
	token := uuid.New().String()
	result, err := r.db.ExecContext(ctx, r.db.Rebind(
		"UPDATE users SET api_token = ?, updated_at_ms = ? WHERE id = ?"),
		token, time.Now().UTC().UnixMilli(), userID)
	if err != nil {
		return "", err
	}
	if err := r.requireRow(result, userID); err != nil {
		return "", err
	}
	return token, nil
}

func (r *SQLRepository) DeleteUser(ctx context.Context, userID string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind("DELETE FROM users WHERE id = ?"), userID)
	if err != nil {
		return err
	}
	return r.requireRow(result, userID)
}

func (r *SQLRepository) requireRow(result sql.Result, userID string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.NotFound("user", userID)
	}
	return nil
}
