// Package repository defines persistence for raw message stats and
// aggregate buckets.
package repository

import (
	"context"
	"time"

	"github.com/tallyd/tallyd/internal/stats/models"
)

// Repository is the storage contract for the stats domain.
type Repository interface {
	// Message rows.
	UpsertMessageStats(ctx context.Context, stats []*models.MessageStat, chunkSize int) (models.UpsertResult, error)
	ListObservations(ctx context.Context, userID string, apps []models.Application, from, to *time.Time) ([]models.Observation, error)
	ForEachMessageStat(ctx context.Context, userID string, fn func(*models.MessageStat) error) error
	CountMessageStats(ctx context.Context, userID string) (int64, error)
	DeleteMessageStatsRange(ctx context.Context, userID string, apps []models.Application, from, to time.Time) (int64, error)
	DeleteMessageStatsForUser(ctx context.Context, userID string) (int64, error)

	// Aggregate buckets.
	SumWindow(ctx context.Context, userID string, app models.Application, start, end *time.Time) (*models.WindowSum, error)
	MergedFileTypes(ctx context.Context, userID string, app models.Application, start, end *time.Time) (map[string]int64, error)
	UpsertBucket(ctx context.Context, bucket *models.StatsBucket) error
	DeleteBucket(ctx context.Context, id string) error
	DeleteBucketsForUser(ctx context.Context, userID string) (int64, error)
	ListUserBuckets(ctx context.Context, q models.BucketQuery) ([]*models.StatsBucket, error)
	Leaderboard(ctx context.Context, q models.LeaderboardQuery) ([]*models.LeaderboardEntry, error)

	Close() error
}
