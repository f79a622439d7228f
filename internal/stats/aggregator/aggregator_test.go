package aggregator

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tallyd/tallyd/internal/db"
	"github.com/tallyd/tallyd/internal/db/dialect"
	"github.com/tallyd/tallyd/internal/stats/models"
	"github.com/tallyd/tallyd/internal/stats/repository"
	"github.com/tallyd/tallyd/internal/stats/tracker"
)

func newTestAggregator(t *testing.T) (*Aggregator, repository.Repository) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stats.db")

	writerDB, err := db.OpenSQLite(path)
	if err != nil {
		t.Fatalf("failed to open sqlite db: %v", err)
	}
	writer := sqlx.NewDb(writerDB, dialect.SQLite3)
	readerDB, err := db.OpenSQLiteReader(path)
	if err != nil {
		t.Fatalf("failed to open sqlite reader: %v", err)
	}
	reader := sqlx.NewDb(readerDB, dialect.SQLite3)

	repo, cleanup, err := repository.Provide(writer, reader)
	if err != nil {
		t.Fatalf("failed to create repo: %v", err)
	}
	t.Cleanup(func() {
		_ = cleanup()
		_ = writer.Close()
		_ = reader.Close()
	})
	return New(repo, nil), repo
}

func seedMessage(t *testing.T, repo repository.Repository, hash string, role string, at time.Time, tokens int64, cost float64) {
	t.Helper()
	_, err := repo.UpsertMessageStats(context.Background(), []*models.MessageStat{{
		GlobalHash:  hash,
		UserID:      "user-1",
		Application: models.AppClaudeCode,
		Role:        role,
		Date:        at,
		Measures:    models.Measures{InputTokens: tokens},
		Cost:        &cost,
		FileTypes:   map[string]int64{"go": 1},
	}}, 500)
	if err != nil {
		t.Fatalf("seed message: %v", err)
	}
}

func TestRecalculateBuckets(t *testing.T) {
	agg, repo := newTestAggregator(t)
	ctx := context.Background()

	at := time.Date(2025, 6, 15, 14, 30, 0, 0, time.UTC)
	seedMessage(t, repo, "h1", models.RoleAssistant, at, 100, 0.5)
	seedMessage(t, repo, "h2", models.RoleUser, at, 40, 0.25)

	tr := tracker.New("user-1", time.UTC)
	tr.Observe(models.AppClaudeCode, at)

	written, removed, err := agg.RecalculateBuckets(ctx, tr.Keys())
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	if written != 6 || removed != 0 {
		t.Fatalf("written/removed = %d/%d, want 6/0", written, removed)
	}

	buckets, err := repo.ListUserBuckets(ctx, models.BucketQuery{
		UserID: "user-1",
		Period: models.PeriodAllTime,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(buckets) != 1 {
		t.Fatalf("all-time buckets = %d, want 1", len(buckets))
	}
	b := buckets[0]
	if b.InputTokens != 140 {
		t.Errorf("input tokens = %d, want 140", b.InputTokens)
	}
	if b.AssistantMessages != 1 || b.UserMessages != 1 {
		t.Errorf("role counts = %d/%d", b.AssistantMessages, b.UserMessages)
	}
	if b.Cost != 0.75 {
		t.Errorf("cost = %v, want 0.75", b.Cost)
	}
	if b.FileTypes["go"] != 2 {
		t.Errorf("file types = %v", b.FileTypes)
	}
}

func TestRecalculateBucketsIsIdempotent(t *testing.T) {
	agg, repo := newTestAggregator(t)
	ctx := context.Background()

	at := time.Date(2025, 6, 15, 14, 30, 0, 0, time.UTC)
	seedMessage(t, repo, "h1", models.RoleAssistant, at, 100, 0.5)

	tr := tracker.New("user-1", time.UTC)
	tr.Observe(models.AppClaudeCode, at)

	// Running the recalculation twice must not double any total.
	for i := 0; i < 2; i++ {
		if _, _, err := agg.RecalculateBuckets(ctx, tr.Keys()); err != nil {
			t.Fatalf("recalculate pass %d: %v", i, err)
		}
	}
	buckets, err := repo.ListUserBuckets(ctx, models.BucketQuery{
		UserID: "user-1",
		Period: models.PeriodDaily,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(buckets) != 1 || buckets[0].InputTokens != 100 {
		t.Fatalf("daily bucket = %+v", buckets)
	}
}

func TestRecalculateBucketsRemovesEmptied(t *testing.T) {
	agg, repo := newTestAggregator(t)
	ctx := context.Background()

	at := time.Date(2025, 6, 15, 14, 30, 0, 0, time.UTC)
	seedMessage(t, repo, "h1", models.RoleAssistant, at, 100, 0.5)

	tr := tracker.New("user-1", time.UTC)
	tr.Observe(models.AppClaudeCode, at)
	if _, _, err := agg.RecalculateBuckets(ctx, tr.Keys()); err != nil {
		t.Fatalf("recalculate: %v", err)
	}

	// Delete the backing row, then recalculate the same buckets.
	if _, err := repo.DeleteMessageStatsRange(ctx, "user-1", nil, at, at); err != nil {
		t.Fatalf("delete: %v", err)
	}
	written, removed, err := agg.RecalculateBuckets(ctx, tr.Keys())
	if err != nil {
		t.Fatalf("recalculate after delete: %v", err)
	}
	if written != 0 || removed != 6 {
		t.Fatalf("written/removed = %d/%d, want 0/6", written, removed)
	}

	buckets, err := repo.ListUserBuckets(ctx, models.BucketQuery{
		UserID: "user-1",
		Period: models.PeriodAllTime,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(buckets) != 0 {
		t.Fatalf("buckets remain after emptying: %+v", buckets)
	}
}

func TestRecalculateUser(t *testing.T) {
	agg, repo := newTestAggregator(t)
	ctx := context.Background()

	// Two messages in different hours, same day.
	seedMessage(t, repo, "h1", models.RoleAssistant, time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC), 100, 0.5)
	seedMessage(t, repo, "h2", models.RoleAssistant, time.Date(2025, 6, 15, 11, 0, 0, 0, time.UTC), 50, 0.5)

	// Plant a stale bucket that the rebuild must not preserve.
	stale := &models.StatsBucket{
		ID:          models.BucketID("user-1", models.PeriodAllTime, models.AppGeminiCLI, nil),
		UserID:      "user-1",
		Period:      models.PeriodAllTime,
		Application: models.AppGeminiCLI,
		Measures:    models.Measures{InputTokens: 9999},
	}
	if err := repo.UpsertBucket(ctx, stale); err != nil {
		t.Fatalf("seed stale bucket: %v", err)
	}

	res, err := agg.RecalculateUser(ctx, "user-1", time.UTC)
	if err != nil {
		t.Fatalf("recalculate user: %v", err)
	}
	if res.Messages != 2 {
		t.Errorf("messages = %d, want 2", res.Messages)
	}
	// 2 hourly buckets + daily, weekly, monthly, yearly, all-time.
	if res.Buckets != 7 {
		t.Errorf("buckets = %d, want 7", res.Buckets)
	}

	staleAfter, err := repo.ListUserBuckets(ctx, models.BucketQuery{
		UserID:      "user-1",
		Period:      models.PeriodAllTime,
		Application: models.AppGeminiCLI,
	})
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	if len(staleAfter) != 0 {
		t.Fatalf("stale bucket survived rebuild: %+v", staleAfter)
	}

	allTime, err := repo.ListUserBuckets(ctx, models.BucketQuery{
		UserID: "user-1",
		Period: models.PeriodAllTime,
	})
	if err != nil {
		t.Fatalf("list all-time: %v", err)
	}
	if len(allTime) != 1 || allTime[0].InputTokens != 150 {
		t.Fatalf("all-time bucket = %+v", allTime)
	}
}

func TestRecalculateUserEmptyAccount(t *testing.T) {
	agg, _ := newTestAggregator(t)
	res, err := agg.RecalculateUser(context.Background(), "nobody", time.UTC)
	if err != nil {
		t.Fatalf("recalculate empty account: %v", err)
	}
	if res.Messages != 0 || res.Buckets != 0 {
		t.Fatalf("result = %+v, want zeroes", res)
	}
}
