package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tallyd/tallyd/internal/db"
	"github.com/tallyd/tallyd/internal/db/dialect"
	"github.com/tallyd/tallyd/internal/stats/models"
)

func newTestRepo(t *testing.T) *Repository {
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

	repo, err := NewWithDB(writer, reader)
	if err != nil {
		t.Fatalf("failed to create repo: %v", err)
	}
	t.Cleanup(func() {
		_ = writer.Close()
		_ = reader.Close()
	})
	return repo
}

func testStat(hash, userID string, app models.Application, role string, at time.Time) *models.MessageStat {
	return &models.MessageStat{
		GlobalHash:       hash,
		UserID:           userID,
		Application:      app,
		Role:             role,
		Date:             at,
		ProjectHash:      "proj-1",
		ConversationHash: "conv-1",
		Measures: models.Measures{
			InputTokens:  100,
			OutputTokens: 50,
			ToolCalls:    3,
			LinesAdded:   10,
		},
	}
}

func TestUpsertMessageStats_InsertThenReplace(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	at := time.Date(2025, 6, 15, 14, 30, 0, 0, time.UTC)

	res, err := repo.UpsertMessageStats(ctx, []*models.MessageStat{
		testStat("h1", "user-1", models.AppClaudeCode, models.RoleAssistant, at),
		testStat("h2", "user-1", models.AppClaudeCode, models.RoleUser, at),
	}, 500)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if res.Inserted != 2 || res.Updated != 0 {
		t.Fatalf("result = %+v, want 2 inserted", res)
	}

	// Re-sending h1 with different measures replaces the row, it never adds.
	replacement := testStat("h1", "user-1", models.AppClaudeCode, models.RoleAssistant, at)
	replacement.OutputTokens = 999
	res, err = repo.UpsertMessageStats(ctx, []*models.MessageStat{replacement}, 500)
	if err != nil {
		t.Fatalf("upsert replacement: %v", err)
	}
	if res.Inserted != 0 || res.Updated != 1 {
		t.Fatalf("result = %+v, want 1 updated", res)
	}

	sum, err := repo.SumWindow(ctx, "user-1", models.AppClaudeCode, nil, nil)
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if sum.Rows != 2 {
		t.Errorf("rows = %d, want 2", sum.Rows)
	}
	if sum.OutputTokens != 999+50 {
		t.Errorf("output tokens = %d, want %d", sum.OutputTokens, 999+50)
	}
	if sum.AssistantMessages != 1 || sum.UserMessages != 1 {
		t.Errorf("role counts = %d/%d, want 1/1", sum.AssistantMessages, sum.UserMessages)
	}
}

func TestUpsertMessageStats_SmallChunks(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	at := time.Date(2025, 6, 15, 14, 30, 0, 0, time.UTC)

	stats := make([]*models.MessageStat, 0, 7)
	for i := 0; i < 7; i++ {
		stats = append(stats, testStat(string(rune('a'+i)), "user-1", models.AppClaudeCode, models.RoleAssistant, at))
	}
	res, err := repo.UpsertMessageStats(ctx, stats, 3)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if res.Inserted != 7 {
		t.Errorf("inserted = %d, want 7", res.Inserted)
	}
	count, err := repo.CountMessageStats(ctx, "user-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 7 {
		t.Errorf("count = %d, want 7", count)
	}
}

func TestSumWindow_RespectsBounds(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	inside := time.Date(2025, 6, 15, 14, 30, 0, 0, time.UTC)
	outside := time.Date(2025, 6, 15, 15, 0, 0, 0, time.UTC) // next hour
	if _, err := repo.UpsertMessageStats(ctx, []*models.MessageStat{
		testStat("in", "user-1", models.AppClaudeCode, models.RoleAssistant, inside),
		testStat("out", "user-1", models.AppClaudeCode, models.RoleAssistant, outside),
	}, 500); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	start := time.Date(2025, 6, 15, 14, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour - time.Millisecond)
	sum, err := repo.SumWindow(ctx, "user-1", models.AppClaudeCode, &start, &end)
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if sum.Rows != 1 {
		t.Errorf("rows = %d, want 1", sum.Rows)
	}
	if sum.InputTokens != 100 {
		t.Errorf("input tokens = %d, want 100", sum.InputTokens)
	}
}

func TestMergedFileTypes(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	at := time.Date(2025, 6, 15, 14, 30, 0, 0, time.UTC)

	a := testStat("h1", "user-1", models.AppClaudeCode, models.RoleAssistant, at)
	a.FileTypes = map[string]int64{"go": 3, "md": 1}
	b := testStat("h2", "user-1", models.AppClaudeCode, models.RoleAssistant, at)
	b.FileTypes = map[string]int64{"go": 2, "sql": 4}
	if _, err := repo.UpsertMessageStats(ctx, []*models.MessageStat{a, b}, 500); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	merged, err := repo.MergedFileTypes(ctx, "user-1", models.AppClaudeCode, nil, nil)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	want := map[string]int64{"go": 5, "md": 1, "sql": 4}
	for ext, n := range want {
		if merged[ext] != n {
			t.Errorf("merged[%q] = %d, want %d", ext, merged[ext], n)
		}
	}
}

func TestUpsertBucket_OverwriteAndList(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	start := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1).Add(-time.Millisecond)
	bucket := &models.StatsBucket{
		ID:          models.BucketID("user-1", models.PeriodDaily, models.AppClaudeCode, &start),
		UserID:      "user-1",
		Period:      models.PeriodDaily,
		Application: models.AppClaudeCode,
		PeriodStart: &start,
		PeriodEnd:   &end,
		Measures:    models.Measures{InputTokens: 100},
		Cost:        1.5,
	}
	if err := repo.UpsertBucket(ctx, bucket); err != nil {
		t.Fatalf("upsert bucket: %v", err)
	}

	// Overwrite with new totals; totals replace, never accumulate.
	bucket.InputTokens = 40
	bucket.Cost = 0.7
	if err := repo.UpsertBucket(ctx, bucket); err != nil {
		t.Fatalf("overwrite bucket: %v", err)
	}

	buckets, err := repo.ListUserBuckets(ctx, models.BucketQuery{
		UserID: "user-1",
		Period: models.PeriodDaily,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(buckets) != 1 {
		t.Fatalf("len = %d, want 1", len(buckets))
	}
	got := buckets[0]
	if got.InputTokens != 40 {
		t.Errorf("input tokens = %d, want 40", got.InputTokens)
	}
	if got.Cost != 0.7 {
		t.Errorf("cost = %v, want 0.7", got.Cost)
	}
	if got.PeriodStart == nil || !got.PeriodStart.Equal(start) {
		t.Errorf("period start = %v, want %v", got.PeriodStart, start)
	}
	if got.PeriodEnd == nil || !got.PeriodEnd.Equal(end) {
		t.Errorf("period end = %v, want %v", got.PeriodEnd, end)
	}
}

func TestDeleteMessageStatsRange(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	early := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	late := time.Date(2025, 6, 20, 12, 0, 0, 0, time.UTC)
	if _, err := repo.UpsertMessageStats(ctx, []*models.MessageStat{
		testStat("h1", "user-1", models.AppClaudeCode, models.RoleAssistant, early),
		testStat("h2", "user-1", models.AppClaudeCode, models.RoleAssistant, late),
		testStat("h3", "user-1", models.AppGeminiCLI, models.RoleAssistant, early),
	}, 500); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	obs, err := repo.ListObservations(ctx, "user-1", []models.Application{models.AppClaudeCode},
		&early, &early)
	if err != nil {
		t.Fatalf("observations: %v", err)
	}
	if len(obs) != 1 {
		t.Fatalf("observations = %d, want 1", len(obs))
	}

	deleted, err := repo.DeleteMessageStatsRange(ctx, "user-1",
		[]models.Application{models.AppClaudeCode}, early, early)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	count, err := repo.CountMessageStats(ctx, "user-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestDeleteForUser(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	at := time.Date(2025, 6, 15, 14, 30, 0, 0, time.UTC)

	if _, err := repo.UpsertMessageStats(ctx, []*models.MessageStat{
		testStat("h1", "user-1", models.AppClaudeCode, models.RoleAssistant, at),
		testStat("h2", "user-2", models.AppClaudeCode, models.RoleAssistant, at),
	}, 500); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := repo.UpsertBucket(ctx, &models.StatsBucket{
		ID:          models.BucketID("user-1", models.PeriodAllTime, models.AppClaudeCode, nil),
		UserID:      "user-1",
		Period:      models.PeriodAllTime,
		Application: models.AppClaudeCode,
	}); err != nil {
		t.Fatalf("upsert bucket: %v", err)
	}

	if _, err := repo.DeleteMessageStatsForUser(ctx, "user-1"); err != nil {
		t.Fatalf("delete messages: %v", err)
	}
	if _, err := repo.DeleteBucketsForUser(ctx, "user-1"); err != nil {
		t.Fatalf("delete buckets: %v", err)
	}

	count, err := repo.CountMessageStats(ctx, "user-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d, want 0", count)
	}
	otherCount, err := repo.CountMessageStats(ctx, "user-2")
	if err != nil {
		t.Fatalf("count other: %v", err)
	}
	if otherCount != 1 {
		t.Errorf("other user count = %d, want 1", otherCount)
	}
}

func TestLeaderboard(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	// All-time buckets across two applications for user-1, one for user-2.
	put := func(userID string, app models.Application, inputTokens int64, cost float64) {
		t.Helper()
		err := repo.UpsertBucket(ctx, &models.StatsBucket{
			ID:          models.BucketID(userID, models.PeriodAllTime, app, nil),
			UserID:      userID,
			Period:      models.PeriodAllTime,
			Application: app,
			Measures:    models.Measures{InputTokens: inputTokens},
			Cost:        cost,
		})
		if err != nil {
			t.Fatalf("upsert bucket: %v", err)
		}
	}
	put("user-1", models.AppClaudeCode, 600, 1.0)
	put("user-1", models.AppGeminiCLI, 400, 0.5)
	put("user-2", models.AppClaudeCode, 700, 2.0)

	entries, err := repo.Leaderboard(ctx, models.LeaderboardQuery{
		Period: models.PeriodAllTime,
		Metric: "tokens",
		Limit:  10,
	})
	if err != nil {
		t.Fatalf("leaderboard: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	// user-1's applications sum to 1000, ahead of user-2's 700.
	if entries[0].UserID != "user-1" || entries[0].Value != 1000 {
		t.Errorf("first entry = %+v", entries[0])
	}
	if entries[1].UserID != "user-2" || entries[1].Value != 700 {
		t.Errorf("second entry = %+v", entries[1])
	}

	// Filtering to one application reranks: user-2's 700 beats user-1's 600.
	entries, err = repo.Leaderboard(ctx, models.LeaderboardQuery{
		Period:      models.PeriodAllTime,
		Application: models.AppClaudeCode,
		Metric:      "tokens",
		Limit:       10,
	})
	if err != nil {
		t.Fatalf("filtered leaderboard: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("filtered entries = %d, want 2", len(entries))
	}
	if entries[0].UserID != "user-2" || entries[0].Value != 700 {
		t.Errorf("filtered first entry = %+v", entries[0])
	}
	if entries[1].UserID != "user-1" || entries[1].Value != 600 {
		t.Errorf("filtered second entry = %+v", entries[1])
	}
}

func TestForEachMessageStat(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	first := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	second := time.Date(2025, 6, 15, 11, 0, 0, 0, time.UTC)
	if _, err := repo.UpsertMessageStats(ctx, []*models.MessageStat{
		testStat("h2", "user-1", models.AppClaudeCode, models.RoleAssistant, second),
		testStat("h1", "user-1", models.AppClaudeCode, models.RoleAssistant, first),
	}, 500); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	var dates []time.Time
	err := repo.ForEachMessageStat(ctx, "user-1", func(m *models.MessageStat) error {
		dates = append(dates, m.Date)
		return nil
	})
	if err != nil {
		t.Fatalf("foreach: %v", err)
	}
	if len(dates) != 2 {
		t.Fatalf("rows = %d, want 2", len(dates))
	}
	if !dates[0].Equal(first) || !dates[1].Equal(second) {
		t.Errorf("dates not ordered: %v", dates)
	}
}
