package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tallyd/tallyd/internal/db/dialect"
	"github.com/tallyd/tallyd/internal/stats/models"
)

var bucketUpsertSQL = buildBucketUpsert()

func buildBucketUpsert() string {
	cols := []string{"id", "user_id", "period", "application", "period_start_ms", "period_end_ms"}
	cols = append(cols, measureColumns...)
	cols = append(cols, "assistant_messages", "user_messages", "cost", "file_types", "created_at_ms", "updated_at_ms")

	set := make([]string, 0, len(measureColumns)+5)
	for _, c := range measureColumns {
		set = append(set, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	set = append(set,
		"assistant_messages = excluded.assistant_messages",
		"user_messages = excluded.user_messages",
		"cost = excluded.cost",
		"file_types = excluded.file_types",
		"updated_at_ms = excluded.updated_at_ms",
	)
	return fmt.Sprintf(
		"INSERT INTO stats_buckets (%s) VALUES (:%s) ON CONFLICT(id) DO UPDATE SET %s",
		strings.Join(cols, ", "),
		strings.Join(cols, ", :"),
		strings.Join(set, ", "),
	)
}

// SumWindow re-sums every message row of one user and application inside
// [start, end]. Nil bounds widen the window to all rows (the all-time
// bucket). Rows reports how many message rows contributed; zero means the
// bucket no longer has a basis and should be deleted.
func (r *Repository) SumWindow(ctx context.Context, userID string, app models.Application, start, end *time.Time) (*models.WindowSum, error) {
	double := dialect.Double(r.driver())
	sums := make([]string, 0, len(measureColumns)+4)
	for _, c := range measureColumns {
		sums = append(sums, fmt.Sprintf("CAST(COALESCE(SUM(%s), 0) AS BIGINT) AS %s", c, c))
	}
	sums = append(sums,
		"CAST(COALESCE(SUM(CASE WHEN role = 'assistant' THEN 1 ELSE 0 END), 0) AS BIGINT) AS assistant_messages",
		"CAST(COALESCE(SUM(CASE WHEN role = 'user' THEN 1 ELSE 0 END), 0) AS BIGINT) AS user_messages",
		fmt.Sprintf("CAST(COALESCE(SUM(COALESCE(cost, 0)), 0) AS %s) AS cost", double),
		"COUNT(*) AS row_count",
	)

	query := fmt.Sprintf("SELECT %s FROM message_stats WHERE user_id = ? AND application = ?", strings.Join(sums, ", "))
	args := []interface{}{userID, string(app)}
	if start != nil {
		query += " AND event_date_ms >= ?"
		args = append(args, start.UTC().UnixMilli())
	}
	if end != nil {
		query += " AND event_date_ms <= ?"
		args = append(args, end.UTC().UnixMilli())
	}

	var sum models.WindowSum
	if err := r.ro.GetContext(ctx, &sum, r.ro.Rebind(query), args...); err != nil {
		return nil, err
	}
	return &sum, nil
}

// MergedFileTypes merges the per-extension touch counts of every message row
// in the window. The merge happens here rather than in SQL because the two
// dialects have no common JSON aggregation.
func (r *Repository) MergedFileTypes(ctx context.Context, userID string, app models.Application, start, end *time.Time) (map[string]int64, error) {
	query := "SELECT file_types FROM message_stats WHERE user_id = ? AND application = ? AND file_types IS NOT NULL"
	args := []interface{}{userID, string(app)}
	if start != nil {
		query += " AND event_date_ms >= ?"
		args = append(args, start.UTC().UnixMilli())
	}
	if end != nil {
		query += " AND event_date_ms <= ?"
		args = append(args, end.UTC().UnixMilli())
	}

	var raws []string
	if err := r.ro.SelectContext(ctx, &raws, r.ro.Rebind(query), args...); err != nil {
		return nil, err
	}
	merged := make(map[string]int64)
	for _, raw := range raws {
		if raw == "" {
			continue
		}
		fileTypes := make(map[string]int64)
		if err := json.Unmarshal([]byte(raw), &fileTypes); err != nil {
			return nil, fmt.Errorf("decode file types: %w", err)
		}
		for ext, n := range fileTypes {
			merged[ext] += n
		}
	}
	return merged, nil
}

// UpsertBucket overwrites a bucket with freshly summed totals. An existing
// bucket keeps its created_at.
func (r *Repository) UpsertBucket(ctx context.Context, bucket *models.StatsBucket) error {
	row, err := bucketToRow(bucket, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("encode bucket %s: %w", bucket.ID, err)
	}
	_, err = r.db.NamedExecContext(ctx, bucketUpsertSQL, row)
	return err
}

// DeleteBucket removes one bucket by id. Missing buckets are not an error.
func (r *Repository) DeleteBucket(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind("DELETE FROM stats_buckets WHERE id = ?"), id)
	return err
}

// DeleteBucketsForUser removes every bucket of a user.
func (r *Repository) DeleteBucketsForUser(ctx context.Context, userID string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		r.db.Rebind("DELETE FROM stats_buckets WHERE user_id = ?"), userID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ListUserBuckets returns a user's buckets for one period kind, oldest
// first. The all-time bucket sorts before any windowed bucket.
func (r *Repository) ListUserBuckets(ctx context.Context, q models.BucketQuery) ([]*models.StatsBucket, error) {
	query := "SELECT * FROM stats_buckets WHERE user_id = ? AND period = ?"
	args := []interface{}{q.UserID, string(q.Period)}
	if q.Application != "" {
		query += " AND application = ?"
		args = append(args, string(q.Application))
	}
	if q.From != nil {
		query += " AND period_start_ms >= ?"
		args = append(args, q.From.UTC().UnixMilli())
	}
	if q.To != nil {
		query += " AND period_start_ms <= ?"
		args = append(args, q.To.UTC().UnixMilli())
	}
	query += " ORDER BY period_start_ms ASC, application ASC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := r.ro.QueryxContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*models.StatsBucket
	for rows.Next() {
		var row bucketRow
		if err := rows.StructScan(&row); err != nil {
			return nil, err
		}
		b, err := row.toModel()
		if err != nil {
			return nil, fmt.Errorf("decode bucket %s: %w", row.ID, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// Leaderboard ranks users within one bucket slot, summing each user's
// buckets across applications. The metric name must come from
// models.LeaderboardMetrics.
func (r *Repository) Leaderboard(ctx context.Context, q models.LeaderboardQuery) ([]*models.LeaderboardEntry, error) {
	expr := leaderboardMetricExpr(q.Metric)
	if expr == "" {
		return nil, fmt.Errorf("unknown leaderboard metric %q", q.Metric)
	}
	double := dialect.Double(r.driver())

	query := fmt.Sprintf(`
		SELECT
			user_id,
			CAST(COALESCE(SUM(%s), 0) AS %s) AS value,
			CAST(COALESCE(SUM(assistant_messages + user_messages), 0) AS BIGINT) AS messages,
			CAST(COALESCE(SUM(cost), 0) AS %s) AS cost
		FROM stats_buckets
		WHERE period = ?`, expr, double, double)
	args := []interface{}{string(q.Period)}
	if q.Start != nil {
		query += " AND period_start_ms = ?"
		args = append(args, q.Start.UTC().UnixMilli())
	} else {
		query += " AND period_start_ms IS NULL"
	}
	if q.Application != "" {
		query += " AND application = ?"
		args = append(args, string(q.Application))
	}
	query += " GROUP BY user_id ORDER BY value DESC, user_id ASC"
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, max(q.Offset, 0))

	var entries []*models.LeaderboardEntry
	if err := r.ro.SelectContext(ctx, &entries, r.ro.Rebind(query), args...); err != nil {
		return nil, err
	}
	return entries, nil
}

// leaderboardMetricExpr maps a metric name to its column expression. The
// switch doubles as the injection whitelist; keep it aligned with
// models.LeaderboardMetrics.
func leaderboardMetricExpr(name string) string {
	switch name {
	case "", "tokens":
		return "input_tokens + output_tokens + cache_read_tokens + cache_creation_tokens"
	case "output_tokens":
		return "output_tokens"
	case "lines_added":
		return "lines_added"
	case "lines_edited":
		return "lines_edited"
	case "tool_calls":
		return "tool_calls"
	case "messages":
		return "assistant_messages + user_messages"
	case "cost":
		return "cost"
	}
	return ""
}
