package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tallyd/tallyd/internal/stats/models"
)

const defaultChunkSize = 500

var messageUpsertSQL = buildMessageUpsert()

func buildMessageUpsert() string {
	cols := []string{
		"global_hash", "user_id", "application", "role", "event_date_ms",
		"project_hash", "conversation_hash", "local_hash", "uuid",
		"session_name", "model",
	}
	cols = append(cols, measureColumns...)
	cols = append(cols, "cost", "file_types", "created_at_ms", "updated_at_ms")

	set := make([]string, 0, len(cols))
	for _, c := range cols[1:] {
		if c == "created_at_ms" {
			// created_at survives replacement.
			continue
		}
		set = append(set, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	return fmt.Sprintf(
		"INSERT INTO message_stats (%s) VALUES (:%s) ON CONFLICT(global_hash) DO UPDATE SET %s",
		strings.Join(cols, ", "),
		strings.Join(cols, ", :"),
		strings.Join(set, ", "),
	)
}

// UpsertMessageStats writes a batch of message rows, replacing any row whose
// global_hash already exists. The batch is split into chunks, each committed
// in its own transaction so a failure partway through never leaves a chunk
// half applied. Re-sending the batch after such a failure converges because
// replacement is idempotent.
func (r *Repository) UpsertMessageStats(ctx context.Context, stats []*models.MessageStat, chunkSize int) (models.UpsertResult, error) {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	var res models.UpsertResult
	now := time.Now().UTC()
	for start := 0; start < len(stats); start += chunkSize {
		chunk := stats[start:min(start+chunkSize, len(stats))]
		if err := r.upsertChunk(ctx, chunk, now, &res); err != nil {
			return res, fmt.Errorf("upsert chunk at offset %d: %w", start, err)
		}
	}
	return res, nil
}

func (r *Repository) upsertChunk(ctx context.Context, chunk []*models.MessageStat, now time.Time, res *models.UpsertResult) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	hashes := make([]string, 0, len(chunk))
	for _, m := range chunk {
		hashes = append(hashes, m.GlobalHash)
	}
	query, args, err := sqlx.In("SELECT global_hash FROM message_stats WHERE global_hash IN (?)", hashes)
	if err != nil {
		return err
	}
	var present []string
	if err := tx.SelectContext(ctx, &present, tx.Rebind(query), args...); err != nil {
		return err
	}
	existing := make(map[string]struct{}, len(present))
	for _, h := range present {
		existing[h] = struct{}{}
	}

	stmt, err := tx.PrepareNamedContext(ctx, messageUpsertSQL)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, m := range chunk {
		row, err := messageToRow(m, now)
		if err != nil {
			return fmt.Errorf("encode row %s: %w", m.GlobalHash, err)
		}
		if _, err := stmt.ExecContext(ctx, row); err != nil {
			return fmt.Errorf("upsert row %s: %w", m.GlobalHash, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	for _, m := range chunk {
		if _, ok := existing[m.GlobalHash]; ok {
			res.Updated++
		} else {
			res.Inserted++
		}
	}
	return nil
}

// ListObservations returns the application and timestamp of every message
// row matching the filter, used to work out which buckets a deletion or
// replay touches.
func (r *Repository) ListObservations(ctx context.Context, userID string, apps []models.Application, from, to *time.Time) ([]models.Observation, error) {
	query := "SELECT application, event_date_ms FROM message_stats WHERE user_id = ?"
	args := []interface{}{userID}
	if len(apps) > 0 {
		names := make([]string, 0, len(apps))
		for _, a := range apps {
			names = append(names, string(a))
		}
		inQuery, inArgs, err := sqlx.In(" AND application IN (?)", names)
		if err != nil {
			return nil, err
		}
		query += inQuery
		args = append(args, inArgs...)
	}
	if from != nil {
		query += " AND event_date_ms >= ?"
		args = append(args, from.UTC().UnixMilli())
	}
	if to != nil {
		query += " AND event_date_ms <= ?"
		args = append(args, to.UTC().UnixMilli())
	}

	var rows []struct {
		Application string `db:"application"`
		EventDateMs int64  `db:"event_date_ms"`
	}
	if err := r.ro.SelectContext(ctx, &rows, r.ro.Rebind(query), args...); err != nil {
		return nil, err
	}
	out := make([]models.Observation, 0, len(rows))
	for _, row := range rows {
		out = append(out, models.Observation{
			Application: models.Application(row.Application),
			Date:        time.UnixMilli(row.EventDateMs).UTC(),
		})
	}
	return out, nil
}

// ForEachMessageStat streams every message row of a user through fn.
func (r *Repository) ForEachMessageStat(ctx context.Context, userID string, fn func(*models.MessageStat) error) error {
	rows, err := r.ro.QueryxContext(ctx,
		r.ro.Rebind("SELECT * FROM message_stats WHERE user_id = ? ORDER BY event_date_ms ASC"), userID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var row messageRow
		if err := rows.StructScan(&row); err != nil {
			return err
		}
		m, err := row.toModel()
		if err != nil {
			return fmt.Errorf("decode row %s: %w", row.GlobalHash, err)
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	return rows.Err()
}

// CountMessageStats returns the number of message rows stored for a user.
func (r *Repository) CountMessageStats(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := r.ro.GetContext(ctx, &count,
		r.ro.Rebind("SELECT COUNT(*) FROM message_stats WHERE user_id = ?"), userID)
	return count, err
}

// DeleteMessageStatsRange removes every message row of a user inside
// [from, to], optionally limited to specific applications. Returns the
// number of rows removed.
func (r *Repository) DeleteMessageStatsRange(ctx context.Context, userID string, apps []models.Application, from, to time.Time) (int64, error) {
	query := "DELETE FROM message_stats WHERE user_id = ? AND event_date_ms >= ? AND event_date_ms <= ?"
	args := []interface{}{userID, from.UTC().UnixMilli(), to.UTC().UnixMilli()}
	if len(apps) > 0 {
		names := make([]string, 0, len(apps))
		for _, a := range apps {
			names = append(names, string(a))
		}
		inQuery, inArgs, err := sqlx.In(" AND application IN (?)", names)
		if err != nil {
			return 0, err
		}
		query += inQuery
		args = append(args, inArgs...)
	}
	result, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteMessageStatsForUser removes every message row of a user.
func (r *Repository) DeleteMessageStatsForUser(ctx context.Context, userID string) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		r.db.Rebind("DELETE FROM message_stats WHERE user_id = ?"), userID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
