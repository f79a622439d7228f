// Package sqlite provides the sqlx-backed stats repository. Despite the
// package name it runs on both SQLite and PostgreSQL; the dialect helpers
// paper over the few differences.
package sqlite

import (
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/tallyd/tallyd/internal/db/dialect"
)

// measureColumns lists every summed numeric column, in schema order. Keep in
// sync with models.Measures; the upsert and re-sum statements are built from
// this list.
var measureColumns = []string{
	"input_tokens",
	"output_tokens",
	"cache_read_tokens",
	"cache_creation_tokens",
	"tool_calls",
	"terminal_commands",
	"file_searches",
	"file_content_searches",
	"files_read",
	"files_added",
	"files_edited",
	"files_deleted",
	"lines_read",
	"lines_added",
	"lines_edited",
	"lines_deleted",
	"bytes_read",
	"bytes_added",
	"bytes_edited",
	"todos_created",
	"todos_completed",
	"todos_in_progress",
	"todo_writes",
	"todo_reads",
}

// Repository provides message-stat and bucket storage operations.
type Repository struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader (read-only pool)
	ownsDB bool
}

// NewWithDB creates a repository over existing writer and reader connections
// (shared ownership).
func NewWithDB(writer, reader *sqlx.DB) (*Repository, error) {
	return newRepository(writer, reader, false)
}

func newRepository(writer, reader *sqlx.DB, ownsDB bool) (*Repository, error) {
	repo := &Repository{db: writer, ro: reader, ownsDB: ownsDB}
	if err := repo.initSchema(); err != nil {
		if ownsDB {
			if closeErr := writer.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
			}
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// Close closes the database connection when owned.
func (r *Repository) Close() error {
	if !r.ownsDB {
		return nil
	}
	return r.db.Close()
}

func (r *Repository) driver() string {
	return r.db.DriverName()
}

// initSchema creates the tables if they don't exist.
func (r *Repository) initSchema() error {
	if err := r.initMessageSchema(); err != nil {
		return err
	}
	if err := r.initBucketSchema(); err != nil {
		return err
	}
	return r.ensureIndexes()
}

func (r *Repository) initMessageSchema() error {
	double := dialect.Double(r.driver())
	cols := make([]string, 0, len(measureColumns))
	for _, c := range measureColumns {
		cols = append(cols, fmt.Sprintf("%s BIGINT NOT NULL DEFAULT 0", c))
	}
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS message_stats (
			global_hash TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			application TEXT NOT NULL,
			role TEXT NOT NULL,
			event_date_ms BIGINT NOT NULL,
			project_hash TEXT NOT NULL DEFAULT '',
			conversation_hash TEXT NOT NULL DEFAULT '',
			local_hash TEXT NOT NULL DEFAULT '',
			uuid TEXT NOT NULL DEFAULT '',
			session_name TEXT NOT NULL DEFAULT '',
			model TEXT,
			%s,
			cost %s,
			file_types TEXT,
			created_at_ms BIGINT NOT NULL,
			updated_at_ms BIGINT NOT NULL
		)`, strings.Join(cols, ",\n\t\t\t"), double)
	_, err := r.db.Exec(schema)
	return err
}

func (r *Repository) initBucketSchema() error {
	double := dialect.Double(r.driver())
	cols := make([]string, 0, len(measureColumns))
	for _, c := range measureColumns {
		cols = append(cols, fmt.Sprintf("%s BIGINT NOT NULL DEFAULT 0", c))
	}
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS stats_buckets (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			period TEXT NOT NULL,
			application TEXT NOT NULL,
			period_start_ms BIGINT,
			period_end_ms BIGINT,
			%s,
			assistant_messages BIGINT NOT NULL DEFAULT 0,
			user_messages BIGINT NOT NULL DEFAULT 0,
			cost %s NOT NULL DEFAULT 0,
			file_types TEXT,
			created_at_ms BIGINT NOT NULL,
			updated_at_ms BIGINT NOT NULL
		)`, strings.Join(cols, ",\n\t\t\t"), double)
	_, err := r.db.Exec(schema)
	return err
}

func (r *Repository) ensureIndexes() error {
	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_message_stats_user_date ON message_stats(user_id, application, event_date_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_message_stats_user ON message_stats(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_stats_buckets_user_period ON stats_buckets(user_id, period, period_start_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_stats_buckets_slot ON stats_buckets(period, period_start_ms)`,
	}
	for _, stmt := range indexes {
		if _, err := r.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
