package sqlite

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/tallyd/tallyd/internal/stats/models"
)

// messageRow mirrors the message_stats table. Timestamps are stored as unix
// milliseconds so that window comparisons behave identically on both
// storage dialects.
type messageRow struct {
	GlobalHash       string         `db:"global_hash"`
	UserID           string         `db:"user_id"`
	Application      string         `db:"application"`
	Role             string         `db:"role"`
	EventDateMs      int64          `db:"event_date_ms"`
	ProjectHash      string         `db:"project_hash"`
	ConversationHash string         `db:"conversation_hash"`
	LocalHash        string         `db:"local_hash"`
	UUID             string         `db:"uuid"`
	SessionName      string         `db:"session_name"`
	Model            sql.NullString `db:"model"`

	models.Measures

	Cost        sql.NullFloat64 `db:"cost"`
	FileTypes   sql.NullString  `db:"file_types"`
	CreatedAtMs int64           `db:"created_at_ms"`
	UpdatedAtMs int64           `db:"updated_at_ms"`
}

func messageToRow(m *models.MessageStat, now time.Time) (*messageRow, error) {
	row := &messageRow{
		GlobalHash:       m.GlobalHash,
		UserID:           m.UserID,
		Application:      string(m.Application),
		Role:             m.Role,
		EventDateMs:      m.Date.UTC().UnixMilli(),
		ProjectHash:      m.ProjectHash,
		ConversationHash: m.ConversationHash,
		LocalHash:        m.LocalHash,
		UUID:             m.UUID,
		SessionName:      m.SessionName,
		Measures:         m.Measures,
		CreatedAtMs:      now.UnixMilli(),
		UpdatedAtMs:      now.UnixMilli(),
	}
	if m.Model != nil {
		row.Model = sql.NullString{String: *m.Model, Valid: true}
	}
	if m.Cost != nil {
		row.Cost = sql.NullFloat64{Float64: *m.Cost, Valid: true}
	}
	if len(m.FileTypes) > 0 {
		data, err := json.Marshal(m.FileTypes)
		if err != nil {
			return nil, err
		}
		row.FileTypes = sql.NullString{String: string(data), Valid: true}
	}
	return row, nil
}

func (row *messageRow) toModel() (*models.MessageStat, error) {
	m := &models.MessageStat{
		GlobalHash:       row.GlobalHash,
		UserID:           row.UserID,
		Application:      models.Application(row.Application),
		Role:             row.Role,
		Date:             time.UnixMilli(row.EventDateMs).UTC(),
		ProjectHash:      row.ProjectHash,
		ConversationHash: row.ConversationHash,
		LocalHash:        row.LocalHash,
		UUID:             row.UUID,
		SessionName:      row.SessionName,
		Measures:         row.Measures,
		CreatedAt:        time.UnixMilli(row.CreatedAtMs).UTC(),
		UpdatedAt:        time.UnixMilli(row.UpdatedAtMs).UTC(),
	}
	if row.Model.Valid {
		m.Model = &row.Model.String
	}
	if row.Cost.Valid {
		m.Cost = &row.Cost.Float64
	}
	if row.FileTypes.Valid && row.FileTypes.String != "" {
		fileTypes := make(map[string]int64)
		if err := json.Unmarshal([]byte(row.FileTypes.String), &fileTypes); err != nil {
			return nil, err
		}
		m.FileTypes = fileTypes
	}
	return m, nil
}

// bucketRow mirrors the stats_buckets table.
type bucketRow struct {
	ID            string        `db:"id"`
	UserID        string        `db:"user_id"`
	Period        string        `db:"period"`
	Application   string        `db:"application"`
	PeriodStartMs sql.NullInt64 `db:"period_start_ms"`
	PeriodEndMs   sql.NullInt64 `db:"period_end_ms"`

	models.Measures

	AssistantMessages int64          `db:"assistant_messages"`
	UserMessages      int64          `db:"user_messages"`
	Cost              float64        `db:"cost"`
	FileTypes         sql.NullString `db:"file_types"`
	CreatedAtMs       int64          `db:"created_at_ms"`
	UpdatedAtMs       int64          `db:"updated_at_ms"`
}

func bucketToRow(b *models.StatsBucket, now time.Time) (*bucketRow, error) {
	row := &bucketRow{
		ID:                b.ID,
		UserID:            b.UserID,
		Period:            string(b.Period),
		Application:       string(b.Application),
		Measures:          b.Measures,
		AssistantMessages: b.AssistantMessages,
		UserMessages:      b.UserMessages,
		Cost:              b.Cost,
		CreatedAtMs:       now.UnixMilli(),
		UpdatedAtMs:       now.UnixMilli(),
	}
	if b.PeriodStart != nil {
		row.PeriodStartMs = sql.NullInt64{Int64: b.PeriodStart.UTC().UnixMilli(), Valid: true}
	}
	if b.PeriodEnd != nil {
		row.PeriodEndMs = sql.NullInt64{Int64: b.PeriodEnd.UTC().UnixMilli(), Valid: true}
	}
	if len(b.FileTypes) > 0 {
		data, err := json.Marshal(b.FileTypes)
		if err != nil {
			return nil, err
		}
		row.FileTypes = sql.NullString{String: string(data), Valid: true}
	}
	return row, nil
}

func (row *bucketRow) toModel() (*models.StatsBucket, error) {
	b := &models.StatsBucket{
		ID:                row.ID,
		UserID:            row.UserID,
		Period:            models.Period(row.Period),
		Application:       models.Application(row.Application),
		Measures:          row.Measures,
		AssistantMessages: row.AssistantMessages,
		UserMessages:      row.UserMessages,
		Cost:              row.Cost,
		CreatedAt:         time.UnixMilli(row.CreatedAtMs).UTC(),
		UpdatedAt:         time.UnixMilli(row.UpdatedAtMs).UTC(),
	}
	if row.PeriodStartMs.Valid {
		t := time.UnixMilli(row.PeriodStartMs.Int64).UTC()
		b.PeriodStart = &t
	}
	if row.PeriodEndMs.Valid {
		t := time.UnixMilli(row.PeriodEndMs.Int64).UTC()
		b.PeriodEnd = &t
	}
	if row.FileTypes.Valid && row.FileTypes.String != "" {
		fileTypes := make(map[string]int64)
		if err := json.Unmarshal([]byte(row.FileTypes.String), &fileTypes); err != nil {
			return nil, err
		}
		b.FileTypes = fileTypes
	}
	return b, nil
}
