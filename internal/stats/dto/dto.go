// Package dto defines the wire types for the stats HTTP API. Upload
// payloads arrive in the CLI's camelCase shape; responses use snake_case.
package dto

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tallyd/tallyd/internal/stats/models"
)

// Timestamp accepts either an RFC3339 string or a unix-millisecond number.
// The CLIs disagree on which they send.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		parsed, err := time.Parse(time.RFC3339, strings.Trim(s, `"`))
		if err != nil {
			return fmt.Errorf("invalid timestamp %s: %w", s, err)
		}
		t.Time = parsed
		return nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp %s: %w", s, err)
	}
	t.Time = time.UnixMilli(ms).UTC()
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + t.UTC().Format(time.RFC3339Nano) + `"`), nil
}

// UploadMeasures carries the numeric stats of one message. Values arrive as
// JSON numbers that may be fractional or negative; coercion rounds to the
// nearest integer and clamps below at zero.
type UploadMeasures struct {
	InputTokens         float64 `json:"inputTokens"`
	OutputTokens        float64 `json:"outputTokens"`
	CacheReadTokens     float64 `json:"cacheReadTokens"`
	CacheCreationTokens float64 `json:"cacheCreationTokens"`

	ToolCalls           float64 `json:"toolCalls"`
	TerminalCommands    float64 `json:"terminalCommands"`
	FileSearches        float64 `json:"fileSearches"`
	FileContentSearches float64 `json:"fileContentSearches"`

	FilesRead    float64 `json:"filesRead"`
	FilesAdded   float64 `json:"filesAdded"`
	FilesEdited  float64 `json:"filesEdited"`
	FilesDeleted float64 `json:"filesDeleted"`

	LinesRead    float64 `json:"linesRead"`
	LinesAdded   float64 `json:"linesAdded"`
	LinesEdited  float64 `json:"linesEdited"`
	LinesDeleted float64 `json:"linesDeleted"`

	BytesRead   float64 `json:"bytesRead"`
	BytesAdded  float64 `json:"bytesAdded"`
	BytesEdited float64 `json:"bytesEdited"`

	TodosCreated    float64 `json:"todosCreated"`
	TodosCompleted  float64 `json:"todosCompleted"`
	TodosInProgress float64 `json:"todosInProgress"`
	TodoWrites      float64 `json:"todoWrites"`
	TodoReads       float64 `json:"todoReads"`

	FileTypes map[string]float64 `json:"fileTypes,omitempty"`
}

// UploadMessage is one element of the upload batch.
type UploadMessage struct {
	GlobalHash       string          `json:"globalHash"`
	Application      string          `json:"application"`
	Role             string          `json:"role"`
	Date             Timestamp       `json:"date"`
	ProjectHash      string          `json:"projectHash"`
	ConversationHash string          `json:"conversationHash"`
	LocalHash        string          `json:"localHash"`
	UUID             string          `json:"uuid"`
	SessionName      string          `json:"sessionName"`
	Model            *string         `json:"model"`
	Cost             *float64        `json:"cost"`
	Stats            *UploadMeasures `json:"stats"`
}

// UploadRequest is the POST /api/v1/stats body.
type UploadRequest struct {
	Messages []UploadMessage `json:"messages"`
}

// coerce maps an uploaded number onto a non-negative integer measure.
func coerce(v float64) int64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	n := int64(math.Round(v))
	if n < 0 {
		return 0
	}
	return n
}

// ToModel validates the element shape and converts it. A missing stats
// object is a shape error; per the upload contract it rejects the whole
// request.
func (m *UploadMessage) ToModel(index int) (*models.MessageStat, error) {
	if m.Stats == nil {
		return nil, fmt.Errorf("message %d has no stats object", index)
	}
	stat := &models.MessageStat{
		GlobalHash:       m.GlobalHash,
		Application:      models.Application(m.Application),
		Role:             m.Role,
		Date:             m.Date.Time,
		ProjectHash:      m.ProjectHash,
		ConversationHash: m.ConversationHash,
		LocalHash:        m.LocalHash,
		UUID:             m.UUID,
		SessionName:      m.SessionName,
		Model:            m.Model,
		Cost:             m.Cost,
		Measures: models.Measures{
			InputTokens:         coerce(m.Stats.InputTokens),
			OutputTokens:        coerce(m.Stats.OutputTokens),
			CacheReadTokens:     coerce(m.Stats.CacheReadTokens),
			CacheCreationTokens: coerce(m.Stats.CacheCreationTokens),
			ToolCalls:           coerce(m.Stats.ToolCalls),
			TerminalCommands:    coerce(m.Stats.TerminalCommands),
			FileSearches:        coerce(m.Stats.FileSearches),
			FileContentSearches: coerce(m.Stats.FileContentSearches),
			FilesRead:           coerce(m.Stats.FilesRead),
			FilesAdded:          coerce(m.Stats.FilesAdded),
			FilesEdited:         coerce(m.Stats.FilesEdited),
			FilesDeleted:        coerce(m.Stats.FilesDeleted),
			LinesRead:           coerce(m.Stats.LinesRead),
			LinesAdded:          coerce(m.Stats.LinesAdded),
			LinesEdited:         coerce(m.Stats.LinesEdited),
			LinesDeleted:        coerce(m.Stats.LinesDeleted),
			BytesRead:           coerce(m.Stats.BytesRead),
			BytesAdded:          coerce(m.Stats.BytesAdded),
			BytesEdited:         coerce(m.Stats.BytesEdited),
			TodosCreated:        coerce(m.Stats.TodosCreated),
			TodosCompleted:      coerce(m.Stats.TodosCompleted),
			TodosInProgress:     coerce(m.Stats.TodosInProgress),
			TodoWrites:          coerce(m.Stats.TodoWrites),
			TodoReads:           coerce(m.Stats.TodoReads),
		},
	}
	if len(m.Stats.FileTypes) > 0 {
		stat.FileTypes = make(map[string]int64, len(m.Stats.FileTypes))
		for ext, n := range m.Stats.FileTypes {
			stat.FileTypes[ext] = coerce(n)
		}
	}
	return stat, nil
}

// ToModels converts the whole batch, failing on the first malformed element.
func (r *UploadRequest) ToModels() ([]*models.MessageStat, error) {
	out := make([]*models.MessageStat, 0, len(r.Messages))
	for i := range r.Messages {
		stat, err := r.Messages[i].ToModel(i)
		if err != nil {
			return nil, err
		}
		out = append(out, stat)
	}
	return out, nil
}

// DeleteRangeRequest is the DELETE /api/v1/stats body.
type DeleteRangeRequest struct {
	From         Timestamp `json:"from"`
	To           Timestamp `json:"to"`
	Applications []string  `json:"applications,omitempty"`
}

// SettingsRequest is the PUT /api/v1/user/settings body.
type SettingsRequest struct {
	Timezone string `json:"timezone"`
	Currency string `json:"currency"`
}

// BucketDTO is one aggregate bucket on the wire.
type BucketDTO struct {
	Period      string  `json:"period"`
	Application string  `json:"application,omitempty"`
	PeriodStart *string `json:"period_start,omitempty"`
	PeriodEnd   *string `json:"period_end,omitempty"`

	models.Measures

	AssistantMessages int64            `json:"assistant_messages"`
	UserMessages      int64            `json:"user_messages"`
	Cost              float64          `json:"cost"`
	FileTypes         map[string]int64 `json:"file_types,omitempty"`
}

// BucketFromModel converts a stored bucket for responses.
func BucketFromModel(b *models.StatsBucket) BucketDTO {
	out := BucketDTO{
		Period:            string(b.Period),
		Application:       string(b.Application),
		Measures:          b.Measures,
		AssistantMessages: b.AssistantMessages,
		UserMessages:      b.UserMessages,
		Cost:              b.Cost,
		FileTypes:         b.FileTypes,
	}
	if b.PeriodStart != nil {
		formatted := b.PeriodStart.UTC().Format(time.RFC3339)
		out.PeriodStart = &formatted
	}
	if b.PeriodEnd != nil {
		formatted := b.PeriodEnd.UTC().Format(time.RFC3339)
		out.PeriodEnd = &formatted
	}
	return out
}

// BucketsFromModels converts a bucket list.
func BucketsFromModels(buckets []*models.StatsBucket) []BucketDTO {
	out := make([]BucketDTO, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, BucketFromModel(b))
	}
	return out
}
