// Package models defines the raw telemetry rows and aggregate buckets
// maintained by tallyd.
package models

import (
	"fmt"
	"time"
)

// Period identifies one aggregation granularity.
type Period string

const (
	PeriodHourly  Period = "hourly"
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
	PeriodYearly  Period = "yearly"
	PeriodAllTime Period = "all_time"
)

// AllPeriods lists every period kind in aggregation order.
var AllPeriods = []Period{
	PeriodHourly,
	PeriodDaily,
	PeriodWeekly,
	PeriodMonthly,
	PeriodYearly,
	PeriodAllTime,
}

// IsValid reports whether p is a known period kind.
func (p Period) IsValid() bool {
	switch p {
	case PeriodHourly, PeriodDaily, PeriodWeekly, PeriodMonthly, PeriodYearly, PeriodAllTime:
		return true
	}
	return false
}

// Application identifies the originating tool integration.
type Application string

const (
	AppClaudeCode Application = "claude_code"
	AppGeminiCLI  Application = "gemini_cli"
	AppCodexCLI   Application = "codex_cli"
	AppCursor     Application = "cursor"
	AppCopilot    Application = "copilot"
	AppOpenCode   Application = "opencode"
	AppAmp        Application = "amp"
)

// IsValid reports whether a is a supported tool integration.
func (a Application) IsValid() bool {
	switch a {
	case AppClaudeCode, AppGeminiCLI, AppCodexCLI, AppCursor, AppCopilot, AppOpenCode, AppAmp:
		return true
	}
	return false
}

// Message roles.
const (
	RoleAssistant = "assistant"
	RoleUser      = "user"
)

// Measures lists every summed numeric field by name. Summation and upsert
// logic enumerate these fields explicitly; there is deliberately no
// reflection-driven field iteration anywhere.
type Measures struct {
	InputTokens         int64 `json:"input_tokens" db:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens" db:"output_tokens"`
	CacheReadTokens     int64 `json:"cache_read_tokens" db:"cache_read_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_tokens" db:"cache_creation_tokens"`

	ToolCalls           int64 `json:"tool_calls" db:"tool_calls"`
	TerminalCommands    int64 `json:"terminal_commands" db:"terminal_commands"`
	FileSearches        int64 `json:"file_searches" db:"file_searches"`
	FileContentSearches int64 `json:"file_content_searches" db:"file_content_searches"`

	FilesRead    int64 `json:"files_read" db:"files_read"`
	FilesAdded   int64 `json:"files_added" db:"files_added"`
	FilesEdited  int64 `json:"files_edited" db:"files_edited"`
	FilesDeleted int64 `json:"files_deleted" db:"files_deleted"`

	LinesRead    int64 `json:"lines_read" db:"lines_read"`
	LinesAdded   int64 `json:"lines_added" db:"lines_added"`
	LinesEdited  int64 `json:"lines_edited" db:"lines_edited"`
	LinesDeleted int64 `json:"lines_deleted" db:"lines_deleted"`

	BytesRead   int64 `json:"bytes_read" db:"bytes_read"`
	BytesAdded  int64 `json:"bytes_added" db:"bytes_added"`
	BytesEdited int64 `json:"bytes_edited" db:"bytes_edited"`

	TodosCreated    int64 `json:"todos_created" db:"todos_created"`
	TodosCompleted  int64 `json:"todos_completed" db:"todos_completed"`
	TodosInProgress int64 `json:"todos_in_progress" db:"todos_in_progress"`
	TodoWrites      int64 `json:"todo_writes" db:"todo_writes"`
	TodoReads       int64 `json:"todo_reads" db:"todo_reads"`
}

// Add accumulates other into m field by field.
func (m *Measures) Add(other Measures) {
	m.InputTokens += other.InputTokens
	m.OutputTokens += other.OutputTokens
	m.CacheReadTokens += other.CacheReadTokens
	m.CacheCreationTokens += other.CacheCreationTokens
	m.ToolCalls += other.ToolCalls
	m.TerminalCommands += other.TerminalCommands
	m.FileSearches += other.FileSearches
	m.FileContentSearches += other.FileContentSearches
	m.FilesRead += other.FilesRead
	m.FilesAdded += other.FilesAdded
	m.FilesEdited += other.FilesEdited
	m.FilesDeleted += other.FilesDeleted
	m.LinesRead += other.LinesRead
	m.LinesAdded += other.LinesAdded
	m.LinesEdited += other.LinesEdited
	m.LinesDeleted += other.LinesDeleted
	m.BytesRead += other.BytesRead
	m.BytesAdded += other.BytesAdded
	m.BytesEdited += other.BytesEdited
	m.TodosCreated += other.TodosCreated
	m.TodosCompleted += other.TodosCompleted
	m.TodosInProgress += other.TodosInProgress
	m.TodoWrites += other.TodoWrites
	m.TodoReads += other.TodoReads
}

// MessageStat is one raw per-message telemetry row, content-addressed by
// GlobalHash. Re-ingesting the same hash replaces every measure.
type MessageStat struct {
	GlobalHash       string      `json:"global_hash" db:"global_hash"`
	UserID           string      `json:"user_id" db:"user_id"`
	Application      Application `json:"application" db:"application"`
	Role             string      `json:"role" db:"role"`
	Date             time.Time   `json:"date" db:"event_date"`
	ProjectHash      string      `json:"project_hash" db:"project_hash"`
	ConversationHash string      `json:"conversation_hash" db:"conversation_hash"`
	LocalHash        string      `json:"local_hash,omitempty" db:"local_hash"`
	UUID             string      `json:"uuid,omitempty" db:"uuid"`
	SessionName      string      `json:"session_name,omitempty" db:"session_name"`
	Model            *string     `json:"model,omitempty" db:"model"`

	Measures

	Cost *float64 `json:"cost,omitempty" db:"cost"`
	// FileTypes maps file extension to touch count. It is merged, not
	// numerically summed, during aggregation.
	FileTypes map[string]int64 `json:"file_types,omitempty" db:"-"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// StatsBucket is one aggregate record: the sums over every MessageStat of
// one user and application whose date falls inside [PeriodStart, PeriodEnd].
// Both bounds are nil for the all-time bucket.
type StatsBucket struct {
	ID          string      `json:"id" db:"id"`
	UserID      string      `json:"user_id" db:"user_id"`
	Period      Period      `json:"period" db:"period"`
	Application Application `json:"application" db:"application"`
	PeriodStart *time.Time  `json:"period_start" db:"period_start"`
	PeriodEnd   *time.Time  `json:"period_end" db:"period_end"`

	Measures

	AssistantMessages int64            `json:"assistant_messages" db:"assistant_messages"`
	UserMessages      int64            `json:"user_messages" db:"user_messages"`
	Cost              float64          `json:"cost" db:"cost"`
	FileTypes         map[string]int64 `json:"file_types,omitempty" db:"-"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// UpsertResult reports how a batch of message rows landed.
type UpsertResult struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
}

// Observation is the minimal projection of a message row needed to work out
// which buckets it belongs to.
type Observation struct {
	Application Application
	Date        time.Time
}

// WindowSum holds the re-summed totals over every message row of one user
// and application inside a period window.
type WindowSum struct {
	Measures
	AssistantMessages int64   `db:"assistant_messages"`
	UserMessages      int64   `db:"user_messages"`
	Cost              float64 `db:"cost"`
	Rows              int64   `db:"row_count"`
}

// BucketQuery filters bucket listings.
type BucketQuery struct {
	UserID      string
	Period      Period
	Application Application // empty means all applications
	From        *time.Time  // bucket start lower bound, inclusive
	To          *time.Time  // bucket start upper bound, inclusive
	Limit       int
}

// LeaderboardQuery selects one bucket slot and ranks users by a metric.
// Start is nil for the all-time period. An empty Application sums across
// all applications.
type LeaderboardQuery struct {
	Period      Period
	Start       *time.Time
	Application Application
	Metric      string
	Limit       int
	Offset      int
}

// LeaderboardEntry is one ranked row, summed across applications.
type LeaderboardEntry struct {
	UserID   string  `db:"user_id" json:"user_id"`
	Value    float64 `db:"value" json:"value"`
	Messages int64   `db:"messages" json:"messages"`
	Cost     float64 `db:"cost" json:"cost"`
}

// LeaderboardMetrics lists the metric names accepted by LeaderboardQuery.
// The empty name defaults to "tokens".
var LeaderboardMetrics = []string{
	"tokens",
	"output_tokens",
	"lines_added",
	"lines_edited",
	"tool_calls",
	"messages",
	"cost",
}

// IsLeaderboardMetric reports whether name is an accepted metric name.
func IsLeaderboardMetric(name string) bool {
	if name == "" {
		return true
	}
	for _, m := range LeaderboardMetrics {
		if m == name {
			return true
		}
	}
	return false
}

// BucketID builds the deterministic primary key for a bucket. The all-time
// bucket uses the literal "all" start slot so the key stays total across
// both storage dialects.
func BucketID(userID string, period Period, application Application, start *time.Time) string {
	slot := "all"
	if start != nil {
		slot = fmt.Sprintf("%d", start.UTC().UnixMilli())
	}
	return fmt.Sprintf("%s|%s|%s|%s", userID, period, application, slot)
}
