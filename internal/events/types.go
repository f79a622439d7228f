// Package events provides event types and utilities for the tallyd event system.
package events

// Event types for stats ingestion and aggregation
const (
	StatsUploaded            = "stats.uploaded"
	StatsBucketsRecalculated = "stats.buckets_recalculated"
	StatsDeleted             = "stats.deleted"
	StatsAccountRecalculated = "stats.account_recalculated"
)

// Event types for users
const (
	UserTimezoneUpdated = "user.timezone_updated"
	UserSettingsUpdated = "user.settings_updated"
)

// BuildStatsSubject creates a stats event subject scoped to one user.
func BuildStatsSubject(eventType, userID string) string {
	return eventType + "." + userID
}

// BuildStatsWildcardSubject creates a wildcard subscription covering all
// users for one stats event type.
func BuildStatsWildcardSubject(eventType string) string {
	return eventType + ".*"
}
