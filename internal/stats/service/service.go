// Package service drives telemetry ingestion, aggregation, and deletion.
package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tallyd/tallyd/internal/common/config"
	apperrors "github.com/tallyd/tallyd/internal/common/errors"
	"github.com/tallyd/tallyd/internal/common/logger"
	"github.com/tallyd/tallyd/internal/events"
	"github.com/tallyd/tallyd/internal/events/bus"
	"github.com/tallyd/tallyd/internal/stats/aggregator"
	"github.com/tallyd/tallyd/internal/stats/models"
	"github.com/tallyd/tallyd/internal/stats/period"
	"github.com/tallyd/tallyd/internal/stats/repository"
	"github.com/tallyd/tallyd/internal/stats/tracker"
	"github.com/tallyd/tallyd/internal/tracing"
	usermodels "github.com/tallyd/tallyd/internal/user/models"
	userstore "github.com/tallyd/tallyd/internal/user/store"
)

const eventSource = "stats-service"

// Service coordinates the upload, recalculation, and deletion flows. It is
// stateless; concurrent requests coordinate only through the store, so every
// bucket write is a full overwrite that any interleaving converges on.
type Service struct {
	repo     repository.Repository
	users    userstore.Repository
	agg      *aggregator.Aggregator
	eventBus bus.EventBus
	cfg      config.StatsConfig
	log      *logger.Logger
}

func New(repo repository.Repository, users userstore.Repository, agg *aggregator.Aggregator, eventBus bus.EventBus, cfg config.StatsConfig, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		repo:     repo,
		users:    users,
		agg:      agg,
		eventBus: eventBus,
		cfg:      cfg,
		log:      log,
	}
}

// UploadResult reports how an upload landed.
type UploadResult struct {
	Inserted       int `json:"inserted"`
	Updated        int `json:"updated"`
	BucketsWritten int `json:"buckets_written"`
	BucketsRemoved int `json:"buckets_removed"`
}

// DeleteResult reports a range deletion.
type DeleteResult struct {
	MessagesDeleted int64 `json:"messages_deleted"`
	BucketsWritten  int   `json:"buckets_written"`
	BucketsRemoved  int   `json:"buckets_removed"`
}

// Upload ingests a batch of message stats for the authenticated user and
// brings every touched bucket up to date before acknowledging. Duplicate
// hashes inside the batch collapse to the last occurrence; hashes already
// stored are replaced wholesale.
func (s *Service) Upload(ctx context.Context, user *usermodels.User, timezoneHeader string, batch []*models.MessageStat) (*UploadResult, error) {
	if len(batch) == 0 {
		return &UploadResult{}, nil
	}
	if s.cfg.MaxBatchSize > 0 && len(batch) > s.cfg.MaxBatchSize {
		return nil, apperrors.BadRequest(fmt.Sprintf("batch exceeds %d messages", s.cfg.MaxBatchSize))
	}

	tracer := tracing.Tracer(eventSource)
	ctx, span := tracer.Start(ctx, "stats.upload")
	defer span.End()

	loc := s.resolveTimezone(ctx, user, timezoneHeader)

	_, prepSpan := tracer.Start(ctx, "stats.upload.prepare")
	deduped, err := s.prepareBatch(user.ID, batch)
	prepSpan.End()
	if err != nil {
		return nil, err
	}

	ingestCtx, ingestSpan := tracer.Start(ctx, "stats.upload.upsert")
	res, err := s.repo.UpsertMessageStats(ingestCtx, deduped, s.cfg.UploadChunkSize)
	ingestSpan.End()
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to store message stats")
	}

	tr := tracker.New(user.ID, loc)
	for _, m := range deduped {
		tr.Observe(m.Application, m.Date)
	}

	aggCtx, aggSpan := tracer.Start(ctx, "stats.upload.recalculate")
	written, removed, err := s.agg.RecalculateBuckets(aggCtx, tr.Keys())
	aggSpan.End()
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to recalculate buckets")
	}

	s.publish(ctx, events.StatsUploaded, user.ID, map[string]interface{}{
		"inserted": res.Inserted,
		"updated":  res.Updated,
		"buckets":  written,
	})
	s.log.WithContext(ctx).WithUserID(user.ID).Info("upload processed",
		zap.Int("inserted", res.Inserted),
		zap.Int("updated", res.Updated),
		zap.Int("buckets_written", written),
		zap.Int("buckets_removed", removed))

	return &UploadResult{
		Inserted:       res.Inserted,
		Updated:        res.Updated,
		BucketsWritten: written,
		BucketsRemoved: removed,
	}, nil
}

// prepareBatch validates each message, pins it to the authenticated user,
// and collapses duplicate hashes (last occurrence wins). Any invalid
// message rejects the whole batch.
func (s *Service) prepareBatch(userID string, batch []*models.MessageStat) ([]*models.MessageStat, error) {
	index := make(map[string]int, len(batch))
	deduped := make([]*models.MessageStat, 0, len(batch))
	for i, m := range batch {
		if m == nil {
			return nil, apperrors.ValidationError("messages", fmt.Sprintf("message %d is empty", i))
		}
		if m.GlobalHash == "" {
			return nil, apperrors.ValidationError("globalHash", fmt.Sprintf("message %d has no global hash", i))
		}
		if !m.Application.IsValid() {
			return nil, apperrors.ValidationError("application", fmt.Sprintf("message %d has unknown application %q", i, m.Application))
		}
		if m.Role != models.RoleAssistant && m.Role != models.RoleUser {
			return nil, apperrors.ValidationError("role", fmt.Sprintf("message %d has unknown role %q", i, m.Role))
		}
		if m.Date.IsZero() {
			return nil, apperrors.ValidationError("date", fmt.Sprintf("message %d has no timestamp", i))
		}
		m.UserID = userID

		if at, ok := index[m.GlobalHash]; ok {
			deduped[at] = m
			continue
		}
		index[m.GlobalHash] = len(deduped)
		deduped = append(deduped, m)
	}
	return deduped, nil
}

// resolveTimezone picks the timezone for this request. A valid X-Timezone
// header wins and is persisted as the account preference; otherwise the
// stored preference applies, then the configured default. Unknown names
// fall back to UTC without failing the upload.
func (s *Service) resolveTimezone(ctx context.Context, user *usermodels.User, header string) *time.Location {
	name := user.Timezone
	if name == "" {
		name = s.cfg.DefaultTimezone
	}
	if header != "" {
		if _, err := time.LoadLocation(header); err == nil {
			name = header
			if header != user.Timezone {
				if err := s.users.UpdateTimezone(ctx, user.ID, header); err != nil {
					s.log.WithUserID(user.ID).WithError(err).Warn("failed to persist timezone")
				} else {
					user.Timezone = header
					s.publish(ctx, events.UserTimezoneUpdated, user.ID, map[string]interface{}{
						"timezone": header,
					})
				}
			}
		} else {
			s.log.WithUserID(user.ID).Warn("ignoring unknown timezone", zap.String("timezone", header))
		}
	}
	return period.Resolve(name)
}

// DeleteRange removes the user's raw rows inside [from, to] (optionally for
// one application) and re-sums every bucket those rows contributed to.
func (s *Service) DeleteRange(ctx context.Context, user *usermodels.User, from, to time.Time, apps []models.Application) (*DeleteResult, error) {
	if to.Before(from) {
		return nil, apperrors.BadRequest("range end precedes start")
	}
	loc := period.Resolve(user.Timezone)

	// Collect the touched buckets before the rows disappear.
	observations, err := s.repo.ListObservations(ctx, user.ID, apps, &from, &to)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to inspect deletion range")
	}
	tr := tracker.New(user.ID, loc)
	for _, obs := range observations {
		tr.Observe(obs.Application, obs.Date)
	}

	deleted, err := s.repo.DeleteMessageStatsRange(ctx, user.ID, apps, from, to)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to delete message stats")
	}

	written, removed, err := s.agg.RecalculateBuckets(ctx, tr.Keys())
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to recalculate buckets after deletion")
	}

	s.publish(ctx, events.StatsDeleted, user.ID, map[string]interface{}{
		"deleted": deleted,
		"from":    from.UTC().Format(time.RFC3339),
		"to":      to.UTC().Format(time.RFC3339),
	})
	s.log.WithContext(ctx).WithUserID(user.ID).Info("range deleted",
		zap.Int64("messages_deleted", deleted),
		zap.Int("buckets_written", written),
		zap.Int("buckets_removed", removed))

	return &DeleteResult{
		MessagesDeleted: deleted,
		BucketsWritten:  written,
		BucketsRemoved:  removed,
	}, nil
}

// PurgeAccount removes every raw row and bucket of the user.
func (s *Service) PurgeAccount(ctx context.Context, user *usermodels.User) (*DeleteResult, error) {
	deleted, err := s.repo.DeleteMessageStatsForUser(ctx, user.ID)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to purge message stats")
	}
	removed, err := s.repo.DeleteBucketsForUser(ctx, user.ID)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to purge buckets")
	}

	s.publish(ctx, events.StatsDeleted, user.ID, map[string]interface{}{
		"deleted": deleted,
		"purge":   true,
	})
	s.log.WithContext(ctx).WithUserID(user.ID).Info("account purged",
		zap.Int64("messages_deleted", deleted),
		zap.Int64("buckets_removed", removed))

	return &DeleteResult{MessagesDeleted: deleted, BucketsRemoved: int(removed)}, nil
}

// Recalculate rebuilds every bucket of the user from raw rows.
func (s *Service) Recalculate(ctx context.Context, user *usermodels.User) (*aggregator.RecalcResult, error) {
	loc := period.Resolve(user.Timezone)
	res, err := s.agg.RecalculateUser(ctx, user.ID, loc)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to rebuild aggregates")
	}
	s.publish(ctx, events.StatsAccountRecalculated, user.ID, map[string]interface{}{
		"messages": res.Messages,
		"buckets":  res.Buckets,
	})
	return res, nil
}

// UserStats is the read model behind GET /api/v1/stats/me.
type UserStats struct {
	Totals       *models.StatsBucket   `json:"totals"`
	Applications []*models.StatsBucket `json:"applications"`
	Days         []*models.StatsBucket `json:"days,omitempty"`
	MessageCount int64                 `json:"message_count"`
}

// GetUserStats returns the caller's grand totals, per-application all-time
// buckets, and the daily breakdown for the requested period kind.
func (s *Service) GetUserStats(ctx context.Context, userID string, p models.Period, app models.Application) (*UserStats, error) {
	if p == "" {
		p = models.PeriodAllTime
	}
	if !p.IsValid() {
		return nil, apperrors.BadRequest(fmt.Sprintf("unknown period %q", p))
	}
	if app != "" && !app.IsValid() {
		return nil, apperrors.BadRequest(fmt.Sprintf("unknown application %q", app))
	}

	allTime, err := s.repo.ListUserBuckets(ctx, models.BucketQuery{
		UserID:      userID,
		Period:      models.PeriodAllTime,
		Application: app,
	})
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to load totals")
	}

	stats := &UserStats{Applications: allTime, Totals: combineBuckets(userID, allTime)}

	if p != models.PeriodAllTime {
		days, err := s.repo.ListUserBuckets(ctx, models.BucketQuery{
			UserID:      userID,
			Period:      p,
			Application: app,
		})
		if err != nil {
			return nil, apperrors.Wrap(err, "failed to load period breakdown")
		}
		stats.Days = days
	}

	count, err := s.repo.CountMessageStats(ctx, userID)
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to count messages")
	}
	stats.MessageCount = count
	return stats, nil
}

// combineBuckets folds per-application buckets into one grand-total record.
func combineBuckets(userID string, buckets []*models.StatsBucket) *models.StatsBucket {
	total := &models.StatsBucket{UserID: userID, Period: models.PeriodAllTime}
	for _, b := range buckets {
		total.Measures.Add(b.Measures)
		total.AssistantMessages += b.AssistantMessages
		total.UserMessages += b.UserMessages
		total.Cost += b.Cost
		if len(b.FileTypes) > 0 {
			if total.FileTypes == nil {
				total.FileTypes = make(map[string]int64)
			}
			for ext, n := range b.FileTypes {
				total.FileTypes[ext] += n
			}
		}
	}
	return total
}

// Leaderboard ranks users for one period slot. Windowed periods rank the
// slot containing now (in UTC, matching bucket boundaries for non-daily
// periods).
func (s *Service) Leaderboard(ctx context.Context, p models.Period, app models.Application, metric string, limit, offset int) ([]*models.LeaderboardEntry, error) {
	if p == "" {
		p = models.PeriodAllTime
	}
	if !p.IsValid() {
		return nil, apperrors.BadRequest(fmt.Sprintf("unknown period %q", p))
	}
	if app != "" && !app.IsValid() {
		return nil, apperrors.BadRequest(fmt.Sprintf("unknown application %q", app))
	}
	if !models.IsLeaderboardMetric(metric) {
		return nil, apperrors.BadRequest(fmt.Sprintf("unknown metric %q", metric))
	}

	start, _ := period.Bounds(p, time.Now().UTC(), time.UTC)
	entries, err := s.repo.Leaderboard(ctx, models.LeaderboardQuery{
		Period:      p,
		Start:       start,
		Application: app,
		Metric:      metric,
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		return nil, apperrors.Wrap(err, "failed to load leaderboard")
	}
	return entries, nil
}

func (s *Service) publish(ctx context.Context, eventType, userID string, data map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	subject := events.BuildStatsSubject(eventType, userID)
	event := bus.NewEvent(eventType, eventSource, data)
	if err := s.eventBus.Publish(ctx, subject, event); err != nil {
		s.log.WithError(err).Warn("failed to publish event", zap.String("subject", subject))
	}
}
