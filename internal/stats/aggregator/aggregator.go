// Package aggregator rebuilds aggregate buckets from raw message rows.
// Buckets are only ever overwritten with freshly computed sums; nothing in
// this package adds a delta to a stored value.
package aggregator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tallyd/tallyd/internal/common/logger"
	"github.com/tallyd/tallyd/internal/stats/models"
	"github.com/tallyd/tallyd/internal/stats/period"
	"github.com/tallyd/tallyd/internal/stats/repository"
	"github.com/tallyd/tallyd/internal/stats/tracker"
)

// Aggregator recomputes buckets from the message_stats table.
type Aggregator struct {
	repo repository.Repository
	log  *logger.Logger
}

func New(repo repository.Repository, log *logger.Logger) *Aggregator {
	if log == nil {
		log = logger.Default()
	}
	return &Aggregator{repo: repo, log: log}
}

// RecalcResult summarizes a full-account rebuild.
type RecalcResult struct {
	Messages int64 `json:"messages"`
	Buckets  int   `json:"buckets"`
}

// RecalculateBuckets re-sums each tracked bucket from its window of raw
// rows and overwrites the stored record. A bucket whose window holds no rows
// is removed. Returns the counts of buckets written and removed.
func (a *Aggregator) RecalculateBuckets(ctx context.Context, keys []tracker.Key) (int, int, error) {
	var written, removed int
	for _, key := range keys {
		sum, err := a.repo.SumWindow(ctx, key.UserID, key.Application, key.Start, key.End)
		if err != nil {
			return written, removed, fmt.Errorf("sum bucket %s: %w", key.ID, err)
		}
		if sum.Rows == 0 {
			if err := a.repo.DeleteBucket(ctx, key.ID); err != nil {
				return written, removed, fmt.Errorf("delete bucket %s: %w", key.ID, err)
			}
			removed++
			continue
		}

		fileTypes, err := a.repo.MergedFileTypes(ctx, key.UserID, key.Application, key.Start, key.End)
		if err != nil {
			return written, removed, fmt.Errorf("merge file types for %s: %w", key.ID, err)
		}
		bucket := &models.StatsBucket{
			ID: key.ID,
			UserID: key.UserID,
			Period: key.Period,
			Application: key.Application,
			PeriodStart: key.Start,
			PeriodEnd: key.End,
			Measures: sum.Measures,
			AssistantMessages: sum.AssistantMessages,
			UserMessages: sum.UserMessages,
			Cost: sum.Cost,
			FileTypes: fileTypes,
		}
		if err := a.repo.UpsertBucket(ctx, bucket); err != nil {
			return written, removed, fmt.Errorf("write bucket %s: %w", key.ID, err)
		}
		written++
	}
	a.log.Debug("recalculated buckets",
		zap.Int("written", written),
		zap.Int("removed", removed))
	return written, removed, nil
}

// RecalculateUser rebuilds every bucket of one account from scratch: the
// existing buckets are dropped, the raw rows are streamed once, and each
// touched bucket is written back with totals accumulated in memory. An
// account with no rows ends up with no buckets, which is a trivial success.
func (a *Aggregator) RecalculateUser(ctx context.Context, userID string, loc *time.Location) (*RecalcResult, error) {
	if loc == nil {
		loc = time.UTC
	}
	if _, err := a.repo.DeleteBucketsForUser(ctx, userID); err != nil {
		return nil, fmt.Errorf("drop buckets: %w", err)
	}

	buckets := make(map[string]*models.StatsBucket)
	var messages int64
	err := a.repo.ForEachMessageStat(ctx, userID, func(m *models.MessageStat) error {
		messages++
		for _, p := range models.AllPeriods {
			start, end := period.Bounds(p, m.Date, loc)
			id := models.BucketID(userID, p, m.Application, start)
			b, ok := buckets[id]
			if !ok {
				b = &models.StatsBucket{
					ID: id,
					UserID: userID,
					Period: p,
					Application: m.Application,
					PeriodStart: start,
					PeriodEnd: end,
				}
				buckets[id] = b
			}
			accumulate(b, m)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("stream messages: %w", err)
	}

	for _, b := range buckets {
		if err := a.repo.UpsertBucket(ctx, b); err != nil {
			return nil, fmt.Errorf("write bucket %s: %w", b.ID, err)
		}
	}
	a.log.WithUserID(userID).Info("rebuilt account aggregates",
		zap.Int64("messages", messages),
		zap.Int("buckets", len(buckets)))
	return &RecalcResult{Messages: messages, Buckets: len(buckets)}, nil
}

func accumulate(b *models.StatsBucket, m *models.MessageStat) {
	b.Measures.Add(m.Measures)
	switch m.Role {
	case models.RoleAssistant:
		b.AssistantMessages++
	case models.RoleUser:
		b.UserMessages++
	}
	if m.Cost != nil {
		b.Cost += *m.Cost
	}
	if len(m.FileTypes) > 0 {
		if b.FileTypes == nil {
			b.FileTypes = make(map[string]int64)
		}
		for ext, n := range m.FileTypes {
			b.FileTypes[ext] += n
		}
	}
}
