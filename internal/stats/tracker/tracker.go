// Package tracker collects the distinct aggregate buckets touched by a set
// of message timestamps, so that recalculation can be limited to exactly
// those buckets.
package tracker

import (
	"sort"
	"time"

	"github.com/tallyd/tallyd/internal/stats/models"
	"github.com/tallyd/tallyd/internal/stats/period"
)

// Key identifies one bucket to recalculate.
type Key struct {
	ID          string
	UserID      string
	Period      models.Period
	Application models.Application
	Start       *time.Time
	End         *time.Time
}

// Tracker deduplicates bucket keys across every observed message. One
// observation touches one bucket per period kind, six in total.
type Tracker struct {
	userID string
	loc    *time.Location
	keys   map[string]Key
}

func New(userID string, loc *time.Location) *Tracker {
	if loc == nil {
		loc = time.UTC
	}
	return &Tracker{userID: userID, loc: loc, keys: make(map[string]Key)}
}

// Observe records the buckets containing a message with the given
// application and timestamp.
func (t *Tracker) Observe(app models.Application, at time.Time) {
	for _, p := range models.AllPeriods {
		start, end := period.Bounds(p, at, t.loc)
		id := models.BucketID(t.userID, p, app, start)
		if _, ok := t.keys[id]; ok {
			continue
		}
		t.keys[id] = Key{
			ID:          id,
			UserID:      t.userID,
			Period:      p,
			Application: app,
			Start:       start,
			End:         end,
		}
	}
}

// Len returns the number of distinct buckets observed so far.
func (t *Tracker) Len() int { return len(t.keys) }

// Keys returns the tracked buckets in a deterministic order.
func (t *Tracker) Keys() []Key {
	out := make([]Key, 0, len(t.keys))
	for _, k := range t.keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
