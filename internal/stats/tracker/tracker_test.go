package tracker

import (
	"testing"
	"time"

	"github.com/tallyd/tallyd/internal/stats/models"
)

func TestObserveSingleMessage(t *testing.T) {
	tr := New("user-1", time.UTC)
	tr.Observe(models.AppClaudeCode, time.Date(2025, 6, 15, 14, 30, 0, 0, time.UTC))

	if tr.Len() != len(models.AllPeriods) {
		t.Fatalf("Len() = %d, want %d", tr.Len(), len(models.AllPeriods))
	}
	seen := map[models.Period]bool{}
	for _, k := range tr.Keys() {
		seen[k.Period] = true
		if k.UserID != "user-1" {
			t.Errorf("key user = %q", k.UserID)
		}
		if k.Period == models.PeriodAllTime {
			if k.Start != nil || k.End != nil {
				t.Error("all-time key has bounds")
			}
		} else if k.Start == nil || k.End == nil {
			t.Errorf("%s key missing bounds", k.Period)
		}
	}
	for _, p := range models.AllPeriods {
		if !seen[p] {
			t.Errorf("missing period %s", p)
		}
	}
}

func TestObserveDeduplicatesSharedBuckets(t *testing.T) {
	tr := New("user-1", time.UTC)
	// Two messages in the same hour share every bucket.
	tr.Observe(models.AppClaudeCode, time.Date(2025, 6, 15, 14, 5, 0, 0, time.UTC))
	tr.Observe(models.AppClaudeCode, time.Date(2025, 6, 15, 14, 55, 0, 0, time.UTC))
	if tr.Len() != 6 {
		t.Errorf("Len() = %d, want 6", tr.Len())
	}

	// A third in the next hour adds only a new hourly bucket.
	tr.Observe(models.AppClaudeCode, time.Date(2025, 6, 15, 15, 5, 0, 0, time.UTC))
	if tr.Len() != 7 {
		t.Errorf("Len() = %d, want 7", tr.Len())
	}
}

func TestObserveSeparatesApplications(t *testing.T) {
	tr := New("user-1", time.UTC)
	at := time.Date(2025, 6, 15, 14, 5, 0, 0, time.UTC)
	tr.Observe(models.AppClaudeCode, at)
	tr.Observe(models.AppGeminiCLI, at)
	if tr.Len() != 12 {
		t.Errorf("Len() = %d, want 12", tr.Len())
	}
}

func TestKeysDeterministicOrder(t *testing.T) {
	build := func() []Key {
		tr := New("user-1", time.UTC)
		tr.Observe(models.AppGeminiCLI, time.Date(2025, 6, 15, 14, 5, 0, 0, time.UTC))
		tr.Observe(models.AppClaudeCode, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
		return tr.Keys()
	}
	a, b := build(), build()
	if len(a) != len(b) {
		t.Fatalf("lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			t.Fatalf("order differs at %d: %s vs %s", i, a[i].ID, b[i].ID)
		}
	}
}
