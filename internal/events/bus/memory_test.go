package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tallyd/tallyd/internal/common/logger"
)

func newTestBus(t *testing.T) *MemoryEventBus {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return NewMemoryEventBus(log)
}

func waitFor(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe("stats.uploaded.user-1", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	event := NewEvent("stats.uploaded", "test", map[string]interface{}{"rows": 3})
	if err := b.Publish(context.Background(), "stats.uploaded.user-1", event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := waitFor(t, received)
	if got.ID != event.ID {
		t.Errorf("expected event id %s, got %s", event.ID, got.ID)
	}
}

func TestMemoryBusWildcardMatching(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	received := make(chan *Event, 2)
	if _, err := b.Subscribe("stats.uploaded.*", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := b.Publish(context.Background(), "stats.uploaded.user-1", NewEvent("stats.uploaded", "test", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitFor(t, received)

	// A non-matching subject must not be delivered
	if err := b.Publish(context.Background(), "stats.deleted.user-1", NewEvent("stats.deleted", "test", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-received:
		t.Error("wildcard stats.uploaded.* should not match stats.deleted.user-1")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryBusQueueGroupDeliversOnce(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	var mu sync.Mutex
	deliveries := 0
	done := make(chan struct{}, 2)

	handler := func(ctx context.Context, e *Event) error {
		mu.Lock()
		deliveries++
		mu.Unlock()
		done <- struct{}{}
		return nil
	}

	for i := 0; i < 2; i++ {
		if _, err := b.QueueSubscribe("stats.uploaded.*", "reporters", handler); err != nil {
			t.Fatalf("queue subscribe: %v", err)
		}
	}

	if err := b.Publish(context.Background(), "stats.uploaded.user-1", NewEvent("stats.uploaded", "test", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for queue delivery")
	}
	// Give a second (erroneous) delivery time to land
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if deliveries != 1 {
		t.Errorf("expected exactly 1 delivery to queue group, got %d", deliveries)
	}
}

func TestMemoryBusClosedRejectsPublish(t *testing.T) {
	b := newTestBus(t)
	b.Close()

	if b.IsConnected() {
		t.Error("closed bus should not report connected")
	}
	if err := b.Publish(context.Background(), "stats.uploaded.user-1", NewEvent("stats.uploaded", "test", nil)); err == nil {
		t.Error("expected publish on closed bus to fail")
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := newTestBus(t)
	defer b.Close()

	received := make(chan *Event, 1)
	sub, err := b.Subscribe("stats.deleted.user-1", func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if sub.IsValid() {
		t.Error("unsubscribed subscription should not be valid")
	}

	if err := b.Publish(context.Background(), "stats.deleted.user-1", NewEvent("stats.deleted", "test", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-received:
		t.Error("unsubscribed handler should not receive events")
	case <-time.After(100 * time.Millisecond):
	}
}
