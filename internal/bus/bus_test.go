package bus

import (
	"context"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestBus(t *testing.T) (*Bus, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, 100, 5*time.Minute, nil), mr
}

func TestPublishThenRecentNewestFirst(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBus(t)

	first := NewEvent("incoming_call", map[string]any{"call_id": "call-1"})
	if err := b.Publish(ctx, "live_updates", first); err != nil {
		t.Fatalf("publish: %v", err)
	}
	second := NewEvent("call_status", map[string]any{"call_id": "call-1"})
	if err := b.Publish(ctx, "live_updates", second); err != nil {
		t.Fatalf("publish: %v", err)
	}

	events, err := b.Recent(ctx, "live_updates", 10, time.Time{})
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].ID != second.ID {
		t.Fatalf("expected newest event first, got %s", events[0].ID)
	}
	if events[0].Type != "call_status" || events[1].Type != "incoming_call" {
		t.Fatalf("unexpected order: %s, %s", events[0].Type, events[1].Type)
	}
}

func TestRecentSingleEvent(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBus(t)

	if err := b.Publish(ctx, "live_updates", NewEvent("incoming_call", map[string]any{"caller": "+15550100"})); err != nil {
		t.Fatalf("publish: %v", err)
	}
	events, err := b.Recent(ctx, "live_updates", 1, time.Time{})
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 1 || events[0].Type != "incoming_call" {
		t.Fatalf("expected one incoming_call event, got %+v", events)
	}
}

func TestReplayLogCap(t *testing.T) {
	ctx := context.Background()
	b, mr := newTestBus(t)

	for i := 0; i < 130; i++ {
		evt := NewEvent("call_status", map[string]any{"seq": i})
		if err := b.Publish(ctx, "live_updates", evt); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	entries, err := mr.List("events:log:live_updates")
	if err != nil {
		t.Fatalf("read log list: %v", err)
	}
	if len(entries) != 100 {
		t.Fatalf("expected replay log capped at 100, got %d", len(entries))
	}
}

func TestRecentSinceFilterIsStrict(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBus(t)

	old := NewEvent("incoming_call", nil)
	old.Timestamp = time.Now().UTC().Add(-time.Minute)
	if err := b.Publish(ctx, "live_updates", old); err != nil {
		t.Fatalf("publish: %v", err)
	}
	fresh := NewEvent("call_status", nil)
	if err := b.Publish(ctx, "live_updates", fresh); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// Filtering at exactly the old event's timestamp must exclude it.
	events, err := b.Recent(ctx, "live_updates", 10, old.Timestamp)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	for _, evt := range events {
		if !evt.Timestamp.After(old.Timestamp) {
			t.Fatalf("event %s violates strict since filter", evt.ID)
		}
	}
	if len(events) != 1 || events[0].ID != fresh.ID {
		t.Fatalf("expected only the fresh event, got %+v", events)
	}
}

func TestRecentSkipsMalformedEntries(t *testing.T) {
	ctx := context.Background()
	b, mr := newTestBus(t)

	if err := b.Publish(ctx, "live_updates", NewEvent("incoming_call", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := mr.Lpush("events:log:live_updates", "{truncated"); err != nil {
		t.Fatalf("lpush garbage: %v", err)
	}

	events, err := b.Recent(ctx, "live_updates", 10, time.Time{})
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 1 || events[0].Type != "incoming_call" {
		t.Fatalf("expected malformed entry skipped, got %+v", events)
	}
}

func TestReplayLogTTL(t *testing.T) {
	ctx := context.Background()
	b, mr := newTestBus(t)

	if err := b.Publish(ctx, "live_updates", NewEvent("incoming_call", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	mr.FastForward(6 * time.Minute)

	events, err := b.Recent(ctx, "live_updates", 10, time.Time{})
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected replay log expired, got %d events", len(events))
	}
}

func TestSubscribeReceivesPublished(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBus(t)

	sub := b.Subscribe(ctx, "live_updates")
	defer sub.Close()
	// Wait for the subscription to be registered before publishing.
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	evt := NewEvent("scam_detected", map[string]any{"call_id": "call-1"})
	if err := b.Publish(ctx, "live_updates", evt); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		if msg.Payload == "" {
			t.Fatalf("empty payload")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no message received on subscription")
	}
}

func TestEventIDShape(t *testing.T) {
	evt := NewEvent("incoming_call", nil)
	want := fmt.Sprintf("incoming_call_%d_", evt.Timestamp.UnixMilli())
	if len(evt.ID) <= len(want) || evt.ID[:len(want)] != want {
		t.Fatalf("unexpected event id shape: %s", evt.ID)
	}
}
