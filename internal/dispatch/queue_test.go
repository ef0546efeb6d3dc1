package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewQueue(client, 30*time.Second), mr
}

func testMessage(id string) Message {
	return Message{
		ID:         id,
		Envelope:   json.RawMessage(`{"taskType":"process_recording"}`),
		MaxRetries: 3,
		EnqueuedAt: time.Now().UTC(),
	}
}

func TestQueueImmediatePushIsReady(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Push(ctx, testMessage("m1"), time.Now()); err != nil {
		t.Fatalf("push: %v", err)
	}

	id, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if id != "m1" {
		t.Fatalf("expected m1, got %q", id)
	}

	msg, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if msg.MaxRetries != 3 {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestQueueDelayedPushNeedsPromotion(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Push(ctx, testMessage("m1"), time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("push: %v", err)
	}

	id, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if id != "" {
		t.Fatalf("delayed message should not be ready yet, got %q", id)
	}

	// Not due yet.
	n, err := q.PromoteScheduled(ctx, time.Now(), 100)
	if err != nil || n != 0 {
		t.Fatalf("expected no promotion before due time, got n=%d err=%v", n, err)
	}

	// Due.
	n, err = q.PromoteScheduled(ctx, time.Now().Add(2*time.Minute), 100)
	if err != nil || n != 1 {
		t.Fatalf("expected one promotion, got n=%d err=%v", n, err)
	}
	id, _ = q.DequeueWithLease(ctx)
	if id != "m1" {
		t.Fatalf("expected m1 after promotion, got %q", id)
	}
}

func TestQueueAckRemovesMessage(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Push(ctx, testMessage("m1"), time.Now()); err != nil {
		t.Fatalf("push: %v", err)
	}
	id, _ := q.DequeueWithLease(ctx)
	if err := q.Ack(ctx, id); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if _, err := q.Get(ctx, id); err == nil {
		t.Fatalf("expected body gone after ack")
	}
}

func TestQueueRequeueExpired(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if err := q.Push(ctx, testMessage("m1"), time.Now()); err != nil {
		t.Fatalf("push: %v", err)
	}
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	// Before the visibility deadline nothing is reclaimed.
	ids, err := q.RequeueExpired(ctx, time.Now(), 100)
	if err != nil || len(ids) != 0 {
		t.Fatalf("expected no reclaim before deadline, got %v err=%v", ids, err)
	}

	ids, err = q.RequeueExpired(ctx, time.Now().Add(time.Minute), 100)
	if err != nil || len(ids) != 1 || ids[0] != "m1" {
		t.Fatalf("expected m1 reclaimed, got %v err=%v", ids, err)
	}
	id, _ := q.DequeueWithLease(ctx)
	if id != "m1" {
		t.Fatalf("expected m1 ready again, got %q", id)
	}
}

func TestQueueDeadLetterAndPeek(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	msg := testMessage("m1")
	msg.Attempts = 4
	if err := q.Push(ctx, msg, time.Now()); err != nil {
		t.Fatalf("push: %v", err)
	}
	if _, err := q.DequeueWithLease(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := q.DeadLetter(ctx, msg); err != nil {
		t.Fatalf("dead letter: %v", err)
	}

	msgs, err := q.DLQPeek(ctx, 10)
	if err != nil {
		t.Fatalf("dlq peek: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "m1" || msgs[0].Attempts != 4 {
		t.Fatalf("unexpected dlq contents: %+v", msgs)
	}
	if _, err := q.Get(ctx, "m1"); err == nil {
		t.Fatalf("expected body removed after dead-letter")
	}
}
