package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message is one delivery-layer unit: a task envelope plus the delivery
// bookkeeping the relay needs. Attempts here are delivery attempts (worker
// unreachable or erroring), independent of any retry counter a task
// carries in its own payload.
type Message struct {
	ID         string          `json:"id"`
	Envelope   json.RawMessage `json:"envelope"`
	Attempts   int             `json:"attempts"`
	MaxRetries int             `json:"max_retries"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Queue coordinates ready, in-flight, and scheduled task messages in
// Redis. Message bodies expire on their own after a day so an abandoned
// queue self-cleans.
type Queue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	bodyPrefix    string
	dlqKey        string
	visibilityTTL time.Duration
	bodyTTL       time.Duration
}

// NewQueue builds a queue on an existing Redis client.
func NewQueue(client *redis.Client, visibility time.Duration) *Queue {
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	return &Queue{
		client:        client,
		readyKey:      "tasks:ready",
		inflightKey:   "tasks:inflight",
		scheduledKey:  "tasks:scheduled",
		bodyPrefix:    "tasks:body:",
		dlqKey:        "tasks:dlq",
		visibilityTTL: visibility,
		bodyTTL:       24 * time.Hour,
	}
}

func (q *Queue) bodyKey(msgID string) string {
	return q.bodyPrefix + msgID
}

// Push stores the message body and places the id into either the
// scheduled set or the ready list depending on runAt.
func (q *Queue) Push(ctx context.Context, msg Message, runAt time.Time) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.bodyKey(msg.ID), body, q.bodyTTL)
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: msg.ID})
	} else {
		pipe.RPush(ctx, q.readyKey, msg.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push message: %w", err)
	}
	return nil
}

// PromoteScheduled moves due scheduled messages into the ready list and
// returns how many were promoted.
func (q *Queue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops a ready message id, placing it into the in-flight
// set with a visibility deadline. Returns "" when the queue is empty.
func (q *Queue) DequeueWithLease(ctx context.Context) (string, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey, q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	id, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return id, nil
}

// Get loads the message body for an id.
func (q *Queue) Get(ctx context.Context, msgID string) (Message, error) {
	data, err := q.client.Get(ctx, q.bodyKey(msgID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Message{}, fmt.Errorf("message %s not found", msgID)
	}
	if err != nil {
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}

// Ack removes a delivered message entirely.
func (q *Queue) Ack(ctx context.Context, msgID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, msgID)
	pipe.Del(ctx, q.bodyKey(msgID))
	_, err := pipe.Exec(ctx)
	return err
}

// Reschedule records a failed delivery attempt and moves the message back
// into the scheduled set for a later retry.
func (q *Queue) Reschedule(ctx context.Context, msg Message, runAt time.Time) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.bodyKey(msg.ID), body, q.bodyTTL)
	pipe.ZRem(ctx, q.inflightKey, msg.ID)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: msg.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// DeadLetter parks the full message on the DLQ for operator inspection
// and removes it from active tracking.
func (q *Queue) DeadLetter(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, q.dlqKey, body)
	pipe.ZRem(ctx, q.inflightKey, msg.ID)
	pipe.Del(ctx, q.bodyKey(msg.ID))
	_, err = pipe.Exec(ctx)
	return err
}

// DLQPeek reads up to count dead-lettered messages, oldest first.
func (q *Queue) DLQPeek(ctx context.Context, count int64) ([]Message, error) {
	raw, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(raw))
	for _, entry := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(entry), &msg); err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// RequeueExpired reclaims in-flight messages whose visibility deadline
// passed, pushing them back onto the ready list.
func (q *Queue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// ReadyDepth returns the current ready list length.
func (q *Queue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
