package bus

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event is a single broadcast message. Events are immutable once published
// and live only in the bounded replay log and on the wire to subscribers.
type Event struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	ID        string         `json:"id"`
}

// NewEvent stamps an event with its timestamp and id. IDs are best-effort
// unique, not enforced.
func NewEvent(eventType string, data map[string]any) Event {
	now := time.Now().UTC()
	return Event{
		Type:      eventType,
		Data:      data,
		Timestamp: now,
		ID:        fmt.Sprintf("%s_%d_%s", eventType, now.UnixMilli(), randomSuffix()),
	}
}

func randomSuffix() string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(b)
}

// Bus publishes events to live subscribers and keeps a bounded, TTL'd
// replay log per channel for clients that cannot hold a subscription.
type Bus struct {
	client    *redis.Client
	logPrefix string
	replayCap int
	replayTTL time.Duration
	logger    *slog.Logger
}

// New builds a bus on an existing Redis client.
func New(client *redis.Client, replayCap int, replayTTL time.Duration, logger *slog.Logger) *Bus {
	if replayCap <= 0 {
		replayCap = 100
	}
	if replayTTL <= 0 {
		replayTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		client:    client,
		logPrefix: "events:log:",
		replayCap: replayCap,
		replayTTL: replayTTL,
		logger:    logger,
	}
}

func (b *Bus) logKey(channel string) string {
	return b.logPrefix + channel
}

// Publish broadcasts the event to live subscribers and unconditionally
// prepends it to the channel replay log, trimmed to the cap with the TTL
// refreshed on the list key as a whole. Both writes are best-effort: each
// failure is logged, and the joined error is returned for callers that
// care, but the pipeline is expected to keep moving regardless.
func (b *Bus) Publish(ctx context.Context, channel string, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var pubErr, logErr error
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		pubErr = fmt.Errorf("publish event: %w", err)
		b.logger.Warn("event publish failed", "channel", channel, "event_type", evt.Type, "err", err)
	}

	pipe := b.client.TxPipeline()
	pipe.LPush(ctx, b.logKey(channel), data)
	pipe.LTrim(ctx, b.logKey(channel), 0, int64(b.replayCap-1))
	pipe.Expire(ctx, b.logKey(channel), b.replayTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		logErr = fmt.Errorf("append replay log: %w", err)
		b.logger.Warn("replay log append failed", "channel", channel, "event_type", evt.Type, "err", err)
	}

	return errors.Join(pubErr, logErr)
}

// Recent reads up to limit entries from the head of the replay log, newest
// first. Malformed entries are skipped, not fatal. When since is non-zero,
// only events with a timestamp strictly greater are returned.
func (b *Bus) Recent(ctx context.Context, channel string, limit int, since time.Time) ([]Event, error) {
	if limit <= 0 || limit > b.replayCap {
		limit = b.replayCap
	}
	raw, err := b.client.LRange(ctx, b.logKey(channel), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read replay log: %w", err)
	}

	events := make([]Event, 0, len(raw))
	for _, entry := range raw {
		var evt Event
		if err := json.Unmarshal([]byte(entry), &evt); err != nil {
			b.logger.Debug("skipping malformed replay entry", "channel", channel, "err", err)
			continue
		}
		if !since.IsZero() && !evt.Timestamp.After(since) {
			continue
		}
		events = append(events, evt)
	}
	return events, nil
}

// Subscribe opens a dedicated pub/sub subscription to the channel. The
// caller owns the returned PubSub and must Close it; closing is what
// releases the dedicated connection.
func (b *Bus) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return b.client.Subscribe(ctx, channel)
}

// Healthy pings the backing store with a short deadline. The live-update
// handler uses this to decide between push mode and the polling fallback.
func (b *Bus) Healthy(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return b.client.Ping(pingCtx).Err() == nil
}
