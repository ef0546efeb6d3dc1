package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"scamshield/internal/models"
)

// Registry tracks one ActiveCall record per in-flight call in Redis, each
// key carrying its own TTL. Records are informational (dashboard and
// cleanup), not a lock: concurrent writers to the same call race by
// last-write-wins.
type Registry struct {
	client     *redis.Client
	prefix     string
	defaultTTL time.Duration
}

// New builds a registry on an existing Redis client.
func New(client *redis.Client, defaultTTL time.Duration) *Registry {
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &Registry{
		client:     client,
		prefix:     "calls:active:",
		defaultTTL: defaultTTL,
	}
}

func (r *Registry) key(callID string) string {
	return r.prefix + callID
}

// Put stores a record under the call id with the given TTL. A zero ttl
// uses the registry default.
func (r *Registry) Put(ctx context.Context, call models.ActiveCall, ttl time.Duration) error {
	if call.CallID == "" {
		return errors.New("registry: call id is required")
	}
	if ttl <= 0 {
		ttl = r.defaultTTL
	}
	data, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("marshal call record: %w", err)
	}
	if err := r.client.Set(ctx, r.key(call.CallID), data, ttl).Err(); err != nil {
		return fmt.Errorf("set call record: %w", err)
	}
	return nil
}

// Get returns the record for a call id. A missing or expired record is
// reported as (zero, false, nil), never as an error.
func (r *Registry) Get(ctx context.Context, callID string) (models.ActiveCall, bool, error) {
	data, err := r.client.Get(ctx, r.key(callID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.ActiveCall{}, false, nil
	}
	if err != nil {
		return models.ActiveCall{}, false, fmt.Errorf("get call record: %w", err)
	}
	var call models.ActiveCall
	if err := json.Unmarshal(data, &call); err != nil {
		return models.ActiveCall{}, false, fmt.Errorf("decode call record: %w", err)
	}
	return call, true, nil
}

// UpdateStatus mutates the record for a call in place, preserving the
// remaining TTL. The mutation is read-modify-write without locking;
// last-write-wins is acceptable for these records. A missing record is a
// no-op reported as (false, nil).
func (r *Registry) UpdateStatus(ctx context.Context, callID, status string, mutate func(*models.ActiveCall)) (bool, error) {
	call, ok, err := r.Get(ctx, callID)
	if err != nil || !ok {
		return false, err
	}
	call.Status = status
	call.LastUpdate = time.Now().UTC()
	if mutate != nil {
		mutate(&call)
	}
	data, err := json.Marshal(call)
	if err != nil {
		return false, fmt.Errorf("marshal call record: %w", err)
	}
	if err := r.client.Set(ctx, r.key(callID), data, redis.KeepTTL).Err(); err != nil {
		return false, fmt.Errorf("update call record: %w", err)
	}
	return true, nil
}

// Delete removes the record for a call. Deleting an absent record is not
// an error.
func (r *Registry) Delete(ctx context.Context, callID string) error {
	if err := r.client.Del(ctx, r.key(callID)).Err(); err != nil {
		return fmt.Errorf("delete call record: %w", err)
	}
	return nil
}

// List scans all active-call records. The scan is best-effort and not
// transactionally consistent with concurrent writers; records that vanish
// or fail to decode mid-scan are skipped.
func (r *Registry) List(ctx context.Context) ([]models.ActiveCall, error) {
	var calls []models.ActiveCall
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var call models.ActiveCall
		if err := json.Unmarshal(data, &call); err != nil {
			continue
		}
		calls = append(calls, call)
	}
	if err := iter.Err(); err != nil {
		return calls, fmt.Errorf("scan call records: %w", err)
	}
	return calls, nil
}

// Count returns the number of active-call keys currently visible.
func (r *Registry) Count(ctx context.Context) (int, error) {
	n := 0
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return n, fmt.Errorf("scan call records: %w", err)
	}
	return n, nil
}
