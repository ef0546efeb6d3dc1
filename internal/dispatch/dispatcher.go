package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"scamshield/internal/models"
	"scamshield/internal/telemetry"
)

// Options tune a single enqueue. The delivery layer owns backoff between
// its own redelivery attempts; tasks only choose the initial delay and the
// redelivery budget.
type Options struct {
	Delay   time.Duration
	Retries int
}

// Enqueued reports the ids assigned to an accepted task.
type Enqueued struct {
	MessageID string `json:"message_id"`
	TaskID    string `json:"task_id"`
}

// Dispatcher accepts typed tasks and hands them to the at-least-once
// delivery queue addressed at the worker endpoint.
type Dispatcher struct {
	queue          *Queue
	defaultRetries int
}

// NewDispatcher builds a dispatcher over a queue.
func NewDispatcher(queue *Queue, defaultRetries int) *Dispatcher {
	if defaultRetries <= 0 {
		defaultRetries = 3
	}
	return &Dispatcher{queue: queue, defaultRetries: defaultRetries}
}

// Enqueue stamps a task envelope with a fresh task id and schedules it for
// delivery. taskData must marshal to JSON; typed payloads from
// internal/models are the expected inputs.
func (d *Dispatcher) Enqueue(ctx context.Context, taskType string, taskData any, opts Options) (Enqueued, error) {
	data, err := json.Marshal(taskData)
	if err != nil {
		return Enqueued{}, fmt.Errorf("marshal task data: %w", err)
	}
	task := models.Task{
		TaskType:  taskType,
		TaskData:  data,
		TaskID:    uuid.New().String(),
		Timestamp: time.Now().UTC(),
	}
	envelope, err := json.Marshal(task)
	if err != nil {
		return Enqueued{}, fmt.Errorf("marshal task envelope: %w", err)
	}

	retries := opts.Retries
	if retries <= 0 {
		retries = d.defaultRetries
	}
	msg := Message{
		ID:         uuid.New().String(),
		Envelope:   envelope,
		MaxRetries: retries,
		EnqueuedAt: time.Now().UTC(),
	}
	runAt := time.Now().Add(opts.Delay)
	if err := d.queue.Push(ctx, msg, runAt); err != nil {
		return Enqueued{}, fmt.Errorf("enqueue task %s: %w", taskType, err)
	}
	telemetry.TasksEnqueued.WithLabelValues(taskType).Inc()
	return Enqueued{MessageID: msg.ID, TaskID: task.TaskID}, nil
}
