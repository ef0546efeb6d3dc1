package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"time"

	"scamshield/internal/telemetry"
)

// Relay is the at-least-once delivery loop: it drains the queue and POSTs
// signed task envelopes to the worker endpoint. A 2xx response acks the
// message, a 4xx dead-letters it immediately (the worker rejected it as
// malformed, redelivery cannot help), and a 5xx or transport error
// reschedules it with jittered backoff until the message's retry budget is
// spent.
type Relay struct {
	queue          *Queue
	signer         *Signer
	workerURL      string
	client         *http.Client
	pollInterval   time.Duration
	backoffInitial time.Duration
	backoffMax     time.Duration
	batchSize      int64
	logger         *slog.Logger
}

// RelayConfig collects the relay's tunables.
type RelayConfig struct {
	WorkerURL      string
	PollInterval   time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BatchSize      int
}

// NewRelay builds a relay over a queue and signer.
func NewRelay(queue *Queue, signer *Signer, cfg RelayConfig, logger *slog.Logger) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 2 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		queue:          queue,
		signer:         signer,
		workerURL:      cfg.WorkerURL,
		client:         &http.Client{Timeout: 30 * time.Second},
		pollInterval:   cfg.PollInterval,
		backoffInitial: cfg.BackoffInitial,
		backoffMax:     cfg.BackoffMax,
		batchSize:      int64(cfg.BatchSize),
		logger:         logger,
	}
}

// Run drives the delivery loop until context cancellation.
func (r *Relay) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, _ = r.queue.PromoteScheduled(ctx, time.Now(), r.batchSize)
		if reclaimed, _ := r.queue.RequeueExpired(ctx, time.Now(), r.batchSize); len(reclaimed) > 0 {
			r.logger.Warn("reclaimed expired deliveries", "count", len(reclaimed))
		}

		msgID, err := r.queue.DequeueWithLease(ctx)
		if err != nil || msgID == "" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.pollInterval):
			}
			continue
		}

		msg, err := r.queue.Get(ctx, msgID)
		if err != nil {
			// Body expired or vanished; nothing left to deliver.
			_ = r.queue.Ack(ctx, msgID)
			continue
		}
		r.deliver(ctx, msg)
	}
}

// deliver runs one delivery attempt and settles the message.
func (r *Relay) deliver(ctx context.Context, msg Message) {
	status, err := r.post(ctx, msg.Envelope)
	switch {
	case err == nil && status < 300:
		_ = r.queue.Ack(ctx, msg.ID)
		telemetry.TasksDelivered.Inc()
		return
	case err == nil && status >= 400 && status < 500:
		r.logger.Warn("worker rejected task, dead-lettering", "message_id", msg.ID, "status", status)
		_ = r.queue.DeadLetter(ctx, msg)
		telemetry.TasksDeadLetter.Inc()
		return
	}

	msg.Attempts++
	if msg.Attempts > msg.MaxRetries {
		r.logger.Error("delivery retries exhausted", "message_id", msg.ID, "attempts", msg.Attempts, "err", err)
		_ = r.queue.DeadLetter(ctx, msg)
		telemetry.TasksDeadLetter.Inc()
		return
	}
	next := time.Now().Add(backoffWithJitter(r.backoffInitial, r.backoffMax, msg.Attempts))
	r.logger.Warn("delivery failed, rescheduling", "message_id", msg.ID, "attempts", msg.Attempts, "next_run", next, "status", status, "err", err)
	_ = r.queue.Reschedule(ctx, msg, next)
	telemetry.TasksRedelivered.Inc()
}

func (r *Relay) post(ctx context.Context, envelope []byte) (int, error) {
	sig, err := r.signer.Sign(envelope, r.workerURL)
	if err != nil {
		return 0, fmt.Errorf("sign envelope: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.workerURL, bytes.NewReader(envelope))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, sig)

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	half := wait / 2
	if half <= 0 {
		return wait
	}
	return half + time.Duration(rand.Int63n(int64(half)))
}
