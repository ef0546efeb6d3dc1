package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"scamshield/internal/bus"
	"scamshield/internal/collab"
	"scamshield/internal/dispatch"
	"scamshield/internal/models"
	"scamshield/internal/registry"
)

// Config carries the worker's pipeline tunables.
type Config struct {
	// EventChannel is the bus channel status events are published on.
	EventChannel string
	// EngagementThreshold is the minimum classifier confidence that
	// triggers an outbound agent callback.
	EngagementThreshold int
	// RecheckDelay is the re-enqueue delay when a recording is not ready
	// yet. Intentionally shorter than the first delivery delay.
	RecheckDelay time.Duration
	// MaxRecordingRetries bounds the fetch-and-deliver chain.
	MaxRecordingRetries int
	// AgentCallTimeFloor skips outbound call creation when less than this
	// remains of the invocation budget.
	AgentCallTimeFloor time.Duration
}

// Worker is the task endpoint: it authenticates delivery-layer requests,
// routes envelopes by task type, and runs the handlers.
type Worker struct {
	cfg        Config
	signer     *dispatch.Signer
	workerURL  string
	registry   *registry.Registry
	bus        *bus.Bus
	dispatcher *dispatch.Dispatcher
	classifier collab.Classifier
	caller     collab.Caller
	sink       collab.Sink
	archiver   Archiver
	logger     *slog.Logger
}

// Archiver stores a fetched recording durably and returns the archived
// URL. A nil Archiver leaves recordings at their provider URL.
type Archiver interface {
	Archive(ctx context.Context, callID, recordingURL string) (string, error)
}

// New wires a worker.
func New(cfg Config, signer *dispatch.Signer, workerURL string, reg *registry.Registry, b *bus.Bus,
	d *dispatch.Dispatcher, classifier collab.Classifier, caller collab.Caller, sink collab.Sink,
	archiver Archiver, logger *slog.Logger) *Worker {
	if cfg.EventChannel == "" {
		cfg.EventChannel = "live_updates"
	}
	if cfg.EngagementThreshold <= 0 {
		cfg.EngagementThreshold = 70
	}
	if cfg.RecheckDelay <= 0 {
		cfg.RecheckDelay = 20 * time.Second
	}
	if cfg.MaxRecordingRetries <= 0 {
		cfg.MaxRecordingRetries = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		cfg:        cfg,
		signer:     signer,
		workerURL:  workerURL,
		registry:   reg,
		bus:        b,
		dispatcher: d,
		classifier: classifier,
		caller:     caller,
		sink:       sink,
		archiver:   archiver,
		logger:     logger,
	}
}

// ServeHTTP handles POSTs from the delivery layer. Responses: 200 when the
// task was handled (including a terminal give-up), 400 on a malformed or
// unknown task, 403 on signature failure, 500 on a handler error so the
// delivery layer redelivers.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(rw, "read body", http.StatusBadRequest)
		return
	}
	if err := w.signer.Verify(r.Header.Get(dispatch.SignatureHeader), body, w.workerURL); err != nil {
		w.logger.Warn("rejected unsigned task delivery", "err", err)
		http.Error(rw, "invalid signature", http.StatusForbidden)
		return
	}

	var task models.Task
	if err := json.Unmarshal(body, &task); err != nil {
		http.Error(rw, "malformed task envelope", http.StatusBadRequest)
		return
	}

	if err := w.route(r.Context(), task); err != nil {
		var bad badTaskError
		if errors.As(err, &bad) {
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
		w.logger.Error("task handler failed", "task_type", task.TaskType, "task_id", task.TaskID, "err", err)
		http.Error(rw, "task failed", http.StatusInternalServerError)
		return
	}

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write([]byte(`{"status":"ok"}`))
}

// badTaskError marks failures the delivery layer cannot fix by retrying:
// unknown task types and undecodable payloads.
type badTaskError struct{ msg string }

func (e badTaskError) Error() string { return e.msg }

// route dispatches to exactly one handler per task type. Handler panics
// are converted to errors at this boundary so a crash in one task cannot
// take down the endpoint.
func (w *Worker) route(ctx context.Context, task models.Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("task handler panicked: %v", rec)
		}
	}()

	switch task.TaskType {
	case models.TaskProcessRecording:
		var t models.ProcessRecordingTask
		if err := json.Unmarshal(task.TaskData, &t); err != nil {
			return badTaskError{msg: "malformed process_recording payload"}
		}
		return w.handleProcessRecording(ctx, t)
	case models.TaskAgentCall:
		var t models.AgentCallTask
		if err := json.Unmarshal(task.TaskData, &t); err != nil {
			return badTaskError{msg: "malformed agent_call payload"}
		}
		return w.handleAgentCall(ctx, t)
	case models.TaskDeliverRecording:
		var t models.DeliverRecordingTask
		if err := json.Unmarshal(task.TaskData, &t); err != nil {
			return badTaskError{msg: "malformed deliver_recording payload"}
		}
		_, err := w.handleDeliverRecording(ctx, t)
		return err
	default:
		return badTaskError{msg: fmt.Sprintf("unknown task type %q", task.TaskType)}
	}
}

func (w *Worker) publish(ctx context.Context, evt bus.Event) {
	// Broadcasting is best-effort; the pipeline keeps moving if it fails.
	_ = w.bus.Publish(ctx, w.cfg.EventChannel, evt)
}
