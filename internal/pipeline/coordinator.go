package pipeline

import (
	"context"
	"log/slog"
	"time"

	"scamshield/internal/bus"
	"scamshield/internal/dispatch"
	"scamshield/internal/models"
	"scamshield/internal/registry"
	"scamshield/internal/telemetry"
)

// Config carries the coordinator's delays and channel name.
type Config struct {
	EventChannel string
	// CallTTL bounds how long a call record is tracked without updates.
	CallTTL time.Duration
	// ProcessRecordingDelay is the long delay before classification,
	// chosen to exceed the expected transcription latency.
	ProcessRecordingDelay time.Duration
	// InitialDeliveryDelay is the long first delay before the recording
	// fetch-and-deliver chain starts, giving the artifact time to
	// materialize.
	InitialDeliveryDelay time.Duration
}

// Coordinator sequences registry updates, event publications, and task
// enqueues in response to telephony events. Every method is called after
// the webhook has already been answered, so failures here are logged and
// absorbed; nothing propagates back to the event source.
type Coordinator struct {
	cfg        Config
	registry   *registry.Registry
	bus        *bus.Bus
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

// New wires a coordinator.
func New(cfg Config, reg *registry.Registry, b *bus.Bus, d *dispatch.Dispatcher, logger *slog.Logger) *Coordinator {
	if cfg.EventChannel == "" {
		cfg.EventChannel = "live_updates"
	}
	if cfg.CallTTL <= 0 {
		cfg.CallTTL = time.Hour
	}
	if cfg.ProcessRecordingDelay <= 0 {
		cfg.ProcessRecordingDelay = 45 * time.Second
	}
	if cfg.InitialDeliveryDelay <= 0 {
		cfg.InitialDeliveryDelay = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{cfg: cfg, registry: reg, bus: b, dispatcher: d, logger: logger}
}

// CallStarted tracks a new inbound call and announces it.
func (c *Coordinator) CallStarted(ctx context.Context, callID, from string) {
	now := time.Now().UTC()
	if err := c.registry.Put(ctx, models.ActiveCall{
		CallID:      callID,
		Status:      models.StatusRinging,
		PhoneNumber: from,
		StartTime:   now,
		LastUpdate:  now,
	}, c.cfg.CallTTL); err != nil {
		c.logger.Warn("registry put failed for new call", "call_id", callID, "err", err)
	}
	c.publish(ctx, bus.NewEvent("incoming_call", map[string]any{
		"call_id": callID,
		"caller":  from,
	}))
	c.logger.Info("inbound call started", "call_id", callID, "caller", from)
}

// RecordingStatus handles in-progress and completed recording callbacks.
// A completed recording queues classification after a delay long enough
// for the transcription to land.
func (c *Coordinator) RecordingStatus(ctx context.Context, callID, recordingID, recordingURL string, duration int, completed bool) {
	status := models.StatusRecording
	if completed {
		status = models.StatusRecordingCompleted
	}
	if _, err := c.registry.UpdateStatus(ctx, callID, status, func(call *models.ActiveCall) {
		if duration > 0 {
			call.Duration = duration
		}
	}); err != nil {
		c.logger.Warn("registry update failed for recording status", "call_id", callID, "err", err)
	}
	c.publish(ctx, bus.NewEvent("call_status", map[string]any{
		"call_id": callID,
		"status":  status,
	}))

	if !completed {
		return
	}
	if _, err := c.dispatcher.Enqueue(ctx, models.TaskProcessRecording, models.ProcessRecordingTask{
		CallID:       callID,
		RecordingID:  recordingID,
		RecordingURL: recordingURL,
		Duration:     duration,
	}, dispatch.Options{Delay: c.cfg.ProcessRecordingDelay}); err != nil {
		c.logger.Error("failed to queue recording processing", "call_id", callID, "err", err)
		return
	}
	c.logger.Info("recording completed, processing queued",
		"call_id", callID, "recording_id", recordingID, "delay", c.cfg.ProcessRecordingDelay)
}

// TranscriptionReady stores the transcript on the call record and queues
// immediate classification. Incomplete transcriptions are ignored; the
// provider calls back again.
func (c *Coordinator) TranscriptionReady(ctx context.Context, callID, recordingID, text, status string) {
	if status != "" && status != "completed" {
		c.logger.Debug("ignoring non-final transcription", "call_id", callID, "status", status)
		return
	}
	if _, err := c.registry.UpdateStatus(ctx, callID, models.StatusTranscribed, func(call *models.ActiveCall) {
		call.Transcript = text
	}); err != nil {
		c.logger.Warn("registry update failed for transcription", "call_id", callID, "err", err)
	}
	c.publish(ctx, bus.NewEvent("call_status", map[string]any{
		"call_id": callID,
		"status":  models.StatusTranscribed,
	}))

	if _, err := c.dispatcher.Enqueue(ctx, models.TaskProcessRecording, models.ProcessRecordingTask{
		CallID:      callID,
		RecordingID: recordingID,
		Transcript:  text,
	}, dispatch.Options{}); err != nil {
		c.logger.Error("failed to queue classification", "call_id", callID, "err", err)
	}
}

// AgentCallEnded queues the recording fetch-and-deliver chain. The task is
// enqueued before the registry status flips: losing the record first would
// strip the delivery task of its enrichment fallback.
func (c *Coordinator) AgentCallEnded(ctx context.Context, callID, agentCallID string) {
	call, ok, err := c.registry.Get(ctx, callID)
	if err != nil {
		c.logger.Warn("registry read failed for ended agent call", "call_id", callID, "err", err)
	}
	if agentCallID == "" && ok {
		agentCallID = call.AgentCallID
	}

	task := models.DeliverRecordingTask{
		CallID:      callID,
		AgentCallID: agentCallID,
		RetryCount:  0,
	}
	if ok {
		task.PhoneNumber = call.PhoneNumber
		task.Company = call.Company
		task.ScamType = call.ScamType
	}
	if _, err := c.dispatcher.Enqueue(ctx, models.TaskDeliverRecording, task,
		dispatch.Options{Delay: c.cfg.InitialDeliveryDelay}); err != nil {
		c.logger.Error("failed to queue recording delivery", "call_id", callID, "err", err)
		// Leave the registry record untouched so the call stays visible
		// for a manual retry.
		return
	}

	if _, err := c.registry.UpdateStatus(ctx, callID, models.StatusAgentCallEnded, nil); err != nil {
		c.logger.Warn("registry update failed after agent call end", "call_id", callID, "err", err)
	}
	c.publish(ctx, bus.NewEvent("agent_call_ended", map[string]any{
		"call_id":       callID,
		"agent_call_id": agentCallID,
	}))
	c.logger.Info("agent call ended, delivery queued",
		"call_id", callID, "agent_call_id", agentCallID, "delay", c.cfg.InitialDeliveryDelay)
}

func (c *Coordinator) publish(ctx context.Context, evt bus.Event) {
	if err := c.bus.Publish(ctx, c.cfg.EventChannel, evt); err != nil {
		// Broadcasting is bookkeeping; the pipeline keeps moving.
		return
	}
	telemetry.EventsPublished.Inc()
}
