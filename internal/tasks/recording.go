package tasks

import (
	"context"
	"fmt"
	"time"

	"scamshield/internal/bus"
	"scamshield/internal/collab"
	"scamshield/internal/dispatch"
	"scamshield/internal/models"
	"scamshield/internal/telemetry"
)

// handleProcessRecording classifies a finished inbound recording's
// transcript and, when the verdict crosses the engagement threshold,
// queues the outbound agent callback.
func (w *Worker) handleProcessRecording(ctx context.Context, t models.ProcessRecordingTask) error {
	call, known, err := w.registry.Get(ctx, t.CallID)
	if err != nil {
		return fmt.Errorf("registry read for call %s: %w", t.CallID, err)
	}
	if known && engaged(call.Status) {
		// The same call gets this task from both the recording-ready and
		// transcription webhooks, and the delivery layer may redeliver
		// either. One engagement per call; the rest are no-ops.
		w.logger.Info("call already engaged, skipping duplicate classification",
			"call_id", t.CallID, "status", call.Status)
		return nil
	}

	transcript := t.Transcript
	if transcript == "" && known {
		// The transcription webhook stores the text on the registry
		// record; a task enqueued at recording-ready time picks it up
		// from there once it has materialized.
		transcript = call.Transcript
	}
	if transcript == "" {
		// Transcription has not arrived; the transcription webhook will
		// enqueue a fresh task once it does. Handled, nothing to classify.
		w.logger.Info("no transcript yet for recording", "call_id", t.CallID, "recording_id", t.RecordingID)
		return nil
	}

	verdict, err := w.classifier.Classify(ctx, transcript)
	if err != nil {
		return fmt.Errorf("classify transcript for call %s: %w", t.CallID, err)
	}

	if !verdict.IsScam || verdict.Confidence < w.cfg.EngagementThreshold {
		w.logger.Info("call classified below engagement threshold",
			"call_id", t.CallID, "is_scam", verdict.IsScam, "confidence", verdict.Confidence)
		w.publish(ctx, bus.NewEvent("call_classified", map[string]any{
			"call_id":    t.CallID,
			"is_scam":    verdict.IsScam,
			"confidence": verdict.Confidence,
		}))
		return nil
	}

	telemetry.ScamsDetected.Inc()
	if _, err := w.registry.UpdateStatus(ctx, t.CallID, models.StatusScamDetected, func(c *models.ActiveCall) {
		c.Company = verdict.ImpersonatedCompany
		c.ScamType = verdict.ScamType
	}); err != nil {
		// Bookkeeping only; classification already happened.
		w.logger.Warn("registry update failed after classification", "call_id", t.CallID, "err", err)
	}
	w.publish(ctx, bus.NewEvent("scam_detected", map[string]any{
		"call_id":    t.CallID,
		"company":    verdict.ImpersonatedCompany,
		"scam_type":  verdict.ScamType,
		"confidence": verdict.Confidence,
	}))

	if verdict.CallbackNumber == "" {
		w.logger.Warn("scam detected but no callback number to engage", "call_id", t.CallID)
		return nil
	}
	if _, err := w.dispatcher.Enqueue(ctx, models.TaskAgentCall, models.AgentCallTask{
		CallID:         t.CallID,
		CallbackNumber: verdict.CallbackNumber,
		Company:        verdict.ImpersonatedCompany,
		ScamType:       verdict.ScamType,
	}, dispatch.Options{}); err != nil {
		return fmt.Errorf("enqueue agent call for %s: %w", t.CallID, err)
	}
	w.logger.Info("agent callback queued", "call_id", t.CallID, "company", verdict.ImpersonatedCompany)
	return nil
}

// handleAgentCall starts the outbound agent call. When the remaining
// invocation budget is below the floor the call is skipped outright
// rather than started and abandoned mid-flight; the redelivered task gets
// a fresh budget.
func (w *Worker) handleAgentCall(ctx context.Context, t models.AgentCallTask) error {
	existing, known, err := w.registry.Get(ctx, t.CallID)
	if err != nil {
		return fmt.Errorf("registry read for call %s: %w", t.CallID, err)
	}
	if known && (existing.AgentCallID != "" ||
		existing.Status == models.StatusAgentCallStarted ||
		existing.Status == models.StatusAgentCallEnded) {
		// A redelivered task must not dial the target a second time.
		w.logger.Info("agent call already started, skipping duplicate",
			"call_id", t.CallID, "agent_call_id", existing.AgentCallID)
		return nil
	}

	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < w.cfg.AgentCallTimeFloor {
		return fmt.Errorf("skipping agent call for %s: %s remaining, need %s",
			t.CallID, time.Until(deadline).Round(time.Millisecond), w.cfg.AgentCallTimeFloor)
	}

	call, err := w.caller.StartCall(ctx, collab.StartCallRequest{
		Target:   t.CallbackNumber,
		Company:  t.Company,
		ScamType: t.ScamType,
		CallID:   t.CallID,
	})
	if err != nil {
		return fmt.Errorf("start agent call for %s: %w", t.CallID, err)
	}

	if _, err := w.registry.UpdateStatus(ctx, t.CallID, models.StatusAgentCallStarted, func(c *models.ActiveCall) {
		c.AgentCallID = call.ID
		c.AgentName = call.AgentName
	}); err != nil {
		w.logger.Warn("registry update failed after agent call start", "call_id", t.CallID, "err", err)
	}
	w.publish(ctx, bus.NewEvent("agent_call_started", map[string]any{
		"call_id":       t.CallID,
		"agent_call_id": call.ID,
		"agent_name":    call.AgentName,
		"company":       t.Company,
	}))
	w.logger.Info("agent call started", "call_id", t.CallID, "agent_call_id", call.ID)
	return nil
}

// engaged reports whether a call has already progressed past
// classification. A task seeing such a record is a duplicate: acting on
// it would start a second outbound engagement for the same call.
func engaged(status string) bool {
	switch status {
	case models.StatusScamDetected, models.StatusAgentCallStarted, models.StatusAgentCallEnded:
		return true
	}
	return false
}
