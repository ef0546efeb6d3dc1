package tasks

import (
	"context"
	"fmt"

	"scamshield/internal/bus"
	"scamshield/internal/dispatch"
	"scamshield/internal/models"
	"scamshield/internal/telemetry"
)

// DeliveryState tags the outcome of one execution of the recording
// fetch-and-deliver chain.
type DeliveryState string

const (
	// StateDone: recording delivered, registry entry removed.
	StateDone DeliveryState = "done"
	// StateRescheduled: artifact not ready, a follow-up attempt was
	// enqueued with an incremented retry counter.
	StateRescheduled DeliveryState = "rescheduled"
	// StateGivenUp: attempt budget exhausted; registry entry removed,
	// reported as handled so the delivery layer stops redelivering.
	StateGivenUp DeliveryState = "given_up"
	// StateFailedDelivery: artifact fetched but the sink refused it; the
	// registry entry is retained for operator-driven follow-up.
	StateFailedDelivery DeliveryState = "failed_delivery"
	// StateAlreadyHandled: no registry entry and nothing to do; a
	// redelivered duplicate landing after Done.
	StateAlreadyHandled DeliveryState = "already_handled"
)

// handleDeliverRecording runs one attempt of the chain. The returned error
// is non-nil only for infrastructure failures worth a delivery-layer
// retry; every business outcome, including give-up and a refused
// delivery, reports success-of-handling.
func (w *Worker) handleDeliverRecording(ctx context.Context, t models.DeliverRecordingTask) (DeliveryState, error) {
	rec, ready, err := w.caller.PollRecording(ctx, t.AgentCallID)
	if err != nil {
		return "", fmt.Errorf("poll recording for call %s: %w", t.CallID, err)
	}

	if !ready {
		if t.RetryCount >= w.cfg.MaxRecordingRetries {
			return w.giveUp(ctx, t)
		}
		return w.reschedule(ctx, t)
	}
	return w.deliver(ctx, t, rec)
}

// reschedule re-enqueues the chain with retryCount+1 and the short
// re-check delay. Every other field rides through unchanged so the next
// attempt keeps full context. The registry entry is left intact.
func (w *Worker) reschedule(ctx context.Context, t models.DeliverRecordingTask) (DeliveryState, error) {
	next := t
	next.RetryCount = t.RetryCount + 1
	if _, err := w.dispatcher.Enqueue(ctx, models.TaskDeliverRecording, next, dispatch.Options{
		Delay: w.cfg.RecheckDelay,
	}); err != nil {
		return "", fmt.Errorf("re-enqueue delivery for call %s: %w", t.CallID, err)
	}
	telemetry.RecordingRetries.Inc()
	w.logger.Info("recording not ready, rescheduled",
		"call_id", t.CallID, "agent_call_id", t.AgentCallID, "retry_count", next.RetryCount)
	return StateRescheduled, nil
}

// giveUp is the terminal not-ready outcome: there is nothing further to
// track, so the registry entry goes away, and handling is reported as
// successful so the delivery layer stops redelivering.
func (w *Worker) giveUp(ctx context.Context, t models.DeliverRecordingTask) (DeliveryState, error) {
	if err := w.registry.Delete(ctx, t.CallID); err != nil {
		w.logger.Warn("registry cleanup failed on give-up", "call_id", t.CallID, "err", err)
	}
	telemetry.RecordingsGivenUp.Inc()
	w.logger.Error("giving up on recording after max retries",
		"call_id", t.CallID, "agent_call_id", t.AgentCallID, "retry_count", t.RetryCount)
	return StateGivenUp, nil
}

func (w *Worker) deliver(ctx context.Context, t models.DeliverRecordingTask, rec models.Recording) (DeliveryState, error) {
	call, known, err := w.registry.Get(ctx, t.CallID)
	if err != nil {
		w.logger.Warn("registry read failed during delivery", "call_id", t.CallID, "err", err)
	}
	if err == nil && !known {
		// The registry entry is removed when a chain completes, so a
		// redelivered duplicate lands here: already handled, no-op.
		w.logger.Info("delivery task for unknown call, treating as already handled", "call_id", t.CallID)
		return StateAlreadyHandled, nil
	}

	attachmentURL := rec.RecordingURL
	if w.archiver != nil {
		archived, err := w.archiver.Archive(ctx, t.CallID, rec.RecordingURL)
		if err != nil {
			w.logger.Warn("recording archive failed, delivering provider URL", "call_id", t.CallID, "err", err)
		} else {
			attachmentURL = archived
		}
	}

	message := w.deliveryMessage(t, call, rec)
	res, err := w.sink.Deliver(ctx, message, attachmentURL)
	if err != nil || !res.Success {
		// Delivery failure is distinct from artifact-not-ready: this chain
		// does not retry it. The registry entry stays so a later manual or
		// operator-driven attempt still has context.
		w.logger.Error("recording delivery failed, retaining registry entry",
			"call_id", t.CallID, "sink_error", res.Error, "err", err)
		return StateFailedDelivery, nil
	}

	if err := w.registry.Delete(ctx, t.CallID); err != nil {
		w.logger.Warn("registry cleanup failed after delivery", "call_id", t.CallID, "err", err)
	}
	telemetry.RecordingsDelivered.Inc()
	w.publish(ctx, bus.NewEvent("recording_delivered", map[string]any{
		"call_id":  t.CallID,
		"duration": rec.Duration,
	}))
	w.logger.Info("recording delivered", "call_id", t.CallID, "retry_count", t.RetryCount)
	return StateDone, nil
}

// deliveryMessage composes the sink message, filling each field
// independently from the task payload, then the registry record, then a
// default. A missing source never fails the delivery.
func (w *Worker) deliveryMessage(t models.DeliverRecordingTask, call models.ActiveCall, rec models.Recording) string {
	phone := t.PhoneNumber
	if phone == "" {
		phone = call.PhoneNumber
	}
	if phone == "" {
		phone = "unknown number"
	}
	company := t.Company
	if company == "" {
		company = call.Company
	}
	if company == "" {
		company = "unknown company"
	}
	scamType := t.ScamType
	if scamType == "" {
		scamType = call.ScamType
	}
	if scamType == "" {
		scamType = "suspected scam"
	}
	msg := fmt.Sprintf("Agent call recording: %s impersonating %s (%s)", phone, company, scamType)
	if rec.Duration > 0 {
		msg += fmt.Sprintf(", %ds", rec.Duration)
	}
	return msg
}
