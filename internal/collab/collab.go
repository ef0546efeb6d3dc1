package collab

import (
	"context"

	"scamshield/internal/models"
)

// Classifier decides whether a transcript is a scam. Implementations may
// fail or return partial verdicts; callers must tolerate the absence of
// any field.
type Classifier interface {
	Classify(ctx context.Context, text string) (models.Verdict, error)
}

// StartCallRequest carries the context an outbound agent call needs.
type StartCallRequest struct {
	Target   string `json:"target"`
	Company  string `json:"company,omitempty"`
	ScamType string `json:"scam_type,omitempty"`
	CallID   string `json:"call_id,omitempty"`
}

// Call identifies a started outbound call and the agent persona the
// provider assigned to it.
type Call struct {
	ID        string `json:"id"`
	AgentName string `json:"agent_name,omitempty"`
}

// Caller starts outbound agent calls and polls for their recordings.
// PollRecording reports (zero, false, nil) while the recording has not
// materialized yet; that is the normal not-ready state, not an error.
type Caller interface {
	StartCall(ctx context.Context, req StartCallRequest) (Call, error)
	PollRecording(ctx context.Context, callID string) (models.Recording, bool, error)
}

// DeliverResult reports the sink's outcome.
type DeliverResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Sink delivers a message, optionally with a recording attachment URL.
type Sink interface {
	Deliver(ctx context.Context, message, attachmentURL string) (DeliverResult, error)
}
