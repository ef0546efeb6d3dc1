package models

import "time"

// CallStatus enumerates the lifecycle states an active call moves through
// as pipeline stages touch it.
const (
	StatusRinging            = "ringing"
	StatusRecording          = "recording"
	StatusRecordingCompleted = "recording_completed"
	StatusTranscribed        = "transcribed"
	StatusScamDetected       = "scam_detected"
	StatusAgentCallStarted   = "agent_call_started"
	StatusAgentCallEnded     = "agent_call_ended"
)

// ActiveCall is the per-call record tracked in the ephemeral registry while
// a call is in flight. At most one record exists per call id; absence of a
// record is a valid state (call unknown or expired).
type ActiveCall struct {
	CallID      string    `json:"call_id"`
	Status      string    `json:"status"`
	PhoneNumber string    `json:"phone_number,omitempty"`
	Company     string    `json:"company,omitempty"`
	AgentName   string    `json:"agent_name,omitempty"`
	AgentCallID string    `json:"agent_call_id,omitempty"`
	ScamType    string    `json:"scam_type,omitempty"`
	Transcript  string    `json:"transcript,omitempty"`
	StartTime   time.Time `json:"start_time"`
	LastUpdate  time.Time `json:"last_update"`
	Duration    int       `json:"duration,omitempty"`
}

// Verdict is the classification result for a transcript. Every field is
// optional; callers must tolerate zero values.
type Verdict struct {
	IsScam              bool   `json:"is_scam"`
	ImpersonatedCompany string `json:"impersonated_company,omitempty"`
	ScamType            string `json:"scam_type,omitempty"`
	Confidence          int    `json:"confidence"`
	CallbackNumber      string `json:"callback_number,omitempty"`
}

// Recording describes a remote call recording artifact.
type Recording struct {
	RecordingURL string `json:"recording_url"`
	Duration     int    `json:"duration,omitempty"`
}
