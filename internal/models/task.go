package models

import (
	"encoding/json"
	"time"
)

// Task types routed by the worker endpoint.
const (
	TaskProcessRecording = "process_recording"
	TaskAgentCall        = "agent_call"
	TaskDeliverRecording = "deliver_recording"
)

// Task is the envelope handed to the delivery layer. TaskID is stamped at
// enqueue time for tracing; the delivery layer may still redeliver, so
// handlers must treat repeated execution of the same TaskData as safe.
type Task struct {
	TaskType  string          `json:"taskType"`
	TaskData  json.RawMessage `json:"taskData"`
	TaskID    string          `json:"taskId"`
	Timestamp time.Time       `json:"timestamp"`
}

// ProcessRecordingTask asks the worker to transcribe and classify a
// finished inbound recording.
type ProcessRecordingTask struct {
	CallID       string `json:"call_id"`
	RecordingID  string `json:"recording_id,omitempty"`
	RecordingURL string `json:"recording_url,omitempty"`
	Duration     int    `json:"duration,omitempty"`
	Transcript   string `json:"transcript,omitempty"`
}

// AgentCallTask asks the worker to start an outbound agent callback
// against a detected scam operation.
type AgentCallTask struct {
	CallID         string `json:"call_id"`
	CallbackNumber string `json:"callback_number"`
	Company        string `json:"company,omitempty"`
	ScamType       string `json:"scam_type,omitempty"`
}

// DeliverRecordingTask carries one attempt of the recording
// fetch-and-deliver chain. RetryCount is monotonically non-decreasing
// across re-enqueues of the same chain and is the sole basis for the
// give-up decision; all other fields ride through unchanged.
type DeliverRecordingTask struct {
	CallID      string `json:"call_id"`
	AgentCallID string `json:"agent_call_id"`
	PhoneNumber string `json:"phone_number,omitempty"`
	Company     string `json:"company,omitempty"`
	ScamType    string `json:"scam_type,omitempty"`
	RetryCount  int    `json:"retry_count"`
}
