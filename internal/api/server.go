package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"log/slog"

	"github.com/go-chi/chi/v5"

	"scamshield/internal/dispatch"
	"scamshield/internal/live"
	"scamshield/internal/pipeline"
	"scamshield/internal/ratelimit"
	"scamshield/internal/tasks"
	"scamshield/internal/telemetry"
)

// Server wires the HTTP surface: telephony webhooks, the internal task
// worker endpoint, live updates, and operational endpoints.
type Server struct {
	coordinator *pipeline.Coordinator
	worker      *tasks.Worker
	workerPath  string
	live        *live.Handler
	queue       *dispatch.Queue
	limiter     *ratelimit.Limiter
	logger      *slog.Logger
}

// New constructs the API server. workerPath is the route the delivery
// relay POSTs task envelopes to; it must match the path of the worker URL
// the relay is configured with.
func New(coordinator *pipeline.Coordinator, worker *tasks.Worker, workerPath string, liveHandler *live.Handler,
	queue *dispatch.Queue, limiter *ratelimit.Limiter, logger *slog.Logger) *Server {
	if workerPath == "" {
		workerPath = "/internal/tasks"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		coordinator: coordinator,
		worker:      worker,
		workerPath:  workerPath,
		live:        liveHandler,
		queue:       queue,
		limiter:     limiter,
		logger:      logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/webhooks/call-started", s.handleCallStarted)
	r.Post("/webhooks/recording-status", s.handleRecordingStatus)
	r.Post("/webhooks/transcription", s.handleTranscription)
	r.Post("/webhooks/agent-call-ended", s.handleAgentCallEnded)

	r.Method(http.MethodPost, s.workerPath, s.worker)

	liveHandler := http.Handler(s.live)
	if s.limiter != nil {
		liveHandler = s.limiter.Middleware(liveHandler)
	}
	r.Method(http.MethodGet, "/live", liveHandler)

	r.Get("/dlq", s.handleDLQ)
	return r
}

// callWebhookForm captures the subset of voice webhook fields the
// pipeline cares about. The provider sends
// application/x-www-form-urlencoded; parsing stays provider-adapter-only
// and routing decisions live in the coordinator.
type callWebhookForm struct {
	CallSid             string
	From                string
	To                  string
	CallStatus          string
	RecordingSid        string
	RecordingURL        string
	RecordingStatus     string
	RecordingDuration   int
	TranscriptionSid    string
	TranscriptionText   string
	TranscriptionStatus string
}

func parseCallWebhook(r *http.Request) (callWebhookForm, error) {
	if err := r.ParseForm(); err != nil {
		return callWebhookForm{}, err
	}
	duration, _ := strconv.Atoi(r.PostFormValue("RecordingDuration"))
	return callWebhookForm{
		CallSid:             r.PostFormValue("CallSid"),
		From:                strings.TrimSpace(r.PostFormValue("From")),
		To:                  strings.TrimSpace(r.PostFormValue("To")),
		CallStatus:          r.PostFormValue("CallStatus"),
		RecordingSid:        r.PostFormValue("RecordingSid"),
		RecordingURL:        r.PostFormValue("RecordingUrl"),
		RecordingStatus:     r.PostFormValue("RecordingStatus"),
		RecordingDuration:   duration,
		TranscriptionSid:    r.PostFormValue("TranscriptionSid"),
		TranscriptionText:   r.PostFormValue("TranscriptionText"),
		TranscriptionStatus: r.PostFormValue("TranscriptionStatus"),
	}, nil
}

// Webhook handlers always acknowledge with 200 once the form parses; the
// provider retries on anything else and the coordinator already absorbs
// downstream failures.

func (s *Server) handleCallStarted(w http.ResponseWriter, r *http.Request) {
	form, err := parseCallWebhook(r)
	if err != nil || form.CallSid == "" {
		http.Error(w, "bad webhook form", http.StatusBadRequest)
		return
	}
	telemetry.WebhooksReceived.WithLabelValues("call_started").Inc()
	s.coordinator.CallStarted(r.Context(), form.CallSid, form.From)
	ack(w)
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	form, err := parseCallWebhook(r)
	if err != nil || form.CallSid == "" {
		http.Error(w, "bad webhook form", http.StatusBadRequest)
		return
	}
	telemetry.WebhooksReceived.WithLabelValues("recording_status").Inc()
	completed := form.RecordingStatus == "completed"
	s.coordinator.RecordingStatus(r.Context(), form.CallSid, form.RecordingSid,
		form.RecordingURL, form.RecordingDuration, completed)
	ack(w)
}

func (s *Server) handleTranscription(w http.ResponseWriter, r *http.Request) {
	form, err := parseCallWebhook(r)
	if err != nil || form.CallSid == "" {
		http.Error(w, "bad webhook form", http.StatusBadRequest)
		return
	}
	telemetry.WebhooksReceived.WithLabelValues("transcription").Inc()
	s.coordinator.TranscriptionReady(r.Context(), form.CallSid, form.RecordingSid,
		form.TranscriptionText, form.TranscriptionStatus)
	ack(w)
}

// agentCallEndedRequest arrives as JSON from the agent service rather
// than form-encoded from the telephony provider.
type agentCallEndedRequest struct {
	CallID      string `json:"call_id"`
	AgentCallID string `json:"agent_call_id"`
}

func (s *Server) handleAgentCallEnded(w http.ResponseWriter, r *http.Request) {
	var req agentCallEndedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CallID == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	telemetry.WebhooksReceived.WithLabelValues("agent_call_ended").Inc()
	s.coordinator.AgentCallEnded(r.Context(), req.CallID, req.AgentCallID)
	ack(w)
}

// handleDLQ returns the parked task envelopes, newest first.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func ack(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
