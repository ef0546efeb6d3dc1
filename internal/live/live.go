package live

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"scamshield/internal/bus"
	"scamshield/internal/models"
	"scamshield/internal/registry"
	"scamshield/internal/telemetry"
)

const initialEventCount = 10

// Handler serves the live update endpoint in two modes: a stateless
// polling response over the replay log, and a push-mode SSE stream bounded
// by a hard wall-clock ceiling chosen to sit under the host's execution
// limit.
type Handler struct {
	registry  *registry.Registry
	bus       *bus.Bus
	channel   string
	ceiling   time.Duration
	heartbeat time.Duration
	logger    *slog.Logger

	// onCleanup is a test hook observing stream teardown.
	onCleanup func()
}

// NewHandler wires the endpoint.
func NewHandler(reg *registry.Registry, b *bus.Bus, channel string, ceiling, heartbeat time.Duration, logger *slog.Logger) *Handler {
	if channel == "" {
		channel = "live_updates"
	}
	if ceiling <= 0 {
		ceiling = 9500 * time.Millisecond
	}
	if heartbeat <= 0 {
		heartbeat = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry:  reg,
		bus:       b,
		channel:   channel,
		ceiling:   ceiling,
		heartbeat: heartbeat,
		logger:    logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("mode") == "poll" {
		h.servePoll(w, r)
		return
	}
	h.serveStream(w, r)
}

type pollResponse struct {
	Events      []bus.Event         `json:"events"`
	ActiveCalls []models.ActiveCall `json:"activeCalls"`
	Timestamp   time.Time           `json:"timestamp"`
	Mode        string              `json:"mode"`
}

// servePoll is the stateless fallback: replay log slice plus the current
// registry snapshot.
func (h *Handler) servePoll(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			since = t
		}
	}

	events, err := h.bus.Recent(r.Context(), h.channel, 50, since)
	if err != nil {
		h.logger.Warn("poll: replay log read failed", "err", err)
		events = []bus.Event{}
	}
	calls, err := h.registry.List(r.Context())
	if err != nil {
		h.logger.Warn("poll: registry list failed", "err", err)
	}
	if calls == nil {
		calls = []models.ActiveCall{}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(pollResponse{
		Events:      events,
		ActiveCalls: calls,
		Timestamp:   time.Now().UTC(),
		Mode:        "polling",
	})
}

// serveStream runs one push-mode session. Client disconnect and the
// wall-clock ceiling converge on a single cleanup; writes after the stream
// breaks are silent no-ops.
func (h *Handler) serveStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sw := &streamWriter{w: w, flusher: flusher, logger: h.logger}

	// An unhealthy backing store cannot hold a subscription: tell the
	// client once, give it a moment to render, then push it to polling.
	// This is the sole fallback trigger.
	if !h.bus.Healthy(r.Context()) {
		sw.send(map[string]any{
			"type":      "connection_established",
			"degraded":  true,
			"timestamp": time.Now().UTC(),
		})
		time.Sleep(500 * time.Millisecond)
		sw.send(map[string]any{
			"type":    "connection_timeout",
			"message": "switch to polling",
		})
		return
	}

	sw.send(map[string]any{
		"type":      "connection_established",
		"timestamp": time.Now().UTC(),
	})

	calls, err := h.registry.List(r.Context())
	if err != nil {
		h.logger.Warn("stream: registry list failed", "err", err)
	}
	if calls == nil {
		calls = []models.ActiveCall{}
	}
	recent, err := h.bus.Recent(r.Context(), h.channel, initialEventCount, time.Time{})
	if err != nil {
		h.logger.Warn("stream: replay log read failed", "err", err)
		recent = []bus.Event{}
	}
	sw.send(map[string]any{
		"type":            "initial_data",
		"activeCallCount": len(calls),
		"activeCalls":     calls,
		"recentEvents":    recent,
	})

	sub := h.bus.Subscribe(r.Context(), h.channel)
	telemetry.LiveStreams.Inc()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			if err := sub.Close(); err != nil {
				h.logger.Debug("stream: unsubscribe failed", "err", err)
			}
			telemetry.LiveStreams.Dec()
			if h.onCleanup != nil {
				h.onCleanup()
			}
		})
	}
	defer cleanup()

	ceiling := time.NewTimer(h.ceiling)
	defer ceiling.Stop()
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			// Client went away; skip the timer and tear down now.
			cleanup()
			return
		case <-ceiling.C:
			sw.send(map[string]any{
				"type":    "connection_timeout",
				"message": "stream ceiling reached, reconnect or poll",
			})
			cleanup()
			return
		case <-heartbeat.C:
			sw.send(map[string]any{
				"type":      "heartbeat",
				"timestamp": time.Now().UTC(),
			})
		case msg, ok := <-sub.Channel():
			if !ok {
				cleanup()
				return
			}
			// Forward the published payload verbatim.
			sw.raw([]byte(msg.Payload))
		}
	}
}

// streamWriter emits SSE data frames. The first write error marks the
// stream closed; every later write is a silent no-op so a dead client
// never surfaces as a handler failure.
type streamWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
	logger  *slog.Logger
}

func (s *streamWriter) send(payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("stream: marshal frame failed", "err", err)
		return
	}
	s.raw(data)
}

func (s *streamWriter) raw(data []byte) {
	if s.closed {
		return
	}
	if _, err := s.w.Write([]byte("data: ")); err != nil {
		s.markClosed(err)
		return
	}
	if _, err := s.w.Write(data); err != nil {
		s.markClosed(err)
		return
	}
	if _, err := s.w.Write([]byte("\n\n")); err != nil {
		s.markClosed(err)
		return
	}
	s.flusher.Flush()
}

func (s *streamWriter) markClosed(err error) {
	s.closed = true
	s.logger.Debug("stream: write failed, treating stream as closed", "err", err)
}
