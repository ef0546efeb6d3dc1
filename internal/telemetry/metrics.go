package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	TasksEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pipeline_tasks_enqueued_total", Help: "Tasks handed to the delivery queue"},
		[]string{"task_type"})
	TasksDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "pipeline_tasks_delivered_total", Help: "Task deliveries acknowledged by the worker"})
	TasksRedelivered = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "pipeline_tasks_redelivered_total", Help: "Task deliveries rescheduled after a failure"})
	TasksDeadLetter = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "pipeline_tasks_dead_letter_total", Help: "Task messages parked on the DLQ"})
	RecordingRetries = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "pipeline_recording_retries_total", Help: "Recording fetch attempts re-enqueued because the artifact was not ready"})
	RecordingsGivenUp = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "pipeline_recordings_given_up_total", Help: "Recording chains abandoned after exhausting the attempt budget"})
	RecordingsDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "pipeline_recordings_delivered_total", Help: "Recordings delivered to the sink"})
	EventsPublished = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "pipeline_events_published_total", Help: "Events published to the bus"})
	WebhooksReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "pipeline_webhooks_received_total", Help: "Inbound telephony webhook events"},
		[]string{"kind"})
	LiveStreams = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "pipeline_live_streams", Help: "Open push-mode live update streams"})
	ScamsDetected = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "pipeline_scams_detected_total", Help: "Classifications that crossed the engagement threshold"})
)

// Handler exposes the /metrics HTTP handler with singleton registration.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			TasksEnqueued,
			TasksDelivered,
			TasksRedelivered,
			TasksDeadLetter,
			RecordingRetries,
			RecordingsGivenUp,
			RecordingsDelivered,
			EventsPublished,
			WebhooksReceived,
			LiveStreams,
			ScamsDetected,
		)
	})
	return promhttp.Handler()
}
