package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds shared runtime configuration for the API service and the
// delivery relay.
type Config struct {
	Env         string
	HTTPPort    string
	MetricsAddr string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Task delivery.
	WorkerURL          string
	WorkerPath         string
	SigningKey         string
	DefaultRetries     int
	VisibilityTimeout  time.Duration
	RelayPollInterval  time.Duration
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	ScheduledBatchSize int

	// Recording fetch-and-deliver.
	InitialDeliveryDelay time.Duration
	RecheckDelay         time.Duration
	MaxRecordingRetries  int

	// Classification.
	ProcessRecordingDelay time.Duration

	// Registry and event bus.
	CallTTL      time.Duration
	ReplayCap    int
	ReplayTTL    time.Duration
	EventChannel string

	// Live updates.
	StreamCeiling     time.Duration
	HeartbeatInterval time.Duration

	// Pipeline.
	EngagementThreshold int
	AgentCallTimeFloor  time.Duration

	// Collaborators.
	ClassifierURL string
	CallerURL     string
	SinkURL       string

	// Recording archive (optional; empty bucket disables archiving).
	ArchiveBucket    string
	ArchiveRegion    string
	ArchiveEndpoint  string
	RecordingTimeout time.Duration
	RecordingMaxMB   int

	// Live endpoint rate limiting.
	RateLimitCapacity int
	RateLimitRefill   float64
}

// Load reads configuration from environment variables with sane defaults
// for local development.
func Load() Config {
	return Config{
		Env:         getEnv("APP_ENV", "dev"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9091"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		WorkerURL:          getEnv("WORKER_URL", "http://localhost:8080/internal/tasks"),
		WorkerPath:         getEnv("WORKER_PATH", "/internal/tasks"),
		SigningKey:         getEnv("TASK_SIGNING_KEY", "dev-signing-key"),
		DefaultRetries:     getEnvInt("TASK_DEFAULT_RETRIES", 3),
		VisibilityTimeout:  getEnvDuration("VISIBILITY_TIMEOUT", 30*time.Second),
		RelayPollInterval:  getEnvDuration("RELAY_POLL_INTERVAL", time.Second),
		BackoffInitial:     getEnvDuration("BACKOFF_INITIAL", 2*time.Second),
		BackoffMax:         getEnvDuration("BACKOFF_MAX", 5*time.Minute),
		ScheduledBatchSize: getEnvInt("SCHEDULED_BATCH_SIZE", 100),

		InitialDeliveryDelay: getEnvDuration("INITIAL_DELIVERY_DELAY", 60*time.Second),
		RecheckDelay:         getEnvDuration("RECHECK_DELAY", 20*time.Second),
		MaxRecordingRetries:  getEnvInt("MAX_RECORDING_RETRIES", 10),

		ProcessRecordingDelay: getEnvDuration("PROCESS_RECORDING_DELAY", 45*time.Second),

		CallTTL:      getEnvDuration("CALL_TTL", time.Hour),
		ReplayCap:    getEnvInt("REPLAY_CAP", 100),
		ReplayTTL:    getEnvDuration("REPLAY_TTL", 5*time.Minute),
		EventChannel: getEnv("EVENT_CHANNEL", "live_updates"),

		StreamCeiling:     getEnvDuration("STREAM_CEILING", 9500*time.Millisecond),
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 5*time.Second),

		EngagementThreshold: getEnvInt("ENGAGEMENT_THRESHOLD", 70),
		AgentCallTimeFloor:  getEnvDuration("AGENT_CALL_TIME_FLOOR", 5*time.Second),

		ClassifierURL: getEnv("CLASSIFIER_URL", ""),
		CallerURL:     getEnv("CALLER_URL", ""),
		SinkURL:       getEnv("SINK_URL", ""),

		ArchiveBucket:    getEnv("ARCHIVE_BUCKET", ""),
		ArchiveRegion:    getEnv("ARCHIVE_REGION", "us-east-1"),
		ArchiveEndpoint:  getEnv("ARCHIVE_ENDPOINT", ""),
		RecordingTimeout: getEnvDuration("RECORDING_TIMEOUT", 15*time.Second),
		RecordingMaxMB:   getEnvInt("RECORDING_MAX_MB", 25),

		RateLimitCapacity: getEnvInt("RATE_LIMIT_CAPACITY", 30),
		RateLimitRefill:   getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 5),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
