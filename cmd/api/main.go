package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"scamshield/internal/api"
	"scamshield/internal/archive"
	"scamshield/internal/bus"
	"scamshield/internal/collab"
	"scamshield/internal/config"
	"scamshield/internal/dispatch"
	"scamshield/internal/live"
	"scamshield/internal/logging"
	"scamshield/internal/pipeline"
	"scamshield/internal/ratelimit"
	"scamshield/internal/registry"
	"scamshield/internal/tasks"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer client.Close()

	reg := registry.New(client, cfg.CallTTL)
	eventBus := bus.New(client, cfg.ReplayCap, cfg.ReplayTTL, logger)
	queue := dispatch.NewQueue(client, cfg.VisibilityTimeout)
	dispatcher := dispatch.NewDispatcher(queue, cfg.DefaultRetries)
	signer := dispatch.NewSigner(cfg.SigningKey)

	coordinator := pipeline.New(pipeline.Config{
		EventChannel:          cfg.EventChannel,
		CallTTL:               cfg.CallTTL,
		ProcessRecordingDelay: cfg.ProcessRecordingDelay,
		InitialDeliveryDelay:  cfg.InitialDeliveryDelay,
	}, reg, eventBus, dispatcher, logger)

	recorder, err := archive.New(ctx, archive.Config{
		Bucket:   cfg.ArchiveBucket,
		Region:   cfg.ArchiveRegion,
		Endpoint: cfg.ArchiveEndpoint,
		Timeout:  cfg.RecordingTimeout,
		MaxMB:    cfg.RecordingMaxMB,
	})
	if err != nil {
		log.Fatalf("init recording archive: %v", err)
	}

	worker := tasks.New(tasks.Config{
		EventChannel:        cfg.EventChannel,
		EngagementThreshold: cfg.EngagementThreshold,
		RecheckDelay:        cfg.RecheckDelay,
		MaxRecordingRetries: cfg.MaxRecordingRetries,
		AgentCallTimeFloor:  cfg.AgentCallTimeFloor,
	}, signer, cfg.WorkerURL, reg, eventBus, dispatcher,
		collab.NewHTTPClassifier(cfg.ClassifierURL),
		collab.NewHTTPCaller(cfg.CallerURL),
		collab.NewHTTPSink(cfg.SinkURL),
		archiverOrNil(recorder), logger)

	liveHandler := live.NewHandler(reg, eventBus, cfg.EventChannel,
		cfg.StreamCeiling, cfg.HeartbeatInterval, logger)
	limiter := ratelimit.New(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(coordinator, worker, cfg.WorkerPath, liveHandler, queue, limiter, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", "port", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

// archiverOrNil keeps the worker's archiver interface nil when archiving
// is disabled; a typed nil pointer would read as non-nil.
func archiverOrNil(recorder *archive.Recorder) tasks.Archiver {
	if recorder == nil {
		return nil
	}
	return recorder
}
