package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"scamshield/internal/config"
	"scamshield/internal/dispatch"
	"scamshield/internal/logging"
	"scamshield/internal/telemetry"
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

	queue := dispatch.NewQueue(client, cfg.VisibilityTimeout)
	signer := dispatch.NewSigner(cfg.SigningKey)
	relay := dispatch.NewRelay(queue, signer, dispatch.RelayConfig{
		WorkerURL:      cfg.WorkerURL,
		PollInterval:   cfg.RelayPollInterval,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
		BatchSize:      cfg.ScheduledBatchSize,
	}, logger)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	logger.Info("relay started",
		"worker_url", cfg.WorkerURL,
		"visibility", cfg.VisibilityTimeout,
		"backoff_initial", cfg.BackoffInitial)
	if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("relay stopped", "error", err)
		os.Exit(1)
	}
}
