package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/acme/outbound-lead-dialer/internal/app"
	"github.com/acme/outbound-lead-dialer/internal/telemetry"
	"github.com/acme/outbound-lead-dialer/internal/worker/outcome"
	apperrors "github.com/acme/outbound-lead-dialer/pkg/errors"
)

// The dialer binary is the headless variant: it seeds the identity pool,
// starts pacing immediately and consumes call outcomes from the topic
// instead of waiting for an operator to hit the control endpoints.
func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App.Name+"-dialer", container.Config.App.Version)
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		log.Fatalf("failed to ensure kafka topics: %v", err)
	}

	repos, err := container.Repositories()
	if err != nil {
		log.Fatalf("failed to initialize repositories: %v", err)
	}
	if err := repos.Stats.Ensure(ctx); err != nil {
		log.Fatalf("failed to ensure stats row: %v", err)
	}

	identityPool, err := container.Pool()
	if err != nil {
		log.Fatalf("failed to initialize identity pool: %v", err)
	}
	if err := identityPool.Seed(ctx, container.Config.Dialer.IdentityCount); err != nil {
		log.Fatalf("failed to seed identity pool: %v", err)
	}

	engine, err := container.Engine()
	if err != nil {
		log.Fatalf("failed to initialize dialer engine: %v", err)
	}

	services, err := container.Services()
	if err != nil {
		log.Fatalf("failed to initialize services: %v", err)
	}

	if err := engine.Start(ctx); err != nil {
		if errors.Is(err, apperrors.ErrExhausted) {
			log.Printf("no pending leads, dispatch idle until leads arrive")
		} else {
			log.Fatalf("failed to start dialer engine: %v", err)
		}
	}
	defer engine.Stop()

	errs := make(chan error, 2)

	go func() {
		errs <- engine.RunResetLoop(ctx)
	}()

	worker := outcome.New(container.Kafka, services.Reconcile, container.Config.Kafka, container.Logger)
	go func() {
		errs <- worker.Run(ctx)
	}()

	select {
	case <-ctx.Done():
	case err := <-errs:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Fatalf("dialer terminated: %v", err)
		}
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
