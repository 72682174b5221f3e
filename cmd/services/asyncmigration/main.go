package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linkflow-ai/chmigrate/internal/asyncmigration/domain/catalog"
	"github.com/linkflow-ai/chmigrate/internal/asyncmigration/server"
	"github.com/linkflow-ai/chmigrate/internal/platform/config"
	"github.com/linkflow-ai/chmigrate/internal/platform/logger"
	"github.com/linkflow-ai/chmigrate/internal/platform/telemetry"
)

func main() {
	cfg, err := config.Load("asyncmigration")
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log := logger.New(cfg.Logger)
	log.Info("Starting Async Migration Service", "version", cfg.Version, "port", cfg.HTTP.Port)

	tel, err := telemetry.New(telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		Version:        cfg.Version,
		JaegerEndpoint: cfg.Telemetry.JaegerEndpoint,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
		TracingEnabled: cfg.Telemetry.TracingEnabled,
	})
	if err != nil {
		log.Fatal("failed to initialize telemetry", "error", err)
	}

	srv, err := server.New(
		server.WithConfig(cfg),
		server.WithLogger(log),
		server.WithTelemetry(tel),
	)
	if err != nil {
		log.Fatal("failed to create server", "error", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	runCtx, cancelRun := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	if cfg.Migration.RunOnStart {
		go func() {
			defer close(runDone)
			run, err := srv.Service().Run(runCtx, catalog.ReplicatedSchemaName)
			if err != nil {
				log.Error("async migration run failed", "migration", catalog.ReplicatedSchemaName, "error", err)
				return
			}
			log.Info("async migration run finished", "migration", catalog.ReplicatedSchemaName, "status", run.Status)
		}()
	} else {
		close(runDone)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Error("server error", "error", err)
	case sig := <-sigCh:
		log.Info("received shutdown signal", "signal", sig)
	}

	// A cancelled run unwinds before the connections it needs are closed
	cancelRun()
	<-runDone

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	if err := tel.Close(ctx); err != nil {
		log.Error("telemetry shutdown error", "error", err)
	}

	log.Info("Async Migration Service stopped gracefully")
}
