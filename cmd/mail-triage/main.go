package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/mikey/llm-mail-triage/internal/core"
	"github.com/mikey/llm-mail-triage/internal/di"
	"github.com/mikey/llm-mail-triage/internal/factory"
	"github.com/mikey/llm-mail-triage/internal/ports"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	// Build the dependency injection container
	container, err := di.BuildContainer(*configPath)
	if err != nil {
		fmt.Printf("Failed to build dependency container: %v\n", err)
		os.Exit(1)
	}

	// Run the application
	if err := container.Invoke(run); err != nil {
		fmt.Printf("Application error: %v\n", err)
		os.Exit(1)
	}
}

type deps struct {
	dig.In

	Logger     *zap.Logger
	Jobs       *core.JobManager
	Server     ports.Server
	Fetchers   *factory.Fetchers
	Model      core.ModelClient
	CacheStore core.CacheStore
	Store      core.JobStore
	Queue      core.JobQueue
}

// run is the main application function that gets all dependencies injected
func run(d deps) error {
	logger := d.Logger
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := d.Jobs.Recover(ctx); err != nil {
		logger.Error("Failed to recover pending jobs", zap.Error(err))
	}

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		_ = d.Jobs.Run(ctx)
	}()
	d.Jobs.StartMaintenance(ctx)

	if d.Fetchers.Inbox != nil {
		if err := d.Fetchers.Inbox.Start(); err != nil {
			return fmt.Errorf("failed to start SMTP inbox: %w", err)
		}
	}
	if err := d.Server.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP API: %w", err)
	}

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Info("Shutting down...")

	if err := d.Server.Stop(); err != nil {
		logger.Error("Failed to stop HTTP API", zap.Error(err))
	}
	if d.Fetchers.Inbox != nil {
		if err := d.Fetchers.Inbox.Stop(); err != nil {
			logger.Error("Failed to stop SMTP inbox", zap.Error(err))
		}
	}

	// In-flight jobs are failed as retryable by the worker
	cancel()
	<-workerDone

	if err := d.Queue.Close(); err != nil {
		logger.Error("Failed to close job queue", zap.Error(err))
	}
	if closer, ok := d.Store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Error("Failed to close job store", zap.Error(err))
		}
	}
	if closer, ok := d.Model.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Error("Failed to close model client", zap.Error(err))
		}
	}
	if stopper, ok := d.CacheStore.(interface{ Stop() }); ok {
		stopper.Stop()
	}

	logger.Info("Shutdown complete")
	return nil
}
