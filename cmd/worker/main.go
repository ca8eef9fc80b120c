// Package main is the reference browser-automation worker. It leases
// automation jobs from the server, runs the configured executor command for
// each one, and reports the outcome. Any number of workers may run; the
// server's lease makes each job go to exactly one of them at a time.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/relaypost/relaypost/internal/config"
	"github.com/relaypost/relaypost/internal/telemetry"
	"github.com/relaypost/relaypost/internal/workerclient"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run() error {
	cfg, err := config.LoadWorker(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := workerclient.NewClient(cfg.Worker.ServerURL, cfg.Worker.Secret, nil)
	executor := &workerclient.CommandExecutor{
		Command: cfg.Worker.Command,
		Timeout: cfg.Worker.JobTimeout,
	}
	runner := workerclient.NewRunner(client, executor, workerclient.Options{
		BatchSize:    cfg.Worker.BatchSize,
		PollInterval: cfg.Worker.PollInterval,
	})

	slog.Info("worker started",
		"server", cfg.Worker.ServerURL,
		"command", cfg.Worker.Command[0],
		"batch_size", cfg.Worker.BatchSize)

	if err := runner.Run(ctx); err != nil {
		return err
	}
	slog.Info("worker stopped")
	return nil
}
