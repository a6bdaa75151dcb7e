package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragstore/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ragstore engine daemon",
	Long: `Run the engine with scheduled maintenance: checkpoint sweeps on the
configured retention window and periodic checkpoints of every open
session.

Examples:
  # Run with the default config
  ragstored serve

  # Run against a specific config file
  ragstored serve --config /etc/ragstore/config.yaml`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	env, err := openEnvironment()
	if err != nil {
		return err
	}
	defer env.Close()

	logger := env.logger

	tel, err := telemetry.New(ctx, env.cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		_ = tel.Shutdown(context.Background())
	}()

	for _, op := range env.manager.Recovery().IncompleteOperations() {
		logger.Warn("operation interrupted by previous shutdown",
			zap.String("operation", op.Name),
			zap.String("database", op.Key),
			zap.Time("started_at", op.StartedAt))
	}

	scheduler := cron.New()
	_, err = scheduler.AddFunc(env.cfg.Recovery.SweepSchedule, func() {
		removed := env.manager.Recovery().Cleanup(context.Background(), env.cfg.Recovery.Retention.Duration())
		if removed > 0 {
			logger.Info("checkpoint sweep", zap.Int("removed", removed))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", env.cfg.Recovery.SweepSchedule, err)
	}
	_, err = scheduler.AddFunc(env.cfg.Recovery.CheckpointSchedule, func() {
		taken := env.manager.CheckpointAll(context.Background())
		if taken > 0 {
			logger.Info("scheduled checkpoints taken", zap.Int("count", taken))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid checkpoint schedule %q: %w", env.cfg.Recovery.CheckpointSchedule, err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	logger.Info("ragstored started",
		zap.String("provider", env.cfg.VectorStore.Provider),
		zap.String("data_dir", env.cfg.Engine.DataDir),
		zap.Bool("telemetry", tel.Enabled()))

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	// Final checkpoint pass so open sessions survive the restart.
	if taken := env.manager.CheckpointAll(context.Background()); taken > 0 {
		logger.Info("shutdown checkpoints taken", zap.Int("count", taken))
	}
	return nil
}
