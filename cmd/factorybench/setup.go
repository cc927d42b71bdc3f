package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/forgis/factorybench/pkg/config"
	"github.com/forgis/factorybench/pkg/cost"
	"github.com/forgis/factorybench/pkg/executor"
	"github.com/forgis/factorybench/pkg/fsutil"
	"github.com/forgis/factorybench/pkg/progress"
	"github.com/forgis/factorybench/pkg/runstore"
	"github.com/forgis/factorybench/pkg/upload"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// loadConfig loads and validates the configuration. The config file is
// optional; defaults and environment overrides always apply. The
// configured log level is used unless --log-level was given.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if !cmd.Flags().Changed("log-level") && cfg.Global.LogLevel != "" {
		level, err := logrus.ParseLevel(cfg.Global.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid global.log_level %q: %w", cfg.Global.LogLevel, err)
		}

		log.SetLevel(level)
	}

	return cfg, nil
}

// harness bundles the components shared by the run and api commands.
type harness struct {
	cfg      *config.Config
	owner    *fsutil.OwnerConfig
	runs     runstore.Store
	tracker  *progress.Tracker
	costs    *cost.Table
	uploader upload.Uploader
}

// newHarness builds the run store, tracker and cost table. When S3
// mirroring is enabled the uploader is created and preflighted.
func newHarness(ctx context.Context, cfg *config.Config) (*harness, error) {
	owner, err := fsutil.ParseOwner(cfg.Global.ResultsOwner)
	if err != nil {
		return nil, fmt.Errorf("parsing results_owner: %w", err)
	}

	runs := runstore.NewLocalStore(log, cfg.Global.RunDir, owner)

	h := &harness{
		cfg:     cfg,
		owner:   owner,
		runs:    runs,
		tracker: progress.NewTracker(log, runs),
		costs:   cost.NewTable(cfg.Pricing),
	}

	if cfg.S3UploadEnabled() {
		uploader, err := upload.NewS3Uploader(log, cfg.Upload.S3)
		if err != nil {
			return nil, fmt.Errorf("creating S3 uploader: %w", err)
		}

		// Fail fast before any tokens are spent.
		if err := uploader.Preflight(ctx); err != nil {
			return nil, fmt.Errorf("S3 upload preflight check failed: %w", err)
		}

		log.Info("S3 upload preflight check passed")

		h.uploader = uploader
	}

	return h, nil
}

// newExecutor creates an executor for stage bound to the harness.
func (h *harness) newExecutor(stageName string) executor.Executor {
	return executor.NewExecutor(log, &executor.Config{
		Stage:          stageName,
		DailyCostLimit: h.cfg.Limits.DailyCostLimit,
		RunCostLimit:   h.cfg.Limits.RunCostLimit,
	}, h.tracker, h.runs, h.costs, h.uploader)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			log.WithField("signal", sig).Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}

		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
