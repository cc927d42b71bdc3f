package main

import (
	"fmt"

	"github.com/forgis/factorybench/pkg/api"
	"github.com/forgis/factorybench/pkg/dataset"
	"github.com/forgis/factorybench/pkg/stage"
	"github.com/forgis/factorybench/pkg/upload"
	"github.com/spf13/cobra"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long: `Start the factorybench API server. It serves the model and dataset
registries, run documents, live progress and the leaderboard, and
starts runs in the background on request.`,
	RunE: runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	cfg.EnsureAPI()

	if err := cfg.ValidateAPI(); err != nil {
		return fmt.Errorf("validating api config: %w", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	h, err := newHarness(ctx, cfg)
	if err != nil {
		return err
	}

	deps := &api.Deps{
		Config:   cfg,
		Tracker:  h.tracker,
		Runs:     h.runs,
		Executor: h.newExecutor(string(stage.TelemetryLiteracy)),
		Loader:   dataset.NewLoader(log, &cfg.Providers.HuggingFace),
		Costs:    h.costs,
	}

	if cfg.S3UploadEnabled() {
		presigner, err := upload.NewPresigner(log, cfg.Upload.S3)
		if err != nil {
			return fmt.Errorf("creating presigner: %w", err)
		}

		deps.Presigner = presigner
	}

	srv := api.NewServer(log, deps)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting api server: %w", err)
	}

	// Wait for shutdown signal.
	<-ctx.Done()
	log.Info("Shutting down API server")

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping api server: %w", err)
	}

	return nil
}
