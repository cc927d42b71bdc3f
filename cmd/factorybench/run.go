package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/forgis/factorybench/pkg/adapter"
	"github.com/forgis/factorybench/pkg/dataset"
	"github.com/forgis/factorybench/pkg/executor"
	"github.com/forgis/factorybench/pkg/runstore"
	"github.com/forgis/factorybench/pkg/stage"
	"github.com/spf13/cobra"
)

var (
	runModel       string
	runDatasetID   string
	runLimit       int
	runStage       string
	runFixturePath string
	runHFSplit     string
)

var runCmd = &cobra.Command{
	Use:     "run-stage1",
	Aliases: []string{"run"},
	Short:   "Evaluate telemetry literacy and write a run document",
	Long: `Load samples from a registered dataset, send each one to the selected
model, score the reported statistics and persist the run document under
the configured run directory.`,
	RunE: runStage1,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runModel, "model", "mock",
		"Model selector (mock | azure:<deployment> | openai:<model>)")
	runCmd.Flags().StringVar(&runDatasetID, "dataset-id", "",
		"Dataset id from the registry (e.g. local_basic, hf_factoryset)")
	runCmd.Flags().IntVar(&runLimit, "limit", 10,
		"Maximum number of samples to evaluate (0 for all)")
	runCmd.Flags().StringVar(&runStage, "stage", string(stage.TelemetryLiteracy),
		"Benchmark stage name or alias")
	runCmd.Flags().StringVar(&runFixturePath, "fixture-path", "",
		"Override the fixture path of a local dataset")
	runCmd.Flags().StringVar(&runHFSplit, "hf-split", "",
		"Override the split of a Hugging Face dataset")

	_ = runCmd.MarkFlagRequired("dataset-id")
}

// runOutput is printed to stdout when a run ends.
type runOutput struct {
	RunID      string             `json:"run_id"`
	Status     runstore.Status    `json:"status"`
	StopReason string             `json:"stop_reason,omitempty"`
	Error      string             `json:"error,omitempty"`
	Path       string             `json:"path"`
	Aggregate  runstore.Aggregate `json:"aggregate"`
}

func runStage1(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	st, err := stage.Normalize(runStage)
	if err != nil {
		return err
	}

	if !st.Runnable() {
		return fmt.Errorf("stage %s cannot be run yet", st)
	}

	if runLimit < 0 {
		return fmt.Errorf("limit must not be negative, got %d", runLimit)
	}

	ds, ok := cfg.GetDataset(runDatasetID)
	if !ok {
		ids := cfg.DatasetIDs()
		sort.Strings(ids)

		return fmt.Errorf("invalid dataset id %q, valid ids: %s",
			runDatasetID, strings.Join(ids, ", "))
	}

	src := dataset.SourceFromRegistry(ds, runLimit)

	if runFixturePath != "" {
		src.FixturePath = runFixturePath
	}

	if runHFSplit != "" {
		src.Split = runHFSplit
	}

	adp, model, err := adapter.Resolve(log, runModel, &cfg.Providers)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	h, err := newHarness(ctx, cfg)
	if err != nil {
		return err
	}

	samples, err := dataset.NewLoader(log, &cfg.Providers.HuggingFace).Load(ctx, src)
	if err != nil {
		return fmt.Errorf("loading dataset: %w", err)
	}

	if len(samples) == 0 {
		return fmt.Errorf("dataset %s returned no samples", ds.ID)
	}

	run, runErr := h.newExecutor(string(st)).Run(ctx, &executor.RunOptions{
		Samples: samples,
		Adapter: adp,
		Model:   model,
		Dataset: src.Meta(),
	})
	if run == nil {
		return fmt.Errorf("running benchmark: %w", runErr)
	}

	out := runOutput{
		RunID:      run.RunID,
		Status:     run.Status,
		StopReason: run.StopReason,
		Error:      run.Error,
		Path:       h.runs.Path(run.RunID),
		Aggregate:  run.Aggregate,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("writing summary: %w", err)
	}

	if runErr != nil {
		return fmt.Errorf("running benchmark: %w", runErr)
	}

	return nil
}
