package main

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"

	"github.com/forgis/factorybench/pkg/fsutil"
	"github.com/forgis/factorybench/pkg/generator"
	"github.com/spf13/cobra"
)

var (
	genCount      int
	genFaultRatio float64
	genOutput     string
	genSeed       uint64
	previewFile   string
)

var generateDataCmd = &cobra.Command{
	Use:   "generate-data",
	Short: "Generate synthetic root cause analysis samples",
	Args:  cobra.NoArgs,
	RunE:  runGenerateData,
}

var previewDataCmd = &cobra.Command{
	Use:   "preview-data",
	Short: "Show summary statistics of a sample file",
	Args:  cobra.NoArgs,
	RunE:  runPreviewData,
}

func init() {
	rootCmd.AddCommand(generateDataCmd, previewDataCmd)

	generateDataCmd.Flags().IntVar(&genCount, "count", 100, "Number of samples to generate")
	generateDataCmd.Flags().Float64Var(&genFaultRatio, "fault-ratio", 0.2,
		"Ratio of anomalies (0.0 to 1.0)")
	generateDataCmd.Flags().StringVar(&genOutput, "output", "datasets/synthetic_rca.json",
		"Output file path")
	generateDataCmd.Flags().Uint64Var(&genSeed, "seed", 0,
		"Random seed for reproducible batches (0 picks a random seed)")

	previewDataCmd.Flags().StringVar(&previewFile, "file", "", "Path to JSON data file")

	_ = previewDataCmd.MarkFlagRequired("file")
}

func runGenerateData(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	owner, err := fsutil.ParseOwner(cfg.Global.ResultsOwner)
	if err != nil {
		return fmt.Errorf("parsing results_owner: %w", err)
	}

	opts := generator.Options{
		Count:      genCount,
		FaultRatio: genFaultRatio,
	}

	if genSeed != 0 {
		opts.Rand = rand.New(rand.NewPCG(genSeed, genSeed))
	}

	fmt.Printf("Generating %d samples with fault ratio %g...\n", genCount, genFaultRatio)

	samples, err := generator.Generate(opts)
	if err != nil {
		return err
	}

	if err := generator.WriteBatch(genOutput, samples, owner); err != nil {
		return err
	}

	fmt.Printf("Saved to %s (%s)\n", genOutput, fileSize(genOutput))

	return nil
}

func runPreviewData(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(previewFile); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("file not found: %s", previewFile)
	}

	samples, err := generator.LoadBatch(previewFile)
	if err != nil {
		return err
	}

	p := generator.Summarize(samples)

	fmt.Printf("Dataset Preview: %s (%s)\n", previewFile, fileSize(previewFile))
	fmt.Printf("Total Samples: %d\n", p.Total)
	fmt.Printf("Anomalies: %d (%.1f%%)\n", p.Anomalies, p.AnomalyPercent)

	if p.Total > 0 {
		fmt.Printf("Sample IDs (first %d): %s...\n", len(p.FirstIDs), strings.Join(p.FirstIDs, ", "))
	}

	return nil
}
