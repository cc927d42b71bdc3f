package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/forgis/factorybench/pkg/cost"
	"github.com/forgis/factorybench/pkg/progress"
	"github.com/forgis/factorybench/pkg/runstore"
	"github.com/spf13/cobra"
)

var (
	costDate  string
	costRates bool
)

var costCmd = &cobra.Command{
	Use:   "cost",
	Short: "Show the spend of a UTC day against the configured caps",
	Args:  cobra.NoArgs,
	RunE:  runCost,
}

func init() {
	rootCmd.AddCommand(costCmd)
	costCmd.Flags().StringVar(&costDate, "date", "",
		"UTC day to report as YYYY-MM-DD (defaults to today)")
	costCmd.Flags().BoolVar(&costRates, "rates", false,
		"Also print the per-model token prices")
}

func runCost(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	day := time.Now().UTC()

	if costDate != "" {
		day, err = time.Parse(time.DateOnly, costDate)
		if err != nil {
			return fmt.Errorf("invalid date %q: %w", costDate, err)
		}
	}

	store := runstore.NewLocalStore(log, cfg.Global.RunDir, nil)
	tracker := progress.NewTracker(log, store)

	spent, err := tracker.GetDailyCost(cmd.Context(), day)
	if err != nil {
		return fmt.Errorf("computing daily cost: %w", err)
	}

	fmt.Printf("Date:        %s\n", day.Format(time.DateOnly))
	fmt.Printf("Spent:       $%.6f\n", spent)
	fmt.Printf("Daily limit: %s\n", formatLimit(cfg.Limits.DailyCostLimit))
	fmt.Printf("Run limit:   %s\n", formatLimit(cfg.Limits.RunCostLimit))

	if cfg.Limits.DailyCostLimit > 0 {
		remaining := cfg.Limits.DailyCostLimit - spent
		if remaining < 0 {
			remaining = 0
		}

		fmt.Printf("Remaining:   $%.6f\n", remaining)
	}

	if !costRates {
		return nil
	}

	rates := cost.NewTable(cfg.Pricing).Rates()

	models := make([]string, 0, len(rates))
	for model := range rates {
		models = append(models, model)
	}

	sort.Strings(models)

	fmt.Println()

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tINPUT / 1K\tOUTPUT / 1K")

	for _, model := range models {
		fmt.Fprintf(tw, "%s\t$%.6f\t$%.6f\n",
			model, rates[model].InputPer1K, rates[model].OutputPer1K)
	}

	return tw.Flush()
}

func formatLimit(limit float64) string {
	if limit <= 0 {
		return "disabled"
	}

	return fmt.Sprintf("$%.2f", limit)
}
