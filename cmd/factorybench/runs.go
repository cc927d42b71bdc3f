package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/forgis/factorybench/pkg/config"
	"github.com/forgis/factorybench/pkg/fsutil"
	"github.com/forgis/factorybench/pkg/runstore"
	"github.com/forgis/factorybench/pkg/upload"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	listModel     string
	listStatus    string
	listDatasetID string
	showSummary   bool
	pullOverwrite bool
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect and sync persisted run documents",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs in the run directory, newest first",
	Args:  cobra.NoArgs,
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Print a run document",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsPushCmd = &cobra.Command{
	Use:   "push [run-id...]",
	Short: "Upload run documents to S3 (all terminal runs when no id is given)",
	RunE:  runRunsPush,
}

var runsPullCmd = &cobra.Command{
	Use:   "pull [run-id...]",
	Short: "Download run documents from S3 into the run directory",
	RunE:  runRunsPull,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsPushCmd, runsPullCmd)

	runsListCmd.Flags().StringVar(&listModel, "model", "", "Only list runs of this model")
	runsListCmd.Flags().StringVar(&listStatus, "status", "", "Only list runs with this status")
	runsListCmd.Flags().StringVar(&listDatasetID, "dataset-id", "", "Only list runs on this dataset")

	runsShowCmd.Flags().BoolVar(&showSummary, "summary", false,
		"Print the run summary without per-sample results")

	runsPullCmd.Flags().BoolVar(&pullOverwrite, "overwrite", false,
		"Replace run documents that already exist locally")
}

func runRunsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if listStatus != "" && !runstore.Status(listStatus).Valid() {
		return fmt.Errorf("invalid status %q", listStatus)
	}

	store := runstore.NewLocalStore(log, cfg.Global.RunDir, nil)

	runs, err := store.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}

	sort.SliceStable(runs, func(i, j int) bool {
		if !runs[i].StartedAt.Equal(runs[j].StartedAt) {
			return runs[i].StartedAt.After(runs[j].StartedAt)
		}

		return runs[i].RunID > runs[j].RunID
	})

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tSTARTED\tMODEL\tDATASET\tSTATUS\tSAMPLES\tPERFORMANCE\tCOST\tSIZE")

	for _, run := range runs {
		if listModel != "" && run.Model != listModel {
			continue
		}

		if listStatus != "" && string(run.Status) != listStatus {
			continue
		}

		if listDatasetID != "" && run.DatasetID() != listDatasetID {
			continue
		}

		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t$%.6f\t%s\n",
			run.RunID,
			formatTime(&run.StartedAt),
			run.Model,
			run.DatasetID(),
			run.Status,
			len(run.Results),
			formatOptional(run.Aggregate.Performance),
			run.Aggregate.CostTotal,
			fileSize(store.Path(run.RunID)),
		)
	}

	return tw.Flush()
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if err := runstore.ValidateRunID(args[0]); err != nil {
		return err
	}

	store := runstore.NewLocalStore(log, cfg.Global.RunDir, nil)

	run, err := store.Load(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("loading run: %w", err)
	}

	var doc any = run
	if showSummary {
		doc = run.Summary()
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	return enc.Encode(doc)
}

func runRunsPush(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if err := requireS3(cfg); err != nil {
		return err
	}

	uploader, err := upload.NewS3Uploader(log, cfg.Upload.S3)
	if err != nil {
		return fmt.Errorf("creating S3 uploader: %w", err)
	}

	store := runstore.NewLocalStore(log, cfg.Global.RunDir, nil)
	ctx := cmd.Context()

	ids := args
	if len(ids) == 0 {
		runs, err := store.List(ctx)
		if err != nil {
			return fmt.Errorf("listing runs: %w", err)
		}

		for _, run := range runs {
			if run.Status.Terminal() {
				ids = append(ids, run.RunID)
			}
		}
	}

	for _, id := range ids {
		if err := runstore.ValidateRunID(id); err != nil {
			return err
		}

		if err := uploader.UploadRun(ctx, store.Path(id)); err != nil {
			return fmt.Errorf("uploading run %s: %w", id, err)
		}
	}

	log.WithField("runs", len(ids)).Info("Run documents uploaded")

	return nil
}

func runRunsPull(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if err := requireS3(cfg); err != nil {
		return err
	}

	owner, err := fsutil.ParseOwner(cfg.Global.ResultsOwner)
	if err != nil {
		return fmt.Errorf("parsing results_owner: %w", err)
	}

	reader := upload.NewS3Reader(log, cfg.Upload.S3)
	store := runstore.NewLocalStore(log, cfg.Global.RunDir, owner)
	ctx := cmd.Context()

	ids := args
	if len(ids) == 0 {
		ids, err = reader.ListRunIDs(ctx)
		if err != nil {
			return err
		}
	}

	var pulled, skipped int

	for _, id := range ids {
		if err := runstore.ValidateRunID(id); err != nil {
			return err
		}

		if !pullOverwrite {
			if _, err := os.Stat(store.Path(id)); err == nil {
				skipped++

				continue
			}
		}

		data, err := reader.GetRun(ctx, id)
		if err != nil {
			return fmt.Errorf("downloading run %s: %w", id, err)
		}

		var run runstore.Run
		if err := json.Unmarshal(data, &run); err != nil {
			return fmt.Errorf("parsing run %s: %w", id, err)
		}

		if run.RunID != id {
			return fmt.Errorf("run %s: document carries run id %q", id, run.RunID)
		}

		if err := store.Save(ctx, &run); err != nil {
			return fmt.Errorf("saving run %s: %w", id, err)
		}

		pulled++
	}

	log.WithFields(logrus.Fields{
		"pulled":  pulled,
		"skipped": skipped,
		"dir":     filepath.Clean(store.Dir()),
	}).Info("Run documents pulled")

	return nil
}

func requireS3(cfg *config.Config) error {
	if !cfg.S3UploadEnabled() {
		return errors.New("S3 upload is not configured or not enabled in config")
	}

	return nil
}

func formatOptional(v *float64) string {
	if v == nil {
		return "-"
	}

	return fmt.Sprintf("%.4f", *v)
}

func fileSize(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return "-"
	}

	return units.HumanSize(float64(info.Size()))
}

// formatTime renders t in UTC or "-" when unset.
func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}

	return t.UTC().Format(time.RFC3339)
}
