package main

import (
	"errors"
	"fmt"

	"github.com/forgis/factorybench/pkg/api/indexer"
	"github.com/forgis/factorybench/pkg/api/indexstore"
	"github.com/forgis/factorybench/pkg/runstore"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Run one pass of the run index refresh",
	Long: `Scan the run directory once and bring the index database configured
under api.indexing up to date. New and unfinished runs are (re)indexed and
rows whose document is gone are removed.`,
	Args: cobra.NoArgs,
	RunE: runIndex,
}

func init() {
	rootCmd.AddCommand(indexCmd)
}

func runIndex(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if cfg.API == nil || cfg.API.Indexing == nil {
		return errors.New("api.indexing is not configured")
	}

	if err := cfg.ValidateAPI(); err != nil {
		return fmt.Errorf("validating api config: %w", err)
	}

	ctx := cmd.Context()

	store := indexstore.NewStore(log, &cfg.API.Indexing.Database)
	if err := store.Start(ctx); err != nil {
		return fmt.Errorf("starting index store: %w", err)
	}

	defer func() {
		if err := store.Stop(); err != nil {
			log.WithError(err).Warn("Failed to close index store")
		}
	}()

	runs := runstore.NewLocalStore(log, cfg.Global.RunDir, nil)
	idx := indexer.NewIndexer(log, store, runs, 0, cfg.API.Indexing.Concurrency)

	stats, err := idx.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("indexing runs: %w", err)
	}

	log.WithFields(logrus.Fields{
		"documents": stats.Documents,
		"indexed":   stats.Indexed,
		"reindexed": stats.Reindexed,
		"removed":   stats.Removed,
		"failed":    stats.Failed,
	}).Info("Index pass completed")

	return nil
}
