package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/forgis/factorybench/pkg/api/indexstore"
	"github.com/forgis/factorybench/pkg/metrics"
	"github.com/forgis/factorybench/pkg/runstore"
	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// defaultConcurrency is the number of runs indexed in parallel when
// no explicit concurrency value is configured.
const defaultConcurrency = 4

// PassStats reports what one indexing pass did.
type PassStats struct {
	Documents int `json:"documents"`
	Indexed   int `json:"indexed"`
	Reindexed int `json:"reindexed"`
	Removed   int `json:"removed"`
	Failed    int `json:"failed"`
}

// Indexer is a background service that periodically scans the run
// directory and upserts run summaries into the index store.
type Indexer interface {
	Start(ctx context.Context) error
	Stop() error

	// RunOnce performs a single synchronous pass.
	RunOnce(ctx context.Context) (*PassStats, error)
}

// Compile-time interface check.
var _ Indexer = (*indexer)(nil)

type indexer struct {
	log         logrus.FieldLogger
	store       indexstore.Store
	runs        runstore.Store
	interval    time.Duration
	concurrency int
	done        chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	dbMu        sync.Mutex // serializes DB writes to avoid SQLite contention
}

// NewIndexer creates a new background indexer.
func NewIndexer(
	log logrus.FieldLogger,
	store indexstore.Store,
	runs runstore.Store,
	interval time.Duration,
	concurrency int,
) Indexer {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	return &indexer{
		log:         log.WithField("component", "indexer"),
		store:       store,
		runs:        runs,
		interval:    interval,
		concurrency: concurrency,
		done:        make(chan struct{}),
	}
}

// Start launches a background goroutine that runs an immediate indexing
// pass and then ticks at the configured interval.
func (idx *indexer) Start(ctx context.Context) error {
	idx.log.WithFields(logrus.Fields{
		"interval":    idx.interval.String(),
		"concurrency": idx.concurrency,
	}).Info("Starting indexer")

	idx.wg.Add(1)

	go func() {
		defer idx.wg.Done()

		idx.runPass(ctx)

		ticker := time.NewTicker(idx.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				idx.runPass(ctx)
			case <-idx.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Stop signals the indexer goroutine to stop and waits for it.
func (idx *indexer) Stop() error {
	idx.stopOnce.Do(func() { close(idx.done) })
	idx.wg.Wait()

	idx.log.Info("Indexer stopped")

	return nil
}

func (idx *indexer) runPass(ctx context.Context) {
	start := time.Now()

	stats, err := idx.RunOnce(ctx)
	if err != nil {
		idx.log.WithError(err).Warn("Indexing pass failed")

		return
	}

	idx.log.WithFields(logrus.Fields{
		"duration":  time.Since(start).Round(time.Millisecond),
		"documents": stats.Documents,
		"indexed":   stats.Indexed,
		"reindexed": stats.Reindexed,
		"removed":   stats.Removed,
		"failed":    stats.Failed,
	}).Info("Indexing pass completed")
}

// RunOnce indexes documents that are new or whose indexed status is not
// terminal, and removes rows whose documents no longer exist.
func (idx *indexer) RunOnce(ctx context.Context) (*PassStats, error) {
	docIDs, err := idx.runs.ListIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing run documents: %w", err)
	}

	indexedIDs, err := idx.store.ListRunIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing indexed run ids: %w", err)
	}

	incompleteIDs, err := idx.store.ListIncompleteRunIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing incomplete run ids: %w", err)
	}

	indexedSet := toSet(indexedIDs)
	incompleteSet := toSet(incompleteIDs)
	docSet := toSet(docIDs)

	type runTask struct {
		runID          string
		alreadyIndexed bool
	}

	var tasks []runTask

	for _, id := range docIDs {
		_, alreadyIndexed := indexedSet[id]
		_, isIncomplete := incompleteSet[id]

		if alreadyIndexed && !isIncomplete {
			continue
		}

		tasks = append(tasks, runTask{runID: id, alreadyIndexed: alreadyIndexed})
	}

	stats := &PassStats{Documents: len(docIDs)}

	for _, id := range indexedIDs {
		if _, ok := docSet[id]; ok {
			continue
		}

		if err := idx.store.DeleteRun(ctx, id); err != nil {
			idx.log.WithError(err).WithField("run_id", id).
				Warn("Failed to remove stale index row")

			continue
		}

		stats.Removed++
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(idx.concurrency)

	var indexed, reindexed, failed atomic.Int64

	for _, task := range tasks {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			case <-idx.done:
				return nil
			default:
			}

			if err := idx.indexRun(gCtx, task.runID, task.alreadyIndexed); err != nil {
				idx.log.WithError(err).
					WithField("run_id", task.runID).
					Warn("Failed to index run")

				failed.Add(1)

				return nil //nolint:nilerr // log and continue
			}

			if task.alreadyIndexed {
				reindexed.Add(1)
			} else {
				indexed.Add(1)
			}

			idx.log.WithField("run_id", task.runID).Debug("Indexed run")

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("indexing runs: %w", err)
	}

	stats.Indexed = int(indexed.Load())
	stats.Reindexed = int(reindexed.Load())
	stats.Failed = int(failed.Load())

	if ids, err := idx.store.ListRunIDs(ctx); err == nil {
		metrics.IndexedRuns.Set(float64(len(ids)))
	}

	return stats, nil
}

// datasetMeta is the subset of the run's dataset block that is indexed.
type datasetMeta struct {
	DatasetID string `mapstructure:"dataset_id"`
	Source    string `mapstructure:"source"`
}

func decodeDatasetMeta(raw map[string]any) (datasetMeta, error) {
	var meta datasetMeta

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &meta,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return meta, err
	}

	if err := dec.Decode(raw); err != nil {
		return meta, fmt.Errorf("decoding dataset metadata: %w", err)
	}

	return meta, nil
}

// BuildRow converts a run document into its index row.
func BuildRow(r *runstore.Run) (*indexstore.Run, error) {
	meta, err := decodeDatasetMeta(r.Dataset)
	if err != nil {
		return nil, err
	}

	datasetJSON := ""
	if len(r.Dataset) > 0 {
		if b, mErr := json.Marshal(r.Dataset); mErr == nil {
			datasetJSON = string(b)
		}
	}

	row := &indexstore.Run{
		RunID:          r.RunID,
		Stage:          r.Stage,
		Model:          r.Model,
		DatasetID:      meta.DatasetID,
		Source:         meta.Source,
		Status:         string(r.Status),
		StopReason:     r.StopReason,
		Error:          r.Error,
		StartedAt:      r.StartedAt.UTC(),
		OKRate:         r.Aggregate.OKRate,
		Performance:    r.Aggregate.Performance,
		MeanAbsErrMean: r.Aggregate.MeanAbsErrMean,
		MinAbsErrMean:  r.Aggregate.MinAbsErrMean,
		MaxAbsErrMean:  r.Aggregate.MaxAbsErrMean,
		TokensTotal:    r.Aggregate.TokensTotal,
		CostTotal:      r.Aggregate.CostTotal,
		DatasetJSON:    datasetJSON,
	}

	if r.EndedAt != nil {
		ended := r.EndedAt.UTC()
		row.EndedAt = &ended
	}

	if r.Aggregate.Samples != nil {
		row.Samples = *r.Aggregate.Samples
	}

	return row, nil
}

func (idx *indexer) indexRun(ctx context.Context, runID string, isReindex bool) error {
	doc, err := idx.runs.Load(ctx, runID)
	if err != nil {
		return fmt.Errorf("loading run document: %w", err)
	}

	row, err := BuildRow(doc)
	if err != nil {
		return fmt.Errorf("building index row: %w", err)
	}

	now := time.Now().UTC()
	row.IndexedAt = now

	if isReindex {
		row.ReindexedAt = &now
	}

	idx.dbMu.Lock()
	defer idx.dbMu.Unlock()

	if err := idx.store.UpsertRun(ctx, row); err != nil {
		return fmt.Errorf("upserting run: %w", err)
	}

	return nil
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}

	return set
}
