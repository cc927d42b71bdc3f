package indexer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/forgis/factorybench/pkg/api/indexstore"
	"github.com/forgis/factorybench/pkg/config"
	"github.com/forgis/factorybench/pkg/runstore"
	"github.com/forgis/factorybench/pkg/scoring"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f64(v float64) *float64 { return &v }

func intp(v int) *int { return &v }

type harness struct {
	idx   Indexer
	store indexstore.Store
	runs  runstore.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	dir := t.TempDir()

	store := indexstore.NewStore(log, &config.APIDatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: filepath.Join(dir, "index.db")},
	})
	require.NoError(t, store.Start(context.Background()))
	t.Cleanup(func() { _ = store.Stop() })

	runs := runstore.NewLocalStore(log, filepath.Join(dir, "runs"), nil)

	return &harness{
		idx:   NewIndexer(log, store, runs, time.Hour, 2),
		store: store,
		runs:  runs,
	}
}

func testRun(id string, status runstore.Status) *runstore.Run {
	return &runstore.Run{
		RunID:     id,
		Stage:     "telemetry_literacy",
		Model:     "mock",
		StartedAt: time.Date(2025, 5, 6, 9, 0, 0, 0, time.UTC),
		Dataset:   map[string]any{"dataset_id": "local_step_functions", "source": "local", "limit": 5},
		Version:   runstore.SchemaVersion,
		Status:    status,
		Aggregate: runstore.Aggregate{
			Summary: scoring.Summary{
				Samples:     intp(3),
				OKRate:      f64(1),
				Performance: f64(0.5),
			},
			TokensTotal: 120,
			CostTotal:   0.0042,
		},
	}
}

func TestBuildRow(t *testing.T) {
	r := testRun("tl-20250506T090000", runstore.StatusCompleted)
	ended := r.StartedAt.Add(time.Minute)
	r.EndedAt = &ended

	row, err := BuildRow(r)
	require.NoError(t, err)

	assert.Equal(t, "tl-20250506T090000", row.RunID)
	assert.Equal(t, "local_step_functions", row.DatasetID)
	assert.Equal(t, "local", row.Source)
	assert.Equal(t, "completed", row.Status)
	assert.Equal(t, 3, row.Samples)
	assert.Equal(t, int64(120), row.TokensTotal)
	assert.InDelta(t, 0.0042, row.CostTotal, 1e-12)
	require.NotNil(t, row.EndedAt)
	assert.Contains(t, row.DatasetJSON, `"dataset_id":"local_step_functions"`)
}

func TestBuildRow_MissingDatasetID(t *testing.T) {
	r := testRun("tl-1", runstore.StatusRunning)
	r.Dataset = nil
	r.Aggregate = runstore.Aggregate{}

	row, err := BuildRow(r)
	require.NoError(t, err)
	assert.Empty(t, row.DatasetID)
	assert.Empty(t, row.DatasetJSON)
	assert.Equal(t, 0, row.Samples)
}

func TestRunOnce_IncrementalPasses(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	running := testRun("tl-running", runstore.StatusRunning)
	require.NoError(t, h.runs.Save(ctx, running))
	require.NoError(t, h.runs.Save(ctx, testRun("tl-done", runstore.StatusCompleted)))

	stats, err := h.idx.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, PassStats{Documents: 2, Indexed: 2}, *stats)

	// Only the non-terminal run is revisited.
	running.Status = runstore.StatusStopped
	running.StopReason = "stop requested"
	require.NoError(t, h.runs.Save(ctx, running))

	stats, err = h.idx.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, PassStats{Documents: 2, Reindexed: 1}, *stats)

	row, err := h.store.GetRun(ctx, "tl-running")
	require.NoError(t, err)
	assert.Equal(t, "stopped", row.Status)
	assert.Equal(t, "stop requested", row.StopReason)
	assert.NotNil(t, row.ReindexedAt)

	stats, err = h.idx.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, PassStats{Documents: 2}, *stats)
}

func TestRunOnce_RemovesStaleRows(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.runs.Save(ctx, testRun("tl-keep", runstore.StatusCompleted)))
	require.NoError(t, h.runs.Save(ctx, testRun("tl-gone", runstore.StatusCompleted)))

	_, err := h.idx.RunOnce(ctx)
	require.NoError(t, err)

	require.NoError(t, os.Remove(h.runs.Path("tl-gone")))

	stats, err := h.idx.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Removed)

	ids, err := h.store.ListRunIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"tl-keep"}, ids)
}

func TestRunOnce_BrokenDocumentCountsAsFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.runs.Save(ctx, testRun("tl-ok", runstore.StatusCompleted)))
	require.NoError(t, os.WriteFile(filepath.Join(h.runs.Dir(), "tl-bad.json"), []byte("{"), 0o644))

	stats, err := h.idx.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Indexed)
	assert.Equal(t, 1, stats.Failed)
}

func TestIndexer_StartStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.runs.Save(ctx, testRun("tl-bg", runstore.StatusCompleted)))
	require.NoError(t, h.idx.Start(ctx))

	assert.Eventually(t, func() bool {
		_, err := h.store.GetRun(ctx, "tl-bg")

		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, h.idx.Stop())
	require.NoError(t, h.idx.Stop())
}
