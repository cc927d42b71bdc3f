package progress

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/forgis/factorybench/pkg/runstore"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T) (*Tracker, runstore.Store) {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	store := runstore.NewLocalStore(log, t.TempDir(), nil)

	return NewTracker(log, store), store
}

func TestTracker_Lifecycle(t *testing.T) {
	tr, _ := newTestTracker(t)

	_, ok := tr.GetProgress("r1")
	assert.False(t, ok)

	// Unknown ids are no-ops.
	tr.UpdateProgress("r1", 1, 0.5)
	assert.False(t, tr.ShouldStop("r1"))
	assert.False(t, tr.RequestStop("r1"))

	tr.StartRun("r1", 10)

	p, ok := tr.GetProgress("r1")
	require.True(t, ok)
	assert.Equal(t, 10, p.TotalSamples)
	assert.Equal(t, 0, p.ProcessedSamples)
	assert.Equal(t, runstore.StatusRunning, p.Status)

	tr.UpdateProgress("r1", 3, 0.25)

	p, _ = tr.GetProgress("r1")
	assert.Equal(t, 3, p.ProcessedSamples)
	assert.InDelta(t, 0.25, p.CurrentCost, 1e-12)

	assert.True(t, tr.RequestStop("r1"))
	assert.True(t, tr.RequestStop("r1"))
	assert.True(t, tr.ShouldStop("r1"))

	tr.CompleteRun("r1", runstore.StatusStopped, "")

	p, ok = tr.GetProgress("r1")
	require.True(t, ok)
	assert.Equal(t, runstore.StatusStopped, p.Status)

	// Terminal runs no longer accept stop requests.
	assert.False(t, tr.RequestStop("r1"))

	// Restarting an id resets the entry.
	tr.StartRun("r1", 4)

	p, _ = tr.GetProgress("r1")
	assert.Equal(t, 4, p.TotalSamples)
	assert.False(t, p.StopRequested)

	tr.CleanupRun("r1")

	_, ok = tr.GetProgress("r1")
	assert.False(t, ok)
}

func TestTracker_StartRunKeepsPendingStop(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.StartRun("r1", 5)
	require.True(t, tr.RequestStop("r1"))

	// The executor registers the same id again when it picks the run up.
	tr.StartRun("r1", 5)

	assert.True(t, tr.ShouldStop("r1"))

	p, _ := tr.GetProgress("r1")
	assert.True(t, p.StopRequested)
	assert.Equal(t, runstore.StatusRunning, p.Status)
}

func TestTracker_SnapshotIsCopy(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.StartRun("r1", 2)

	p, _ := tr.GetProgress("r1")
	p.ProcessedSamples = 99

	fresh, _ := tr.GetProgress("r1")
	assert.Equal(t, 0, fresh.ProcessedSamples)
}

func TestTracker_ActiveRuns(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.StartRun("b", 1)
	tr.StartRun("a", 1)
	tr.CompleteRun("a", runstore.StatusFailed, "boom")

	runs := tr.ActiveRuns()
	require.Len(t, runs, 2)
	assert.Equal(t, "a", runs[0].RunID)
	assert.Equal(t, "boom", runs[0].Error)
	assert.Equal(t, "b", runs[1].RunID)
}

func TestTracker_Concurrent(t *testing.T) {
	tr, _ := newTestTracker(t)

	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		id := fmt.Sprintf("run-%d", i)
		tr.StartRun(id, 100)

		wg.Add(2)

		go func() {
			defer wg.Done()

			for n := 1; n <= 100; n++ {
				tr.UpdateProgress(id, n, float64(n))
			}
		}()

		go func() {
			defer wg.Done()

			for n := 0; n < 100; n++ {
				_, _ = tr.GetProgress(id)
				_ = tr.ShouldStop(id)
				_ = tr.ActiveRuns()
			}
		}()
	}

	wg.Wait()

	p, ok := tr.GetProgress("run-3")
	require.True(t, ok)
	assert.Equal(t, 100, p.ProcessedSamples)
}

func TestTracker_GetDailyCost(t *testing.T) {
	ctx := context.Background()
	tr, store := newTestTracker(t)

	today := time.Date(2025, 6, 1, 23, 30, 0, 0, time.UTC)
	yesterday := today.Add(-24 * time.Hour)

	runs := []*runstore.Run{
		{RunID: "tl-a", StartedAt: today.Add(-time.Hour), Aggregate: runstore.Aggregate{CostTotal: 1.5}},
		{RunID: "tl-b", StartedAt: today.Add(-2 * time.Hour), Aggregate: runstore.Aggregate{CostTotal: 0.25}},
		{RunID: "tl-c", StartedAt: yesterday, Aggregate: runstore.Aggregate{CostTotal: 100}},
		// Persisted cost still zero while the run is live.
		{RunID: "tl-live", StartedAt: today, Aggregate: runstore.Aggregate{}},
		{RunID: "tl-nostart", Aggregate: runstore.Aggregate{CostTotal: 7}},
	}

	for _, r := range runs {
		require.NoError(t, store.Save(ctx, r))
	}

	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "tl-garbage.json"), []byte("not json"), 0o644))

	cost, err := tr.GetDailyCost(ctx, today)
	require.NoError(t, err)
	assert.InDelta(t, 1.75, cost, 1e-12)

	tr.StartRun("tl-live", 5)
	tr.UpdateProgress("tl-live", 2, 0.5)

	cost, err = tr.GetDailyCost(ctx, today)
	require.NoError(t, err)
	assert.InDelta(t, 2.25, cost, 1e-12)

	// Local times are compared on their UTC date.
	cost, err = tr.GetDailyCost(ctx, today.In(time.FixedZone("UTC+5", 5*3600)))
	require.NoError(t, err)
	assert.InDelta(t, 2.25, cost, 1e-12)

	cost, err = tr.GetDailyCost(ctx, yesterday)
	require.NoError(t, err)
	assert.InDelta(t, 100.0, cost, 1e-12)
}

func TestTracker_GetDailyCostEmptyDir(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	tr := NewTracker(log, runstore.NewLocalStore(log, filepath.Join(t.TempDir(), "missing"), nil))

	cost, err := tr.GetDailyCost(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, cost)
}
