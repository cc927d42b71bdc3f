package indexstore_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgis/factorybench/pkg/api/indexstore"
	"github.com/forgis/factorybench/pkg/config"
)

func setupTestStore(t *testing.T) indexstore.Store {
	t.Helper()

	cfg := &config.APIDatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{
			Path: filepath.Join(t.TempDir(), "index.db"),
		},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := indexstore.NewStore(log, cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	return s
}

func f64(v float64) *float64 { return &v }

func TestStore_UpsertAndListRuns(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2025, 5, 6, 10, 0, 0, 0, time.UTC)

	runs := []indexstore.Run{
		{RunID: "tl-1", Model: "mock", DatasetID: "ds-a", Status: "completed", StartedAt: base},
		{RunID: "tl-2", Model: "openai:gpt-4o", DatasetID: "ds-a", Status: "running", StartedAt: base.Add(time.Hour)},
		{RunID: "tl-3", Model: "mock", DatasetID: "ds-b", Status: "stopped", StartedAt: base.Add(2 * time.Hour)},
	}
	for i := range runs {
		require.NoError(t, s.UpsertRun(ctx, &runs[i]))
	}

	tests := []struct {
		name   string
		filter indexstore.RunFilter
		want   []string
	}{
		{name: "no filter newest first", want: []string{"tl-3", "tl-2", "tl-1"}},
		{name: "by model", filter: indexstore.RunFilter{Model: "mock"}, want: []string{"tl-3", "tl-1"}},
		{name: "by dataset", filter: indexstore.RunFilter{DatasetID: "ds-a"}, want: []string{"tl-2", "tl-1"}},
		{name: "by status", filter: indexstore.RunFilter{Status: "running"}, want: []string{"tl-2"}},
		{name: "no match", filter: indexstore.RunFilter{Model: "azure:gpt-4o"}, want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListRuns(ctx, tt.filter)
			require.NoError(t, err)

			ids := make([]string, 0, len(got))
			for _, r := range got {
				ids = append(ids, r.RunID)
			}

			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestStore_UpsertRunReplaces(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	run := &indexstore.Run{
		RunID:   "tl-idem",
		Model:   "mock",
		Status:  "running",
		Samples: 2,
	}
	require.NoError(t, s.UpsertRun(ctx, run))

	updated := &indexstore.Run{
		RunID:       "tl-idem",
		Model:       "mock",
		Status:      "completed",
		Samples:     5,
		Performance: f64(0.25),
	}
	require.NoError(t, s.UpsertRun(ctx, updated))

	all, err := s.ListRuns(ctx, indexstore.RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1, "upsert must not duplicate the row")

	got, err := s.GetRun(ctx, "tl-idem")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, 5, got.Samples)
	require.NotNil(t, got.Performance)
	assert.InDelta(t, 0.25, *got.Performance, 1e-9)
}

func TestStore_GetAndDeleteRun(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	_, err := s.GetRun(ctx, "tl-missing")
	require.ErrorIs(t, err, indexstore.ErrNotFound)

	require.NoError(t, s.UpsertRun(ctx, &indexstore.Run{RunID: "tl-del", Status: "completed"}))
	require.NoError(t, s.DeleteRun(ctx, "tl-del"))

	_, err = s.GetRun(ctx, "tl-del")
	require.ErrorIs(t, err, indexstore.ErrNotFound)

	require.NoError(t, s.DeleteRun(ctx, "tl-del"))
}

func TestStore_ListRunIDs(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"aaa", "bbb", "ccc"} {
		require.NoError(t, s.UpsertRun(ctx, &indexstore.Run{RunID: id, Status: "completed"}))
	}

	ids, err := s.ListRunIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"aaa", "bbb", "ccc"}, ids)
}

func TestStore_ListIncompleteRunIDs(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	tests := []struct {
		status     string
		wantInList bool
	}{
		{status: "running", wantInList: true},
		{status: "", wantInList: true},
		{status: "completed", wantInList: false},
		{status: "stopped", wantInList: false},
		{status: "failed", wantInList: false},
	}

	wantIDs := make([]string, 0, len(tests))

	for i, tt := range tests {
		id := "tl-" + string(rune('a'+i))
		require.NoError(t, s.UpsertRun(ctx, &indexstore.Run{RunID: id, Status: tt.status}))

		if tt.wantInList {
			wantIDs = append(wantIDs, id)
		}
	}

	ids, err := s.ListIncompleteRunIDs(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, wantIDs, ids)
}

func TestStore_DailyCost(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	day := time.Date(2025, 5, 6, 0, 0, 0, 0, time.UTC)

	runs := []indexstore.Run{
		{RunID: "tl-morning", StartedAt: day.Add(time.Hour), CostTotal: 1.5, Status: "completed"},
		{RunID: "tl-evening", StartedAt: day.Add(23 * time.Hour), CostTotal: 0.25, Status: "stopped"},
		{RunID: "tl-yesterday", StartedAt: day.Add(-time.Minute), CostTotal: 100, Status: "completed"},
		{RunID: "tl-tomorrow", StartedAt: day.AddDate(0, 0, 1), CostTotal: 50, Status: "completed"},
	}
	for i := range runs {
		require.NoError(t, s.UpsertRun(ctx, &runs[i]))
	}

	total, err := s.DailyCost(ctx, day.Add(12*time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 1.75, total, 1e-9)

	empty, err := s.DailyCost(ctx, day.AddDate(0, 0, 5))
	require.NoError(t, err)
	assert.InDelta(t, 0, empty, 1e-9)
}

func TestStore_UnsupportedDriver(t *testing.T) {
	s := indexstore.NewStore(logrus.New(), &config.APIDatabaseConfig{Driver: "mysql"})
	require.Error(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
}
