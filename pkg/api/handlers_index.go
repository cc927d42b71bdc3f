package api

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/forgis/factorybench/pkg/api/indexstore"
	"github.com/forgis/factorybench/pkg/leaderboard"
	"github.com/forgis/factorybench/pkg/runstore"
)

// runListEntry is the listing view of a run, served from the index store
// when indexing is enabled and from the run directory otherwise.
type runListEntry struct {
	RunID          string     `json:"run_id"`
	Stage          string     `json:"stage"`
	Model          string     `json:"model"`
	DatasetID      string     `json:"dataset_id,omitempty"`
	Status         string     `json:"status"`
	StopReason     string     `json:"stop_reason,omitempty"`
	Error          string     `json:"error,omitempty"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	Samples        int        `json:"samples"`
	OKRate         *float64   `json:"ok_rate,omitempty"`
	Performance    *float64   `json:"performance,omitempty"`
	MeanAbsErrMean *float64   `json:"mean_abs_err_mean,omitempty"`
	MinAbsErrMean  *float64   `json:"min_abs_err_mean,omitempty"`
	MaxAbsErrMean  *float64   `json:"max_abs_err_mean,omitempty"`
	TokensTotal    int64      `json:"tokens_total"`
	CostTotal      float64    `json:"cost_total"`
}

func entryFromRow(row *indexstore.Run) runListEntry {
	return runListEntry{
		RunID:          row.RunID,
		Stage:          row.Stage,
		Model:          row.Model,
		DatasetID:      row.DatasetID,
		Status:         row.Status,
		StopReason:     row.StopReason,
		Error:          row.Error,
		StartedAt:      row.StartedAt,
		EndedAt:        row.EndedAt,
		Samples:        row.Samples,
		OKRate:         row.OKRate,
		Performance:    row.Performance,
		MeanAbsErrMean: row.MeanAbsErrMean,
		MinAbsErrMean:  row.MinAbsErrMean,
		MaxAbsErrMean:  row.MaxAbsErrMean,
		TokensTotal:    row.TokensTotal,
		CostTotal:      row.CostTotal,
	}
}

func entryFromRun(r *runstore.Run) runListEntry {
	e := runListEntry{
		RunID:          r.RunID,
		Stage:          r.Stage,
		Model:          r.Model,
		DatasetID:      r.DatasetID(),
		Status:         string(r.Status),
		StopReason:     r.StopReason,
		Error:          r.Error,
		StartedAt:      r.StartedAt,
		EndedAt:        r.EndedAt,
		OKRate:         r.Aggregate.OKRate,
		Performance:    r.Aggregate.Performance,
		MeanAbsErrMean: r.Aggregate.MeanAbsErrMean,
		MinAbsErrMean:  r.Aggregate.MinAbsErrMean,
		MaxAbsErrMean:  r.Aggregate.MaxAbsErrMean,
		TokensTotal:    r.Aggregate.TokensTotal,
		CostTotal:      r.Aggregate.CostTotal,
	}

	if r.Aggregate.Samples != nil {
		e.Samples = *r.Aggregate.Samples
	}

	return e
}

func (e *runListEntry) leaderboardEntry() leaderboard.Entry {
	return leaderboard.Entry{
		RunID:          e.RunID,
		Model:          e.Model,
		DatasetID:      e.DatasetID,
		Status:         runstore.Status(e.Status),
		StartedAt:      e.StartedAt,
		Samples:        e.Samples,
		Performance:    e.Performance,
		OKRate:         e.OKRate,
		MeanAbsErrMean: e.MeanAbsErrMean,
		MinAbsErrMean:  e.MinAbsErrMean,
		MaxAbsErrMean:  e.MaxAbsErrMean,
		CostTotal:      e.CostTotal,
	}
}

// listEntries returns the matching runs, newest first.
func (s *server) listEntries(
	ctx context.Context, filter indexstore.RunFilter,
) ([]runListEntry, error) {
	var entries []runListEntry

	if s.indexStore != nil {
		rows, err := s.indexStore.ListRuns(ctx, filter)
		if err != nil {
			return nil, err
		}

		entries = make([]runListEntry, 0, len(rows))
		for i := range rows {
			entries = append(entries, entryFromRow(&rows[i]))
		}
	} else {
		docs, err := s.runs.List(ctx)
		if err != nil {
			return nil, err
		}

		entries = make([]runListEntry, 0, len(docs))

		for _, doc := range docs {
			e := entryFromRun(doc)

			if (filter.Model != "" && e.Model != filter.Model) ||
				(filter.DatasetID != "" && e.DatasetID != filter.DatasetID) ||
				(filter.Status != "" && e.Status != filter.Status) {
				continue
			}

			entries = append(entries, e)
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].StartedAt.Equal(entries[j].StartedAt) {
			return entries[i].StartedAt.After(entries[j].StartedAt)
		}

		return entries[i].RunID > entries[j].RunID
	})

	return entries, nil
}

// handleListRuns returns run summaries filtered by the model, status and
// dataset_id query parameters.
func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := indexstore.RunFilter{
		Model:     q.Get("model"),
		DatasetID: q.Get("dataset_id"),
		Status:    q.Get("status"),
	}

	if filter.Status != "" && !runstore.Status(filter.Status).Valid() {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid status filter: " + filter.Status})

		return
	}

	entries, err := s.listEntries(r.Context(), filter)
	if err != nil {
		s.log.WithError(err).Error("Failed to list runs")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing runs: " + err.Error()})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"indexed": s.indexStore != nil,
		"runs":    entries,
	})
}

// handleLeaderboard returns the best run of every model and dataset pair.
// The model and dataset query parameters accept repeated or comma
// separated values.
func (s *server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := s.listEntries(r.Context(), indexstore.RunFilter{})
	if err != nil {
		s.log.WithError(err).Error("Failed to list runs for leaderboard")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"listing runs: " + err.Error()})

		return
	}

	candidates := make([]leaderboard.Entry, 0, len(entries))
	for i := range entries {
		candidates = append(candidates, entries[i].leaderboardEntry())
	}

	q := r.URL.Query()
	filter := leaderboard.Filter{
		Models:   splitList(q["model"]),
		Datasets: splitList(q["dataset"]),
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": leaderboard.Build(candidates, filter),
	})
}

// splitList flattens repeated and comma separated query values.
func splitList(values []string) []string {
	var out []string

	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}

	return out
}
