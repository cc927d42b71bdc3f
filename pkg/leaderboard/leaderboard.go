// Package leaderboard selects the representative run of every model and
// dataset pair and ranks them.
package leaderboard

import (
	"slices"
	"sort"
	"time"

	"github.com/forgis/factorybench/pkg/runstore"
)

// UnknownDataset groups runs without a dataset id.
const UnknownDataset = "unknown"

// Entry is the ranking view of one run.
type Entry struct {
	RunID          string          `json:"run_id"`
	Model          string          `json:"model"`
	DatasetID      string          `json:"dataset_id"`
	Status         runstore.Status `json:"status"`
	StartedAt      time.Time       `json:"started_at"`
	Samples        int             `json:"samples"`
	Performance    *float64        `json:"performance,omitempty"`
	OKRate         *float64        `json:"ok_rate,omitempty"`
	MeanAbsErrMean *float64        `json:"mean_abs_err_mean,omitempty"`
	MinAbsErrMean  *float64        `json:"min_abs_err_mean,omitempty"`
	MaxAbsErrMean  *float64        `json:"max_abs_err_mean,omitempty"`
	CostTotal      float64         `json:"cost_total"`
}

// FromRun builds the entry of a run document.
func FromRun(r *runstore.Run) Entry {
	e := Entry{
		RunID:          r.RunID,
		Model:          r.Model,
		DatasetID:      r.DatasetID(),
		Status:         r.Status,
		StartedAt:      r.StartedAt,
		Performance:    r.Aggregate.Performance,
		OKRate:         r.Aggregate.OKRate,
		MeanAbsErrMean: r.Aggregate.MeanAbsErrMean,
		MinAbsErrMean:  r.Aggregate.MinAbsErrMean,
		MaxAbsErrMean:  r.Aggregate.MaxAbsErrMean,
		CostTotal:      r.Aggregate.CostTotal,
	}

	if r.Aggregate.Samples != nil {
		e.Samples = *r.Aggregate.Samples
	}

	return e
}

// Filter restricts the runs considered. Empty lists match everything.
type Filter struct {
	Models   []string
	Datasets []string
}

func (f Filter) match(e *Entry) bool {
	if len(f.Models) > 0 && !slices.Contains(f.Models, e.Model) {
		return false
	}

	if len(f.Datasets) > 0 && !slices.Contains(f.Datasets, e.DatasetID) {
		return false
	}

	return true
}

type groupKey struct {
	model   string
	dataset string
}

// Build picks the best run per model and dataset, preferring the most
// processed samples and then the most recent start, and orders the result
// by performance ascending. Lower performance is better; entries without a
// performance value come last.
func Build(entries []Entry, filter Filter) []Entry {
	best := make(map[groupKey]Entry, len(entries))

	for _, e := range entries {
		if e.DatasetID == "" {
			e.DatasetID = UnknownDataset
		}

		if !filter.match(&e) {
			continue
		}

		key := groupKey{model: e.Model, dataset: e.DatasetID}

		cur, ok := best[key]
		if !ok || better(e, cur) {
			best[key] = e
		}
	}

	out := make([]Entry, 0, len(best))
	for _, e := range best {
		out = append(out, e)
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]

		if (a.Performance == nil) != (b.Performance == nil) {
			return a.Performance != nil
		}

		if a.Performance != nil && *a.Performance != *b.Performance {
			return *a.Performance < *b.Performance
		}

		if a.DatasetID != b.DatasetID {
			return a.DatasetID < b.DatasetID
		}

		return a.Model < b.Model
	})

	return out
}

func better(a, b Entry) bool {
	if a.Samples != b.Samples {
		return a.Samples > b.Samples
	}

	return a.StartedAt.After(b.StartedAt)
}
