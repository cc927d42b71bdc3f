// Package progress keeps the in-memory table of live run state used for
// progress polling, stop requests and daily cost accounting.
package progress

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/forgis/factorybench/pkg/runstore"
	"github.com/sirupsen/logrus"
)

// RunProgress is a point-in-time view of a tracked run.
type RunProgress struct {
	RunID            string          `json:"run_id"`
	TotalSamples     int             `json:"total_samples"`
	ProcessedSamples int             `json:"processed_samples"`
	CurrentCost      float64         `json:"current_cost"`
	StopRequested    bool            `json:"stop_requested"`
	Status           runstore.Status `json:"status"`
	Error            string          `json:"error,omitempty"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Tracker is a mutex guarded table from run id to RunProgress. Entries
// outlive completion and are only dropped by CleanupRun.
type Tracker struct {
	log   logrus.FieldLogger
	store runstore.Store

	mu   sync.Mutex
	runs map[string]*RunProgress
	now  func() time.Time
}

// NewTracker creates a Tracker. The store is scanned by GetDailyCost.
func NewTracker(log logrus.FieldLogger, store runstore.Store) *Tracker {
	return &Tracker{
		log:   log.WithField("component", "progress"),
		store: store,
		runs:  make(map[string]*RunProgress, 8),
		now:   time.Now,
	}
}

// StartRun registers runID with zero progress, replacing any prior entry.
// A stop requested on a still running entry carries over, so a run
// registered ahead of its executor can be stopped before it starts.
func (t *Tracker) StartRun(runID string, totalSamples int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var stopRequested bool
	if prev, ok := t.runs[runID]; ok && prev.Status == runstore.StatusRunning {
		stopRequested = prev.StopRequested
	}

	t.runs[runID] = &RunProgress{
		RunID:         runID,
		TotalSamples:  totalSamples,
		StopRequested: stopRequested,
		Status:        runstore.StatusRunning,
		UpdatedAt:     t.now(),
	}
}

// GetProgress returns a copy of the entry for runID.
func (t *Tracker) GetProgress(runID string) (RunProgress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.runs[runID]
	if !ok {
		return RunProgress{}, false
	}

	return *p, true
}

// UpdateProgress overwrites the processed count and cost. Unknown ids are
// ignored.
func (t *Tracker) UpdateProgress(runID string, processed int, cost float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.runs[runID]
	if !ok {
		return
	}

	p.ProcessedSamples = processed
	p.CurrentCost = cost
	p.UpdatedAt = t.now()
}

// RequestStop flags a running run for cooperative cancellation and
// reports whether the request took effect.
func (t *Tracker) RequestStop(runID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.runs[runID]
	if !ok || p.Status != runstore.StatusRunning {
		return false
	}

	p.StopRequested = true
	p.UpdatedAt = t.now()

	t.log.WithField("run_id", runID).Info("Stop requested")

	return true
}

// ShouldStop returns the stop flag for runID.
func (t *Tracker) ShouldStop(runID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.runs[runID]

	return ok && p.StopRequested
}

// CompleteRun records a terminal status on the entry without removing it.
func (t *Tracker) CompleteRun(runID string, status runstore.Status, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.runs[runID]
	if !ok {
		return
	}

	p.Status = status
	p.Error = errMsg
	p.UpdatedAt = t.now()
}

// CleanupRun drops the entry for runID.
func (t *Tracker) CleanupRun(runID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.runs, runID)
}

// ActiveRuns returns snapshots of every tracked entry sorted by run id.
func (t *Tracker) ActiveRuns() []RunProgress {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]RunProgress, 0, len(t.runs))
	for _, p := range t.runs {
		out = append(out, *p)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })

	return out
}

// liveCost returns the in-memory cost of runID if it is tracked.
func (t *Tracker) liveCost(runID string) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.runs[runID]
	if !ok {
		return 0, false
	}

	return p.CurrentCost, true
}

// GetDailyCost sums aggregate.cost_total over every persisted run that
// started on the UTC date of day. A run whose persisted cost is still zero
// contributes its live cost when tracked. Unreadable documents are skipped.
// Every call scans the whole run directory.
func (t *Tracker) GetDailyCost(ctx context.Context, day time.Time) (float64, error) {
	runs, err := t.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing runs: %w", err)
	}

	y, m, d := day.UTC().Date()

	var total float64

	for _, run := range runs {
		if run.StartedAt.IsZero() {
			continue
		}

		ry, rm, rd := run.StartedAt.UTC().Date()
		if ry != y || rm != m || rd != d {
			continue
		}

		cost := run.Aggregate.CostTotal
		if cost == 0 {
			if live, ok := t.liveCost(run.RunID); ok {
				cost = live
			}
		}

		total += cost
	}

	return total, nil
}
