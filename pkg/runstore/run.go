package runstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/forgis/factorybench/pkg/dataset"
	"github.com/forgis/factorybench/pkg/scoring"
)

const (
	// SchemaVersion is written to every run document.
	SchemaVersion = "0.1.0"

	// runIDLayout is the UTC timestamp layout of generated run ids.
	runIDLayout = "20060102T150405"

	// runIDPrefix marks telemetry literacy runs.
	runIDPrefix = "tl-"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusStopped || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s == StatusRunning || s.Terminal()
}

// UnmarshalJSON rejects unknown statuses. Documents written before the
// status field existed decode with an empty status.
func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	status := Status(raw)
	if raw != "" && !status.Valid() {
		return fmt.Errorf("unknown run status %q", raw)
	}

	*s = status

	return nil
}

// NewRunID derives a run id from t at second resolution.
func NewRunID(t time.Time) string {
	return runIDPrefix + t.UTC().Format(runIDLayout)
}

// Usage is the token usage of one adapter call or of a whole run.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// ResultItem is the persisted record of one processed sample.
type ResultItem struct {
	ID             string             `json:"id"`
	Values         []float64          `json:"values"`
	Timestamps     dataset.Timestamps `json:"timestamps"`
	Domain         string             `json:"domain,omitempty"`
	Subtype        string             `json:"subtype,omitempty"`
	Statistics     dataset.Statistics `json:"statistics"`
	PredictionText string             `json:"prediction_text"`
	Metrics        scoring.Metrics    `json:"metrics"`
	Usage          Usage              `json:"usage"`
}

// Aggregate is the run-level summary: scoring statistics plus token and
// cost totals. Costs are rounded to six decimals.
type Aggregate struct {
	scoring.Summary

	TokensPrompt     int64   `json:"tokens_prompt"`
	TokensCompletion int64   `json:"tokens_completion"`
	TokensTotal      int64   `json:"tokens_total"`
	CostInput        float64 `json:"cost_input"`
	CostOutput       float64 `json:"cost_output"`
	CostTotal        float64 `json:"cost_total"`
	CostPerSample    float64 `json:"cost_per_sample"`
}

// Run is the persisted document of a single benchmark run.
type Run struct {
	RunID      string         `json:"run_id"`
	Stage      string         `json:"stage"`
	Model      string         `json:"model"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
	Dataset    map[string]any `json:"dataset"`
	Results    []ResultItem   `json:"results"`
	Aggregate  Aggregate      `json:"aggregate"`
	Version    string         `json:"version"`
	Status     Status         `json:"status"`
	Error      string         `json:"error,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
}

// RunSummary is the listing view of a run without per-sample results.
type RunSummary struct {
	RunID      string         `json:"run_id"`
	Stage      string         `json:"stage"`
	Model      string         `json:"model"`
	Status     Status         `json:"status"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
	Dataset    map[string]any `json:"dataset"`
	Aggregate  Aggregate      `json:"aggregate"`
	StopReason string         `json:"stop_reason,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Summary returns the listing view of r.
func (r *Run) Summary() RunSummary {
	return RunSummary{
		RunID:      r.RunID,
		Stage:      r.Stage,
		Model:      r.Model,
		Status:     r.Status,
		StartedAt:  r.StartedAt,
		EndedAt:    r.EndedAt,
		Dataset:    r.Dataset,
		Aggregate:  r.Aggregate,
		StopReason: r.StopReason,
		Error:      r.Error,
	}
}

// DatasetID returns the dataset registry id recorded on the run, if any.
func (r *Run) DatasetID() string {
	if id, ok := r.Dataset["dataset_id"].(string); ok {
		return id
	}

	return ""
}
