package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/forgis/factorybench/pkg/adapter"
	"github.com/forgis/factorybench/pkg/dataset"
	"github.com/forgis/factorybench/pkg/executor"
	"github.com/forgis/factorybench/pkg/progress"
	"github.com/forgis/factorybench/pkg/runstore"
	"github.com/forgis/factorybench/pkg/stage"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"active_runs": len(s.tracker.ActiveRuns()),
	})
}

type modelResponse struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Provider    string  `json:"provider"`
	InputPer1K  float64 `json:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k"`
}

// handleListModels returns the model registry with token prices.
func (s *server) handleListModels(w http.ResponseWriter, _ *http.Request) {
	models := make([]modelResponse, 0, len(s.root.Models))

	for _, m := range s.root.Models {
		rate := s.costs.Rate(m.ID)

		models = append(models, modelResponse{
			ID:          m.ID,
			Name:        m.Name,
			Provider:    m.Provider,
			InputPer1K:  rate.InputPer1K,
			OutputPer1K: rate.OutputPer1K,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

// handleListDatasets returns the dataset registry.
func (s *server) handleListDatasets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"datasets": s.root.Datasets})
}

// runIDParam validates the {id} URL parameter, writing a 400 on failure.
func runIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")

	if err := runstore.ValidateRunID(id); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return "", false
	}

	return id, true
}

// handleGetRun returns the full run document.
func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := runIDParam(w, r)
	if !ok {
		return
	}

	run, err := s.runs.Load(r.Context(), id)
	if errors.Is(err, runstore.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResponse{"run not found"})

		return
	}

	if err != nil {
		s.log.WithError(err).WithField("run_id", id).Error("Failed to load run")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"loading run: " + err.Error()})

		return
	}

	writeJSON(w, http.StatusOK, run)
}

// handleDownloadRun returns a presigned URL for the S3 mirror of a run.
func (s *server) handleDownloadRun(w http.ResponseWriter, r *http.Request) {
	id, ok := runIDParam(w, r)
	if !ok {
		return
	}

	if s.presign == nil {
		writeJSON(w, http.StatusNotFound,
			errorResponse{"s3 mirroring is not enabled"})

		return
	}

	url, err := s.presign.PresignRun(r.Context(), id)
	if err != nil {
		s.log.WithError(err).WithField("run_id", id).
			Error("Failed to presign run download")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"presigning download: " + err.Error()})

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":     id,
		"url":        url,
		"expires_in": int(s.presign.Expiry().Seconds()),
	})
}

// progressFor returns the tracked progress of id, or a snapshot derived
// from the persisted document when the run is not tracked by this process.
func (s *server) progressFor(
	ctx context.Context, id string,
) (progress.RunProgress, bool, error) {
	if p, ok := s.tracker.GetProgress(id); ok {
		return p, true, nil
	}

	run, err := s.runs.Load(ctx, id)
	if errors.Is(err, runstore.ErrNotFound) {
		return progress.RunProgress{}, false, nil
	}

	if err != nil {
		return progress.RunProgress{}, false, err
	}

	p := progress.RunProgress{
		RunID:            run.RunID,
		ProcessedSamples: len(run.Results),
		CurrentCost:      run.Aggregate.CostTotal,
		StopRequested:    run.Status == runstore.StatusStopped,
		Status:           run.Status,
		Error:            run.Error,
		UpdatedAt:        run.StartedAt,
	}

	if run.Status.Terminal() {
		p.TotalSamples = len(run.Results)
	}

	if run.EndedAt != nil {
		p.UpdatedAt = *run.EndedAt
	}

	return p, true, nil
}

// handleGetProgress returns the progress snapshot of a run.
func (s *server) handleGetProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := runIDParam(w, r)
	if !ok {
		return
	}

	p, found, err := s.progressFor(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"loading progress: " + err.Error()})

		return
	}

	if !found {
		writeJSON(w, http.StatusNotFound, errorResponse{"run not found"})

		return
	}

	writeJSON(w, http.StatusOK, p)
}

// handleStopRun requests a cooperative stop. The run finishes its
// current sample before stopping.
func (s *server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	id, ok := runIDParam(w, r)
	if !ok {
		return
	}

	if s.tracker.RequestStop(id) {
		writeJSON(w, http.StatusAccepted, map[string]any{
			"run_id":         id,
			"stop_requested": true,
		})

		return
	}

	p, found, err := s.progressFor(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"loading progress: " + err.Error()})

		return
	}

	switch {
	case !found:
		writeJSON(w, http.StatusNotFound, errorResponse{"run not found"})
	case p.Status.Terminal():
		writeJSON(w, http.StatusConflict,
			errorResponse{fmt.Sprintf("run is already %s", p.Status)})
	default:
		writeJSON(w, http.StatusConflict,
			errorResponse{"run is not executing in this process"})
	}
}

type dailyCostResponse struct {
	Date           string   `json:"date"`
	Spent          float64  `json:"spent"`
	DailyCostLimit float64  `json:"daily_cost_limit"`
	RunCostLimit   float64  `json:"run_cost_limit"`
	Remaining      *float64 `json:"remaining,omitempty"`
	LimitReached   bool     `json:"limit_reached"`
}

// handleDailyCost returns today's spend and the configured caps.
func (s *server) handleDailyCost(w http.ResponseWriter, r *http.Request) {
	now := s.now().UTC()

	spent, err := s.tracker.GetDailyCost(r.Context(), now)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"computing daily cost: " + err.Error()})

		return
	}

	limits := s.root.Limits

	resp := dailyCostResponse{
		Date:           now.Format(time.DateOnly),
		Spent:          spent,
		DailyCostLimit: limits.DailyCostLimit,
		RunCostLimit:   limits.RunCostLimit,
	}

	if limits.DailyCostLimit > 0 {
		remaining := max(limits.DailyCostLimit-spent, 0)
		resp.Remaining = &remaining
		resp.LimitReached = spent >= limits.DailyCostLimit
	}

	writeJSON(w, http.StatusOK, resp)
}

type createRunRequest struct {
	Stage     string `json:"stage"`
	Model     string `json:"model"`
	DatasetID string `json:"dataset_id"`
	Limit     int    `json:"limit"`
}

type createRunResponse struct {
	RunID        string          `json:"run_id"`
	Status       runstore.Status `json:"status"`
	TotalSamples int             `json:"total_samples"`
}

// handleCreateRun validates the request, loads the samples, persists a
// skeleton run and starts it in the background.
func (s *server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"invalid request body"})

		return
	}

	if req.Stage == "" {
		req.Stage = string(stage.TelemetryLiteracy)
	}

	st, err := stage.Normalize(req.Stage)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	if !st.Runnable() {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{fmt.Sprintf("stage %s cannot be run yet", st)})

		return
	}

	if req.Model == "" || req.DatasetID == "" {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"model and dataset_id are required"})

		return
	}

	if req.Limit < 0 {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"limit must not be negative"})

		return
	}

	ds, found := s.root.GetDataset(req.DatasetID)
	if !found {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"unknown dataset: " + req.DatasetID})

		return
	}

	adp, model, err := adapter.Resolve(s.log, req.Model, &s.root.Providers)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})

		return
	}

	src := dataset.SourceFromRegistry(ds, req.Limit)

	samples, err := s.loader.Load(r.Context(), src)
	if err != nil {
		s.log.WithError(err).WithField("dataset_id", ds.ID).
			Warn("Failed to load dataset")
		writeJSON(w, http.StatusUnprocessableEntity,
			errorResponse{"loading dataset: " + err.Error()})

		return
	}

	if len(samples) == 0 {
		writeJSON(w, http.StatusBadRequest,
			errorResponse{"dataset returned no samples"})

		return
	}

	run, status, err := s.createSkeleton(r.Context(), string(st), model, src.Meta())
	if err != nil {
		writeJSON(w, status, errorResponse{err.Error()})

		return
	}

	log := s.log.WithFields(logrus.Fields{
		"run_id": run.RunID,
		"model":  model,
	})

	opts := &executor.RunOptions{
		Samples: samples,
		Adapter: adp,
		Model:   model,
		Dataset: run.Dataset,
		RunID:   run.RunID,
	}

	// Tracked before the 202 so a stop can be accepted before the
	// background run starts.
	s.tracker.StartRun(run.RunID, len(samples))

	started := s.launch(func(ctx context.Context) {
		if _, err := s.executor.Run(ctx, opts); err != nil {
			log.WithError(err).Warn("Background run ended with error")
		}
	})

	if !started {
		run.Status = runstore.StatusFailed
		run.Error = "server is shutting down"

		if err := s.runs.Save(context.WithoutCancel(r.Context()), run); err != nil {
			log.WithError(err).Warn("Failed to mark run as failed")
		}

		s.tracker.CompleteRun(run.RunID, runstore.StatusFailed, run.Error)

		writeJSON(w, http.StatusServiceUnavailable, errorResponse{run.Error})

		return
	}

	log.WithField("samples", len(samples)).Info("Run accepted")

	writeJSON(w, http.StatusAccepted, createRunResponse{
		RunID:        run.RunID,
		Status:       runstore.StatusRunning,
		TotalSamples: len(samples),
	})
}

// createSkeleton persists an empty running document under a fresh run id.
// Run ids have second resolution, so a second run in the same second is
// rejected with a conflict.
func (s *server) createSkeleton(
	ctx context.Context, stageName, model string, meta map[string]any,
) (*runstore.Run, int, error) {
	s.createMu.Lock()
	defer s.createMu.Unlock()

	now := s.now().UTC()
	runID := runstore.NewRunID(now)

	_, err := s.runs.Load(ctx, runID)

	switch {
	case err == nil:
		return nil, http.StatusConflict,
			fmt.Errorf("run %s already exists, retry in a second", runID)
	case !errors.Is(err, runstore.ErrNotFound):
		return nil, http.StatusInternalServerError,
			fmt.Errorf("checking run id: %w", err)
	}

	run := &runstore.Run{
		RunID:     runID,
		Stage:     stageName,
		Model:     model,
		StartedAt: now,
		Dataset:   meta,
		Results:   []runstore.ResultItem{},
		Version:   runstore.SchemaVersion,
		Status:    runstore.StatusRunning,
	}

	if err := s.runs.Save(ctx, run); err != nil {
		return nil, http.StatusInternalServerError,
			fmt.Errorf("persisting run skeleton: %w", err)
	}

	return run, http.StatusAccepted, nil
}
