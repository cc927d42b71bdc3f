// Package executor drives a batch of samples through a model adapter,
// enforcing spend caps and persisting the run after every sample.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/forgis/factorybench/pkg/adapter"
	"github.com/forgis/factorybench/pkg/cost"
	"github.com/forgis/factorybench/pkg/dataset"
	"github.com/forgis/factorybench/pkg/metrics"
	"github.com/forgis/factorybench/pkg/progress"
	"github.com/forgis/factorybench/pkg/runstore"
	"github.com/forgis/factorybench/pkg/scoring"
	"github.com/forgis/factorybench/pkg/upload"
	"github.com/sirupsen/logrus"
)

// DefaultStage is the stage recorded on runs.
const DefaultStage = "telemetry_literacy"

// Stop reasons recorded on stopped runs.
const (
	StopReasonRequested   = "stop requested"
	StopReasonInterrupted = "interrupted"
)

// ErrDailyLimitReached is returned when the daily cap is already spent
// before a run starts.
var ErrDailyLimitReached = errors.New("daily cost limit reached")

// Executor runs benchmark batches.
type Executor interface {
	// Run processes opts.Samples in order and returns the final run
	// document. A stopped run is not an error. An error is returned
	// together with the failed run document.
	Run(ctx context.Context, opts *RunOptions) (*runstore.Run, error)
}

// RunOptions describes one run.
type RunOptions struct {
	Samples []dataset.Sample
	Adapter adapter.Adapter
	Model   string
	Dataset map[string]any
	// RunID is assigned from the start time when empty.
	RunID string
}

// Config holds the spend caps in USD. A cap of zero or less is disabled.
type Config struct {
	Stage          string
	DailyCostLimit float64
	RunCostLimit   float64
}

// NewExecutor creates a new executor. The uploader may be nil.
func NewExecutor(
	log logrus.FieldLogger,
	cfg *Config,
	tracker *progress.Tracker,
	store runstore.Store,
	costs *cost.Table,
	uploader upload.Uploader,
) Executor {
	if cfg.Stage == "" {
		cfg.Stage = DefaultStage
	}

	return &executor{
		log:      log.WithField("component", "executor"),
		cfg:      cfg,
		tracker:  tracker,
		store:    store,
		costs:    costs,
		uploader: uploader,
		now:      time.Now,
	}
}

type executor struct {
	log      logrus.FieldLogger
	cfg      *Config
	tracker  *progress.Tracker
	store    runstore.Store
	costs    *cost.Table
	uploader upload.Uploader
	now      func() time.Time
}

// Compile-time interface check.
var _ Executor = (*executor)(nil)

// runState accumulates the running totals of one run.
type runState struct {
	scores []scoring.Metrics
	usage  runstore.Usage
	cost   cost.Breakdown
}

func (e *executor) Run(ctx context.Context, opts *RunOptions) (*runstore.Run, error) {
	startedAt := e.now().UTC()

	runID := opts.RunID
	if runID == "" {
		runID = runstore.NewRunID(startedAt)
	}

	log := e.log.WithFields(logrus.Fields{
		"run_id": runID,
		"model":  opts.Model,
	})

	e.tracker.StartRun(runID, len(opts.Samples))

	metrics.RunsActive.Inc()
	defer metrics.RunsActive.Dec()

	run := e.prepareRun(ctx, log, runID, startedAt, opts)
	state := &runState{scores: make([]scoring.Metrics, 0, len(opts.Samples))}

	dailyAtStart, err := e.tracker.GetDailyCost(ctx, startedAt)
	if err != nil {
		log.WithError(err).Warn("Failed to compute daily cost, assuming zero")
	}

	if capReached(dailyAtStart, e.cfg.DailyCostLimit) {
		run.Status = runstore.StatusFailed
		run.Error = fmt.Sprintf("%s: spent $%.6f of $%s today",
			ErrDailyLimitReached, dailyAtStart, formatUSD(e.cfg.DailyCostLimit))

		log.WithField("daily_cost", dailyAtStart).Warn("Daily cost limit reached, run not started")

		if err := e.finalize(ctx, log, run, state, opts.Model); err != nil {
			log.WithError(err).Error("Failed to persist run")
		}

		return run, fmt.Errorf("%w: $%.6f >= $%s",
			ErrDailyLimitReached, dailyAtStart, formatUSD(e.cfg.DailyCostLimit))
	}

	log.WithFields(logrus.Fields{
		"samples":    len(opts.Samples),
		"daily_cost": dailyAtStart,
	}).Info("Starting run")

	runErr := e.store.Save(ctx, run)
	if runErr != nil {
		runErr = fmt.Errorf("persisting run skeleton: %w", runErr)
	} else {
		runErr = e.processSamples(ctx, log, run, state, opts, dailyAtStart)
	}

	if runErr != nil {
		run.Status = runstore.StatusFailed
		run.Error = runErr.Error()

		log.WithError(runErr).Error("Run failed")
	} else if run.Status == runstore.StatusRunning && len(run.Results) == len(opts.Samples) {
		run.Status = runstore.StatusCompleted
	}

	if err := e.finalize(ctx, log, run, state, opts.Model); err != nil {
		log.WithError(err).Error("Failed to persist run")

		if runErr == nil {
			return run, err
		}
	}

	return run, runErr
}

// prepareRun loads a pre-created skeleton for runID when one exists and
// resets every mutable field.
func (e *executor) prepareRun(
	ctx context.Context,
	log logrus.FieldLogger,
	runID string,
	startedAt time.Time,
	opts *RunOptions,
) *runstore.Run {
	run, err := e.store.Load(ctx, runID)
	if err != nil {
		if !errors.Is(err, runstore.ErrNotFound) {
			log.WithError(err).Warn("Failed to load run skeleton, starting fresh")
		}

		run = &runstore.Run{RunID: runID}
	}

	run.Stage = e.cfg.Stage
	run.Model = opts.Model
	run.Version = runstore.SchemaVersion
	run.StartedAt = startedAt
	run.EndedAt = nil
	run.Dataset = opts.Dataset
	run.Results = make([]runstore.ResultItem, 0, len(opts.Samples))
	run.Aggregate = runstore.Aggregate{}
	run.Status = runstore.StatusRunning
	run.Error = ""
	run.StopReason = ""

	if run.Dataset == nil {
		run.Dataset = map[string]any{}
	}

	return run
}

// processSamples runs the per-sample loop. Stops are recorded on run and
// return nil; adapter or storage failures are returned.
func (e *executor) processSamples(
	ctx context.Context,
	log logrus.FieldLogger,
	run *runstore.Run,
	state *runState,
	opts *RunOptions,
	dailyAtStart float64,
) error {
	for i := range opts.Samples {
		sample := &opts.Samples[i]

		if reason, stop := e.stopReason(ctx, run.RunID, state.cost.Total(), dailyAtStart); stop {
			run.Status = runstore.StatusStopped
			run.StopReason = reason

			metrics.StopsTotal.WithLabelValues(stopLabel(reason)).Inc()

			log.WithFields(logrus.Fields{
				"reason":    reason,
				"processed": len(run.Results),
			}).Info("Run stopped")

			return nil
		}

		start := time.Now()

		gen, err := opts.Adapter.Generate(ctx, BuildPrompt(sample))
		if err != nil {
			if ctx.Err() != nil {
				run.Status = runstore.StatusStopped
				run.StopReason = StopReasonInterrupted

				metrics.StopsTotal.WithLabelValues(StopReasonInterrupted).Inc()

				log.Warn("Run interrupted during generation")

				return nil
			}

			return fmt.Errorf("generating sample %q: %w", sample.ID, err)
		}

		metrics.GenerationDuration.WithLabelValues(opts.Model).Observe(time.Since(start).Seconds())

		usage := resolveUsage(gen.Usage)

		state.usage.PromptTokens += usage.PromptTokens
		state.usage.CompletionTokens += usage.CompletionTokens
		state.usage.TotalTokens += usage.TotalTokens

		prevCost := state.cost.Total()
		state.cost = e.costs.Cost(opts.Model, state.usage.PromptTokens, state.usage.CompletionTokens)

		score := scoring.ScoreSample(sample, gen.Text)
		state.scores = append(state.scores, score)

		run.Results = append(run.Results, runstore.ResultItem{
			ID:             sample.ID,
			Values:         sample.Values,
			Timestamps:     sample.Timestamps,
			Domain:         sample.Domain,
			Subtype:        sample.Subtype,
			Statistics:     sample.Statistics,
			PredictionText: gen.Text,
			Metrics:        score,
			Usage:          usage,
		})

		e.tracker.UpdateProgress(run.RunID, len(run.Results), state.cost.Total())

		run.Aggregate = buildAggregate(state)

		if err := e.store.Save(ctx, run); err != nil {
			return fmt.Errorf("persisting run after sample %q: %w", sample.ID, err)
		}

		recordSample(opts.Model, gen.Text, score, usage, state.cost.Total()-prevCost)

		log.WithFields(logrus.Fields{
			"sample":    sample.ID,
			"processed": len(run.Results),
			"ok":        score.OK,
			"cost":      cost.Round6(state.cost.Total()),
		}).Debug("Sample processed")
	}

	return nil
}

// stopReason checks the stop conditions that apply before a sample.
func (e *executor) stopReason(ctx context.Context, runID string, runCost, dailyAtStart float64) (string, bool) {
	if e.tracker.ShouldStop(runID) {
		return StopReasonRequested, true
	}

	if capReached(runCost, e.cfg.RunCostLimit) {
		return fmt.Sprintf("run cost limit reached: $%.6f >= $%s",
			runCost, formatUSD(e.cfg.RunCostLimit)), true
	}

	if capReached(dailyAtStart+runCost, e.cfg.DailyCostLimit) {
		return fmt.Sprintf("daily cost limit reached: $%.6f >= $%s",
			dailyAtStart+runCost, formatUSD(e.cfg.DailyCostLimit)), true
	}

	if ctx.Err() != nil {
		return StopReasonInterrupted, true
	}

	return "", false
}

// finalize recomputes the aggregate, stamps the end time, persists the
// document and reports the terminal status.
func (e *executor) finalize(
	ctx context.Context,
	log logrus.FieldLogger,
	run *runstore.Run,
	state *runState,
	model string,
) error {
	endedAt := e.now().UTC()

	run.Aggregate = buildAggregate(state)
	run.EndedAt = &endedAt

	saveErr := e.store.Save(ctx, run)
	if saveErr != nil {
		saveErr = fmt.Errorf("persisting final run: %w", saveErr)
	}

	e.tracker.CompleteRun(run.RunID, run.Status, run.Error)

	metrics.RunsTotal.WithLabelValues(model, string(run.Status)).Inc()

	log.WithFields(logrus.Fields{
		"status":    run.Status,
		"processed": len(run.Results),
		"cost":      run.Aggregate.CostTotal,
		"duration":  endedAt.Sub(run.StartedAt).Round(time.Millisecond).String(),
	}).Info("Run finished")

	if saveErr == nil && e.uploader != nil {
		// Uploads outlive a cancelled run context.
		if err := e.uploader.UploadRun(context.WithoutCancel(ctx), e.store.Path(run.RunID)); err != nil {
			metrics.UploadErrors.Inc()

			log.WithError(err).Warn("Failed to upload run document")
		}
	}

	return saveErr
}

// buildAggregate derives the run aggregate from the running totals.
func buildAggregate(state *runState) runstore.Aggregate {
	n := len(state.scores)

	return runstore.Aggregate{
		Summary:          scoring.Aggregate(state.scores),
		TokensPrompt:     state.usage.PromptTokens,
		TokensCompletion: state.usage.CompletionTokens,
		TokensTotal:      state.usage.TotalTokens,
		CostInput:        cost.Round6(state.cost.Input),
		CostOutput:       cost.Round6(state.cost.Output),
		CostTotal:        cost.Round6(state.cost.Total()),
		CostPerSample:    cost.Round6(state.cost.Total() / float64(max(n, 1))),
	}
}

// resolveUsage fills missing usage fields. A missing total is the sum of
// prompt and completion tokens.
func resolveUsage(u adapter.Usage) runstore.Usage {
	var out runstore.Usage

	if u.PromptTokens != nil {
		out.PromptTokens = *u.PromptTokens
	}

	if u.CompletionTokens != nil {
		out.CompletionTokens = *u.CompletionTokens
	}

	if u.TotalTokens != nil {
		out.TotalTokens = *u.TotalTokens
	} else {
		out.TotalTokens = out.PromptTokens + out.CompletionTokens
	}

	return out
}

func recordSample(model, text string, score scoring.Metrics, usage runstore.Usage, sampleCost float64) {
	metrics.SamplesTotal.WithLabelValues(model, strconv.FormatBool(score.OK)).Inc()
	metrics.TokensTotal.WithLabelValues(model, "prompt").Add(float64(usage.PromptTokens))
	metrics.TokensTotal.WithLabelValues(model, "completion").Add(float64(usage.CompletionTokens))

	if sampleCost > 0 {
		metrics.CostUSD.WithLabelValues(model).Add(sampleCost)
	}

	if strings.HasPrefix(text, "ERROR:") {
		metrics.SoftErrors.WithLabelValues(model).Inc()
	}
}

// capReached reports whether spent has reached limit. Non-positive limits
// never trigger.
func capReached(spent, limit float64) bool {
	return limit > 0 && spent >= limit
}

func formatUSD(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func stopLabel(reason string) string {
	switch {
	case reason == StopReasonRequested, reason == StopReasonInterrupted:
		return reason
	case strings.HasPrefix(reason, "run cost"):
		return "run_cost_limit"
	case strings.HasPrefix(reason, "daily cost"):
		return "daily_cost_limit"
	}

	return "other"
}
