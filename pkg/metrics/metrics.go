// Package metrics holds the Prometheus instruments of the benchmark harness.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "factorybench_runs_active",
		Help: "Runs currently executing",
	})

	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factorybench_runs_total",
		Help: "Finished runs by terminal status",
	}, []string{"model", "status"})

	SamplesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factorybench_samples_total",
		Help: "Processed samples by scoring outcome",
	}, []string{"model", "ok"})

	GenerationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "factorybench_generation_duration_seconds",
		Help:    "Adapter call latency",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"model"})

	TokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factorybench_tokens_total",
		Help: "Tokens consumed by kind",
	}, []string{"model", "kind"})

	CostUSD = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factorybench_cost_usd_total",
		Help: "Accumulated spend in USD",
	}, []string{"model"})

	SoftErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factorybench_generation_soft_errors_total",
		Help: "Adapter replies carrying an error prediction",
	}, []string{"model"})

	StopsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "factorybench_stops_total",
		Help: "Runs stopped early by reason",
	}, []string{"reason"})

	UploadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "factorybench_upload_errors_total",
		Help: "Failed run document uploads",
	})

	IndexedRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "factorybench_indexed_runs",
		Help: "Runs present in the index store after the last pass",
	})
)
