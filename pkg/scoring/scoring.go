// Package scoring parses free-text model replies and scores them against
// the ground-truth statistics of a sample.
package scoring

import (
	"math"
	"strconv"
	"strings"

	"github.com/forgis/factorybench/pkg/dataset"
)

// Metrics is the score of a single sample. An error field is nil when
// either the prediction or the ground truth lacks the key.
type Metrics struct {
	OK         bool     `json:"ok"`
	MeanAbsErr *float64 `json:"mean_abs_err,omitempty"`
	MinAbsErr  *float64 `json:"min_abs_err,omitempty"`
	MaxAbsErr  *float64 `json:"max_abs_err,omitempty"`
}

// AbsErr returns the absolute error recorded for a statistic key.
func (m Metrics) AbsErr(key string) (float64, bool) {
	p := m.errField(key)
	if p == nil || *p == nil {
		return 0, false
	}

	return **p, true
}

func (m *Metrics) errField(key string) **float64 {
	switch key {
	case "mean":
		return &m.MeanAbsErr
	case "min":
		return &m.MinAbsErr
	case "max":
		return &m.MaxAbsErr
	}

	return nil
}

// ParsePrediction extracts key=value pairs from text. Commas count as
// whitespace, keys are lower-cased and tokens whose value does not parse
// as a finite number are dropped.
func ParsePrediction(text string) map[string]float64 {
	out := make(map[string]float64, 3)

	for _, tok := range strings.Fields(strings.ReplaceAll(text, ",", " ")) {
		key, value, ok := strings.Cut(tok, "=")
		if !ok {
			continue
		}

		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			continue
		}

		out[strings.ToLower(strings.TrimSpace(key))] = f
	}

	return out
}

// ScoreSample scores a prediction against the sample's statistics. A key
// missing from either side leaves its error unset and clears OK.
func ScoreSample(sample *dataset.Sample, text string) Metrics {
	pred := ParsePrediction(text)
	m := Metrics{OK: true}

	for _, key := range dataset.StatisticKeys {
		actual, hasActual := sample.Statistics.Get(key)
		predicted, hasPred := pred[key]

		if !hasActual || !hasPred {
			m.OK = false

			continue
		}

		absErr := math.Abs(predicted - actual)
		*m.errField(key) = &absErr
	}

	return m
}

// Summary is the run-level aggregate of per-sample metrics. All fields
// are nil for an empty input.
type Summary struct {
	MeanAbsErrMean *float64 `json:"mean_abs_err_mean,omitempty"`
	MinAbsErrMean  *float64 `json:"min_abs_err_mean,omitempty"`
	MaxAbsErrMean  *float64 `json:"max_abs_err_mean,omitempty"`
	Samples        *int     `json:"samples,omitempty"`
	OKRate         *float64 `json:"ok_rate,omitempty"`
	Performance    *float64 `json:"performance,omitempty"`
}

// IsEmpty reports whether the summary was built from zero scores.
func (s Summary) IsEmpty() bool {
	return s.Samples == nil
}

// KeyMean returns the mean absolute error for a statistic key.
func (s Summary) KeyMean(key string) (float64, bool) {
	var v *float64

	switch key {
	case "mean":
		v = s.MeanAbsErrMean
	case "min":
		v = s.MinAbsErrMean
	case "max":
		v = s.MaxAbsErrMean
	}

	if v == nil {
		return 0, false
	}

	return *v, true
}

// Aggregate summarises scores. Keys are taken from the first score; each
// key's mean skips scores without a value. Performance is the mean of the
// three per-key means with a missing key counting as zero, so a low value
// does not by itself mean good predictions.
func Aggregate(scores []Metrics) Summary {
	if len(scores) == 0 {
		return Summary{}
	}

	var summary Summary

	for _, key := range dataset.StatisticKeys {
		if _, ok := scores[0].AbsErr(key); !ok {
			continue
		}

		var (
			sum float64
			n   int
		)

		for _, sc := range scores {
			if v, ok := sc.AbsErr(key); ok {
				sum += v
				n++
			}
		}

		mean := sum / float64(n)

		switch key {
		case "mean":
			summary.MeanAbsErrMean = &mean
		case "min":
			summary.MinAbsErrMean = &mean
		case "max":
			summary.MaxAbsErrMean = &mean
		}
	}

	var okCount int

	for _, sc := range scores {
		if sc.OK {
			okCount++
		}
	}

	samples := len(scores)
	okRate := float64(okCount) / float64(max(samples, 1))

	var perf float64

	for _, key := range dataset.StatisticKeys {
		v, _ := summary.KeyMean(key)
		perf += v
	}

	perf /= float64(len(dataset.StatisticKeys))

	summary.Samples = &samples
	summary.OKRate = &okRate
	summary.Performance = &perf

	return summary
}
