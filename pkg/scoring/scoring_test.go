package scoring

import (
	"testing"

	"github.com/forgis/factorybench/pkg/dataset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f64(v float64) *float64 { return &v }

func sampleWithStats(mean, lo, hi float64) *dataset.Sample {
	return &dataset.Sample{
		ID:     "s",
		Values: []float64{lo, hi},
		Statistics: dataset.Statistics{
			Mean: f64(mean), Min: f64(lo), Max: f64(hi),
		},
	}
}

func TestParsePrediction(t *testing.T) {
	tests := []struct {
		name string
		text string
		want map[string]float64
	}{
		{
			name: "canonical",
			text: "mean=2.5 min=1 max=4",
			want: map[string]float64{"mean": 2.5, "min": 1, "max": 4},
		},
		{
			name: "commas and upper case keys",
			text: "MEAN=2.5,Min=-1, max=1e3",
			want: map[string]float64{"mean": 2.5, "min": -1, "max": 1000},
		},
		{
			name: "value keeps text after first equals",
			text: "mean=1=2 min=3",
			want: map[string]float64{"min": 3},
		},
		{
			name: "non numeric and bare tokens dropped",
			text: "The answer: mean=abc min=2 max",
			want: map[string]float64{"min": 2},
		},
		{
			name: "non finite dropped",
			text: "mean=NaN min=inf max=-Inf",
			want: map[string]float64{},
		},
		{
			name: "error sentinel",
			text: "ERROR: azure generation failed: timeout",
			want: map[string]float64{},
		},
		{
			name: "empty",
			text: "",
			want: map[string]float64{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParsePrediction(tt.text)
			assert.Equal(t, tt.want, got)

			// Pure: a second call yields the same mapping.
			assert.Equal(t, got, ParsePrediction(tt.text))
		})
	}
}

func TestParsePrediction_Idempotent(t *testing.T) {
	const text = "Mean=2.5, min=-1 max=1e3 mean=7 noise=abc"

	first := ParsePrediction(text)
	first["mean"] = -99

	second := ParsePrediction(text)
	third := ParsePrediction(text)

	// Mutating an earlier result leaves later calls untouched.
	assert.Equal(t, map[string]float64{"mean": 7, "min": -1, "max": 1000}, second)
	assert.Equal(t, second, third)

	sample := sampleWithStats(2, 1, 3)
	assert.Equal(t, ScoreSample(sample, text), ScoreSample(sample, text))
}

func TestScoreSample_AllKeys(t *testing.T) {
	sample := sampleWithStats(2, 1, 3)

	m := ScoreSample(sample, "mean=2.5 min=0 max=3")

	assert.True(t, m.OK)

	mean, ok := m.AbsErr("mean")
	require.True(t, ok)
	assert.InDelta(t, 0.5, mean, 1e-12)

	lo, ok := m.AbsErr("min")
	require.True(t, ok)
	assert.InDelta(t, 1.0, lo, 1e-12)

	hi, ok := m.AbsErr("max")
	require.True(t, ok)
	assert.InDelta(t, 0.0, hi, 1e-12)
}

func TestScoreSample_MissingPredictionKey(t *testing.T) {
	m := ScoreSample(sampleWithStats(2, 1, 3), "mean=2 max=10")

	assert.False(t, m.OK)
	assert.NotNil(t, m.MeanAbsErr)
	assert.Nil(t, m.MinAbsErr)
	require.NotNil(t, m.MaxAbsErr)
	assert.InDelta(t, 7.0, *m.MaxAbsErr, 1e-12)
}

func TestScoreSample_MissingGroundTruth(t *testing.T) {
	sample := &dataset.Sample{ID: "s", Statistics: dataset.Statistics{Mean: f64(1)}}

	m := ScoreSample(sample, "mean=1 min=0 max=2")

	assert.False(t, m.OK)
	assert.NotNil(t, m.MeanAbsErr)
	assert.Nil(t, m.MinAbsErr)
	assert.Nil(t, m.MaxAbsErr)
}

func TestAggregate_Empty(t *testing.T) {
	summary := Aggregate(nil)

	assert.True(t, summary.IsEmpty())
	assert.Equal(t, Summary{}, summary)
}

func TestAggregate(t *testing.T) {
	sample := sampleWithStats(2, 1, 3)

	scores := []Metrics{
		ScoreSample(sample, "mean=3 min=1 max=3"), // errs 1, 0, 0
		ScoreSample(sample, "mean=2 min=3"),       // errs 0, 2, -
		ScoreSample(sample, "garbage"),            // none
	}

	summary := Aggregate(scores)

	require.NotNil(t, summary.Samples)
	assert.Equal(t, 3, *summary.Samples)

	require.NotNil(t, summary.OKRate)
	assert.InDelta(t, 1.0/3.0, *summary.OKRate, 1e-12)

	require.NotNil(t, summary.MeanAbsErrMean)
	assert.InDelta(t, 0.5, *summary.MeanAbsErrMean, 1e-12)
	require.NotNil(t, summary.MinAbsErrMean)
	assert.InDelta(t, 1.0, *summary.MinAbsErrMean, 1e-12)
	require.NotNil(t, summary.MaxAbsErrMean)
	assert.InDelta(t, 0.0, *summary.MaxAbsErrMean, 1e-12)

	require.NotNil(t, summary.Performance)
	assert.InDelta(t, 0.5, *summary.Performance, 1e-12)
}

func TestAggregate_KeysFromFirstScore(t *testing.T) {
	sample := sampleWithStats(2, 1, 3)

	scores := []Metrics{
		ScoreSample(sample, "mean=4"),
		ScoreSample(sample, "mean=2 min=5 max=9"),
	}

	summary := Aggregate(scores)

	require.NotNil(t, summary.MeanAbsErrMean)
	assert.InDelta(t, 1.0, *summary.MeanAbsErrMean, 1e-12)
	assert.Nil(t, summary.MinAbsErrMean)
	assert.Nil(t, summary.MaxAbsErrMean)

	// Missing per-key means contribute zero.
	assert.InDelta(t, 1.0/3.0, *summary.Performance, 1e-12)
	assert.InDelta(t, 0.5, *summary.OKRate, 1e-12)
}

func TestAggregate_SamplesAndRateBounds(t *testing.T) {
	sample := sampleWithStats(0, 0, 0)

	for n := 1; n <= 5; n++ {
		scores := make([]Metrics, 0, n)
		for i := 0; i < n; i++ {
			text := "mean=0 min=0 max=0"
			if i%2 == 1 {
				text = "mean=0"
			}

			scores = append(scores, ScoreSample(sample, text))
		}

		summary := Aggregate(scores)
		assert.Equal(t, n, *summary.Samples)
		assert.GreaterOrEqual(t, *summary.OKRate, 0.0)
		assert.LessOrEqual(t, *summary.OKRate, 1.0)
	}
}
