// Package generator produces synthetic root cause analysis datasets.
package generator

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/forgis/factorybench/pkg/fsutil"
	"github.com/google/uuid"
)

const (
	// seriesLength is the number of points per metric, one per minute.
	seriesLength = 60

	basePressure = 150.0
	baseTemp     = 60.0
	baseCycle    = 200.0

	pressureNoise = 5.0
	tempNoise     = 2.0
	cycleNoise    = 10.0

	// Fault effects applied inside the anomaly window.
	pressureDrop = 60.0
	cycleSpike   = 150.0

	// NoFault is the root cause component of normal samples.
	NoFault = "None"

	faultComponent = "Hydraulic Pump"
	topology       = "Hydraulic Pump -> Press Machine"
)

// GroundTruth is the labelled root cause of a sample. Anomaly bounds are
// point indices, -1 for normal samples.
type GroundTruth struct {
	RootCauseComponent string `json:"root_cause_component"`
	RootCauseMetric    string `json:"root_cause_metric"`
	AnomalyStart       int    `json:"anomaly_start"`
	AnomalyEnd         int    `json:"anomaly_end"`
	Description        string `json:"description"`
}

// Meta describes the simulated plant.
type Meta struct {
	Topology        string `json:"topology"`
	DurationMinutes int    `json:"duration_minutes"`
}

// Metrics are the simulated sensor series.
type Metrics struct {
	PumpPressure   []float64 `json:"pump_pressure"`
	PumpTemp       []float64 `json:"pump_temp"`
	PressCycleTime []float64 `json:"press_cycle_time"`
}

// Sample is one synthetic RCA sample.
type Sample struct {
	ID          string       `json:"id"`
	Meta        Meta         `json:"meta"`
	GroundTruth *GroundTruth `json:"ground_truth,omitempty"`
	Metrics     Metrics      `json:"metrics"`
}

// IsAnomaly reports whether the sample is labelled with a fault. Samples
// without ground truth count as anomalous.
func (s *Sample) IsAnomaly() bool {
	return s.GroundTruth == nil || s.GroundTruth.RootCauseComponent != NoFault
}

// Options configures Generate.
type Options struct {
	Count int
	// FaultRatio is the probability in [0, 1] that a sample is anomalous.
	FaultRatio float64
	// Rand is the randomness source. A time seeded source is used when nil.
	Rand *rand.Rand
}

// Generate builds a batch of samples. Each anomalous sample models a
// hydraulic leak: pump pressure drops and press cycle time spikes over a
// random window.
func Generate(opts Options) ([]Sample, error) {
	if opts.Count < 0 {
		return nil, fmt.Errorf("count must not be negative, got %d", opts.Count)
	}

	if opts.FaultRatio < 0 || opts.FaultRatio > 1 {
		return nil, fmt.Errorf("fault ratio must be within [0, 1], got %g", opts.FaultRatio)
	}

	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	samples := make([]Sample, 0, opts.Count)

	for i := 0; i < opts.Count; i++ {
		anomalous := rng.Float64() < opts.FaultRatio

		sample := Sample{
			ID:   "sample_syn_" + uuid.NewString()[:8],
			Meta: Meta{Topology: topology, DurationMinutes: seriesLength},
			Metrics: Metrics{
				PumpPressure:   noisySeries(rng, basePressure, pressureNoise),
				PumpTemp:       noisySeries(rng, baseTemp, tempNoise),
				PressCycleTime: noisySeries(rng, baseCycle, cycleNoise),
			},
		}

		if anomalous {
			start := 10 + rng.IntN(31)
			end := min(start+10+rng.IntN(11), seriesLength)

			for j := start; j < end; j++ {
				sample.Metrics.PumpPressure[j] -= pressureDrop
				sample.Metrics.PressCycleTime[j] += cycleSpike
			}

			sample.GroundTruth = &GroundTruth{
				RootCauseComponent: faultComponent,
				RootCauseMetric:    "pressure",
				AnomalyStart:       start,
				AnomalyEnd:         end,
				Description:        "Hydraulic leak causing pressure drop and press slowdown.",
			}
		} else {
			sample.GroundTruth = &GroundTruth{
				RootCauseComponent: NoFault,
				RootCauseMetric:    NoFault,
				AnomalyStart:       -1,
				AnomalyEnd:         -1,
				Description:        "Normal operation.",
			}
		}

		samples = append(samples, sample)
	}

	return samples, nil
}

func noisySeries(rng *rand.Rand, base, stddev float64) []float64 {
	out := make([]float64, seriesLength)
	for i := range out {
		out[i] = base + rng.NormFloat64()*stddev
	}

	return out
}

// WriteBatch writes samples to path as indented JSON, creating parent
// directories.
func WriteBatch(path string, samples []Sample, owner *fsutil.OwnerConfig) error {
	if err := fsutil.MkdirAll(filepath.Dir(path), 0o755, owner); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}

	data, err := json.MarshalIndent(samples, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling samples: %w", err)
	}

	if err := fsutil.WriteFileAtomic(path, data, 0o644, owner); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	return nil
}

// LoadBatch reads a sample list written by WriteBatch.
func LoadBatch(path string) ([]Sample, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var samples []Sample
	if err := json.Unmarshal(data, &samples); err != nil {
		return nil, fmt.Errorf("expected a list of samples in %s: %w", path, err)
	}

	return samples, nil
}

// Preview summarises a batch.
type Preview struct {
	Total          int      `json:"total"`
	Anomalies      int      `json:"anomalies"`
	AnomalyPercent float64  `json:"anomaly_percent"`
	FirstIDs       []string `json:"first_ids"`
}

// Summarize counts anomalies and collects the first three ids.
func Summarize(samples []Sample) Preview {
	p := Preview{Total: len(samples), FirstIDs: make([]string, 0, 3)}

	for i := range samples {
		if samples[i].IsAnomaly() {
			p.Anomalies++
		}

		if i < 3 {
			p.FirstIDs = append(p.FirstIDs, samples[i].ID)
		}
	}

	if p.Total > 0 {
		p.AnomalyPercent = float64(p.Anomalies) / float64(p.Total) * 100
	}

	return p
}
