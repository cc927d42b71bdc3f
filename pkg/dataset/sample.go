package dataset

import (
	"bytes"
	"encoding/json"
)

// StatisticKeys are the ground-truth statistics every sample is scored on.
var StatisticKeys = []string{"mean", "min", "max"}

// Statistics holds the ground-truth summary of a series. Each key is optional.
type Statistics struct {
	Mean *float64 `json:"mean,omitempty"`
	Min  *float64 `json:"min,omitempty"`
	Max  *float64 `json:"max,omitempty"`
}

// Get returns the statistic for key and whether it is present.
func (s Statistics) Get(key string) (float64, bool) {
	var v *float64

	switch key {
	case "mean":
		v = s.Mean
	case "min":
		v = s.Min
	case "max":
		v = s.Max
	}

	if v == nil {
		return 0, false
	}

	return *v, true
}

// IsEmpty reports whether no statistic is present.
func (s Statistics) IsEmpty() bool {
	return s.Mean == nil && s.Min == nil && s.Max == nil
}

// Timestamps is an ordered list of timestamps kept in their JSON form, so
// string and numeric values survive a round trip unchanged.
type Timestamps []json.RawMessage

// StringTimestamps builds Timestamps from string values.
func StringTimestamps(values ...string) Timestamps {
	out := make(Timestamps, 0, len(values))

	for _, v := range values {
		data, _ := json.Marshal(v)
		out = append(out, data)
	}

	return out
}

// UnmarshalJSON implements json.Unmarshaler. Each element is kept as
// written, whitespace aside.
func (ts *Timestamps) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if raw == nil {
		*ts = nil

		return nil
	}

	out := make(Timestamps, 0, len(raw))

	for _, r := range raw {
		out = append(out, append(json.RawMessage(nil), bytes.TrimSpace(r)...))
	}

	*ts = out

	return nil
}

// Strings returns the timestamps as text. Strings are unquoted and
// numbers keep their literal form.
func (ts Timestamps) Strings() []string {
	out := make([]string, 0, len(ts))

	for _, r := range ts {
		var s string
		if err := json.Unmarshal(r, &s); err == nil {
			out = append(out, s)

			continue
		}

		out = append(out, string(r))
	}

	return out
}

// Sample is one time series with the statistics it is scored against.
type Sample struct {
	ID         string     `json:"id"`
	Timestamps Timestamps `json:"timestamps,omitempty"`
	Values     []float64  `json:"values"`
	Domain     string     `json:"domain,omitempty"`
	Subtype    string     `json:"subtype,omitempty"`
	Statistics Statistics `json:"statistics"`
}

// ComputeStatistics returns mean/min/max of values. An empty series yields
// empty statistics.
func ComputeStatistics(values []float64) Statistics {
	if len(values) == 0 {
		return Statistics{}
	}

	sum := values[0]
	lo, hi := values[0], values[0]

	for _, v := range values[1:] {
		sum += v

		if v < lo {
			lo = v
		}

		if v > hi {
			hi = v
		}
	}

	mean := sum / float64(len(values))

	return Statistics{Mean: &mean, Min: &lo, Max: &hi}
}

// FillStatistics derives statistics from the values of samples that carry
// none. Without it such samples have no ground truth and score ok=false.
func FillStatistics(samples []Sample) {
	for i := range samples {
		if samples[i].Statistics.IsEmpty() {
			samples[i].Statistics = ComputeStatistics(samples[i].Values)
		}
	}
}
