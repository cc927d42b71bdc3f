// Package stage names the benchmark stages and their accepted aliases.
package stage

import (
	"errors"
	"fmt"
	"strings"
)

// Stage is a benchmark stage.
type Stage string

const (
	TelemetryLiteracy Stage = "telemetry_literacy"
	RootCauseAnalysis Stage = "root_cause_analysis"
	GuidedRemediation Stage = "guided_remediation"
)

// ErrUnknownStage is returned by Normalize for unrecognised names.
var ErrUnknownStage = errors.New("unknown stage")

// All lists the stages in order.
var All = []Stage{TelemetryLiteracy, RootCauseAnalysis, GuidedRemediation}

var aliases = map[string]Stage{
	"stage1":                        TelemetryLiteracy,
	"ts_understanding":              TelemetryLiteracy,
	"time_series_understanding":     TelemetryLiteracy,
	"stage2":                        RootCauseAnalysis,
	"fault_diagnosis":               RootCauseAnalysis,
	"stage3":                        GuidedRemediation,
	"fault_fixing":                  GuidedRemediation,
	"repair_instruction_generation": GuidedRemediation,
}

// Normalize resolves a stage name or alias. Surrounding whitespace is
// ignored; matching is otherwise exact.
func Normalize(name string) (Stage, error) {
	name = strings.TrimSpace(name)

	for _, s := range All {
		if name == string(s) {
			return s, nil
		}
	}

	if s, ok := aliases[name]; ok {
		return s, nil
	}

	return "", fmt.Errorf("%w: %q", ErrUnknownStage, name)
}

// Runnable reports whether runs can be executed for s.
func (s Stage) Runnable() bool {
	return s == TelemetryLiteracy
}
