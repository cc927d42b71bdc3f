package executor

import (
	"encoding/json"
	"strings"

	"github.com/forgis/factorybench/pkg/dataset"
)

const (
	promptHeader = "You are given a numeric time series with timestamps. " +
		"Compute and return only these values:\nmean=<float> min=<float> max=<float>\n"
	promptFooter = "Output format: mean=<float> min=<float> max=<float>"
)

// BuildPrompt renders the instruction for one sample. Timestamps and values
// are written as JSON arrays so the same sample always yields the same
// prompt.
func BuildPrompt(sample *dataset.Sample) string {
	var b strings.Builder

	b.WriteString(promptHeader)
	b.WriteString("Timestamps: ")
	b.WriteString(jsonList(sample.Timestamps))
	b.WriteString("\nValues: ")
	b.WriteString(jsonList(sample.Values))
	b.WriteString("\n")
	b.WriteString(promptFooter)

	return b.String()
}

func jsonList[T any](items []T) string {
	if len(items) == 0 {
		return "[]"
	}

	data, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}

	return string(data)
}
