// Package adapter turns prompts into model output text plus token usage.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/forgis/factorybench/pkg/config"
	"github.com/sirupsen/logrus"
)

// Provider prefixes accepted in model selectors.
const (
	ProviderMock   = "mock"
	ProviderOpenAI = "openai"
	ProviderAzure  = "azure"
)

// maxErrorText caps the length of soft error predictions, in characters.
const maxErrorText = 500

var (
	// ErrUnknownModel is returned for selectors that name no provider.
	ErrUnknownModel = errors.New("unknown model selector")

	// ErrMissingCredentials is returned when a provider is not configured.
	ErrMissingCredentials = errors.New("missing provider credentials")
)

// Usage is the token usage reported by a provider. Nil fields were not
// reported.
type Usage struct {
	PromptTokens     *int64
	CompletionTokens *int64
	TotalTokens      *int64
}

// Generation is the result of one adapter call.
type Generation struct {
	Text  string
	Usage Usage
}

// Adapter generates a completion for a prompt. Ordinary provider failures
// are returned as a Generation whose text starts with "ERROR:" and whose
// usage is empty; a returned error is a hard failure.
type Adapter interface {
	Generate(ctx context.Context, prompt string) (*Generation, error)
}

// Resolve builds the adapter for a model selector of the form "mock",
// "azure:<deployment>" or "openai:<model>". The returned model name is the
// identifier used for pricing and run records.
func Resolve(log logrus.FieldLogger, selector string, providers *config.ProvidersConfig) (Adapter, string, error) {
	selector = strings.TrimSpace(selector)

	if selector == ProviderMock {
		return NewMock(), ProviderMock, nil
	}

	provider, name, ok := strings.Cut(selector, ":")
	if !ok || name == "" {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownModel, selector)
	}

	timeout, err := requestTimeout(providers.RequestTimeout)
	if err != nil {
		return nil, "", err
	}

	switch provider {
	case ProviderAzure:
		az := providers.Azure
		if az.Endpoint == "" || az.APIKey == "" {
			return nil, "", fmt.Errorf("%w: azure endpoint and api key are required", ErrMissingCredentials)
		}

		return NewAzure(log, &az, name, timeout), selector, nil
	case ProviderOpenAI:
		oa := providers.OpenAI
		if oa.APIKey == "" {
			return nil, "", fmt.Errorf("%w: openai api key is required", ErrMissingCredentials)
		}

		return NewOpenAI(log, &oa, name, timeout), selector, nil
	default:
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownModel, selector)
	}
}

func requestTimeout(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parsing request timeout: %w", err)
	}

	return d, nil
}

// softError formats a provider failure as prediction text.
func softError(provider string, err error) *Generation {
	text := fmt.Sprintf("ERROR: %s generation failed: %T: %v", provider, err, err)
	if utf8.RuneCountInString(text) > maxErrorText {
		runes := 0

		for i := range text {
			if runes == maxErrorText {
				text = text[:i]

				break
			}

			runes++
		}
	}

	return &Generation{Text: text}
}
