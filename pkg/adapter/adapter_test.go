package adapter

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/forgis/factorybench/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const completionBody = `{
  "id": "chatcmpl-1",
  "object": "chat.completion",
  "created": 1700000000,
  "model": "gpt-4o",
  "choices": [{
    "index": 0,
    "finish_reason": "stop",
    "message": {"role": "assistant", "content": "mean=2 min=1 max=3"}
  }],
  "usage": {"prompt_tokens": 120, "completion_tokens": 12, "total_tokens": 132}
}`

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func TestMock(t *testing.T) {
	gen, err := NewMock().Generate(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, MockReply, gen.Text)
	require.NotNil(t, gen.Usage.TotalTokens)
	assert.Zero(t, *gen.Usage.TotalTokens)
}

func TestResolve(t *testing.T) {
	providers := &config.ProvidersConfig{
		OpenAI: config.OpenAIConfig{APIKey: "sk-test"},
		Azure:  config.AzureConfig{Endpoint: "https://example.openai.azure.com", APIKey: "az", APIVersion: "2024-10-21"},
	}

	tests := []struct {
		name      string
		selector  string
		providers *config.ProvidersConfig
		wantModel string
		wantErr   error
	}{
		{name: "mock", selector: "mock", providers: providers, wantModel: "mock"},
		{name: "azure", selector: "azure:gpt-4o", providers: providers, wantModel: "azure:gpt-4o"},
		{name: "openai", selector: "openai:gpt-5", providers: providers, wantModel: "openai:gpt-5"},
		{name: "unknown provider", selector: "bedrock:claude", providers: providers, wantErr: ErrUnknownModel},
		{name: "bare name", selector: "gpt-4o", providers: providers, wantErr: ErrUnknownModel},
		{name: "empty name", selector: "azure:", providers: providers, wantErr: ErrUnknownModel},
		{name: "azure without credentials", selector: "azure:gpt-4o", providers: &config.ProvidersConfig{}, wantErr: ErrMissingCredentials},
		{name: "openai without key", selector: "openai:gpt-4o", providers: &config.ProvidersConfig{}, wantErr: ErrMissingCredentials},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, model, err := Resolve(testLogger(), tt.selector, tt.providers)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.NotNil(t, a)
			assert.Equal(t, tt.wantModel, model)
		})
	}
}

func TestResolve_BadTimeout(t *testing.T) {
	_, _, err := Resolve(testLogger(), "openai:gpt-4o", &config.ProvidersConfig{
		OpenAI:         config.OpenAIConfig{APIKey: "k"},
		RequestTimeout: "soon",
	})
	require.Error(t, err)
}

func TestOpenAI_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"), r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionBody))
	}))
	defer srv.Close()

	a := NewOpenAI(testLogger(), &config.OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL}, "gpt-4o", 0)

	gen, err := a.Generate(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "mean=2 min=1 max=3", gen.Text)

	require.NotNil(t, gen.Usage.PromptTokens)
	assert.Equal(t, int64(120), *gen.Usage.PromptTokens)
	assert.Equal(t, int64(12), *gen.Usage.CompletionTokens)
	assert.Equal(t, int64(132), *gen.Usage.TotalTokens)
}

func TestAzure_Generate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/deployments/gpt-4o/")
		assert.Equal(t, "2024-10-21", r.URL.Query().Get("api-version"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(completionBody))
	}))
	defer srv.Close()

	a := NewAzure(testLogger(), &config.AzureConfig{
		Endpoint: srv.URL, APIKey: "az-key", APIVersion: "2024-10-21",
	}, "gpt-4o", 0)

	gen, err := a.Generate(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "mean=2 min=1 max=3", gen.Text)
}

func TestChat_SoftError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error": {"message": "` + strings.Repeat("boom ", 200) + `"}}`))
	}))
	defer srv.Close()

	a := NewOpenAI(testLogger(), &config.OpenAIConfig{APIKey: "k", BaseURL: srv.URL}, "gpt-4o", 0)

	gen, err := a.Generate(context.Background(), "prompt")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(gen.Text, "ERROR: openai generation failed: "), gen.Text)
	assert.LessOrEqual(t, len(gen.Text), maxErrorText)
	assert.Nil(t, gen.Usage.TotalTokens)
}

func TestChat_CancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(completionBody))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := NewOpenAI(testLogger(), &config.OpenAIConfig{APIKey: "k", BaseURL: srv.URL}, "gpt-4o", 0)

	_, err := a.Generate(ctx, "prompt")
	require.ErrorIs(t, err, context.Canceled)
}

func TestSoftErrorTruncates(t *testing.T) {
	gen := softError("azure", errors.New(strings.Repeat("x", 1000)))
	assert.Len(t, gen.Text, maxErrorText)
	assert.True(t, strings.HasPrefix(gen.Text, "ERROR: azure generation failed: *errors.errorString: "))

	// Multi-byte characters are never split.
	gen = softError("azure", errors.New(strings.Repeat("é", 1000)))
	assert.True(t, utf8.ValidString(gen.Text))
	assert.Equal(t, maxErrorText, utf8.RuneCountInString(gen.Text))
	assert.True(t, strings.HasSuffix(gen.Text, "é"))

	short := softError("azure", errors.New("ü"))
	assert.Equal(t, "ERROR: azure generation failed: *errors.errorString: ü", short.Text)
}
