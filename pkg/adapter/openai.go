package adapter

import (
	"context"
	"time"

	"github.com/forgis/factorybench/pkg/config"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/azure"
	"github.com/openai/openai-go/v2/option"
	"github.com/sirupsen/logrus"
)

// Compile-time interface check.
var _ Adapter = (*chatAdapter)(nil)

// chatAdapter calls the chat completions API of OpenAI or Azure OpenAI.
type chatAdapter struct {
	log      logrus.FieldLogger
	client   openai.Client
	provider string
	model    string
}

// NewOpenAI creates an adapter for an OpenAI chat model.
func NewOpenAI(log logrus.FieldLogger, cfg *config.OpenAIConfig, model string, timeout time.Duration) Adapter {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}

	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	if timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}

	return newChatAdapter(log, ProviderOpenAI, model, opts)
}

// NewAzure creates an adapter for an Azure OpenAI deployment.
func NewAzure(log logrus.FieldLogger, cfg *config.AzureConfig, deployment string, timeout time.Duration) Adapter {
	opts := []option.RequestOption{
		azure.WithEndpoint(cfg.Endpoint, cfg.APIVersion),
		azure.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}

	if timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}

	return newChatAdapter(log, ProviderAzure, deployment, opts)
}

func newChatAdapter(log logrus.FieldLogger, provider, model string, opts []option.RequestOption) *chatAdapter {
	return &chatAdapter{
		log: log.WithFields(logrus.Fields{
			"component": "adapter",
			"provider":  provider,
			"model":     model,
		}),
		client:   openai.NewClient(opts...),
		provider: provider,
		model:    model,
	}
}

// Generate sends prompt as a single user message at temperature zero.
// Provider errors become soft error text; only a cancelled context is
// returned as an error.
func (a *chatAdapter) Generate(ctx context.Context, prompt string) (*Generation, error) {
	resp, err := a.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(a.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Temperature: openai.Float(0),
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		a.log.WithError(err).Warn("Generation failed")

		return softError(a.provider, err), nil
	}

	gen := &Generation{}

	if len(resp.Choices) > 0 {
		gen.Text = resp.Choices[0].Message.Content
	}

	// A zero total means the provider sent no usage block.
	if u := resp.Usage; u.TotalTokens > 0 || u.PromptTokens > 0 || u.CompletionTokens > 0 {
		promptTokens := u.PromptTokens
		completion := u.CompletionTokens
		total := u.TotalTokens

		gen.Usage = Usage{
			PromptTokens:     &promptTokens,
			CompletionTokens: &completion,
			TotalTokens:      &total,
		}
	}

	return gen, nil
}
