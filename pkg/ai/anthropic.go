package ai

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/mongoclaw/mongoclaw/pkg/types"
)

// AnthropicProvider calls the Anthropic Messages API
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider creates a provider. SDK-level retries are
// disabled; the worker owns retry policy.
func NewAnthropicProvider(apiKey string) *AnthropicProvider {
	return &AnthropicProvider{
		client: anthropic.NewClient(
			option.WithAPIKey(apiKey),
			option.WithMaxRetries(0),
		),
	}
}

func (p *AnthropicProvider) Name() string { return ProviderAnthropic }

// Complete runs one message turn. A response schema is not forwarded:
// the Messages API has no JSON response mode, so the parse ladder
// extracts structure from the text instead.
func (p *AnthropicProvider) Complete(ctx context.Context, req *CompletionRequest) (*types.AIResponse, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
		Temperature: anthropic.Float(req.Temperature),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, p.translateError(err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}

	return &types.AIResponse{
		Content:          sb.String(),
		Model:            string(msg.Model),
		Provider:         ProviderAnthropic,
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
		TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		FinishReason:     string(msg.StopReason),
	}, nil
}

func (p *AnthropicProvider) translateError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 401 || apiErr.StatusCode == 403:
			return &AuthError{Provider: ProviderAnthropic, Err: err}
		case apiErr.StatusCode == 429:
			return &RateLimitError{Provider: ProviderAnthropic, Err: err}
		default:
			return &ProviderError{Provider: ProviderAnthropic, StatusCode: apiErr.StatusCode, Err: err}
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return &ConnectivityError{Provider: ProviderAnthropic, Err: err}
}
