package ai

import (
	"context"

	"github.com/mongoclaw/mongoclaw/pkg/types"
)

// Provider names the router understands
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderGroq      = "groq"
	ProviderMistral   = "mistral"
	ProviderCohere    = "cohere"
)

// CompletionRequest is one model call
type CompletionRequest struct {
	Model          string
	SystemPrompt   string
	Prompt         string
	Temperature    float64
	MaxTokens      int
	ResponseSchema map[string]interface{}
	ExtraParams    map[string]interface{}
}

// Provider executes completions against one upstream API
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *CompletionRequest) (*types.AIResponse, error)
}

// InferProvider maps a model name onto a provider. Models with an
// explicit "provider/model" prefix win; otherwise well-known name
// families decide; anything else falls to the default.
func InferProvider(model, defaultProvider string) string {
	for i := 0; i < len(model); i++ {
		if model[i] == '/' {
			return model[:i]
		}
	}

	switch {
	case hasAnyPrefix(model, "claude"):
		return ProviderAnthropic
	case hasAnyPrefix(model, "gpt-", "o1", "o3", "chatgpt"):
		return ProviderOpenAI
	case hasAnyPrefix(model, "gemini"):
		return ProviderGoogle
	case hasAnyPrefix(model, "llama", "mixtral"):
		return ProviderGroq
	case hasAnyPrefix(model, "mistral"):
		return ProviderMistral
	case hasAnyPrefix(model, "command"):
		return ProviderCohere
	}
	return defaultProvider
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if len(s) >= len(p) && s[:len(p)] == p {
			return true
		}
	}
	return false
}
