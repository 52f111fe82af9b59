package ai

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInferProvider(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"claude-sonnet-4-5", ProviderAnthropic},
		{"claude-opus-4", ProviderAnthropic},
		{"gpt-4o", ProviderOpenAI},
		{"gpt-4o-mini", ProviderOpenAI},
		{"o1-preview", ProviderOpenAI},
		{"o3-mini", ProviderOpenAI},
		{"chatgpt-4o-latest", ProviderOpenAI},
		{"gemini-1.5-pro", ProviderGoogle},
		{"llama-3.1-70b", ProviderGroq},
		{"mixtral-8x7b", ProviderGroq},
		{"mistral-large", ProviderMistral},
		{"command-r-plus", ProviderCohere},
		{"groq/llama-3.1-70b", ProviderGroq},
		{"openai/custom-finetune", ProviderOpenAI},
		{"totally-unknown", "fallback"},
		{"", "fallback"},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.Equal(t, tt.want, InferProvider(tt.model, "fallback"))
		})
	}
}
