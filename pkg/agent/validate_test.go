package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongoclaw/mongoclaw/pkg/types"
)

func validConfig() *Config {
	cfg := NewConfig()
	cfg.ID = "ticket-classifier"
	cfg.Watch.Database = "support"
	cfg.Watch.Collection = "tickets"
	cfg.AI.Prompt = "Classify this ticket: {{ json .document }}"
	return cfg
}

func TestValidConfigPasses(t *testing.T) {
	cfg := validConfig()
	cfg.Normalize()
	require.NoError(t, cfg.Validate())

	assert.True(t, cfg.IsEnabled())
	assert.True(t, cfg.Deduplicate())
	assert.True(t, cfg.IncludeMetadata())
	assert.Equal(t, types.WriteMerge, cfg.Write.Strategy)
	assert.Equal(t, int64(1), cfg.Version)
	assert.Equal(t, "support.tickets", cfg.Target().String())
}

func TestIDValidation(t *testing.T) {
	tests := []struct {
		id string
		ok bool
	}{
		{"ticket-classifier", true},
		{"a", true},
		{"agent_2", true},
		{"0agent", true},
		{"", false},
		{"-leading-dash", false},
		{"trailing-dash-", false},
		{"UpperCase", false},
		{"has space", false},
		{"system", false},
		{"admin", false},
		{"all", false},
		{strings.Repeat("a", 65), false},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			cfg := validConfig()
			cfg.ID = tt.id
			cfg.Normalize()
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				var verr *ValidationError
				assert.ErrorAs(t, err, &verr)
			}
		})
	}
}

func TestStrategyRequiredFields(t *testing.T) {
	cfg := validConfig()
	cfg.Write.Strategy = types.WriteAppend
	cfg.Normalize()
	assert.Error(t, cfg.Validate(), "append without array_field must fail")

	cfg.Write.ArrayField = "classifications"
	assert.NoError(t, cfg.Validate())

	cfg = validConfig()
	cfg.Write.Strategy = types.WriteNested
	cfg.Normalize()
	assert.Error(t, cfg.Validate(), "nested without path must fail")

	cfg.Write.Path = "enrichment.ai"
	assert.NoError(t, cfg.Validate())
}

func TestTemplateValidation(t *testing.T) {
	cfg := validConfig()
	cfg.AI.Prompt = "{{ .document.title"
	cfg.Normalize()
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.AI.Prompt = "{{ nosuchfunc .document }}"
	cfg.Normalize()
	assert.Error(t, cfg.Validate())
}

func TestPolicyValidation(t *testing.T) {
	cfg := validConfig()
	cfg.Policy = &PolicySpec{Condition: `result.category in ["spam"]`}
	cfg.Normalize()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, types.PolicyEnrich, cfg.Policy.Action)
	assert.Equal(t, types.FallbackSkip, cfg.Policy.Fallback)
	assert.Equal(t, "policy_tag", cfg.Policy.TagField)

	cfg.Policy.Condition = "garbage ==="
	assert.Error(t, cfg.Validate())

	cfg.Policy.Condition = `result.x == 1`
	cfg.Policy.Action = "explode"
	assert.Error(t, cfg.Validate())
}

func TestExecutionBounds(t *testing.T) {
	cfg := validConfig()
	cfg.Execution.Priority = 11
	cfg.Normalize()
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Execution.RetryBaseDelaySeconds = 120
	cfg.Execution.RetryMaxDelaySeconds = 60
	cfg.Normalize()
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.AI.MaxTokens = 0
	cfg.Normalize()
	// Normalize restores the default
	assert.NoError(t, cfg.Validate())

	cfg = validConfig()
	temp := 2.5
	cfg.AI.Temperature = &temp
	cfg.Normalize()
	assert.Error(t, cfg.Validate())
}

func TestWriteTargetDefaultsToSource(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, "support.tickets", cfg.WriteTarget().String())

	cfg.Write.TargetCollection = "tickets_enriched"
	assert.Equal(t, "support.tickets_enriched", cfg.WriteTarget().String())

	cfg.Write.TargetDatabase = "analytics"
	assert.Equal(t, "analytics.tickets_enriched", cfg.WriteTarget().String())
}

func TestExplicitZeroRetriesSurvivesNormalize(t *testing.T) {
	cfg := validConfig()
	cfg.Execution.MaxRetries = 0
	cfg.Normalize()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 0, cfg.Execution.MaxRetries)
}
