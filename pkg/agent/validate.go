package agent

import (
	"fmt"
	"regexp"

	"github.com/mongoclaw/mongoclaw/pkg/ai"
	"github.com/mongoclaw/mongoclaw/pkg/policy"
	"github.com/mongoclaw/mongoclaw/pkg/types"
)

const (
	defaultModel       = "claude-sonnet-4-5"
	defaultTemperature = 0.7
	defaultMaxTokens   = 2048
	maxIDLength        = 64
)

// idPattern allows lowercase slugs with inner dashes and underscores
var idPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9_-]*[a-z0-9])?$`)

// reservedIDs collide with queue names and CLI verbs
var reservedIDs = map[string]bool{
	"system":  true,
	"admin":   true,
	"root":    true,
	"default": true,
	"all":     true,
}

// ValidationError describes a rejected agent definition
type ValidationError struct {
	AgentID string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.AgentID == "" {
		return fmt.Sprintf("agent %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("agent %q %s: %s", e.AgentID, e.Field, e.Message)
}

func invalid(id, field, format string, args ...interface{}) error {
	return &ValidationError{AgentID: id, Field: field, Message: fmt.Sprintf(format, args...)}
}

// NewConfig returns a definition carrying every default, ready for a
// YAML overlay
func NewConfig() *Config {
	enabled := true
	temp := defaultTemperature
	dedup := true
	meta := true
	return &Config{
		Enabled: &enabled,
		Version: 1,
		Watch: WatchSpec{
			Operations: []types.Operation{types.OperationInsert, types.OperationUpdate},
		},
		AI: AISpec{
			Model:       defaultModel,
			Temperature: &temp,
			MaxTokens:   defaultMaxTokens,
		},
		Write: WriteSpec{
			Strategy:        types.WriteMerge,
			IncludeMetadata: &meta,
			MetadataField:   types.MetadataField,
		},
		Execution: ExecutionSpec{
			MaxRetries:            3,
			RetryBaseDelaySeconds: 1.0,
			RetryMaxDelaySeconds:  60.0,
			TimeoutSeconds:        60.0,
			Deduplicate:           &dedup,
			DedupWindowSeconds:    300.0,
			Consistency:           types.ConsistencyEventual,
		},
	}
}

// Normalize fills gaps a YAML overlay or a hand-built document can
// leave. Zero durations are treated as unset. Explicit max_retries 0
// survives: only NewConfig supplies the retry default.
func (a *Config) Normalize() {
	if a.Version < 1 {
		a.Version = 1
	}
	if len(a.Watch.Operations) == 0 {
		a.Watch.Operations = []types.Operation{types.OperationInsert, types.OperationUpdate}
	}
	if a.AI.Model == "" {
		a.AI.Model = defaultModel
	}
	if a.AI.MaxTokens == 0 {
		a.AI.MaxTokens = defaultMaxTokens
	}
	if a.Write.Strategy == "" {
		a.Write.Strategy = types.WriteMerge
	}
	if a.Write.MetadataField == "" {
		a.Write.MetadataField = types.MetadataField
	}
	if a.Execution.TimeoutSeconds <= 0 {
		a.Execution.TimeoutSeconds = 60.0
	}
	if a.Execution.RetryMaxDelaySeconds <= 0 {
		a.Execution.RetryMaxDelaySeconds = 60.0
		if a.Execution.RetryBaseDelaySeconds > 60.0 {
			a.Execution.RetryMaxDelaySeconds = a.Execution.RetryBaseDelaySeconds
		}
	}
	if a.Execution.DedupWindowSeconds <= 0 {
		a.Execution.DedupWindowSeconds = 300.0
	}
	if a.Execution.Consistency == "" {
		a.Execution.Consistency = types.ConsistencyEventual
	}
	if a.Policy != nil {
		if a.Policy.Action == "" {
			a.Policy.Action = types.PolicyEnrich
		}
		if a.Policy.Fallback == "" {
			a.Policy.Fallback = types.FallbackSkip
		}
		if a.Policy.TagField == "" {
			a.Policy.TagField = "policy_tag"
		}
		if a.Policy.TagValue == "" {
			a.Policy.TagValue = "matched"
		}
	}
}

// Validate rejects definitions that cannot run. Templates and policy
// conditions are compiled here so bad agents fail at load, not per
// event.
func (a *Config) Validate() error {
	if a.ID == "" {
		return invalid("", "id", "must not be empty")
	}
	if len(a.ID) > maxIDLength {
		return invalid(a.ID, "id", "must be at most %d characters", maxIDLength)
	}
	if !idPattern.MatchString(a.ID) {
		return invalid(a.ID, "id", "must be a lowercase slug of letters, digits, dashes, and underscores")
	}
	if reservedIDs[a.ID] {
		return invalid(a.ID, "id", "%q is reserved", a.ID)
	}

	if a.Watch.Database == "" {
		return invalid(a.ID, "watch.database", "must not be empty")
	}
	if a.Watch.Collection == "" {
		return invalid(a.ID, "watch.collection", "must not be empty")
	}
	for _, op := range a.Watch.Operations {
		switch op {
		case types.OperationInsert, types.OperationUpdate, types.OperationReplace, types.OperationDelete:
		default:
			return invalid(a.ID, "watch.operations", "unknown operation %q", op)
		}
	}

	if a.AI.Prompt == "" {
		return invalid(a.ID, "ai.prompt", "must not be empty")
	}
	if err := ai.ValidateTemplate(a.AI.Prompt); err != nil {
		return invalid(a.ID, "ai.prompt", "%v", err)
	}
	if a.AI.SystemPrompt != "" {
		if err := ai.ValidateTemplate(a.AI.SystemPrompt); err != nil {
			return invalid(a.ID, "ai.system_prompt", "%v", err)
		}
	}
	if t := a.Temperature(); t < 0 || t > 2 {
		return invalid(a.ID, "ai.temperature", "must be in [0,2], got %v", t)
	}
	if a.AI.MaxTokens < 1 {
		return invalid(a.ID, "ai.max_tokens", "must be at least 1, got %d", a.AI.MaxTokens)
	}
	if a.AI.ResponseSchema != nil {
		if err := ai.ValidateSchema(a.AI.ResponseSchema); err != nil {
			return invalid(a.ID, "ai.response_schema", "%v", err)
		}
	}

	switch a.Write.Strategy {
	case types.WriteMerge, types.WriteReplace:
	case types.WriteAppend:
		if a.Write.ArrayField == "" {
			return invalid(a.ID, "write.array_field", "required for the append strategy")
		}
	case types.WriteNested:
		if a.Write.Path == "" {
			return invalid(a.ID, "write.path", "required for the nested strategy")
		}
	default:
		return invalid(a.ID, "write.strategy", "unknown strategy %q", a.Write.Strategy)
	}
	if a.Write.IdempotencyKey != "" {
		if err := ai.ValidateTemplate(a.Write.IdempotencyKey); err != nil {
			return invalid(a.ID, "write.idempotency_key", "%v", err)
		}
	}

	e := &a.Execution
	if e.MaxRetries < 0 {
		return invalid(a.ID, "execution.max_retries", "must not be negative, got %d", e.MaxRetries)
	}
	if e.RetryBaseDelaySeconds < 0 {
		return invalid(a.ID, "execution.retry_base_delay", "must not be negative")
	}
	if e.RetryBaseDelaySeconds > e.RetryMaxDelaySeconds {
		return invalid(a.ID, "execution.retry_base_delay", "%v exceeds retry_max_delay %v",
			e.RetryBaseDelaySeconds, e.RetryMaxDelaySeconds)
	}
	if e.TimeoutSeconds <= 0 {
		return invalid(a.ID, "execution.timeout", "must be positive")
	}
	if e.Priority < 0 || e.Priority > 10 {
		return invalid(a.ID, "execution.priority", "must be in [0,10], got %d", e.Priority)
	}
	switch e.Consistency {
	case types.ConsistencyEventual, types.ConsistencyStrict, types.ConsistencyShadow:
	default:
		return invalid(a.ID, "execution.consistency", "unknown mode %q", e.Consistency)
	}
	if e.MaxConcurrency < 0 {
		return invalid(a.ID, "execution.max_concurrency", "must not be negative, got %d", e.MaxConcurrency)
	}

	if a.Policy != nil {
		if a.Policy.Condition == "" {
			return invalid(a.ID, "policy.condition", "must not be empty")
		}
		if _, err := policy.Compile(a.Policy.Condition); err != nil {
			return invalid(a.ID, "policy.condition", "%v", err)
		}
		switch a.Policy.Action {
		case types.PolicyEnrich, types.PolicyBlock, types.PolicyTag:
		default:
			return invalid(a.ID, "policy.action", "unknown action %q", a.Policy.Action)
		}
		switch a.Policy.Fallback {
		case types.FallbackSkip, types.FallbackEnrich:
		default:
			return invalid(a.ID, "policy.fallback", "unknown fallback %q", a.Policy.Fallback)
		}
	}

	return nil
}
