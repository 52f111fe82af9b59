package agent

import (
	"time"

	"github.com/mongoclaw/mongoclaw/pkg/types"
)

// Config is a declarative agent definition: which changes to watch,
// how to prompt the model, and how to write the result back.
type Config struct {
	ID          string   `yaml:"id" json:"id" bson:"_id"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty" bson:"description,omitempty"`
	Enabled     *bool    `yaml:"enabled,omitempty" json:"enabled" bson:"enabled"`
	Tags        []string `yaml:"tags,omitempty" json:"tags,omitempty" bson:"tags,omitempty"`
	Version     int64    `yaml:"version,omitempty" json:"version" bson:"version"`

	Watch     WatchSpec     `yaml:"watch" json:"watch" bson:"watch"`
	AI        AISpec        `yaml:"ai" json:"ai" bson:"ai"`
	Write     WriteSpec     `yaml:"write,omitempty" json:"write" bson:"write"`
	Execution ExecutionSpec `yaml:"execution,omitempty" json:"execution" bson:"execution"`
	Policy    *PolicySpec   `yaml:"policy,omitempty" json:"policy,omitempty" bson:"policy,omitempty"`

	CreatedAt time.Time `yaml:"-" json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `yaml:"-" json:"updated_at" bson:"updated_at"`
}

// WatchSpec selects the change events an agent reacts to
type WatchSpec struct {
	Database   string                 `yaml:"database" json:"database" bson:"database"`
	Collection string                 `yaml:"collection" json:"collection" bson:"collection"`
	Operations []types.Operation      `yaml:"operations,omitempty" json:"operations" bson:"operations"`
	Filter     map[string]interface{} `yaml:"filter,omitempty" json:"filter,omitempty" bson:"filter,omitempty"`
	Projection map[string]interface{} `yaml:"projection,omitempty" json:"projection,omitempty" bson:"projection,omitempty"`
}

// AISpec configures the model call
type AISpec struct {
	Model          string                 `yaml:"model,omitempty" json:"model" bson:"model"`
	Prompt         string                 `yaml:"prompt" json:"prompt" bson:"prompt"`
	SystemPrompt   string                 `yaml:"system_prompt,omitempty" json:"system_prompt,omitempty" bson:"system_prompt,omitempty"`
	Temperature    *float64               `yaml:"temperature,omitempty" json:"temperature" bson:"temperature"`
	MaxTokens      int                    `yaml:"max_tokens,omitempty" json:"max_tokens" bson:"max_tokens"`
	ResponseSchema map[string]interface{} `yaml:"response_schema,omitempty" json:"response_schema,omitempty" bson:"response_schema,omitempty"`
	APIKeyRef      string                 `yaml:"api_key_ref,omitempty" json:"api_key_ref,omitempty" bson:"api_key_ref,omitempty"`
	ExtraParams    map[string]interface{} `yaml:"extra_params,omitempty" json:"extra_params,omitempty" bson:"extra_params,omitempty"`
}

// WriteSpec configures where and how enrichment results land
type WriteSpec struct {
	Strategy         types.WriteStrategy `yaml:"strategy,omitempty" json:"strategy" bson:"strategy"`
	TargetDatabase   string              `yaml:"target_database,omitempty" json:"target_database,omitempty" bson:"target_database,omitempty"`
	TargetCollection string              `yaml:"target_collection,omitempty" json:"target_collection,omitempty" bson:"target_collection,omitempty"`
	Fields           map[string]string   `yaml:"fields,omitempty" json:"fields,omitempty" bson:"fields,omitempty"`
	TargetField      string              `yaml:"target_field,omitempty" json:"target_field,omitempty" bson:"target_field,omitempty"`
	Path             string              `yaml:"path,omitempty" json:"path,omitempty" bson:"path,omitempty"`
	ArrayField       string              `yaml:"array_field,omitempty" json:"array_field,omitempty" bson:"array_field,omitempty"`
	IdempotencyKey   string              `yaml:"idempotency_key,omitempty" json:"idempotency_key,omitempty" bson:"idempotency_key,omitempty"`
	IncludeMetadata  *bool               `yaml:"include_metadata,omitempty" json:"include_metadata" bson:"include_metadata"`
	MetadataField    string              `yaml:"metadata_field,omitempty" json:"metadata_field" bson:"metadata_field"`
}

// ExecutionSpec configures retries, timeouts, and delivery guards
type ExecutionSpec struct {
	MaxRetries              int                   `yaml:"max_retries,omitempty" json:"max_retries" bson:"max_retries"`
	RetryBaseDelaySeconds   float64               `yaml:"retry_base_delay,omitempty" json:"retry_base_delay" bson:"retry_base_delay"`
	RetryMaxDelaySeconds    float64               `yaml:"retry_max_delay,omitempty" json:"retry_max_delay" bson:"retry_max_delay"`
	TimeoutSeconds          float64               `yaml:"timeout,omitempty" json:"timeout" bson:"timeout"`
	Priority                int                   `yaml:"priority,omitempty" json:"priority" bson:"priority"`
	Deduplicate             *bool                 `yaml:"deduplicate,omitempty" json:"deduplicate" bson:"deduplicate"`
	DedupWindowSeconds      float64               `yaml:"dedup_window,omitempty" json:"dedup_window" bson:"dedup_window"`
	Consistency             types.ConsistencyMode `yaml:"consistency,omitempty" json:"consistency" bson:"consistency"`
	MaxConcurrency          int                   `yaml:"max_concurrency,omitempty" json:"max_concurrency,omitempty" bson:"max_concurrency,omitempty"`
	RequireDocumentHashMatch bool                 `yaml:"require_document_hash_match,omitempty" json:"require_document_hash_match" bson:"require_document_hash_match"`
	LatencySLOMillis        int64                 `yaml:"latency_slo_ms,omitempty" json:"latency_slo_ms,omitempty" bson:"latency_slo_ms,omitempty"`
}

// PolicySpec gates the writeback on a condition over the document and
// the parsed AI result
type PolicySpec struct {
	Condition      string               `yaml:"condition" json:"condition" bson:"condition"`
	Action         types.PolicyAction   `yaml:"action,omitempty" json:"action" bson:"action"`
	Fallback       types.FallbackAction `yaml:"fallback,omitempty" json:"fallback" bson:"fallback"`
	SimulationMode bool                 `yaml:"simulation_mode,omitempty" json:"simulation_mode" bson:"simulation_mode"`
	TagField       string               `yaml:"tag_field,omitempty" json:"tag_field" bson:"tag_field"`
	TagValue       string               `yaml:"tag_value,omitempty" json:"tag_value" bson:"tag_value"`
}

// WatchTarget is a database/collection pair derived from agent watch specs
type WatchTarget struct {
	Database   string
	Collection string
}

// String returns the namespace in db.collection form
func (t WatchTarget) String() string {
	return t.Database + "." + t.Collection
}

// IsEnabled reports whether the agent is active. Definitions that never
// mention enabled are active.
func (a *Config) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

// Target returns the watched namespace
func (a *Config) Target() WatchTarget {
	return WatchTarget{Database: a.Watch.Database, Collection: a.Watch.Collection}
}

// WriteTarget returns the namespace writebacks go to, defaulting to the
// watched namespace
func (a *Config) WriteTarget() WatchTarget {
	t := a.Target()
	if a.Write.TargetDatabase != "" {
		t.Database = a.Write.TargetDatabase
	}
	if a.Write.TargetCollection != "" {
		t.Collection = a.Write.TargetCollection
	}
	return t
}

// WatchesOperation reports whether the agent reacts to the operation
func (a *Config) WatchesOperation(op types.Operation) bool {
	for _, o := range a.Watch.Operations {
		if o == op {
			return true
		}
	}
	return false
}

// IncludeMetadata reports whether writebacks carry the metadata block
func (a *Config) IncludeMetadata() bool {
	return a.Write.IncludeMetadata == nil || *a.Write.IncludeMetadata
}

// Deduplicate reports whether dispatch should suppress repeat events
func (a *Config) Deduplicate() bool {
	return a.Execution.Deduplicate == nil || *a.Execution.Deduplicate
}

// Temperature returns the sampling temperature
func (a *Config) Temperature() float64 {
	if a.AI.Temperature == nil {
		return defaultTemperature
	}
	return *a.AI.Temperature
}

// RetryBaseDelay returns the first retry backoff
func (e *ExecutionSpec) RetryBaseDelay() time.Duration {
	return secondsToDuration(e.RetryBaseDelaySeconds)
}

// RetryMaxDelay returns the backoff ceiling
func (e *ExecutionSpec) RetryMaxDelay() time.Duration {
	return secondsToDuration(e.RetryMaxDelaySeconds)
}

// Timeout returns the per-execution deadline
func (e *ExecutionSpec) Timeout() time.Duration {
	return secondsToDuration(e.TimeoutSeconds)
}

// DedupWindow returns how long a dispatch key suppresses repeats
func (e *ExecutionSpec) DedupWindow() time.Duration {
	return secondsToDuration(e.DedupWindowSeconds)
}

// LatencySLO returns the agent latency objective, zero when unset
func (e *ExecutionSpec) LatencySLO() time.Duration {
	return time.Duration(e.LatencySLOMillis) * time.Millisecond
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
