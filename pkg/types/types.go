package types

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Operation is a change stream operation type
type Operation string

const (
	OperationInsert  Operation = "insert"
	OperationUpdate  Operation = "update"
	OperationReplace Operation = "replace"
	OperationDelete  Operation = "delete"
)

// ParseOperation coerces a raw operationType string. Unknown operation
// types (drop, rename, invalidate, ...) are treated as updates so that
// stored rules keep working against newer server versions.
func ParseOperation(s string) Operation {
	switch Operation(s) {
	case OperationInsert, OperationUpdate, OperationReplace, OperationDelete:
		return Operation(s)
	default:
		return OperationUpdate
	}
}

// RoutingStrategy defines how dispatched work items map to streams
type RoutingStrategy string

const (
	RouteByAgent      RoutingStrategy = "by_agent"
	RouteByCollection RoutingStrategy = "by_collection"
	RouteSingle       RoutingStrategy = "single"
	RoutePartitioned  RoutingStrategy = "partitioned"
	RouteByPriority   RoutingStrategy = "by_priority"
)

// WriteStrategy defines how AI results are written back
type WriteStrategy string

const (
	WriteMerge   WriteStrategy = "merge"
	WriteReplace WriteStrategy = "replace"
	WriteAppend  WriteStrategy = "append"
	WriteNested  WriteStrategy = "nested"
)

// ConsistencyMode controls writeback guards
type ConsistencyMode string

const (
	ConsistencyEventual ConsistencyMode = "eventual"
	ConsistencyStrict   ConsistencyMode = "strict_post_commit"
	ConsistencyShadow   ConsistencyMode = "shadow"
)

// OverflowPolicy controls dispatch admission under backpressure
type OverflowPolicy string

const (
	OverflowDrop  OverflowPolicy = "drop"
	OverflowDLQ   OverflowPolicy = "dlq"
	OverflowDefer OverflowPolicy = "defer"
)

// PolicyAction is the primary action when a policy condition matches
type PolicyAction string

const (
	PolicyEnrich PolicyAction = "enrich"
	PolicyBlock  PolicyAction = "block"
	PolicyTag    PolicyAction = "tag"
)

// FallbackAction is taken when a policy condition does not match
type FallbackAction string

const (
	FallbackSkip   FallbackAction = "skip"
	FallbackEnrich FallbackAction = "enrich"
)

// ExecutionStatus is the terminal status of a work item attempt
type ExecutionStatus string

const (
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusSkipped   ExecutionStatus = "skipped"
)

// LifecycleState tracks where a work item ended up
type LifecycleState string

const (
	LifecyclePending      LifecycleState = "pending"
	LifecycleInFlight     LifecycleState = "in_flight"
	LifecycleWritten      LifecycleState = "written"
	LifecycleWriteSkipped LifecycleState = "write_skipped"
	LifecycleRetrying     LifecycleState = "retrying"
	LifecycleFailed       LifecycleState = "failed"
	LifecycleTimedOut     LifecycleState = "timed_out"
	LifecycleDeadLettered LifecycleState = "dead_lettered"
)

// Stable reason codes recorded on execution records
const (
	ReasonWritten               = "written"
	ReasonPolicySkip            = "policy_skip"
	ReasonPolicyBlock           = "policy_block"
	ReasonShadowMode            = "shadow_mode"
	ReasonDuplicate             = "duplicate"
	ReasonWriteError            = "write_error"
	ReasonWriteNoMatch          = "write_no_match"
	ReasonStrictVersionConflict = "strict_version_conflict"
	ReasonHashConflict          = "hash_conflict"
	ReasonAgentQuarantined      = "agent_quarantined"
	ReasonAgentNotFound         = "agent_not_found"
	ReasonAgentDisabled         = "agent_disabled"
	ReasonTimeout               = "timeout"
	ReasonPipelineError         = "pipeline_error"
	ReasonFailed                = "failed"
)

// ChangeEvent is a single observed mutation. Immutable once parsed.
type ChangeEvent struct {
	Operation         Operation              `json:"operation"`
	Database          string                 `json:"database"`
	Collection        string                 `json:"collection"`
	DocumentKey       map[string]interface{} `json:"document_key"`
	FullDocument      map[string]interface{} `json:"full_document,omitempty"`
	UpdateDescription map[string]interface{} `json:"update_description,omitempty"`
	ResumeToken       []byte                 `json:"resume_token,omitempty"`
	ClusterTime       primitive.Timestamp    `json:"cluster_time,omitempty"`
	WallTime          time.Time              `json:"wall_time,omitempty"`
}

// Namespace returns database.collection
func (e *ChangeEvent) Namespace() string {
	return e.Database + "." + e.Collection
}

// DocumentID returns the string form of the _id in the document key
func (e *ChangeEvent) DocumentID() string {
	return DocumentIDString(e.DocumentKey["_id"])
}

// DocumentIDString normalizes an _id value to its string form. Object
// identifiers render as 24-char hex; everything else via Sprint.
func DocumentIDString(id interface{}) string {
	switch v := id.(type) {
	case nil:
		return ""
	case primitive.ObjectID:
		return v.Hex()
	case string:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}

// AIResponse is a completed provider call
type AIResponse struct {
	Content          string        `json:"content"`
	Parsed           interface{}   `json:"parsed,omitempty"`
	Model            string        `json:"model"`
	Provider         string        `json:"provider"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	TotalTokens      int           `json:"total_tokens"`
	CostUSD          float64       `json:"cost_usd"`
	Latency          time.Duration `json:"latency"`
	FinishReason     string        `json:"finish_reason,omitempty"`
}

// ExecutionResult is the terminal outcome of one work item attempt
type ExecutionResult struct {
	WorkItemID string
	AgentID    string
	DocumentID string
	Success    bool
	Written    bool
	// Terminal marks a failure retrying cannot fix; the retry budget is
	// skipped and the item goes straight to its terminal handling.
	Terminal   bool
	Lifecycle  LifecycleState
	Reason     string
	Error      string
	ErrorType  string
	AIResponse *AIResponse
	StartedAt  time.Time
	Duration   time.Duration
	Attempt    int
}

// Status derives the recorded execution status for this result
func (r *ExecutionResult) Status() ExecutionStatus {
	switch {
	case r.Success && r.Written:
		return StatusCompleted
	case r.Success:
		return StatusSkipped
	default:
		return StatusFailed
	}
}

// SuccessResult builds a successful outcome for an item
func SuccessResult(itemID, agentID string, written bool, lifecycle LifecycleState, reason string) *ExecutionResult {
	return &ExecutionResult{
		WorkItemID: itemID,
		AgentID:    agentID,
		Success:    true,
		Written:    written,
		Lifecycle:  lifecycle,
		Reason:     reason,
	}
}

// FailureResult builds a failed outcome for an item
func FailureResult(itemID, agentID string, err error, lifecycle LifecycleState, reason string) *ExecutionResult {
	r := &ExecutionResult{
		WorkItemID: itemID,
		AgentID:    agentID,
		Lifecycle:  lifecycle,
		Reason:     reason,
	}
	if err != nil {
		r.Error = err.Error()
		r.ErrorType = fmt.Sprintf("%T", err)
	}
	return r
}
