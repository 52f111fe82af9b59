package storage

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/mongoclaw/mongoclaw/pkg/agent"
	"github.com/mongoclaw/mongoclaw/pkg/types"
)

var (
	ErrAgentNotFound      = errors.New("agent not found")
	ErrAgentAlreadyExists = errors.New("agent already exists")
	ErrExecutionNotFound  = errors.New("execution not found")
)

// AgentQuery narrows an agent listing. The zero value matches every
// agent; Limit and Offset of zero mean unbounded.
type AgentQuery struct {
	Database    string
	Collection  string
	Tag         string
	EnabledOnly bool
	Limit       int64
	Offset      int64
}

// Store is the persistence interface for framework state: agent
// definitions, change stream resume tokens, execution records, and
// idempotency keys. Source documents are NOT behind this interface;
// the watcher and writer operate on application collections directly.
type Store interface {
	// Agents
	CreateAgent(ctx context.Context, cfg *agent.Config) error
	GetAgent(ctx context.Context, id string) (*agent.Config, error)
	ListAgents(ctx context.Context) ([]*agent.Config, error)
	ListEnabledAgents(ctx context.Context) ([]*agent.Config, error)
	FindAgents(ctx context.Context, q AgentQuery) ([]*agent.Config, error)
	WatchTargets(ctx context.Context, enabledOnly bool) ([]agent.WatchTarget, error)
	UpdateAgent(ctx context.Context, cfg *agent.Config) error
	DeleteAgent(ctx context.Context, id string) error
	SetAgentEnabled(ctx context.Context, id string, enabled bool) error
	CountAgents(ctx context.Context) (enabled int, disabled int, err error)

	// Resume tokens, keyed by namespace. Load returns nil without
	// error when no token was saved yet; age is zero for a missing
	// token.
	SaveResumeToken(ctx context.Context, namespace string, token bson.Raw) error
	LoadResumeToken(ctx context.Context, namespace string) (bson.Raw, error)
	ResumeTokenAge(ctx context.Context, namespace string) (time.Duration, error)
	DeleteResumeToken(ctx context.Context, namespace string) error

	// Execution records, keyed by work item id
	RecordExecution(ctx context.Context, rec *ExecutionRecord) error
	GetExecution(ctx context.Context, workItemID string) (*ExecutionRecord, error)
	ListExecutions(ctx context.Context, agentID string, limit int64) ([]*ExecutionRecord, error)

	// Idempotency keys with explicit expiry
	SeenIdempotencyKey(ctx context.Context, agentID, key string) (bool, error)
	RecordIdempotencyKey(ctx context.Context, agentID, key string, ttl time.Duration) error

	EnsureIndexes(ctx context.Context) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// ExecutionRecord is the persisted outcome of one work item
type ExecutionRecord struct {
	WorkItemID string `bson:"_id" json:"work_item_id"`
	AgentID    string `bson:"agent_id" json:"agent_id"`
	DocumentID string `bson:"document_id" json:"document_id"`
	Database   string `bson:"database" json:"database"`
	Collection string `bson:"collection" json:"collection"`

	Status    types.ExecutionStatus `bson:"status" json:"status"`
	Lifecycle types.LifecycleState  `bson:"lifecycle_state" json:"lifecycle_state"`
	Reason    string                `bson:"reason,omitempty" json:"reason,omitempty"`
	Written   bool                  `bson:"written" json:"written"`
	Attempt   int                   `bson:"attempt" json:"attempt"`
	Error     string                `bson:"error,omitempty" json:"error,omitempty"`
	ErrorType string                `bson:"error_type,omitempty" json:"error_type,omitempty"`

	AIModel          string  `bson:"ai_model,omitempty" json:"ai_model,omitempty"`
	AIProvider       string  `bson:"ai_provider,omitempty" json:"ai_provider,omitempty"`
	PromptTokens     int     `bson:"prompt_tokens,omitempty" json:"prompt_tokens,omitempty"`
	CompletionTokens int     `bson:"completion_tokens,omitempty" json:"completion_tokens,omitempty"`
	TotalTokens      int     `bson:"total_tokens,omitempty" json:"total_tokens,omitempty"`
	CostUSD          float64 `bson:"cost_usd,omitempty" json:"cost_usd,omitempty"`

	StartedAt      time.Time `bson:"started_at" json:"started_at"`
	CompletedAt    time.Time `bson:"completed_at" json:"completed_at"`
	DurationMillis int64     `bson:"duration_ms" json:"duration_ms"`
}

// NewExecutionRecord builds the persisted record for a finished item
func NewExecutionRecord(item *types.WorkItem, res *types.ExecutionResult) *ExecutionRecord {
	rec := &ExecutionRecord{
		WorkItemID:     item.ID,
		AgentID:        item.AgentID,
		DocumentID:     item.DocumentID,
		Database:       item.Database,
		Collection:     item.Collection,
		Status:         res.Status(),
		Lifecycle:      res.Lifecycle,
		Reason:         res.Reason,
		Written:        res.Written,
		Attempt:        item.Attempt,
		Error:          res.Error,
		ErrorType:      res.ErrorType,
		StartedAt:      res.StartedAt,
		CompletedAt:    res.StartedAt.Add(res.Duration),
		DurationMillis: res.Duration.Milliseconds(),
	}
	if res.AIResponse != nil {
		rec.AIModel = res.AIResponse.Model
		rec.AIProvider = res.AIResponse.Provider
		rec.PromptTokens = res.AIResponse.PromptTokens
		rec.CompletionTokens = res.AIResponse.CompletionTokens
		rec.TotalTokens = res.AIResponse.TotalTokens
		rec.CostUSD = res.AIResponse.CostUSD
	}
	return rec
}
