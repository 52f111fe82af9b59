package types

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Work item metadata keys stamped by the dispatcher and queue.
const (
	MetaDeliverySemantics = "delivery_semantics"
	MetaRoutingStrategy   = "routing_strategy"
	MetaStream            = "stream"
	MetaPartition         = "partition"
	MetaDLQError          = "dlq_error"
	MetaDLQErrorType      = "dlq_error_type"
	MetaDLQTimestamp      = "dlq_timestamp"

	DeliveryAtLeastOnce = "at_least_once"
)

// WorkItem is the durable unit of work derived from one mutation for one
// agent. It travels through the queue as JSON; every field must survive a
// round trip.
type WorkItem struct {
	ID                 string                 `json:"id"`
	AgentID            string                 `json:"agent_id"`
	ChangeEvent        *ChangeEvent           `json:"change_event"`
	Document           map[string]interface{} `json:"document,omitempty"`
	DocumentID         string                 `json:"document_id"`
	Database           string                 `json:"database"`
	Collection         string                 `json:"collection"`
	SourceVersion      *int64                 `json:"source_version,omitempty"`
	SourceDocumentHash string                 `json:"source_document_hash,omitempty"`
	Attempt            int                    `json:"attempt"`
	MaxAttempts        int                    `json:"max_attempts"`
	Priority           int                    `json:"priority"`
	CreatedAt          time.Time              `json:"created_at"`
	ScheduledAt        *time.Time             `json:"scheduled_at,omitempty"`
	IdempotencyKey     string                 `json:"idempotency_key,omitempty"`
	Metadata           map[string]string      `json:"metadata,omitempty"`
	TraceID            string                 `json:"trace_id,omitempty"`
}

// NewWorkItem builds a work item from a change event for one agent.
// maxAttempts is retries+1: an item with max_retries=3 is tried 4 times.
func NewWorkItem(agentID string, event *ChangeEvent, maxRetries, priority int) *WorkItem {
	item := &WorkItem{
		ID:          strings.ReplaceAll(uuid.NewString(), "-", ""),
		AgentID:     agentID,
		ChangeEvent: event,
		Document:    event.FullDocument,
		DocumentID:  event.DocumentID(),
		Database:    event.Database,
		Collection:  event.Collection,
		MaxAttempts: maxRetries + 1,
		Priority:    priority,
		CreatedAt:   time.Now().UTC(),
		Metadata:    map[string]string{MetaDeliverySemantics: DeliveryAtLeastOnce},
	}
	if event.FullDocument != nil {
		item.SourceVersion = SourceVersion(event.FullDocument)
		item.SourceDocumentHash = ContentHash(event.FullDocument)
	} else {
		item.SourceVersion = SourceVersion(nil)
	}
	return item
}

// IncrementAttempt bumps the attempt counter; called on retry re-enqueue
// and on pending-claim reassignment.
func (w *WorkItem) IncrementAttempt() {
	w.Attempt++
}

// ShouldRetry reports whether another attempt is within budget
func (w *WorkItem) ShouldRetry() bool {
	return w.Attempt < w.MaxAttempts
}

// DefaultIdempotencyKey derives the dedupe key when the agent supplies no
// template: agent:document:short content hash.
func (w *WorkItem) DefaultIdempotencyKey() string {
	h := w.SourceDocumentHash
	if h == "" {
		h = ContentHash(w.Document)
	}
	if len(h) > 8 {
		h = h[:8]
	}
	return w.AgentID + ":" + w.DocumentID + ":" + h
}

// SetMeta stamps a metadata key, allocating the map on first use
func (w *WorkItem) SetMeta(key, value string) {
	if w.Metadata == nil {
		w.Metadata = make(map[string]string, 4)
	}
	w.Metadata[key] = value
}

// Meta reads a metadata key, tolerating a nil map
func (w *WorkItem) Meta(key string) string {
	if w.Metadata == nil {
		return ""
	}
	return w.Metadata[key]
}
