package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/mongoclaw/mongoclaw/pkg/log"
	"github.com/mongoclaw/mongoclaw/pkg/types"
)

// Work item metadata keys stamped by the DLQ on top of the queue's own
// dlq_error/dlq_error_type/dlq_timestamp.
const (
	metaDLQAddedAt      = "dlq_added_at"
	metaDLQSourceStream = "dlq_source_stream"
	metaDLQFinalAttempt = "dlq_final_attempt"
	metaDLQRetriedAt    = "dlq_retried_at"
)

// DLQEntry is a summarized dead-letter message for admin listing
type DLQEntry struct {
	MessageID  string `json:"message_id"`
	WorkItemID string `json:"work_item_id,omitempty"`
	AgentID    string `json:"agent_id,omitempty"`
	DocumentID string `json:"document_id,omitempty"`
	Attempts   int    `json:"attempts"`
	Error      string `json:"error,omitempty"`
	ErrorType  string `json:"error_type,omitempty"`
	AddedAt    string `json:"added_at,omitempty"`
}

// DLQStats summarizes the dead-letter stream
type DLQStats struct {
	Stream    string        `json:"stream"`
	Count     int64         `json:"count"`
	Retention time.Duration `json:"retention"`
}

// DLQ manages the dead-letter stream: items land here when retries are
// exhausted, an unrecoverable error occurs, or admission rejects them
// under the dlq overflow policy.
type DLQ struct {
	backend   *RedisQueue
	stream    string
	retention time.Duration
	logger    zerolog.Logger
}

// NewDLQ creates a dead-letter queue over the backend. An empty stream
// uses the default; a non-positive retention defaults to seven days.
func NewDLQ(backend *RedisQueue, stream string, retention time.Duration) *DLQ {
	if stream == "" {
		stream = DLQStream
	}
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &DLQ{
		backend:   backend,
		stream:    stream,
		retention: retention,
		logger:    log.WithComponent("dlq"),
	}
}

// Stream returns the dead-letter stream name
func (d *DLQ) Stream() string {
	return d.stream
}

// Add moves a work item into the DLQ with provenance metadata
func (d *DLQ) Add(ctx context.Context, item *types.WorkItem, procErr error, sourceStream string) (string, error) {
	if item.Metadata == nil {
		item.Metadata = make(map[string]string)
	}
	item.Metadata[metaDLQAddedAt] = time.Now().UTC().Format(time.RFC3339)
	item.Metadata[metaDLQSourceStream] = sourceStream
	item.Metadata[metaDLQFinalAttempt] = strconv.Itoa(item.Attempt)

	msgID, err := d.backend.MoveToDLQ(ctx, item, procErr, d.stream)
	if err != nil {
		return "", err
	}

	d.logger.Warn().
		Str("work_item_id", item.ID).
		Str("agent_id", item.AgentID).
		Str("document_id", item.DocumentID).
		Int("attempts", item.Attempt).
		Str("error", procErr.Error()).
		Msg("Added to DLQ")
	return msgID, nil
}

// List returns up to count entries from the oldest end of the DLQ
func (d *DLQ) List(ctx context.Context, count int64) ([]DLQEntry, error) {
	if count <= 0 {
		count = 100
	}
	messages, err := d.backend.Client().XRangeN(ctx, d.stream, "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("list dlq: %w", err)
	}

	entries := make([]DLQEntry, 0, len(messages))
	for _, msg := range messages {
		item, err := decodeItem(msg.Values)
		if err != nil {
			entries = append(entries, DLQEntry{MessageID: msg.ID, Error: "failed to deserialize"})
			continue
		}
		entries = append(entries, DLQEntry{
			MessageID:  msg.ID,
			WorkItemID: item.ID,
			AgentID:    item.AgentID,
			DocumentID: item.DocumentID,
			Attempts:   item.Attempt,
			Error:      item.Metadata[types.MetaDLQError],
			ErrorType:  item.Metadata[types.MetaDLQErrorType],
			AddedAt:    item.Metadata[metaDLQAddedAt],
		})
	}
	return entries, nil
}

// Get returns the work item stored under one DLQ message id
func (d *DLQ) Get(ctx context.Context, messageID string) (*types.WorkItem, error) {
	messages, err := d.backend.Client().XRangeN(ctx, d.stream, messageID, messageID, 1).Result()
	if err != nil {
		return nil, fmt.Errorf("get dlq item %s: %w", messageID, err)
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("dlq item %s: %w", messageID, ErrMessageNotFound)
	}
	return decodeItem(messages[0].Values)
}

// Retry moves a DLQ item back onto a work stream with its attempt
// counter reset, then removes it from the DLQ. An empty target falls
// back to the item's per-agent stream.
func (d *DLQ) Retry(ctx context.Context, messageID, targetStream string) (string, error) {
	item, err := d.Get(ctx, messageID)
	if err != nil {
		return "", err
	}
	if targetStream == "" {
		targetStream = AgentStream(item.AgentID)
	}

	item.Attempt = 0
	item.Metadata[metaDLQRetriedAt] = time.Now().UTC().Format(time.RFC3339)

	newID, err := d.backend.Enqueue(ctx, item, targetStream)
	if err != nil {
		return "", err
	}
	if err := d.Delete(ctx, messageID); err != nil {
		d.logger.Warn().
			Str("message_id", messageID).
			Err(err).
			Msg("Retried DLQ item but could not remove the original")
	}

	d.logger.Info().
		Str("work_item_id", item.ID).
		Str("target_stream", targetStream).
		Str("new_message_id", newID).
		Msg("Retried DLQ item")
	return newID, nil
}

// Delete removes one message from the DLQ
func (d *DLQ) Delete(ctx context.Context, messageID string) error {
	n, err := d.backend.Client().XDel(ctx, d.stream, messageID).Result()
	if err != nil {
		return fmt.Errorf("delete dlq item %s: %w", messageID, err)
	}
	if n == 0 {
		return fmt.Errorf("dlq item %s: %w", messageID, ErrMessageNotFound)
	}
	return nil
}

// Purge drops entries older than the given age (the configured
// retention when zero) and returns how many were removed. Stream ids
// are millisecond-timestamp prefixed, so trimming by minimum id is an
// age cutoff.
func (d *DLQ) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = d.retention
	}
	cutoff := time.Now().UTC().Add(-olderThan).UnixMilli()
	minID := strconv.FormatInt(cutoff, 10) + "-0"

	deleted, err := d.backend.Client().XTrimMinID(ctx, d.stream, minID).Result()
	if err != nil {
		return 0, fmt.Errorf("purge dlq: %w", err)
	}
	if deleted > 0 {
		d.logger.Info().
			Int64("count", deleted).
			Dur("older_than", olderThan).
			Msg("Purged DLQ items")
	}
	return deleted, nil
}

// Count reports the DLQ depth
func (d *DLQ) Count(ctx context.Context) (int64, error) {
	return d.backend.StreamLength(ctx, d.stream)
}

// Stats summarizes the DLQ
func (d *DLQ) Stats(ctx context.Context) (DLQStats, error) {
	count, err := d.Count(ctx)
	if err != nil {
		return DLQStats{}, err
	}
	return DLQStats{Stream: d.stream, Count: count, Retention: d.retention}, nil
}
