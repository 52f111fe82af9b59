package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mongoclaw/mongoclaw/pkg/types"
)

var (
	// ErrMessageNotFound signals a message id absent from its stream
	ErrMessageNotFound = errors.New("message not found")
)

// Message pairs a broker message id with its decoded work item
type Message struct {
	ID   string
	Item *types.WorkItem
}

// Queue is the durable work log. Delivery is at-least-once: consumers
// must tolerate duplicates and ack only after the item reached a
// terminal state (success, retry re-enqueued, or dead-lettered).
type Queue interface {
	// Enqueue appends an item and returns the broker message id. The
	// stream is trimmed approximately to the configured max length.
	Enqueue(ctx context.Context, item *types.WorkItem, stream string) (string, error)

	// Dequeue reads never-delivered entries for the group, creating
	// the group at stream start if absent. Entries that fail to decode
	// are acked and skipped so a poison message cannot loop.
	Dequeue(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error)

	// Ack marks a message delivered. Failures are logged, not
	// returned: a lost ack only means a redelivery.
	Ack(ctx context.Context, stream, group, msgID string)

	// MoveToDLQ appends the item to the dead-letter stream with the
	// error stamped into its metadata.
	MoveToDLQ(ctx context.Context, item *types.WorkItem, procErr error, dlqStream string) (string, error)

	// ClaimPending reassigns entries idle beyond minIdle to this
	// consumer, incrementing each item's attempt counter.
	ClaimPending(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Message, error)

	// PendingCount reports delivered-but-unacked entries for the group
	PendingCount(ctx context.Context, stream, group string) (int64, error)

	// StreamLength reports the number of entries in a stream
	StreamLength(ctx context.Context, stream string) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

func encodeItem(item *types.WorkItem) (string, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("serialize work item %s: %w", item.ID, err)
	}
	return string(data), nil
}

func decodeItem(values map[string]interface{}) (*types.WorkItem, error) {
	raw, ok := values["data"].(string)
	if !ok {
		return nil, errors.New("message has no data field")
	}
	var item types.WorkItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return nil, fmt.Errorf("deserialize work item: %w", err)
	}
	return &item, nil
}
