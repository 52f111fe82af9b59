package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mongoclaw/mongoclaw/pkg/config"
	"github.com/mongoclaw/mongoclaw/pkg/log"
	"github.com/mongoclaw/mongoclaw/pkg/types"
)

// RedisQueue implements Queue on Redis Streams with consumer groups.
// It also implements the metrics source contract: stream lengths and
// pending counts are sampled by scanning the mongoclaw: key space.
type RedisQueue struct {
	client *redis.Client
	maxLen int64
	group  string
	logger zerolog.Logger

	mu      sync.Mutex
	ensured map[string]struct{}
}

// NewRedisQueue connects to the broker and verifies it with a ping
func NewRedisQueue(ctx context.Context, cfg config.RedisConfig) (*RedisQueue, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.MaxConnections > 0 {
		opts.PoolSize = cfg.MaxConnections
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	q := newRedisQueue(client, cfg)
	q.logger.Info().Int64("stream_max_len", q.maxLen).Msg("Connected to Redis")
	return q, nil
}

// NewRedisQueueFromClient wraps an existing client. The caller keeps
// ownership of the client's lifecycle.
func NewRedisQueueFromClient(client *redis.Client, cfg config.RedisConfig) *RedisQueue {
	return newRedisQueue(client, cfg)
}

func newRedisQueue(client *redis.Client, cfg config.RedisConfig) *RedisQueue {
	maxLen := cfg.StreamMaxLen
	if maxLen <= 0 {
		maxLen = 100000
	}
	return &RedisQueue{
		client:  client,
		maxLen:  maxLen,
		group:   cfg.ConsumerGroup,
		logger:  log.WithComponent("queue"),
		ensured: make(map[string]struct{}),
	}
}

// Client exposes the underlying connection for DLQ admin operations
func (q *RedisQueue) Client() *redis.Client {
	return q.client
}

func (q *RedisQueue) Enqueue(ctx context.Context, item *types.WorkItem, stream string) (string, error) {
	data, err := encodeItem(item)
	if err != nil {
		return "", err
	}

	msgID, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]interface{}{"data": data},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue to %s: %w", stream, err)
	}

	q.logger.Debug().
		Str("stream", stream).
		Str("message_id", msgID).
		Str("work_item_id", item.ID).
		Msg("Enqueued work item")
	return msgID, nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Message, error) {
	if err := q.ensureGroup(ctx, stream, group); err != nil {
		return nil, err
	}
	if block <= 0 {
		block = -1
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if isNoGroup(err) {
			// The group vanished under us (flush, failover). Recreate
			// and let the next cycle read.
			q.forgetGroup(stream, group)
			if err := q.ensureGroup(ctx, stream, group); err != nil {
				return nil, err
			}
			return nil, nil
		}
		return nil, fmt.Errorf("dequeue from %s: %w", stream, err)
	}

	var items []Message
	for _, s := range streams {
		for _, msg := range s.Messages {
			item, err := decodeItem(msg.Values)
			if err != nil {
				q.logger.Warn().
					Str("stream", stream).
					Str("message_id", msg.ID).
					Err(err).
					Msg("Poison message, acking to avoid redelivery loop")
				q.Ack(ctx, stream, group, msg.ID)
				continue
			}
			items = append(items, Message{ID: msg.ID, Item: item})
		}
	}
	return items, nil
}

func (q *RedisQueue) Ack(ctx context.Context, stream, group, msgID string) {
	if err := q.client.XAck(ctx, stream, group, msgID).Err(); err != nil {
		q.logger.Warn().
			Str("stream", stream).
			Str("message_id", msgID).
			Err(err).
			Msg("Failed to ack message")
	}
}

func (q *RedisQueue) MoveToDLQ(ctx context.Context, item *types.WorkItem, procErr error, dlqStream string) (string, error) {
	if item.Metadata == nil {
		item.Metadata = make(map[string]string)
	}
	item.Metadata[types.MetaDLQError] = procErr.Error()
	item.Metadata[types.MetaDLQErrorType] = fmt.Sprintf("%T", procErr)
	item.Metadata[types.MetaDLQTimestamp] = time.Now().UTC().Format(time.RFC3339)

	msgID, err := q.Enqueue(ctx, item, dlqStream)
	if err != nil {
		return "", err
	}

	q.logger.Info().
		Str("work_item_id", item.ID).
		Str("agent_id", item.AgentID).
		Str("dlq_stream", dlqStream).
		Str("error", procErr.Error()).
		Msg("Moved to DLQ")
	return msgID, nil
}

func (q *RedisQueue) ClaimPending(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]Message, error) {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		if isNoGroup(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("pending range on %s: %w", stream, err)
	}

	var ids []string
	for _, p := range pending {
		if p.Idle >= minIdle {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	claimed, err := q.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("claim on %s: %w", stream, err)
	}

	var items []Message
	for _, msg := range claimed {
		item, err := decodeItem(msg.Values)
		if err != nil {
			q.logger.Warn().
				Str("stream", stream).
				Str("message_id", msg.ID).
				Err(err).
				Msg("Poison message in claim, acking")
			q.Ack(ctx, stream, group, msg.ID)
			continue
		}
		// Reassignment counts as a redelivery attempt
		item.IncrementAttempt()
		items = append(items, Message{ID: msg.ID, Item: item})
	}
	return items, nil
}

func (q *RedisQueue) PendingCount(ctx context.Context, stream, group string) (int64, error) {
	info, err := q.client.XPending(ctx, stream, group).Result()
	if err != nil {
		if isNoGroup(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("pending count on %s: %w", stream, err)
	}
	return info.Count, nil
}

func (q *RedisQueue) StreamLength(ctx context.Context, stream string) (int64, error) {
	n, err := q.client.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("stream length of %s: %w", stream, err)
	}
	return n, nil
}

// StreamLengths samples the length of every mongoclaw stream
func (q *RedisQueue) StreamLengths(ctx context.Context) (map[string]int64, error) {
	lengths := make(map[string]int64)
	iter := q.client.Scan(ctx, 0, StreamPrefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		n, err := q.client.XLen(ctx, key).Result()
		if err != nil {
			continue
		}
		lengths[key] = n
	}
	return lengths, iter.Err()
}

// ListStreams scans for stream keys matching the pattern. Non-stream
// keys under the prefix are skipped.
func (q *RedisQueue) ListStreams(ctx context.Context, pattern string) ([]string, error) {
	var streams []string
	iter := q.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if t, err := q.client.Type(ctx, key).Result(); err != nil || t != "stream" {
			continue
		}
		streams = append(streams, key)
	}
	return streams, iter.Err()
}

// PendingCounts samples the configured group's pending depth per stream
func (q *RedisQueue) PendingCounts(ctx context.Context) (map[string]int64, error) {
	pending := make(map[string]int64)
	iter := q.client.Scan(ctx, 0, StreamPrefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		n, err := q.PendingCount(ctx, key, q.group)
		if err != nil {
			continue
		}
		pending[key] = n
	}
	return pending, iter.Err()
}

// DLQLength reports the default dead-letter stream depth
func (q *RedisQueue) DLQLength(ctx context.Context) (int64, error) {
	return q.StreamLength(ctx, DLQStream)
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// ensureGroup creates the consumer group at the stream start, creating
// the stream too when absent. Creation is remembered per stream|group
// pair; a vanished group is recovered through the NOGROUP path in
// Dequeue.
func (q *RedisQueue) ensureGroup(ctx context.Context, stream, group string) error {
	key := stream + "|" + group
	q.mu.Lock()
	_, ok := q.ensured[key]
	q.mu.Unlock()
	if ok {
		return nil
	}

	err := q.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	if err == nil {
		q.logger.Info().Str("stream", stream).Str("group", group).Msg("Created consumer group")
	}

	q.mu.Lock()
	q.ensured[key] = struct{}{}
	q.mu.Unlock()
	return nil
}

func (q *RedisQueue) forgetGroup(stream, group string) {
	q.mu.Lock()
	delete(q.ensured, stream+"|"+group)
	q.mu.Unlock()
}

func isBusyGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

func isNoGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}
