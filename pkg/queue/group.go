package queue

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mongoclaw/mongoclaw/pkg/log"
	"github.com/mongoclaw/mongoclaw/pkg/metrics"
)

// ConsumerInfo describes one consumer inside a group
type ConsumerInfo struct {
	Name    string        `json:"name"`
	Pending int64         `json:"pending"`
	Idle    time.Duration `json:"idle"`
}

// GroupStats summarizes a consumer group on one stream
type GroupStats struct {
	Group        string         `json:"group"`
	PendingCount int64          `json:"pending_count"`
	Consumers    []ConsumerInfo `json:"consumers"`
}

// GroupManager owns this instance's consumer identity and recovers
// deliveries stranded by dead consumers. Each registered stream gets a
// stable consumer name derived from a per-instance prefix; a periodic
// pass claims entries idle beyond minIdle, re-enqueues them onto their
// stream, and acks the stranded delivery so items re-enter the normal
// dequeue path with their attempt counter bumped.
type GroupManager struct {
	backend       *RedisQueue
	group         string
	prefix        string
	claimInterval time.Duration
	minIdle       time.Duration
	logger        zerolog.Logger

	mu        sync.Mutex
	consumers map[string]string

	stopCh chan struct{}
}

// NewGroupManager creates a manager for the named group. Non-positive
// intervals fall back to 30s claim cycles and a 60s idle threshold.
func NewGroupManager(backend *RedisQueue, group string, claimInterval, minIdle time.Duration) *GroupManager {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "local"
	}
	if claimInterval <= 0 {
		claimInterval = 30 * time.Second
	}
	if minIdle <= 0 {
		minIdle = 60 * time.Second
	}
	return &GroupManager{
		backend:       backend,
		group:         group,
		prefix:        fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
		claimInterval: claimInterval,
		minIdle:       minIdle,
		logger:        log.WithComponent("consumer-group"),
		consumers:     make(map[string]string),
		stopCh:        make(chan struct{}),
	}
}

// Group returns the consumer group name
func (m *GroupManager) Group() string {
	return m.group
}

// ConsumerName returns this instance's stable consumer name for a
// stream, creating it on first use.
func (m *GroupManager) ConsumerName(stream string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if name, ok := m.consumers[stream]; ok {
		return name
	}
	tail := stream
	if i := strings.LastIndex(stream, ":"); i >= 0 {
		tail = stream[i+1:]
	}
	if len(tail) > 8 {
		tail = tail[:8]
	}
	name := m.prefix + "-" + tail
	m.consumers[stream] = name
	return name
}

// RegisterStream enrolls a stream in the reclaim pass and returns its
// consumer name.
func (m *GroupManager) RegisterStream(stream string) string {
	name := m.ConsumerName(stream)
	m.logger.Debug().Str("stream", stream).Str("consumer", name).Msg("Registered for stream")
	return name
}

// UnregisterStream removes a stream from the reclaim pass
func (m *GroupManager) UnregisterStream(stream string) {
	m.mu.Lock()
	delete(m.consumers, stream)
	m.mu.Unlock()
	m.logger.Debug().Str("stream", stream).Msg("Unregistered from stream")
}

// SyncStreams reconciles the reclaim set to exactly the given streams,
// enrolling new ones and dropping the rest.
func (m *GroupManager) SyncStreams(streams []string) {
	want := make(map[string]bool, len(streams))
	for _, s := range streams {
		want[s] = true
	}

	m.mu.Lock()
	for s := range m.consumers {
		if !want[s] {
			delete(m.consumers, s)
		}
	}
	m.mu.Unlock()

	for _, s := range streams {
		m.ConsumerName(s)
	}
}

// Start launches the periodic reclaim loop
func (m *GroupManager) Start() {
	go func() {
		ticker := time.NewTicker(m.claimInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.reclaim()
			case <-m.stopCh:
				return
			}
		}
	}()
	m.logger.Info().
		Str("group", m.group).
		Str("prefix", m.prefix).
		Dur("claim_interval", m.claimInterval).
		Msg("Consumer group manager started")
}

// Stop halts the reclaim loop
func (m *GroupManager) Stop() {
	close(m.stopCh)
	m.logger.Info().Msg("Consumer group manager stopped")
}

func (m *GroupManager) reclaim() {
	ctx, cancel := context.WithTimeout(context.Background(), m.claimInterval)
	defer cancel()

	m.mu.Lock()
	snapshot := make(map[string]string, len(m.consumers))
	for stream, consumer := range m.consumers {
		snapshot[stream] = consumer
	}
	m.mu.Unlock()

	for stream, consumer := range snapshot {
		claimed, err := m.backend.ClaimPending(ctx, stream, m.group, consumer, m.minIdle, 10)
		if err != nil {
			m.logger.Warn().Str("stream", stream).Err(err).Msg("Failed to claim pending")
			continue
		}
		if len(claimed) == 0 {
			continue
		}

		replayed := 0
		for _, msg := range claimed {
			// Re-enqueue before acking the stranded delivery: a crash
			// in between duplicates the item, never loses it.
			if _, err := m.backend.Enqueue(ctx, msg.Item, stream); err != nil {
				m.logger.Warn().
					Str("stream", stream).
					Str("message_id", msg.ID).
					Err(err).
					Msg("Failed to replay claimed message, leaving pending")
				continue
			}
			m.backend.Ack(ctx, stream, m.group, msg.ID)
			metrics.ReplayedDeliveriesTotal.WithLabelValues(msg.Item.AgentID).Inc()
			replayed++
		}

		m.logger.Info().
			Str("stream", stream).
			Int("claimed", len(claimed)).
			Int("replayed", replayed).
			Msg("Claimed pending messages")
	}
}

// GroupStats reports the group's pending depth and consumers on one
// stream.
func (m *GroupManager) GroupStats(ctx context.Context, stream string) (GroupStats, error) {
	pending, err := m.backend.PendingCount(ctx, stream, m.group)
	if err != nil {
		return GroupStats{}, err
	}

	stats := GroupStats{Group: m.group, PendingCount: pending}
	consumers, err := m.backend.Client().XInfoConsumers(ctx, stream, m.group).Result()
	if err != nil {
		if isNoGroup(err) {
			return stats, nil
		}
		return GroupStats{}, fmt.Errorf("consumer info on %s: %w", stream, err)
	}
	for _, c := range consumers {
		stats.Consumers = append(stats.Consumers, ConsumerInfo{
			Name:    c.Name,
			Pending: c.Pending,
			Idle:    c.Idle,
		})
	}
	return stats, nil
}
