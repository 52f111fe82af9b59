package dispatcher

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"

	"github.com/mongoclaw/mongoclaw/pkg/agent"
	"github.com/mongoclaw/mongoclaw/pkg/ai"
	"github.com/mongoclaw/mongoclaw/pkg/config"
	"github.com/mongoclaw/mongoclaw/pkg/log"
	"github.com/mongoclaw/mongoclaw/pkg/metrics"
	"github.com/mongoclaw/mongoclaw/pkg/queue"
	"github.com/mongoclaw/mongoclaw/pkg/types"
)

// dedupeCacheSize bounds the in-memory recent-keys cache. Dedupe is
// best effort: a restart or an eviction forgets keys, and idempotency
// downstream suppresses what slips through.
const dedupeCacheSize = 10000

// QueueBackend is the slice of the queue surface dispatch needs
type QueueBackend interface {
	Enqueue(ctx context.Context, item *types.WorkItem, stream string) (string, error)
	MoveToDLQ(ctx context.Context, item *types.WorkItem, procErr error, dlqStream string) (string, error)
	StreamLength(ctx context.Context, stream string) (int64, error)
}

// Stats is a snapshot of dispatch counters
type Stats struct {
	Dispatched      int64  `json:"dispatched"`
	Deduplicated    int64  `json:"deduplicated"`
	DedupeCacheSize int    `json:"dedupe_cache_size"`
	RoutingStrategy string `json:"routing_strategy"`
}

// Dispatcher turns matched (agent, event) pairs into queued work items:
// it builds the item, suppresses recent duplicates, picks a stream per
// the routing strategy, and runs admission before enqueueing.
type Dispatcher struct {
	queue      QueueBackend
	strategy   types.RoutingStrategy
	partitions int
	admission  *admissionController
	logger     zerolog.Logger

	recent *lru.Cache

	statsMu      sync.Mutex
	dispatched   int64
	deduplicated int64
}

// New creates a dispatcher. streamCapacity is the broker's approximate
// per-stream max length, the denominator of the fullness ratio.
func New(q QueueBackend, cfg config.WorkerConfig, streamCapacity int64) *Dispatcher {
	// Size is a positive constant, New cannot fail.
	recent, _ := lru.New(dedupeCacheSize)

	d := &Dispatcher{
		queue:      q,
		strategy:   cfg.RoutingStrategy,
		partitions: cfg.PartitionCount,
		logger:     log.WithComponent("dispatcher"),
		recent:     recent,
	}
	if cfg.DispatchBackpressure {
		d.admission = newAdmissionController(q, cfg, streamCapacity)
	}
	return d
}

// Dispatch builds and enqueues a work item for one matched agent.
// It returns the work item id, or "" when the item was deduplicated,
// dropped, or dead-lettered by admission.
func (d *Dispatcher) Dispatch(ctx context.Context, a *agent.Config, event *types.ChangeEvent) (string, error) {
	item := types.NewWorkItem(a.ID, event, a.Execution.MaxRetries, a.Execution.Priority)

	if a.Deduplicate() {
		key := d.idempotencyKey(a, item)
		item.IdempotencyKey = key

		if d.recent.Contains(key) {
			d.statsMu.Lock()
			d.deduplicated++
			d.statsMu.Unlock()
			d.logger.Debug().
				Str("agent_id", a.ID).
				Str("document_id", item.DocumentID).
				Str("idempotency_key", key).
				Msg("Deduplicated work item")
			return "", nil
		}
		d.recent.Add(key, struct{}{})
	}

	stream := d.streamFor(item)
	item.SetMeta(types.MetaRoutingStrategy, string(d.strategy))
	item.SetMeta(types.MetaStream, stream)

	decision := decisionEnqueued
	if d.admission != nil {
		var err error
		decision, err = d.admission.Admit(ctx, item, stream)
		if err != nil {
			return "", err
		}
	}
	metrics.DispatchAdmissionTotal.WithLabelValues(a.ID, stream, decision).Inc()

	switch decision {
	case decisionDropped:
		d.logger.Warn().
			Str("agent_id", a.ID).
			Str("document_id", item.DocumentID).
			Str("stream", stream).
			Msg("Dropped work item under backpressure")
		return "", nil
	case decisionDLQ:
		overflow := &OverflowError{Stream: stream, Threshold: d.admission.threshold}
		if _, err := d.queue.MoveToDLQ(ctx, item, overflow, queue.DLQStream); err != nil {
			return "", fmt.Errorf("dead-letter under backpressure: %w", err)
		}
		d.logger.Warn().
			Str("agent_id", a.ID).
			Str("document_id", item.DocumentID).
			Str("stream", stream).
			Msg("Dead-lettered work item under backpressure")
		return "", nil
	}

	msgID, err := d.queue.Enqueue(ctx, item, stream)
	if err != nil {
		return "", err
	}

	d.statsMu.Lock()
	d.dispatched++
	d.statsMu.Unlock()

	d.logger.Info().
		Str("work_item_id", item.ID).
		Str("agent_id", a.ID).
		Str("document_id", item.DocumentID).
		Str("stream", stream).
		Str("message_id", msgID).
		Str("decision", decision).
		Msg("Dispatched work item")
	return item.ID, nil
}

// DispatchBatch dispatches one event to several matched agents and
// returns the ids that were actually enqueued. Individual failures are
// logged and skipped so one agent's trouble does not starve the rest.
func (d *Dispatcher) DispatchBatch(ctx context.Context, agents []*agent.Config, event *types.ChangeEvent) []string {
	ids := make([]string, 0, len(agents))
	for _, a := range agents {
		id, err := d.Dispatch(ctx, a, event)
		if err != nil {
			d.logger.Error().
				Str("agent_id", a.ID).
				Str("database", event.Database).
				Str("collection", event.Collection).
				Err(err).
				Msg("Dispatch failed")
			continue
		}
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// Stats snapshots the dispatch counters
func (d *Dispatcher) Stats() Stats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	return Stats{
		Dispatched:      d.dispatched,
		Deduplicated:    d.deduplicated,
		DedupeCacheSize: d.recent.Len(),
		RoutingStrategy: string(d.strategy),
	}
}

// idempotencyKey renders the agent's key template, falling back to the
// default agent:document:hash key when no template is set or rendering
// fails.
func (d *Dispatcher) idempotencyKey(a *agent.Config, item *types.WorkItem) string {
	if a.Write.IdempotencyKey == "" {
		return item.DefaultIdempotencyKey()
	}
	key, err := ai.RenderTemplate(a.Write.IdempotencyKey, ai.PromptContext(a.ID, item))
	if err != nil || key == "" {
		d.logger.Warn().
			Str("agent_id", a.ID).
			Err(err).
			Msg("Idempotency key template failed, using default key")
		return item.DefaultIdempotencyKey()
	}
	return key
}

func (d *Dispatcher) streamFor(item *types.WorkItem) string {
	switch d.strategy {
	case types.RouteByAgent:
		return queue.AgentStream(item.AgentID)
	case types.RouteByCollection:
		return queue.CollectionStream(item.Database, item.Collection)
	case types.RoutePartitioned:
		p := partitionFor(item.DocumentID, d.partitions)
		item.SetMeta(types.MetaPartition, strconv.Itoa(p))
		return queue.PartitionStream(p)
	case types.RouteByPriority:
		return queue.PriorityStream(item.Priority)
	default:
		return queue.WorkStream
	}
}

// partitionFor hashes a document id onto [0, n)
func partitionFor(documentID string, n int) int {
	if n <= 1 || documentID == "" {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(documentID))
	return int(h.Sum32() % uint32(n))
}
