package worker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mongoclaw/mongoclaw/pkg/agent"
	"github.com/mongoclaw/mongoclaw/pkg/config"
	"github.com/mongoclaw/mongoclaw/pkg/log"
	"github.com/mongoclaw/mongoclaw/pkg/metrics"
	"github.com/mongoclaw/mongoclaw/pkg/queue"
	"github.com/mongoclaw/mongoclaw/pkg/types"
)

// Backend is the queue surface the pool consumes from. RedisQueue
// satisfies it.
type Backend interface {
	queue.Queue
	ListStreams(ctx context.Context, pattern string) ([]string, error)
}

// AgentSource resolves agent configurations for retry tuning and
// stream discovery. The agent cache satisfies it.
type AgentSource interface {
	Get(id string) (*agent.Config, bool)
	Enabled() []*agent.Config
}

// Executor runs a single work item to completion
type Executor interface {
	Execute(ctx context.Context, item *types.WorkItem) *types.ExecutionResult
}

// PoolStats is a point-in-time snapshot of pool activity
type PoolStats struct {
	PoolID         string   `json:"pool_id"`
	Workers        int      `json:"workers"`
	ActiveStreams  []string `json:"active_streams"`
	Processed      int64    `json:"processed"`
	Errors         int64    `json:"errors"`
	StarvedStreams int      `json:"starved_streams"`
}

// Pool runs a fixed set of workers over a shared, periodically
// refreshed stream list.
type Pool struct {
	id       string
	backend  Backend
	agents   AgentSource
	exec     Executor
	cfg      config.WorkerConfig
	redisCfg config.RedisConfig
	tracker  *streamTracker
	logger   zerolog.Logger

	// OnDeadLetter, when set before Start, is called after a work item
	// lands on the dead-letter stream.
	OnDeadLetter func(item *types.WorkItem, reason string)

	// OnStreamsUpdated, when set before Start, receives the subscription
	// set after the initial discovery and after every change to it.
	OnStreamsUpdated func(streams []string)

	mu      sync.Mutex
	running bool
	streams []string
	workers []*Worker

	drain  chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a worker pool. Start must be called before it consumes
// anything.
func New(backend Backend, agents AgentSource, exec Executor, cfg config.WorkerConfig, redisCfg config.RedisConfig) *Pool {
	id := "pool-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return &Pool{
		id:       id,
		backend:  backend,
		agents:   agents,
		exec:     exec,
		cfg:      cfg,
		redisCfg: redisCfg,
		tracker:  newStreamTracker(id, cfg.StarvationCycleThreshold),
		logger:   log.WithComponent("worker_pool").With().Str("pool_id", id).Logger(),
		drain:    make(chan struct{}),
	}
}

// ID returns the pool's unique identifier
func (p *Pool) ID() string {
	return p.id
}

// Start discovers streams and launches the workers. It returns once
// they are running.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("pool %s already started", p.id)
	}
	p.running = true
	p.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	streams := p.discoverStreams(ctx)
	p.mu.Lock()
	p.streams = streams
	p.mu.Unlock()
	p.notifyStreams(streams)

	for i := 0; i < p.cfg.PoolSize; i++ {
		id := fmt.Sprintf("%s-worker-%d", p.id, i)
		w := &Worker{
			id:           id,
			pool:         p.id,
			backend:      p.backend,
			exec:         p.exec,
			agents:       p.agents,
			tracker:      p.tracker,
			cfg:          p.cfg,
			group:        p.redisCfg.ConsumerGroup,
			block:        p.redisCfg.BlockTime,
			drain:        p.drain,
			onDeadLetter: p.OnDeadLetter,
			logger:       log.WithWorkerID(id),
		}
		w.UpdateStreams(streams)
		p.mu.Lock()
		p.workers = append(p.workers, w)
		p.mu.Unlock()
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.run(runCtx)
		}()
	}
	metrics.WorkersActive.WithLabelValues(p.id).Set(float64(p.cfg.PoolSize))

	if p.cfg.DiscoveryInterval > 0 {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.discoveryLoop(runCtx)
		}()
	}

	p.logger.Info().
		Int("workers", p.cfg.PoolSize).
		Int("streams", len(streams)).
		Str("routing_strategy", string(p.cfg.RoutingStrategy)).
		Msg("Worker pool started")
	return nil
}

// Stop drains the workers, waiting up to the shutdown timeout before
// cancelling whatever is still in flight.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info().Msg("Worker pool stopping")
	close(p.drain)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	if p.cfg.ShutdownTimeout > 0 {
		select {
		case <-done:
		case <-time.After(p.cfg.ShutdownTimeout):
			p.logger.Warn().
				Dur("timeout", p.cfg.ShutdownTimeout).
				Msg("Shutdown timeout reached, cancelling in-flight work")
			p.cancel()
			<-done
		}
	} else {
		p.cancel()
		<-done
	}

	metrics.WorkersActive.WithLabelValues(p.id).Set(0)
	stats := p.Stats()
	p.logger.Info().
		Int64("processed", stats.Processed).
		Int64("errors", stats.Errors).
		Msg("Worker pool stopped")
}

// Stats snapshots pool activity for the stats endpoint
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	workers := make([]*Worker, len(p.workers))
	copy(workers, p.workers)
	streams := make([]string, len(p.streams))
	copy(streams, p.streams)
	p.mu.Unlock()

	var processed, errored int64
	for _, w := range workers {
		proc, errs := w.Counts()
		processed += proc
		errored += errs
	}
	return PoolStats{
		PoolID:         p.id,
		Workers:        len(workers),
		ActiveStreams:  streams,
		Processed:      processed,
		Errors:         errored,
		StarvedStreams: p.tracker.starvedCount(),
	}
}

// discoverStreams builds the subscription set: streams matching the
// routing pattern plus the per-agent stream of every enabled agent,
// whether or not it has been written yet.
func (p *Pool) discoverStreams(ctx context.Context) []string {
	seen := make(map[string]bool)

	pattern := queue.PatternFor(p.cfg.RoutingStrategy)
	if strings.Contains(pattern, "*") {
		existing, err := p.backend.ListStreams(ctx, pattern)
		if err != nil {
			p.logger.Warn().
				Err(err).
				Str("pattern", pattern).
				Msg("Stream scan failed, relying on agent registrations")
		}
		for _, s := range existing {
			seen[s] = true
		}
	} else {
		seen[pattern] = true
	}

	if p.agents != nil && p.cfg.RoutingStrategy == types.RouteByAgent {
		for _, a := range p.agents.Enabled() {
			seen[queue.AgentStream(a.ID)] = true
		}
	}

	p.addRetiredStreams(ctx, seen)

	streams := make([]string, 0, len(seen))
	for s := range seen {
		streams = append(streams, s)
	}
	sort.Strings(streams)
	return streams
}

// addRetiredStreams keeps work streams left behind by a previous
// routing strategy subscribed while they still hold entries. A drained
// stream falls out of the set on the next discovery pass; dead-letter
// streams are never consumed.
func (p *Pool) addRetiredStreams(ctx context.Context, seen map[string]bool) {
	all, err := p.backend.ListStreams(ctx, queue.StreamPrefix+":*")
	if err != nil {
		return
	}
	for _, s := range all {
		if seen[s] || strings.HasPrefix(s, queue.DLQStream) {
			continue
		}
		n, err := p.backend.StreamLength(ctx, s)
		if err != nil || n == 0 {
			continue
		}
		p.logger.Debug().
			Str("stream", s).
			Int64("entries", n).
			Msg("Carrying non-empty stream from a retired routing strategy")
		seen[s] = true
	}
}

func (p *Pool) discoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.DiscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.drain:
			return
		case <-ticker.C:
			p.refreshStreams(ctx)
		}
	}
}

func (p *Pool) refreshStreams(ctx context.Context) {
	streams := p.discoverStreams(ctx)

	p.mu.Lock()
	changed := !equalStreams(p.streams, streams)
	if changed {
		p.streams = streams
	}
	workers := make([]*Worker, len(p.workers))
	copy(workers, p.workers)
	p.mu.Unlock()

	if !changed {
		return
	}
	for _, w := range workers {
		w.UpdateStreams(streams)
	}
	p.tracker.prune(streams)
	p.notifyStreams(streams)
	p.logger.Info().
		Int("streams", len(streams)).
		Msg("Stream subscriptions updated")
}

func (p *Pool) notifyStreams(streams []string) {
	if p.OnStreamsUpdated == nil {
		return
	}
	snapshot := make([]string, len(streams))
	copy(snapshot, streams)
	p.OnStreamsUpdated(snapshot)
}

// equalStreams compares two sorted stream lists
func equalStreams(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
