package runtime

import (
	"context"
	"time"

	"github.com/mongoclaw/mongoclaw/pkg/dispatcher"
	"github.com/mongoclaw/mongoclaw/pkg/worker"
)

// Stats is a point-in-time snapshot of runtime activity, served on the
// stats endpoint.
type Stats struct {
	Running           bool              `json:"running"`
	Version           string            `json:"version"`
	Environment       string            `json:"environment"`
	StartedAt         *time.Time        `json:"started_at,omitempty"`
	UptimeSeconds     float64           `json:"uptime_seconds"`
	Agents            AgentStats        `json:"agents"`
	Queue             QueueStats        `json:"queue"`
	WorkerPool        *worker.PoolStats `json:"worker_pool,omitempty"`
	Dispatcher        *dispatcher.Stats `json:"dispatcher,omitempty"`
	AI                *AIStats          `json:"ai,omitempty"`
	LeaderElection    *LeaderStats      `json:"leader_election,omitempty"`
	OpenChangeStreams int               `json:"open_change_streams"`
}

// AgentStats summarizes the cached agent registry
type AgentStats struct {
	Total    int `json:"total"`
	Enabled  int `json:"enabled"`
	Disabled int `json:"disabled"`
}

// QueueStats summarizes stream depths across the work queues
type QueueStats struct {
	Streams      int   `json:"streams"`
	Backlog      int64 `json:"backlog"`
	Pending      int64 `json:"pending"`
	DeadLettered int64 `json:"dead_lettered"`
}

// AIStats summarizes router-level completion accounting
type AIStats struct {
	Requests     int64   `json:"requests"`
	Successes    int64   `json:"successes"`
	Failures     int64   `json:"failures"`
	TotalTokens  int64   `json:"total_tokens"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

// LeaderStats reports this instance's standing in the election
type LeaderStats struct {
	InstanceID string `json:"instance_id"`
	IsLeader   bool   `json:"is_leader"`
	Leader     string `json:"leader,omitempty"`
}

// Stats assembles a snapshot from every live component. Components not
// yet constructed are omitted, so it is safe to call at any point in
// the lifecycle.
func (r *Runtime) Stats(ctx context.Context) Stats {
	r.mu.Lock()
	running := r.running
	startedAt := r.startedAt
	r.mu.Unlock()

	stats := Stats{
		Running:     running,
		Version:     r.version,
		Environment: r.cfg.Environment,
	}
	if running {
		started := startedAt
		stats.StartedAt = &started
		stats.UptimeSeconds = time.Since(startedAt).Seconds()
	}

	if r.cache != nil {
		total := r.cache.Len()
		enabled := len(r.cache.Enabled())
		stats.Agents = AgentStats{Total: total, Enabled: enabled, Disabled: total - enabled}
	}

	if r.queue != nil {
		if lengths, err := r.queue.StreamLengths(ctx); err == nil {
			stats.Queue.Streams = len(lengths)
			for _, n := range lengths {
				stats.Queue.Backlog += n
			}
		} else {
			r.logger.Warn().Err(err).Msg("Stream length sampling failed")
		}
		if pending, err := r.queue.PendingCounts(ctx); err == nil {
			for _, n := range pending {
				stats.Queue.Pending += n
			}
		}
		if n, err := r.queue.DLQLength(ctx); err == nil {
			stats.Queue.DeadLettered = n
		}
	}

	if r.pool != nil {
		poolStats := r.pool.Stats()
		stats.WorkerPool = &poolStats
	}
	if r.disp != nil {
		dispStats := r.disp.Stats()
		stats.Dispatcher = &dispStats
	}
	if r.router != nil {
		rs := r.router.Stats()
		stats.AI = &AIStats{
			Requests:     rs.Requests,
			Successes:    rs.Successes,
			Failures:     rs.Failures,
			TotalTokens:  rs.TotalTokens,
			TotalCostUSD: rs.TotalCostUSD,
		}
	}
	if r.elect != nil {
		stats.LeaderElection = &LeaderStats{
			InstanceID: r.elect.InstanceID(),
			IsLeader:   r.elect.IsLeader(),
		}
		if leader, err := r.elect.CurrentLeader(ctx); err == nil {
			stats.LeaderElection.Leader = leader
		}
	}
	if r.watch != nil {
		stats.OpenChangeStreams = r.watch.OpenStreams()
	}
	return stats
}
