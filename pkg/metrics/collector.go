package metrics

import (
	"context"
	"strings"
	"time"
)

// AgentSource reports registered agent counts
type AgentSource interface {
	CountAgents(ctx context.Context) (enabled int, disabled int, err error)
}

// QueueSource reports stream depths for the work queues
type QueueSource interface {
	StreamLengths(ctx context.Context) (map[string]int64, error)
	PendingCounts(ctx context.Context) (map[string]int64, error)
	DLQLength(ctx context.Context) (int64, error)
}

// Collector periodically samples gauge metrics from the stores
type Collector struct {
	agents   AgentSource
	queues   QueueSource
	group    string
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a gauge collector. Either source may be nil, in
// which case its metrics are skipped.
func NewCollector(agents AgentSource, queues QueueSource, consumerGroup string, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		agents:   agents,
		queues:   queues,
		group:    consumerGroup,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c.collectAgentMetrics(ctx)
	c.collectQueueMetrics(ctx)
}

func (c *Collector) collectAgentMetrics(ctx context.Context) {
	if c.agents == nil {
		return
	}
	enabled, disabled, err := c.agents.CountAgents(ctx)
	if err != nil {
		return
	}
	AgentsTotal.WithLabelValues("enabled").Set(float64(enabled))
	AgentsTotal.WithLabelValues("disabled").Set(float64(disabled))
}

func (c *Collector) collectQueueMetrics(ctx context.Context) {
	if c.queues == nil {
		return
	}

	if lengths, err := c.queues.StreamLengths(ctx); err == nil {
		for stream, length := range lengths {
			QueueSize.WithLabelValues(stream).Set(float64(length))
		}
	}

	if pending, err := c.queues.PendingCounts(ctx); err == nil {
		for stream, count := range pending {
			QueuePending.WithLabelValues(stream, c.group).Set(float64(count))
			AgentStreamPending.WithLabelValues(agentFromStream(stream), stream).Set(float64(count))
		}
	}

	if n, err := c.queues.DLQLength(ctx); err == nil {
		DLQSize.Set(float64(n))
	}
}

// agentFromStream extracts the agent id from a per-agent stream name;
// streams routed by other strategies carry an empty agent label.
func agentFromStream(stream string) string {
	const prefix = "mongoclaw:agent:"
	if strings.HasPrefix(stream, prefix) {
		return stream[len(prefix):]
	}
	return ""
}
