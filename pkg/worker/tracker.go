package worker

import (
	"sync"
	"time"

	"github.com/mongoclaw/mongoclaw/pkg/metrics"
	"github.com/mongoclaw/mongoclaw/pkg/queue"
)

// streamTracker holds the per-stream state every worker in a pool
// shares: in-flight counts, pending-sample timestamps, and consecutive
// empty-cycle counters for starvation detection.
type streamTracker struct {
	pool      string
	threshold int

	mu       sync.Mutex
	inflight map[string]int
	sampled  map[string]time.Time
	empties  map[string]int
	starved  map[string]bool
}

func newStreamTracker(pool string, starvationThreshold int) *streamTracker {
	return &streamTracker{
		pool:      pool,
		threshold: starvationThreshold,
		inflight:  make(map[string]int),
		sampled:   make(map[string]time.Time),
		empties:   make(map[string]int),
		starved:   make(map[string]bool),
	}
}

// acquire counts an item entering processing on the stream
func (t *streamTracker) acquire(stream string) {
	t.mu.Lock()
	t.inflight[stream]++
	n := t.inflight[stream]
	t.mu.Unlock()
	metrics.AgentStreamInFlight.WithLabelValues(queue.AgentFromStream(stream), stream).Set(float64(n))
}

// release counts an item leaving processing on the stream
func (t *streamTracker) release(stream string) {
	t.mu.Lock()
	if t.inflight[stream] > 0 {
		t.inflight[stream]--
	}
	n := t.inflight[stream]
	t.mu.Unlock()
	metrics.AgentStreamInFlight.WithLabelValues(queue.AgentFromStream(stream), stream).Set(float64(n))
}

// saturated reports whether the stream is at the in-flight limit. A
// limit of zero disables the check.
func (t *streamTracker) saturated(stream string, limit int) bool {
	if limit <= 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inflight[stream] >= limit
}

// shouldSample rate-limits pending-depth sampling per stream
func (t *streamTracker) shouldSample(stream string, interval time.Duration) bool {
	if interval <= 0 {
		return false
	}
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.sampled[stream]; ok && now.Sub(last) < interval {
		return false
	}
	t.sampled[stream] = now
	return true
}

// noteEmpty counts a dequeue that returned nothing. It reports whether
// this empty crossed the starvation threshold.
func (t *streamTracker) noteEmpty(stream string) bool {
	if t.threshold <= 0 {
		return false
	}
	t.mu.Lock()
	t.empties[stream]++
	crossed := t.empties[stream] >= t.threshold && !t.starved[stream]
	if crossed {
		t.starved[stream] = true
	}
	count := len(t.starved)
	t.mu.Unlock()
	if crossed {
		metrics.StarvedStreams.WithLabelValues(t.pool).Set(float64(count))
	}
	return crossed
}

// noteWork resets the stream's empty counter and starvation mark
func (t *streamTracker) noteWork(stream string) {
	t.mu.Lock()
	t.empties[stream] = 0
	recovered := t.starved[stream]
	delete(t.starved, stream)
	count := len(t.starved)
	t.mu.Unlock()
	if recovered {
		metrics.StarvedStreams.WithLabelValues(t.pool).Set(float64(count))
	}
}

// starvedCount reports how many streams are currently starved
func (t *streamTracker) starvedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.starved)
}

// prune drops state for streams that left the subscription set
func (t *streamTracker) prune(active []string) {
	keep := make(map[string]struct{}, len(active))
	for _, s := range active {
		keep[s] = struct{}{}
	}
	t.mu.Lock()
	for s := range t.empties {
		if _, ok := keep[s]; !ok {
			delete(t.empties, s)
		}
	}
	// In-flight entries survive until the item finishes, even when the
	// stream has left the set.
	for s, n := range t.inflight {
		if _, ok := keep[s]; !ok && n == 0 {
			delete(t.inflight, s)
		}
	}
	changed := false
	for s := range t.starved {
		if _, ok := keep[s]; !ok {
			delete(t.starved, s)
			changed = true
		}
	}
	for s := range t.sampled {
		if _, ok := keep[s]; !ok {
			delete(t.sampled, s)
		}
	}
	count := len(t.starved)
	t.mu.Unlock()
	if changed {
		metrics.StarvedStreams.WithLabelValues(t.pool).Set(float64(count))
	}
}
