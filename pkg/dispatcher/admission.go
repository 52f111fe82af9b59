package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mongoclaw/mongoclaw/pkg/config"
	"github.com/mongoclaw/mongoclaw/pkg/log"
	"github.com/mongoclaw/mongoclaw/pkg/metrics"
	"github.com/mongoclaw/mongoclaw/pkg/types"
)

// Admission decisions, label values of dispatch_admission_total.
const (
	decisionEnqueued       = "enqueued"
	decisionPriorityBypass = "priority_bypass"
	decisionDropped        = "dropped"
	decisionDLQ            = "dlq"
	decisionDeferred       = "deferred_enqueue"
	decisionForced         = "defer_forced_enqueue"
)

// OverflowError is stamped onto items dead-lettered by admission
type OverflowError struct {
	Stream    string
	Threshold float64
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("stream %s is over the %.2f backpressure threshold", e.Stream, e.Threshold)
}

type pressureSample struct {
	fullness  float64
	sampledAt time.Time
}

// admissionController decides whether a pressured stream accepts an
// item. Fullness is sampled as length over capacity and cached briefly
// so hot dispatch paths do not hammer the broker.
type admissionController struct {
	queue       QueueBackend
	capacity    int64
	threshold   float64
	minPriority int
	policy      types.OverflowPolicy
	deferDelay  time.Duration
	deferMax    int
	cacheTTL    time.Duration
	logger      zerolog.Logger

	mu    sync.Mutex
	cache map[string]pressureSample
}

func newAdmissionController(q QueueBackend, cfg config.WorkerConfig, streamCapacity int64) *admissionController {
	return &admissionController{
		queue:       q,
		capacity:    streamCapacity,
		threshold:   cfg.DispatchBackpressureThreshold,
		minPriority: cfg.MinPriorityWhenBackpressured,
		policy:      cfg.OverflowPolicy,
		deferDelay:  cfg.DeferDelay,
		deferMax:    cfg.DeferMaxAttempts,
		cacheTTL:    cfg.PressureCacheTTL,
		logger:      log.WithComponent("admission"),
	}
}

// Admit returns the admission decision for an item heading to a
// stream. The only error is a context cancelled while deferring.
func (a *admissionController) Admit(ctx context.Context, item *types.WorkItem, stream string) (string, error) {
	fullness, err := a.fullness(ctx, stream, false)
	if err != nil {
		// An unreachable broker fails the enqueue anyway; admission
		// stays open rather than guessing.
		a.logger.Warn().Str("stream", stream).Err(err).Msg("Pressure sample failed, admitting")
		return decisionEnqueued, nil
	}
	if fullness < a.threshold {
		return decisionEnqueued, nil
	}

	if item.Priority >= a.minPriority {
		return decisionPriorityBypass, nil
	}

	switch a.policy {
	case types.OverflowDrop:
		return decisionDropped, nil
	case types.OverflowDLQ:
		return decisionDLQ, nil
	case types.OverflowDefer:
		return a.deferAdmit(ctx, stream)
	default:
		return decisionEnqueued, nil
	}
}

// deferAdmit waits and re-samples up to deferMax times. A stream still
// pressured after the last check is force-enqueued: deferral trades
// latency for admission, never loses the item.
func (a *admissionController) deferAdmit(ctx context.Context, stream string) (string, error) {
	timer := time.NewTimer(a.deferDelay)
	defer timer.Stop()

	for attempt := 1; attempt <= a.deferMax; attempt++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timer.C:
		}

		fullness, err := a.fullness(ctx, stream, true)
		if err != nil || fullness < a.threshold {
			return decisionDeferred, nil
		}

		a.logger.Debug().
			Str("stream", stream).
			Int("attempt", attempt).
			Float64("fullness", fullness).
			Msg("Stream still pressured, deferring")
		timer.Reset(a.deferDelay)
	}

	a.logger.Warn().
		Str("stream", stream).
		Int("attempts", a.deferMax).
		Msg("Defer attempts exhausted, force enqueueing")
	return decisionForced, nil
}

// fullness returns length/capacity for a stream, serving a cached
// sample inside the TTL unless fresh is set.
func (a *admissionController) fullness(ctx context.Context, stream string, fresh bool) (float64, error) {
	a.mu.Lock()
	if a.cache == nil {
		a.cache = make(map[string]pressureSample)
	}
	if s, ok := a.cache[stream]; ok && !fresh && time.Since(s.sampledAt) < a.cacheTTL {
		a.mu.Unlock()
		return s.fullness, nil
	}
	a.mu.Unlock()

	length, err := a.queue.StreamLength(ctx, stream)
	if err != nil {
		return 0, err
	}
	fullness := 0.0
	if a.capacity > 0 {
		fullness = float64(length) / float64(a.capacity)
	}

	a.mu.Lock()
	a.cache[stream] = pressureSample{fullness: fullness, sampledAt: time.Now()}
	a.mu.Unlock()

	metrics.DispatchQueueFullness.WithLabelValues(stream).Set(fullness)
	return fullness, nil
}
