package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mongoclaw/mongoclaw/pkg/config"
	"github.com/mongoclaw/mongoclaw/pkg/metrics"
	"github.com/mongoclaw/mongoclaw/pkg/queue"
	"github.com/mongoclaw/mongoclaw/pkg/types"
)

const (
	// minBlockTime is the floor for the per-stream block so a large
	// stream set cannot turn reads into a busy loop.
	minBlockTime = 100 * time.Millisecond

	// errorPause is the breather after an unexpected dequeue error
	errorPause = time.Second

	// idlePause is the wait when a worker has no streams at all
	idlePause = time.Second
)

// Worker consumes work items from its assigned streams and hands them
// to the executor. The pool owns its lifecycle.
type Worker struct {
	id           string
	pool         string
	backend      Backend
	exec         Executor
	agents       AgentSource
	tracker      *streamTracker
	cfg          config.WorkerConfig
	group        string
	block        time.Duration
	drain        <-chan struct{}
	onDeadLetter func(item *types.WorkItem, reason string)
	logger       zerolog.Logger

	mu        sync.Mutex
	streams   []string
	cursor    int
	processed int64
	errored   int64
}

// UpdateStreams replaces the worker's subscription set
func (w *Worker) UpdateStreams(streams []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.streams = streams
	if len(streams) > 0 {
		w.cursor = w.cursor % len(streams)
	} else {
		w.cursor = 0
	}
}

// Counts reports how many items this worker completed and how many
// attempts failed.
func (w *Worker) Counts() (processed, errored int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.processed, w.errored
}

func (w *Worker) run(ctx context.Context) {
	w.logger.Info().Int("streams", len(w.cycleStreams())).Msg("Worker started")
	for !w.done(ctx) {
		streams := w.cycleStreams()
		if len(streams) == 0 {
			w.sleep(ctx, idlePause)
			continue
		}
		for _, stream := range streams {
			if w.done(ctx) {
				break
			}
			w.pollStream(ctx, stream, len(streams))
		}
	}
	processed, errored := w.Counts()
	w.logger.Info().
		Int64("processed", processed).
		Int64("errors", errored).
		Msg("Worker stopped")
}

func (w *Worker) done(ctx context.Context) bool {
	select {
	case <-w.drain:
		return true
	default:
	}
	return ctx.Err() != nil
}

// sleep waits for d, or less if shutdown or drain interrupts. It
// reports whether the full wait elapsed.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-w.drain:
		return false
	case <-timer.C:
		return true
	}
}

// cycleStreams returns this cycle's stream order: the shared list
// rotated by one when fair scheduling is on, truncated to the
// per-cycle cap when one is set.
func (w *Worker) cycleStreams() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.streams) == 0 {
		return nil
	}
	out := make([]string, 0, len(w.streams))
	if w.cfg.FairScheduling && len(w.streams) > 1 {
		w.cursor = (w.cursor + 1) % len(w.streams)
		out = append(out, w.streams[w.cursor:]...)
		out = append(out, w.streams[:w.cursor]...)
	} else {
		out = append(out, w.streams...)
	}
	if n := w.cfg.StreamsPerCycle; n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// pollStream runs one per-stream step: pending sample, in-flight cap,
// dequeue, process.
func (w *Worker) pollStream(ctx context.Context, stream string, streamCount int) {
	agentID := queue.AgentFromStream(stream)

	if w.tracker.shouldSample(stream, w.cfg.PendingMetricsInterval) {
		if n, err := w.backend.PendingCount(ctx, stream, w.group); err == nil {
			metrics.AgentStreamPending.WithLabelValues(agentID, stream).Set(float64(n))
		}
	}

	if w.tracker.saturated(stream, w.cfg.MaxInFlightPerAgent) {
		w.logger.Debug().
			Str("stream", stream).
			Int("limit", w.cfg.MaxInFlightPerAgent).
			Msg("Stream at in-flight limit, skipping this cycle")
		return
	}

	msgs, err := w.backend.Dequeue(ctx, stream, w.group, w.id, w.cfg.BatchSize, w.effectiveBlock(streamCount))
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.logger.Warn().
			Err(err).
			Str("stream", stream).
			Msg("Dequeue failed")
		w.sleep(ctx, errorPause)
		return
	}
	if len(msgs) == 0 {
		if w.tracker.noteEmpty(stream) {
			w.logger.Warn().
				Str("stream", stream).
				Int("cycles", w.cfg.StarvationCycleThreshold).
				Msg("Stream produced no work for too many cycles")
		}
		return
	}
	w.tracker.noteWork(stream)

	for _, msg := range msgs {
		if w.done(ctx) {
			// Unacked messages stay pending and come back through
			// the reclaimer.
			return
		}
		w.tracker.acquire(stream)
		w.processMessage(ctx, stream, msg)
		w.tracker.release(stream)
	}
}

// effectiveBlock divides the configured block time across the streams
// in the cycle so one full pass stays near one block period.
func (w *Worker) effectiveBlock(streamCount int) time.Duration {
	if streamCount < 1 {
		streamCount = 1
	}
	block := w.block / time.Duration(streamCount)
	if block < minBlockTime {
		block = minBlockTime
	}
	return block
}

func (w *Worker) processMessage(ctx context.Context, stream string, msg queue.Message) {
	item := msg.Item
	metrics.WorkerProcessing.WithLabelValues(w.pool).Inc()
	defer metrics.WorkerProcessing.WithLabelValues(w.pool).Dec()

	w.logger.Debug().
		Str("work_item_id", item.ID).
		Str("agent_id", item.AgentID).
		Str("document_id", item.DocumentID).
		Int("attempt", item.Attempt).
		Msg("Processing work item")

	res := w.exec.Execute(ctx, item)
	if res.Success {
		w.backend.Ack(ctx, stream, w.group, msg.ID)
		w.mu.Lock()
		w.processed++
		w.mu.Unlock()
		metrics.QueueProcessedTotal.WithLabelValues(stream, "success").Inc()
		w.logger.Info().
			Str("work_item_id", item.ID).
			Str("agent_id", item.AgentID).
			Str("document_id", item.DocumentID).
			Int("attempt", item.Attempt).
			Str("reason", res.Reason).
			Dur("duration", res.Duration).
			Msg("Work item completed")
		return
	}

	w.handleFailure(ctx, stream, msg, res)
}

// handleFailure performs the terminal action for a failed attempt and
// acks only once that action landed, so a crash in between redelivers
// instead of losing the item.
func (w *Worker) handleFailure(ctx context.Context, stream string, msg queue.Message, res *types.ExecutionResult) {
	item := msg.Item
	w.mu.Lock()
	w.errored++
	w.mu.Unlock()

	if res.Reason == types.ReasonAgentNotFound || res.Reason == types.ReasonAgentDisabled {
		w.logger.Warn().
			Str("work_item_id", item.ID).
			Str("agent_id", item.AgentID).
			Str("reason", res.Reason).
			Msg("Agent unavailable, dropping work item")
		metrics.QueueProcessedTotal.WithLabelValues(stream, "dropped").Inc()
		w.backend.Ack(ctx, stream, w.group, msg.ID)
		return
	}

	if !res.Terminal {
		item.IncrementAttempt()
		if item.ShouldRetry() {
			delay := w.retryDelay(item.AgentID, item.Attempt)
			metrics.RetriesScheduledTotal.WithLabelValues(item.AgentID, res.Reason).Inc()
			w.logger.Info().
				Str("work_item_id", item.ID).
				Str("agent_id", item.AgentID).
				Int("attempt", item.Attempt).
				Int("max_attempts", item.MaxAttempts).
				Str("reason", res.Reason).
				Dur("delay", delay).
				Msg("Retrying work item")
			if !w.sleep(ctx, delay) {
				// Shutdown interrupted the backoff; the unacked
				// message stays pending for reclaim.
				return
			}
			if _, err := w.backend.Enqueue(ctx, item, stream); err != nil {
				w.logger.Error().
					Err(err).
					Str("work_item_id", item.ID).
					Msg("Failed to re-enqueue work item for retry")
				return
			}
			metrics.QueueProcessedTotal.WithLabelValues(stream, "retried").Inc()
			w.backend.Ack(ctx, stream, w.group, msg.ID)
			return
		}
	}

	if _, err := w.backend.MoveToDLQ(ctx, item, failureError(res), queue.DLQStream); err != nil {
		w.logger.Error().
			Err(err).
			Str("work_item_id", item.ID).
			Msg("Failed to move work item to dead letter queue")
		return
	}
	metrics.QueueProcessedTotal.WithLabelValues(stream, "dead_lettered").Inc()
	w.logger.Warn().
		Str("work_item_id", item.ID).
		Str("agent_id", item.AgentID).
		Int("attempt", item.Attempt).
		Str("reason", res.Reason).
		Str("error", res.Error).
		Msg("Work item moved to dead letter queue")
	w.backend.Ack(ctx, stream, w.group, msg.ID)
	if w.onDeadLetter != nil {
		w.onDeadLetter(item, res.Reason)
	}
}

// retryDelay computes the exponential backoff for the given attempt,
// preferring the agent's retry tuning over the pool default.
func (w *Worker) retryDelay(agentID string, attempt int) time.Duration {
	base := w.cfg.RetryBaseDelay
	maxDelay := w.cfg.RetryMaxDelay
	if w.agents != nil {
		if a, ok := w.agents.Get(agentID); ok {
			if d := a.Execution.RetryBaseDelay(); d > 0 {
				base = d
			}
			if d := a.Execution.RetryMaxDelay(); d > 0 {
				maxDelay = d
			}
		}
	}
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base << (attempt - 1)
	if delay <= 0 || delay > maxDelay {
		return maxDelay
	}
	return delay
}

func failureError(res *types.ExecutionResult) error {
	if res.Error != "" {
		return fmt.Errorf("%s: %s", res.Reason, res.Error)
	}
	if res.Reason != "" {
		return errors.New(res.Reason)
	}
	return errors.New("unknown error")
}
