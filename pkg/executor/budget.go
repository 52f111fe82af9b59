package executor

import (
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mongoclaw/mongoclaw/pkg/agent"
	"github.com/mongoclaw/mongoclaw/pkg/metrics"
)

// agentSemaphore pairs a weighted semaphore with the size it was built
// for so a config change swaps it out.
type agentSemaphore struct {
	size int
	sem  *semaphore.Weighted
}

// semaphoreFor returns the agent's concurrency gate, or nil when the
// agent has no cap. A changed max_concurrency builds a fresh gate;
// executions already inside the old one finish under it.
func (e *Executor) semaphoreFor(agentID string, maxConcurrency int) *semaphore.Weighted {
	if maxConcurrency <= 0 {
		return nil
	}
	e.semMu.Lock()
	defer e.semMu.Unlock()
	existing, ok := e.semaphores[agentID]
	if !ok || existing.size != maxConcurrency {
		existing = &agentSemaphore{
			size: maxConcurrency,
			sem:  semaphore.NewWeighted(int64(maxConcurrency)),
		}
		e.semaphores[agentID] = existing
	}
	return existing.sem
}

// isQuarantined reports whether the agent is inside a quarantine
// window, clearing the window once it has expired.
func (e *Executor) isQuarantined(agentID string) bool {
	now := time.Now()
	e.budgetMu.Lock()
	defer e.budgetMu.Unlock()
	until, ok := e.quarantine[agentID]
	if !ok {
		return false
	}
	if !now.Before(until) {
		delete(e.quarantine, agentID)
		metrics.AgentQuarantineActive.WithLabelValues(agentID).Set(0)
		return false
	}
	return true
}

// recordOutcome feeds a failed attempt into the agent's sliding budget
// window and quarantines the agent when the window fills. Successes
// leave the window alone; failures age out after the window elapses.
func (e *Executor) recordOutcome(agentID string, success bool) {
	if success {
		return
	}
	window := e.cfg.AgentFailureWindow
	maxFailures := e.cfg.AgentFailureMax
	cooldown := e.cfg.QuarantineDuration
	if window <= 0 || maxFailures <= 0 || cooldown <= 0 {
		return
	}

	now := time.Now()
	cutoff := now.Add(-window)
	var until time.Time
	tripped := false

	e.budgetMu.Lock()
	events := append(e.failures[agentID], now)
	kept := events[:0]
	for _, ts := range events {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) < maxFailures {
		e.failures[agentID] = kept
	} else {
		until = now.Add(cooldown)
		e.quarantine[agentID] = until
		delete(e.failures, agentID)
		tripped = true
	}
	e.budgetMu.Unlock()

	if !tripped {
		return
	}
	metrics.AgentQuarantineEventsTotal.WithLabelValues(agentID).Inc()
	metrics.AgentQuarantineActive.WithLabelValues(agentID).Set(1)
	e.logger.Warn().
		Str("agent_id", agentID).
		Int("failures", maxFailures).
		Dur("window", window).
		Dur("cooldown", cooldown).
		Time("until", until).
		Msg("Agent entered quarantine after repeated failures")
	if e.OnQuarantine != nil {
		e.OnQuarantine(agentID, until)
	}
}

// checkLatencySLO counts a violation when the attempt exceeded the
// agent's latency objective, falling back to the pool-wide objective
// when the agent sets none.
func (e *Executor) checkLatencySLO(agentID string, a *agent.Config, d time.Duration) {
	slo := e.cfg.LatencySLO
	if a != nil && a.Execution.LatencySLO() > 0 {
		slo = a.Execution.LatencySLO()
	}
	if slo <= 0 || d <= slo {
		return
	}
	metrics.AgentLatencySLOViolationsTotal.WithLabelValues(agentID).Inc()
	e.logger.Warn().
		Str("agent_id", agentID).
		Dur("duration", d).
		Dur("objective", slo).
		Msg("Execution exceeded latency objective")
}
