/*
Package types defines the core data structures used throughout mongoclaw.

This package contains the fundamental types that represent the runtime's domain
model: change events observed on the document store, work items flowing through
the durable queue, AI responses, execution results, and the closed enumerations
(operations, routing and write strategies, consistency modes, overflow policies,
policy actions, lifecycle states) the rest of the system dispatches over.

# Core Types

  - ChangeEvent: one observed mutation, immutable once parsed
  - WorkItem: the durable queue payload for one (agent, mutation) pair
  - AIResponse: a completed provider call with token/cost accounting
  - ExecutionResult: the terminal outcome of one work item attempt

All types are designed to be:
  - Serializable (work items must survive a JSON round trip)
  - Self-describing (stable reason codes, string enums)
  - Free of behavior beyond derivation helpers

# Content Hashing

ContentHash produces the loop-guard digest used by dedupe keys and the
require_document_hash_match writeback guard. It is computed over canonical
JSON with the framework-owned fields _ai_metadata and _mongoclaw_version
stripped at every nesting level, so a document hashes identically before and
after enrichment and regardless of key order.

SourceVersion extracts the _mongoclaw_version anti-loop counter: a missing
field reads as 0, a non-integer value marks the counter untrackable (nil).

# Usage

	item := types.NewWorkItem("ticket-classifier", event, cfg.MaxRetries, cfg.Priority)
	item.SetMeta(types.MetaRoutingStrategy, string(types.RouteByAgent))

	if item.ShouldRetry() {
		item.IncrementAttempt()
	}
*/
package types
