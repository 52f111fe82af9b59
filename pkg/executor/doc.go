// Package executor runs the enrichment pipeline for dequeued work items.
//
// Each item passes through agent lookup, the quarantine and per-agent
// concurrency gates, prompt rendering, the model call, response parsing,
// the policy gate, and the strategy writeback, all under the agent's
// execution deadline. Outcomes are persisted as execution records and
// feed the agent's failure budget; an agent that fails too often inside
// the sliding window is quarantined for a cooldown.
//
// Writer applies the merge, replace, append, and nested strategies with
// idempotency-key suppression. Strict consistency extends the update
// with a version predicate and counter increment, and can additionally
// require the target document's content hash to still match the one
// captured at dispatch time.
package executor
