// Package dispatcher turns matched change events into queued work.
//
// For each (agent, event) pair the dispatcher builds a work item,
// suppresses recent duplicates through a bounded in-memory key cache,
// selects a target stream per the configured routing strategy, and
// passes the item through admission control before enqueueing.
//
// Admission is the dispatch-side half of backpressure: when a stream's
// sampled fullness crosses the threshold, low-priority items are
// dropped, dead-lettered, or deferred per the overflow policy, while
// items at or above the priority floor bypass the check. Deferral
// re-samples with a delay and force-enqueues when its attempts run
// out, so admission never silently loses deferred work.
package dispatcher
