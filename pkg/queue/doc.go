// Package queue is the durable work log between the dispatcher and the
// worker pool, backed by Redis Streams with consumer groups.
//
// # Delivery Model
//
// At-least-once. An entry is appended once (XADD with approximate
// max-len trimming), delivered to exactly one consumer in the group,
// and redelivered if that consumer dies before acking. Consumers ack
// only after the item reached a terminal state; duplicate processing
// is suppressed downstream by idempotency keys, not by the broker.
//
// Work items travel as a single JSON field ("data") per entry. An
// entry whose payload no longer decodes is acked immediately and
// logged, so one poison message cannot wedge a stream.
//
// # Components
//
// RedisQueue implements the Queue contract and doubles as the metrics
// sampling source (stream lengths, per-group pending, DLQ depth) by
// scanning the mongoclaw: key space.
//
// GroupManager owns this instance's consumer identity (one stable
// consumer name per stream under a hostname-random prefix) and runs
// the reclaim loop: entries idle past the threshold are claimed,
// re-enqueued onto their stream with the attempt counter bumped, and
// the stranded delivery acked, so recovered items flow through the
// normal dequeue path.
//
// DLQ wraps the dead-letter stream with the admin surface: list, get,
// retry (attempt reset to zero), delete, and age-based purge.
//
// Stream naming for every routing strategy lives in streams.go; all
// broker keys are namespaced under "mongoclaw:".
package queue
