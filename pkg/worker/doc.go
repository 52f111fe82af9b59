// Package worker consumes the queue and drives the executor.
//
// A Pool owns a fixed set of worker goroutines and the live set of
// subscribed streams, discovered by pattern scan plus the per-agent
// streams of every enabled agent and refreshed on an interval. Each
// worker walks its streams in a cooperative cycle: fair rotation,
// pending-depth sampling, the per-stream in-flight cap, then a blocking
// group read whose block time shrinks as the stream count grows.
//
// The execution result decides the terminal action, and the ack follows
// it: successes ack, retryable failures back off and re-enqueue onto
// the same stream, exhausted or terminal failures move to the
// dead-letter stream, and items for missing or disabled agents are
// dropped. Shutdown drains in-flight work up to the configured timeout
// before cancelling.
package worker
