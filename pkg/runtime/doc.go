// Package runtime assembles the mongoclaw components and runs their
// lifecycle in dependency order.
//
// Start connects MongoDB and Redis, loads the agent cache, and brings
// up the pipeline: change stream watcher feeding the dispatcher, the
// worker pool consuming the queue, the consumer group reclaimer, the
// AI router, and the guarded writeback path. With leader election
// enabled only the elected instance opens change streams; followers
// keep their worker pools consuming and take over the watch when the
// lease moves.
//
// The runtime also serves the observability endpoints on the metrics
// port: Prometheus metrics, liveness, readiness, a detailed health
// report, and a stats snapshot.
//
// Stop drains in reverse order: consumers stop taking work before the
// producers close, and the stores close last.
//
// Typical use:
//
//	rt := runtime.New(cfg, version)
//	if err := rt.Run(ctx); err != nil {
//		return err
//	}
//
// Run blocks until SIGINT, SIGTERM, or context cancellation, then
// shuts down gracefully.
package runtime
