/*
Package log provides structured logging for mongoclaw using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions for
common logging patterns. All logs include timestamps and support filtering by
severity level for production debugging.

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all mongoclaw packages
  - Thread-safe concurrent writes

Configuration:
  - Level: debug/info/warn/error threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (stdout, file)

Context Loggers:
  - WithComponent: Add component name to all logs
  - WithAgentID: Add agent ID context
  - WithWorkerID: Add worker ID context
  - WithNamespace: Add database/collection context

# Usage

Initializing the Logger:

	import "github.com/mongoclaw/mongoclaw/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Structured Logging:

	log.Logger.Info().
		Str("agent_id", "ticket-classifier").
		Int("attempt", 2).
		Msg("Work item processed")

	log.Logger.Error().
		Err(err).
		Str("stream", "mongoclaw:work").
		Msg("Dequeue failed")

Component Loggers:

	watcherLog := log.WithComponent("watcher")
	watcherLog.Info().Str("namespace", "support.tickets").Msg("Change stream opened")

	workerLog := log.WithWorkerID("pool-1a2b3c4d-worker-0")
	workerLog.Debug().Str("work_item_id", item.ID).Msg("Item dequeued")

# Log Output Examples

JSON Format (Production):

	{"level":"info","component":"watcher","database":"support","collection":"tickets","time":"2026-08-25T10:30:00Z","message":"Change stream opened"}
	{"level":"error","component":"worker","worker_id":"pool-1a2b-worker-3","error":"rate limited","time":"2026-08-25T10:30:02Z","message":"AI request failed"}

Console Format (Development):

	10:30:00 INF Change stream opened component=watcher database=support collection=tickets
	10:30:02 ERR AI request failed component=worker worker_id=pool-1a2b-worker-3 error="rate limited"

# Integration Points

This package integrates with every long-running component:

  - pkg/watcher: Change stream lifecycle and event flow
  - pkg/dispatcher: Admission decisions and dedupe hits
  - pkg/queue: Stream operations and poison entries
  - pkg/worker: Dequeue cycles, retries, DLQ moves
  - pkg/executor: Pipeline stages and outcomes
  - pkg/election: Lease acquisition and loss

Worker-path log lines carry worker_id, work_item_id, agent_id, document_id, and
attempt so a single grep reconstructs an item's history.

# Best Practices

Do:
  - Use Info level for production
  - Use structured fields for queryable data
  - Create component-specific loggers
  - Log errors with .Err() for consistent formatting

Don't:
  - Log document contents or prompt text (may contain user data)
  - Use Debug level in production
  - Log in tight dequeue loops (use sampling or counters)
*/
package log
