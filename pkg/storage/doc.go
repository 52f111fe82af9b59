// Package storage persists framework state in MongoDB: agent
// definitions, change stream resume tokens, execution records, and
// idempotency keys.
//
// # Core Components
//
// Store: the persistence interface. Application documents are not
// behind it; the watcher reads and the writer updates application
// namespaces through the client directly.
//
// MongoStore: the production implementation. One database holds the
// agents, executions, resume_tokens, and idempotency_keys collections
// (names configurable). EnsureIndexes creates the enabled index on
// agents, the per-agent recency index on executions, and the TTL index
// that expires idempotency keys.
//
// MemoryStore: a map-backed implementation with the same observable
// behavior, for tests.
//
// # Semantics
//
//   - CreateAgent maps a duplicate key onto ErrAgentAlreadyExists;
//     lookups of absent agents return ErrAgentNotFound. Both wrap the
//     sentinel, so errors.Is works through call chains.
//   - UpdateAgent bumps version and updated_at on the passed config
//     before replacing the stored document.
//   - LoadResumeToken returns nil, nil before the first save; a fresh
//     namespace starts tailing from now rather than failing.
//   - Execution records upsert by work item id, so a retried item
//     keeps a single record reflecting its latest attempt.
//   - SeenIdempotencyKey checks expires_at itself rather than trusting
//     the TTL monitor, which deletes lazily.
package storage
