// Package agent defines the declarative agent model, its validation,
// the YAML loader, and the hot-reload cache.
//
// An agent binds four concerns:
//
//	watch:     which database/collection and operations to react to,
//	           plus an optional server-side-style filter
//	ai:        the prompt template, model, and sampling parameters
//	write:     how the parsed response lands back in MongoDB
//	           (merge, replace, append, nested)
//	execution: retries, timeout, priority, dedup, and delivery guards
//
// with an optional policy gating the writeback.
//
// # Core Components
//
// Config: the full definition with YAML, JSON, and BSON tags, stored
// as-is in the agents collection with the id as _id.
//
// NewConfig/Normalize/Validate: NewConfig carries every default so a
// YAML overlay only states intent; Normalize fills gaps in documents
// that bypassed the loader; Validate compiles prompt templates and the
// policy condition up front, so a bad definition is rejected at load
// rather than per change event.
//
// LoadFile/LoadDir/LoadBytes: YAML loading. A file holds one
// definition or a list under "agents:"; a directory is loaded in name
// order with duplicate ids rejected.
//
// Cache: the in-memory snapshot every hot path reads. It refreshes on
// an interval and on NotifyChange, which the change-stream tail on the
// agents collection fires, so edits propagate without a restart.
//
// # Usage
//
//	configs, err := agent.LoadDir("/etc/mongoclaw/agents")
//	for _, cfg := range configs {
//		_ = store.CreateAgent(ctx, cfg)
//	}
//
//	cache := agent.NewCache(store, 5*time.Second)
//	if err := cache.Start(ctx); err != nil { ... }
//	targets := cache.WatchTargets()
package agent
