// Package watcher tails MongoDB change streams for every namespace named
// by an enabled agent and feeds matched events into the dispatcher.
//
// One goroutine runs per watched namespace. A reconcile loop keeps the set
// of open streams aligned with the agent registry, and an optional tail on
// the registry collection itself applies agent edits without waiting for
// the next refresh tick. Resume tokens are persisted per namespace before
// matching so a restart re-delivers in-flight events instead of dropping
// them.
package watcher
