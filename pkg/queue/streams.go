package queue

import (
	"fmt"

	"github.com/mongoclaw/mongoclaw/pkg/types"
)

// Stream names. All broker keys live under the mongoclaw: prefix.
const (
	StreamPrefix = "mongoclaw"

	// WorkStream is the single shared stream for the single strategy
	WorkStream = "mongoclaw:work"

	// DLQStream is the default dead-letter stream
	DLQStream = "mongoclaw:dlq"
)

// AgentStream names the per-agent stream for the by_agent strategy
func AgentStream(agentID string) string {
	return StreamPrefix + ":agent:" + agentID
}

// CollectionStream names the per-namespace stream for by_collection
func CollectionStream(database, collection string) string {
	return StreamPrefix + ":collection:" + database + ":" + collection
}

// PartitionStream names a hash-partition stream
func PartitionStream(partition int) string {
	return fmt.Sprintf("%s:partition:%d", StreamPrefix, partition)
}

// PriorityStream names a per-priority stream for by_priority
func PriorityStream(priority int) string {
	return fmt.Sprintf("%s:priority:%d", StreamPrefix, priority)
}

// AgentDLQStream names a per-agent dead-letter stream
func AgentDLQStream(agentID string) string {
	return DLQStream + ":agent:" + agentID
}

// PatternFor returns the key pattern matching the streams a routing
// strategy produces, for worker discovery scans.
func PatternFor(strategy types.RoutingStrategy) string {
	switch strategy {
	case types.RouteByAgent:
		return StreamPrefix + ":agent:*"
	case types.RouteByCollection:
		return StreamPrefix + ":collection:*"
	case types.RoutePartitioned:
		return StreamPrefix + ":partition:*"
	case types.RouteByPriority:
		return StreamPrefix + ":priority:*"
	default:
		return WorkStream
	}
}

// AgentFromStream extracts the agent id from a by_agent stream name,
// or returns the empty string for other stream kinds.
func AgentFromStream(stream string) string {
	const prefix = StreamPrefix + ":agent:"
	if len(stream) > len(prefix) && stream[:len(prefix)] == prefix {
		return stream[len(prefix):]
	}
	return ""
}
