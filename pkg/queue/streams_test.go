package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mongoclaw/mongoclaw/pkg/types"
)

func TestStreamNaming(t *testing.T) {
	assert.Equal(t, "mongoclaw:agent:classifier", AgentStream("classifier"))
	assert.Equal(t, "mongoclaw:collection:shop:tickets", CollectionStream("shop", "tickets"))
	assert.Equal(t, "mongoclaw:partition:7", PartitionStream(7))
	assert.Equal(t, "mongoclaw:priority:9", PriorityStream(9))
	assert.Equal(t, "mongoclaw:dlq:agent:classifier", AgentDLQStream("classifier"))
}

func TestPatternFor(t *testing.T) {
	tests := []struct {
		strategy types.RoutingStrategy
		want     string
	}{
		{types.RouteByAgent, "mongoclaw:agent:*"},
		{types.RouteByCollection, "mongoclaw:collection:*"},
		{types.RoutePartitioned, "mongoclaw:partition:*"},
		{types.RouteByPriority, "mongoclaw:priority:*"},
		{types.RouteSingle, WorkStream},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PatternFor(tt.strategy), "strategy %s", tt.strategy)
	}
}

func TestAgentFromStream(t *testing.T) {
	assert.Equal(t, "classifier", AgentFromStream("mongoclaw:agent:classifier"))
	assert.Equal(t, "", AgentFromStream(WorkStream))
	assert.Equal(t, "", AgentFromStream("mongoclaw:collection:shop:tickets"))
	assert.Equal(t, "", AgentFromStream("mongoclaw:agent:"))
}
