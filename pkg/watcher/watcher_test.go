package watcher

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/mongoclaw/mongoclaw/pkg/agent"
	"github.com/mongoclaw/mongoclaw/pkg/types"
)

func TestParseChangeEvent(t *testing.T) {
	now := time.Now().Truncate(time.Millisecond)
	raw := bson.M{
		"operationType": "insert",
		"documentKey":   bson.M{"_id": "o-1"},
		"fullDocument":  bson.M{"_id": "o-1", "subject": "Refund request"},
		"clusterTime":   primitive.Timestamp{T: 1700000000, I: 2},
		"wallTime":      primitive.NewDateTimeFromTime(now),
	}

	event := parseChangeEvent(raw, "shop", "tickets")

	assert.Equal(t, types.OperationInsert, event.Operation)
	assert.Equal(t, "shop", event.Database)
	assert.Equal(t, "tickets", event.Collection)
	assert.Equal(t, "shop.tickets", event.Namespace())
	assert.Equal(t, "o-1", event.DocumentKey["_id"])
	assert.Equal(t, "Refund request", event.FullDocument["subject"])
	assert.Equal(t, uint32(1700000000), event.ClusterTime.T)
	assert.Equal(t, now.UTC(), event.WallTime.UTC())
}

func TestParseChangeEventCoercesUnknownOperation(t *testing.T) {
	raw := bson.M{
		"operationType":     "drop",
		"documentKey":       bson.M{"_id": "o-2"},
		"updateDescription": bson.M{"updatedFields": bson.M{"status": "open"}},
	}

	event := parseChangeEvent(raw, "shop", "tickets")

	assert.Equal(t, types.OperationUpdate, event.Operation)
	assert.Nil(t, event.FullDocument)
	require.NotNil(t, event.UpdateDescription)
	assert.Contains(t, event.UpdateDescription, "updatedFields")
}

func TestParseChangeEventMissingFields(t *testing.T) {
	event := parseChangeEvent(bson.M{}, "shop", "tickets")

	assert.Equal(t, types.OperationUpdate, event.Operation)
	assert.Nil(t, event.DocumentKey)
	assert.Nil(t, event.FullDocument)
	assert.True(t, event.WallTime.IsZero())
}

func TestIsHistoryLost(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"history lost message", errors.New("(ChangeStreamHistoryLost) Resume of change stream was not possible"), true},
		{"history lost code", mongo.CommandError{Code: 286, Name: "X"}, true},
		{"stale token", errors.New("resume token was not found"), true},
		{"oplog rolled", errors.New("CappedPositionLost: oplog entry no longer available"), true},
		{"invalidated", errors.New("change stream was invalidated"), true},
		{"network", errors.New("connection reset by peer"), false},
		{"server selection", errors.New("server selection timeout"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, isHistoryLost(tc.err))
		})
	}
}

func TestDiffTargets(t *testing.T) {
	running := map[string]streamHandle{
		"shop.orders":  {},
		"shop.tickets": {},
	}
	want := []agent.WatchTarget{
		{Database: "shop", Collection: "tickets"},
		{Database: "crm", Collection: "leads"},
		{Database: "crm", Collection: "leads"},
	}

	add, remove := diffTargets(running, want)

	require.Len(t, add, 1)
	assert.Equal(t, "crm.leads", add[0].String())
	assert.Equal(t, []string{"shop.orders"}, remove)
}

func TestDiffTargetsSteadyState(t *testing.T) {
	running := map[string]streamHandle{"shop.orders": {}}

	add, remove := diffTargets(running, []agent.WatchTarget{{Database: "shop", Collection: "orders"}})

	assert.Empty(t, add)
	assert.Empty(t, remove)
}

func TestRetryDelayCapped(t *testing.T) {
	assert.Equal(t, time.Second, retryDelay(1))
	assert.Equal(t, 4*time.Second, retryDelay(3))
	assert.Equal(t, 16*time.Second, retryDelay(5))
	assert.Equal(t, time.Minute, retryDelay(12))
}

func TestForgetIgnoresStaleGeneration(t *testing.T) {
	w := &Watcher{streams: make(map[string]streamHandle)}
	cancelled := false
	w.streams["shop.orders"] = streamHandle{cancel: func() { cancelled = true }, gen: 2}

	w.forget("shop.orders", 1)
	assert.False(t, cancelled)
	assert.Len(t, w.streams, 1)

	w.forget("shop.orders", 2)
	assert.True(t, cancelled)
	assert.Empty(t, w.streams)
}
