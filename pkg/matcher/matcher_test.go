package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/mongoclaw/mongoclaw/pkg/agent"
	"github.com/mongoclaw/mongoclaw/pkg/types"
)

func watchingAgent(db, coll string, ops []types.Operation, filter map[string]interface{}) *agent.Config {
	cfg := agent.NewConfig()
	cfg.ID = "test-agent"
	cfg.Watch.Database = db
	cfg.Watch.Collection = coll
	if ops != nil {
		cfg.Watch.Operations = ops
	}
	cfg.Watch.Filter = filter
	cfg.AI.Prompt = "p"
	return cfg
}

func insertEvent(db, coll string, doc map[string]interface{}) *types.ChangeEvent {
	return &types.ChangeEvent{
		Operation:    types.OperationInsert,
		Database:     db,
		Collection:   coll,
		FullDocument: doc,
	}
}

func TestNamespaceAndOperationMatch(t *testing.T) {
	cfg := watchingAgent("shop", "orders", []types.Operation{types.OperationInsert}, nil)

	assert.True(t, Match(cfg, insertEvent("shop", "orders", nil)))
	assert.False(t, Match(cfg, insertEvent("shop", "refunds", nil)))
	assert.False(t, Match(cfg, insertEvent("other", "orders", nil)))

	updateEvent := &types.ChangeEvent{
		Operation:  types.OperationUpdate,
		Database:   "shop",
		Collection: "orders",
	}
	assert.False(t, Match(cfg, updateEvent), "update not in watched operations")
}

func TestDeleteWithFilterNeverMatches(t *testing.T) {
	cfg := watchingAgent("shop", "orders",
		[]types.Operation{types.OperationDelete},
		map[string]interface{}{"status": "paid"})

	deleteEvent := &types.ChangeEvent{
		Operation:  types.OperationDelete,
		Database:   "shop",
		Collection: "orders",
		DocumentKey: map[string]interface{}{
			"_id": "o1",
		},
	}
	assert.False(t, Match(cfg, deleteEvent))

	// without a filter the delete matches
	cfg.Watch.Filter = nil
	assert.True(t, Match(cfg, deleteEvent))
}

func TestEvaluateFilterOperators(t *testing.T) {
	doc := map[string]interface{}{
		"status": "paid",
		"amount": 150.0,
		"tries":  int64(2),
		"tags":   []interface{}{"a", "b"},
		"nested": map[string]interface{}{"level": 3},
		"email":  "User@Example.COM",
	}

	tests := []struct {
		name   string
		filter map[string]interface{}
		want   bool
	}{
		{"direct equality", map[string]interface{}{"status": "paid"}, true},
		{"direct inequality", map[string]interface{}{"status": "pending"}, false},
		{"eq", map[string]interface{}{"status": map[string]interface{}{"$eq": "paid"}}, true},
		{"ne", map[string]interface{}{"status": map[string]interface{}{"$ne": "pending"}}, true},
		{"gt", map[string]interface{}{"amount": map[string]interface{}{"$gt": 100}}, true},
		{"gte boundary", map[string]interface{}{"amount": map[string]interface{}{"$gte": 150}}, true},
		{"lt", map[string]interface{}{"amount": map[string]interface{}{"$lt": 100}}, false},
		{"lte", map[string]interface{}{"tries": map[string]interface{}{"$lte": 2}}, true},
		{"int float cross equality", map[string]interface{}{"tries": 2.0}, true},
		{"in", map[string]interface{}{"status": map[string]interface{}{"$in": []interface{}{"paid", "settled"}}}, true},
		{"nin", map[string]interface{}{"status": map[string]interface{}{"$nin": []interface{}{"pending"}}}, true},
		{"exists true", map[string]interface{}{"status": map[string]interface{}{"$exists": true}}, true},
		{"exists false on present", map[string]interface{}{"status": map[string]interface{}{"$exists": false}}, false},
		{"exists false on missing", map[string]interface{}{"ghost": map[string]interface{}{"$exists": false}}, true},
		{"type string", map[string]interface{}{"status": map[string]interface{}{"$type": "string"}}, true},
		{"type mismatch", map[string]interface{}{"amount": map[string]interface{}{"$type": "string"}}, false},
		{"regex", map[string]interface{}{"status": map[string]interface{}{"$regex": "^pa"}}, true},
		{"regex case sensitive miss", map[string]interface{}{"email": map[string]interface{}{"$regex": "^user@"}}, false},
		{"regex with i option", map[string]interface{}{"email": map[string]interface{}{"$regex": "^user@", "$options": "i"}}, true},
		{"dot path", map[string]interface{}{"nested.level": 3}, true},
		{"array index", map[string]interface{}{"tags.1": "b"}, true},
		{"array index out of range", map[string]interface{}{"tags.5": "x"}, false},
		{"multiple conditions and", map[string]interface{}{"status": "paid", "amount": map[string]interface{}{"$gt": 100}}, true},
		{"multiple conditions one fails", map[string]interface{}{"status": "paid", "amount": map[string]interface{}{"$gt": 500}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EvaluateFilter(tt.filter, doc))
		})
	}
}

func TestNilSafeOrderedComparisons(t *testing.T) {
	doc := map[string]interface{}{"present": nil}

	// ordered operators on missing or null fields never match
	assert.False(t, EvaluateFilter(map[string]interface{}{
		"missing": map[string]interface{}{"$gt": 5}}, doc))
	assert.False(t, EvaluateFilter(map[string]interface{}{
		"present": map[string]interface{}{"$lt": 5}}, doc))

	// $ne on a missing field matches, like MongoDB
	assert.True(t, EvaluateFilter(map[string]interface{}{
		"missing": map[string]interface{}{"$ne": "x"}}, doc))
}

func TestLogicalOperators(t *testing.T) {
	doc := map[string]interface{}{"a": 1, "b": 2}

	and := map[string]interface{}{"$and": []interface{}{
		map[string]interface{}{"a": 1},
		map[string]interface{}{"b": 2},
	}}
	assert.True(t, EvaluateFilter(and, doc))

	or := map[string]interface{}{"$or": []interface{}{
		map[string]interface{}{"a": 99},
		map[string]interface{}{"b": 2},
	}}
	assert.True(t, EvaluateFilter(or, doc))

	nor := map[string]interface{}{"$nor": []interface{}{
		map[string]interface{}{"a": 99},
		map[string]interface{}{"b": 99},
	}}
	assert.True(t, EvaluateFilter(nor, doc))

	not := map[string]interface{}{"$not": map[string]interface{}{"a": 1}}
	assert.False(t, EvaluateFilter(not, doc))
}

func TestUnknownOperatorPasses(t *testing.T) {
	doc := map[string]interface{}{"a": 1}
	filter := map[string]interface{}{"a": map[string]interface{}{"$near": 5}}
	assert.True(t, EvaluateFilter(filter, doc))
}

func TestBSONTypesInFilterAndDocument(t *testing.T) {
	oid := primitive.NewObjectID()
	doc := map[string]interface{}{
		"owner": oid,
		"attrs": primitive.M{"color": "red"},
		"sizes": primitive.A{int32(1), int32(2)},
	}

	assert.True(t, EvaluateFilter(map[string]interface{}{"owner": oid.Hex()}, doc))
	assert.True(t, EvaluateFilter(map[string]interface{}{"attrs.color": "red"}, doc))
	assert.True(t, EvaluateFilter(map[string]interface{}{"sizes.0": 1}, doc))
}

func TestMatchAgentsFiltersDisabled(t *testing.T) {
	enabled := watchingAgent("shop", "orders", nil, nil)
	disabled := watchingAgent("shop", "orders", nil, nil)
	disabled.ID = "disabled-agent"
	off := false
	disabled.Enabled = &off

	event := insertEvent("shop", "orders", map[string]interface{}{"x": 1})
	matched := MatchAgents([]*agent.Config{enabled, disabled}, event)

	assert.Len(t, matched, 1)
	assert.Equal(t, "test-agent", matched[0].ID)
}

func updateEventWithFields(updated map[string]interface{}) *types.ChangeEvent {
	return &types.ChangeEvent{
		Operation:    types.OperationUpdate,
		Database:     "shop",
		Collection:   "orders",
		FullDocument: map[string]interface{}{"_id": "o1", "status": "paid"},
		UpdateDescription: map[string]interface{}{
			"updatedFields": updated,
			"removedFields": []interface{}{},
		},
	}
}

func TestFrameworkOnlyUpdate(t *testing.T) {
	cases := []struct {
		name    string
		updated map[string]interface{}
		want    bool
	}{
		{"metadata only", map[string]interface{}{"_ai_metadata": map[string]interface{}{"model": "m"}}, true},
		{"metadata subpath", map[string]interface{}{"_ai_metadata.processed_at": "t"}, true},
		{"version only", map[string]interface{}{"_mongoclaw_version": int64(2)}, true},
		{"both framework fields", map[string]interface{}{"_ai_metadata.model": "m", "_mongoclaw_version": int64(2)}, true},
		{"mixed with user field", map[string]interface{}{"_mongoclaw_version": int64(2), "status": "shipped"}, false},
		{"user field only", map[string]interface{}{"status": "shipped"}, false},
		{"empty update description", map[string]interface{}{}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FrameworkOnlyUpdate(updateEventWithFields(tc.updated)))
		})
	}
}

func TestFrameworkOnlyUpdateIgnoresInserts(t *testing.T) {
	event := insertEvent("shop", "orders", map[string]interface{}{"_ai_metadata": map[string]interface{}{}})
	assert.False(t, FrameworkOnlyUpdate(event))
}

func TestMatchAgentsSkipsWritebackEchoes(t *testing.T) {
	cfg := watchingAgent("shop", "orders", []types.Operation{types.OperationUpdate}, nil)

	echo := updateEventWithFields(map[string]interface{}{"_ai_metadata": map[string]interface{}{"model": "m"}})
	assert.Empty(t, MatchAgents([]*agent.Config{cfg}, echo))

	real := updateEventWithFields(map[string]interface{}{"status": "shipped"})
	matched := MatchAgents([]*agent.Config{cfg}, real)
	assert.Len(t, matched, 1)
}
