package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/mongoclaw/mongoclaw/pkg/types"
)

type fakeIdem struct {
	seen     map[string]bool
	seenErr  error
	recorded []string
}

func (f *fakeIdem) SeenIdempotencyKey(ctx context.Context, agentID, key string) (bool, error) {
	if f.seenErr != nil {
		return false, f.seenErr
	}
	return f.seen[key], nil
}

func (f *fakeIdem) RecordIdempotencyKey(ctx context.Context, agentID, key string, ttl time.Duration) error {
	f.recorded = append(f.recorded, key)
	return nil
}

func mustSet(t *testing.T, update bson.M) bson.M {
	t.Helper()
	set, ok := update["$set"].(bson.M)
	require.True(t, ok, "update has no $set: %v", update)
	return set
}

func TestBuildUpdateMergeWithMetadata(t *testing.T) {
	a := execAgent("classifier")
	resp := aiResp(`{"category": "refund"}`)
	resp.Parsed = map[string]interface{}{"category": "refund", "confidence": 0.93}

	update, err := buildUpdate(a, resp, "item-1")
	require.NoError(t, err)

	set := mustSet(t, update)
	assert.Equal(t, "refund", set["category"])
	assert.Equal(t, 0.93, set["confidence"])

	meta, ok := set[types.MetadataField].(bson.M)
	require.True(t, ok)
	assert.Equal(t, "item-1", meta["work_item_id"])
	assert.Equal(t, "claude-3-5-haiku-latest", meta["model"])
	assert.Equal(t, "anthropic", meta["provider"])
	assert.Equal(t, 42, meta["tokens"])
	assert.Equal(t, int64(150), meta["latency_ms"])
	assert.Equal(t, "classifier", meta["source_agent_id"])
	assert.IsType(t, time.Time{}, meta["processed_at"])
}

func TestBuildUpdateWithoutMetadata(t *testing.T) {
	a := execAgent("classifier")
	include := false
	a.Write.IncludeMetadata = &include
	resp := aiResp("")
	resp.Parsed = map[string]interface{}{"category": "refund"}

	update, err := buildUpdate(a, resp, "item-1")
	require.NoError(t, err)

	set := mustSet(t, update)
	assert.NotContains(t, set, types.MetadataField)
}

func TestBuildUpdateFieldMapping(t *testing.T) {
	a := execAgent("classifier")
	a.Write.Fields = map[string]string{"category": "ai_category"}
	resp := aiResp("")
	resp.Parsed = map[string]interface{}{"category": "refund", "confidence": 0.93}

	update, err := buildUpdate(a, resp, "item-1")
	require.NoError(t, err)

	set := mustSet(t, update)
	assert.Equal(t, "refund", set["ai_category"])
	assert.NotContains(t, set, "category")
	assert.NotContains(t, set, "confidence")
}

func TestBuildUpdateTargetFieldNesting(t *testing.T) {
	a := execAgent("classifier")
	a.Write.TargetField = "ai"
	resp := aiResp("")
	resp.Parsed = map[string]interface{}{"category": "refund"}

	update, err := buildUpdate(a, resp, "item-1")
	require.NoError(t, err)

	set := mustSet(t, update)
	nested, ok := set["ai"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "refund", nested["category"])
}

func TestBuildUpdateAppend(t *testing.T) {
	a := execAgent("classifier")
	a.Write.Strategy = types.WriteAppend
	a.Write.ArrayField = "notes"
	resp := aiResp("")
	resp.Parsed = map[string]interface{}{"note": "looks fine"}

	update, err := buildUpdate(a, resp, "item-1")
	require.NoError(t, err)

	push, ok := update["$push"].(bson.M)
	require.True(t, ok)
	each, ok := push["notes"].(bson.M)
	require.True(t, ok)
	values, ok := each["$each"].([]interface{})
	require.True(t, ok)
	require.Len(t, values, 1)

	set := mustSet(t, update)
	assert.Contains(t, set, types.MetadataField)
}

func TestBuildUpdateAppendList(t *testing.T) {
	a := execAgent("classifier")
	a.Write.Strategy = types.WriteAppend
	a.Write.ArrayField = "labels"
	resp := aiResp("")
	resp.Parsed = []interface{}{"refund", "urgent"}

	update, err := buildUpdate(a, resp, "item-1")
	require.NoError(t, err)

	push := update["$push"].(bson.M)
	each := push["labels"].(bson.M)
	assert.Equal(t, []interface{}{"refund", "urgent"}, each["$each"])
}

func TestBuildUpdateAppendRequiresArrayField(t *testing.T) {
	a := execAgent("classifier")
	a.Write.Strategy = types.WriteAppend
	resp := aiResp("")
	resp.Parsed = map[string]interface{}{"note": "x"}

	_, err := buildUpdate(a, resp, "item-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "array_field")
}

func TestBuildUpdateNested(t *testing.T) {
	a := execAgent("classifier")
	a.Write.Strategy = types.WriteNested
	a.Write.Path = "enrichment"
	resp := aiResp("")
	resp.Parsed = map[string]interface{}{"category": "refund"}

	update, err := buildUpdate(a, resp, "item-1")
	require.NoError(t, err)

	set := mustSet(t, update)
	assert.Equal(t, "refund", set["enrichment.category"])
	assert.Contains(t, set, types.MetadataField)
}

func TestBuildUpdateNestedRequiresPath(t *testing.T) {
	a := execAgent("classifier")
	a.Write.Strategy = types.WriteNested
	resp := aiResp("")
	resp.Parsed = map[string]interface{}{}

	_, err := buildUpdate(a, resp, "item-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path")
}

func TestBuildUpdateNonMapResultWrapsContent(t *testing.T) {
	a := execAgent("classifier")
	resp := aiResp("just a sentence")
	resp.Parsed = "just a sentence"

	update, err := buildUpdate(a, resp, "item-1")
	require.NoError(t, err)

	set := mustSet(t, update)
	assert.Equal(t, "just a sentence", set["content"])
}

func TestMappedContentSkipsNestingForNested(t *testing.T) {
	a := execAgent("classifier")
	a.Write.Strategy = types.WriteNested
	a.Write.TargetField = "ai"

	content := mappedContent(a.Write, map[string]interface{}{"category": "refund"})
	assert.Equal(t, "refund", content["category"])
	assert.NotContains(t, content, "ai")
}

func TestVersionPredicate(t *testing.T) {
	zero, ok := versionPredicate(0).(bson.M)
	require.True(t, ok)
	assert.Equal(t, bson.A{nil, int64(0)}, zero["$in"])

	assert.Equal(t, int64(3), versionPredicate(3))
}

func TestParseDocumentID(t *testing.T) {
	oid := primitive.NewObjectID()
	got := parseDocumentID(oid.Hex())
	assert.Equal(t, oid, got)

	assert.Equal(t, "o-123", parseDocumentID("o-123"))
	assert.Equal(t, "zzzzzzzzzzzzzzzzzzzzzzzz", parseDocumentID("zzzzzzzzzzzzzzzzzzzzzzzz"))
}

func TestWriteDuplicateSuppressed(t *testing.T) {
	a := execAgent("classifier")
	idem := &fakeIdem{seen: map[string]bool{"k-1": true}}
	w := NewWriter(nil, idem, 0)

	item := execItem("classifier")
	item.IdempotencyKey = "k-1"
	resp := aiResp("")
	resp.Parsed = map[string]interface{}{"category": "refund"}

	written, reason, err := w.Write(context.Background(), a, item, resp)
	require.NoError(t, err)
	assert.False(t, written)
	assert.Equal(t, types.ReasonDuplicate, reason)
	assert.Empty(t, idem.recorded)
}
