package ai

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongoclaw/mongoclaw/pkg/types"
)

func testWorkItem() *types.WorkItem {
	event := &types.ChangeEvent{
		Operation:  types.OperationInsert,
		Database:   "shop",
		Collection: "tickets",
		DocumentKey: map[string]interface{}{
			"_id": "abc123",
		},
		FullDocument: map[string]interface{}{
			"_id":     "abc123",
			"subject": "Refund request",
			"body":    "I want my money back",
			"score":   4.5,
		},
	}
	return types.NewWorkItem("ticket-classifier", event, 3, 5)
}

func TestRenderTemplate(t *testing.T) {
	item := testWorkItem()
	ctx := PromptContext("ticket-classifier", item)

	out, err := RenderTemplate("Classify: {{ .document.subject }} / {{ .doc.body }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "Classify: Refund request / I want my money back", out)
}

func TestRenderTemplateHelpers(t *testing.T) {
	ctx := map[string]interface{}{
		"document": map[string]interface{}{"tags": []interface{}{"a", "b"}, "name": ""},
	}

	out, err := RenderTemplate(`{{ json .document.tags }}`, ctx)
	require.NoError(t, err)
	assert.Equal(t, `["a","b"]`, out)

	out, err = RenderTemplate(`{{ upper "spam" }} {{ truncate 3 "abcdef" }}`, ctx)
	require.NoError(t, err)
	assert.Equal(t, "SPAM abc", out)

	out, err = RenderTemplate(`{{ default "anon" .document.name }}`, ctx)
	require.NoError(t, err)
	assert.Equal(t, "anon", out)
}

func TestRenderTemplateMissingFieldIsZero(t *testing.T) {
	ctx := map[string]interface{}{"document": map[string]interface{}{}}

	out, err := RenderTemplate("v={{ .document.absent }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "v=<no value>", out)
}

func TestRenderTemplateError(t *testing.T) {
	_, err := RenderTemplate("{{ .document | nosuchfunc }}", map[string]interface{}{})
	require.Error(t, err)

	var renderErr *PromptRenderError
	assert.ErrorAs(t, err, &renderErr)
	assert.False(t, IsRetryable(err))
}

func TestValidateTemplate(t *testing.T) {
	assert.NoError(t, ValidateTemplate("{{ .document.subject }}"))
	assert.Error(t, ValidateTemplate("{{ .document.subject"))
	assert.Error(t, ValidateTemplate("{{ bogusfn 1 }}"))
}

func TestPromptContext(t *testing.T) {
	item := testWorkItem()
	ctx := PromptContext("ticket-classifier", item)

	assert.Equal(t, item.Document, ctx["document"])
	assert.Equal(t, item.Document, ctx["doc"])
	assert.Equal(t, "insert", ctx["operation"])
	assert.Equal(t, "ticket-classifier", ctx["agent"])

	event, ok := ctx["event"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "shop", event["database"])
	assert.Equal(t, "tickets", event["collection"])
	assert.Equal(t, "abc123", event["document_id"])

	_, err := time.Parse(time.RFC3339, ctx["now"].(string))
	assert.NoError(t, err)
	assert.IsType(t, int64(0), ctx["timestamp"])
}
