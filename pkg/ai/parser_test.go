package ai

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLadder(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want interface{}
	}{
		{
			name: "direct object",
			raw:  `{"category": "spam", "score": 0.9}`,
			want: map[string]interface{}{"category": "spam", "score": 0.9},
		},
		{
			name: "direct array",
			raw:  `[1, 2, 3]`,
			want: []interface{}{1.0, 2.0, 3.0},
		},
		{
			name: "leading and trailing whitespace",
			raw:  "\n  {\"ok\": true}  \n",
			want: map[string]interface{}{"ok": true},
		},
		{
			name: "fenced json block",
			raw:  "Here is the result:\n```json\n{\"category\": \"ham\"}\n```\nDone.",
			want: map[string]interface{}{"category": "ham"},
		},
		{
			name: "fenced block without language tag",
			raw:  "```\n{\"a\": 1}\n```",
			want: map[string]interface{}{"a": 1.0},
		},
		{
			name: "object embedded in prose",
			raw:  `Sure! The classification is {"label": "urgent", "nested": {"n": 1}} based on the text.`,
			want: map[string]interface{}{"label": "urgent", "nested": map[string]interface{}{"n": 1.0}},
		},
		{
			name: "array embedded in prose",
			raw:  `The tags are ["a", "b"] as requested.`,
			want: []interface{}{"a", "b"},
		},
		{
			name: "braces inside string literals do not break extraction",
			raw:  `prefix {"text": "spurious } brace", "k": 1} suffix`,
			want: map[string]interface{}{"text": "spurious } brace", "k": 1.0},
		},
		{
			name: "trailing comma repaired",
			raw:  `{"a": 1, "b": 2,}`,
			want: map[string]interface{}{"a": 1.0, "b": 2.0},
		},
		{
			name: "single quotes repaired",
			raw:  `{'category': 'spam'}`,
			want: map[string]interface{}{"category": "spam"},
		},
		{
			name: "bare keys repaired",
			raw:  `{category: "spam", score: 1}`,
			want: map[string]interface{}{"category": "spam", "score": 1.0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.raw, nil, true)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseStrictFailsOnUnparseable(t *testing.T) {
	_, err := Parse("no json here at all", nil, true)
	require.Error(t, err)

	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.NotEmpty(t, parseErr.Strategies)
	assert.False(t, IsRetryable(err))
}

func TestParseLenientWrapsUnparseable(t *testing.T) {
	got, err := Parse("plain prose response", nil, false)
	require.NoError(t, err)

	m, ok := got.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "plain prose response", m["content"])
	assert.Equal(t, true, m["_raw"])
}

func TestParseSchemaValidation(t *testing.T) {
	schema := map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"category"},
		"properties": map[string]interface{}{
			"category": map[string]interface{}{
				"type": "string",
				"enum": []interface{}{"spam", "ham"},
			},
			"score": map[string]interface{}{"type": "number"},
		},
	}

	t.Run("conforming value passes", func(t *testing.T) {
		got, err := Parse(`{"category": "spam", "score": 0.4}`, schema, true)
		require.NoError(t, err)
		assert.NotNil(t, got)
	})

	t.Run("strict fails on missing required field", func(t *testing.T) {
		_, err := Parse(`{"score": 0.4}`, schema, true)
		require.Error(t, err)

		var schemaErr *SchemaValidationError
		require.ErrorAs(t, err, &schemaErr)
		assert.NotEmpty(t, schemaErr.Errors)
	})

	t.Run("strict fails on enum violation", func(t *testing.T) {
		_, err := Parse(`{"category": "other"}`, schema, true)
		require.Error(t, err)
	})

	t.Run("lenient keeps nonconforming value", func(t *testing.T) {
		got, err := Parse(`{"score": "not a number"}`, schema, false)
		require.NoError(t, err)
		m, ok := got.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "not a number", m["score"])
	})
}

func TestValidateSchema(t *testing.T) {
	err := ValidateSchema(map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"a": map[string]interface{}{"type": "string"}},
	})
	assert.NoError(t, err)

	err = ValidateSchema(map[string]interface{}{"type": 42})
	assert.Error(t, err)
}

func TestExtractBalanced(t *testing.T) {
	assert.Equal(t, `{"a": {"b": 2}}`, extractBalanced(`x {"a": {"b": 2}} y`, '{', '}'))
	assert.Equal(t, `[1, [2]]`, extractBalanced(`x [1, [2]] y`, '[', ']'))
	assert.Equal(t, "", extractBalanced(`{"unclosed": 1`, '{', '}'))
	assert.Equal(t, "", extractBalanced("no braces", '{', '}'))
}

func TestRepairJSON(t *testing.T) {
	assert.Equal(t, `{"a": 1}`, repairJSON(`{"a": 1,}`))
	assert.Equal(t, `{"a":"b"}`, repairJSON(`{'a':'b'}`))
	assert.Equal(t, `{"key": "v"}`, repairJSON(`{key: "v"}`))
	// Mixed quoting keeps double-quoted content untouched.
	assert.Equal(t, `{"a": "it's fine"}`, repairJSON(`{"a": "it's fine"}`))
}
