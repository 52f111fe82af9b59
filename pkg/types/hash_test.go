package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentHashIgnoresFrameworkFields(t *testing.T) {
	base := map[string]interface{}{
		"title":  "Card declined",
		"status": "new",
		"nested": map[string]interface{}{"a": float64(1)},
	}
	enriched := map[string]interface{}{
		"title":              "Card declined",
		"status":             "new",
		"nested":             map[string]interface{}{"a": float64(1), "_mongoclaw_version": int64(3)},
		"_ai_metadata":       map[string]interface{}{"model": "m"},
		"_mongoclaw_version": int64(4),
	}

	assert.Equal(t, ContentHash(base), ContentHash(enriched))
}

func TestContentHashStableUnderKeyOrder(t *testing.T) {
	a := map[string]interface{}{"x": float64(1), "y": "z", "arr": []interface{}{"a", "b"}}
	b := map[string]interface{}{"arr": []interface{}{"a", "b"}, "y": "z", "x": float64(1)}

	assert.Equal(t, ContentHash(a), ContentHash(b))
}

func TestContentHashDetectsContentChange(t *testing.T) {
	a := map[string]interface{}{"status": "new"}
	b := map[string]interface{}{"status": "open"}

	assert.NotEqual(t, ContentHash(a), ContentHash(b))
}

func TestContentHashStripsInsideArrays(t *testing.T) {
	a := map[string]interface{}{
		"items": []interface{}{map[string]interface{}{"v": float64(1)}},
	}
	b := map[string]interface{}{
		"items": []interface{}{map[string]interface{}{"v": float64(1), "_ai_metadata": "x"}},
	}

	assert.Equal(t, ContentHash(a), ContentHash(b))
}

func TestSourceVersion(t *testing.T) {
	tests := []struct {
		name string
		doc  map[string]interface{}
		want *int64
	}{
		{"absent reads as zero", map[string]interface{}{"a": 1}, int64Ptr(0)},
		{"nil document reads as zero", nil, int64Ptr(0)},
		{"int32 value", map[string]interface{}{VersionField: int32(3)}, int64Ptr(3)},
		{"int64 value", map[string]interface{}{VersionField: int64(7)}, int64Ptr(7)},
		{"whole double", map[string]interface{}{VersionField: float64(2)}, int64Ptr(2)},
		{"fractional double untrackable", map[string]interface{}{VersionField: 2.5}, nil},
		{"string untrackable", map[string]interface{}{VersionField: "3"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SourceVersion(tt.doc)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			if assert.NotNil(t, got) {
				assert.Equal(t, *tt.want, *got)
			}
		})
	}
}

func int64Ptr(n int64) *int64 { return &n }
