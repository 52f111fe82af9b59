package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Framework-owned fields excluded from content hashing. Stripping them at
// every nesting level keeps the hash stable across enrichment writes.
const (
	MetadataField = "_ai_metadata"
	VersionField  = "_mongoclaw_version"
)

// ContentHash computes a sha256 hex digest of a document's user content.
// The digest is computed over canonical JSON (sorted keys, compact) with
// _ai_metadata and _mongoclaw_version removed recursively, so two documents
// that differ only in framework fields or key order hash identically.
func ContentHash(doc map[string]interface{}) string {
	if doc == nil {
		return ""
	}
	normalized := stripFrameworkFields(doc)
	data, err := json.Marshal(normalized)
	if err != nil {
		// Unmarshalable values (channels, funcs) never appear in decoded
		// documents; fall back to an empty hash rather than guessing.
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func stripFrameworkFields(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return stripFromMap(val)
	case primitive.M:
		return stripFromMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = stripFrameworkFields(item)
		}
		return out
	case primitive.A:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = stripFrameworkFields(item)
		}
		return out
	default:
		return v
	}
}

func stripFromMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if k == MetadataField || k == VersionField {
			continue
		}
		out[k] = stripFrameworkFields(v)
	}
	return out
}

// SourceVersion extracts the anti-loop counter from a document. A missing
// field reads as 0 so first enrichment of a fresh document can use the
// strict predicate. A non-integer value means the counter is untrackable
// and strict mode cannot be enforced for this item; nil signals that.
func SourceVersion(doc map[string]interface{}) *int64 {
	if doc == nil {
		zero := int64(0)
		return &zero
	}
	raw, ok := doc[VersionField]
	if !ok {
		zero := int64(0)
		return &zero
	}
	switch v := raw.(type) {
	case int:
		n := int64(v)
		return &n
	case int32:
		n := int64(v)
		return &n
	case int64:
		return &v
	case float64:
		// Mongo may hand back doubles for values written as numbers
		if v == float64(int64(v)) {
			n := int64(v)
			return &n
		}
		return nil
	default:
		return nil
	}
}
