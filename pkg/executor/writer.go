package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/mongoclaw/mongoclaw/pkg/agent"
	"github.com/mongoclaw/mongoclaw/pkg/log"
	"github.com/mongoclaw/mongoclaw/pkg/metrics"
	"github.com/mongoclaw/mongoclaw/pkg/types"
)

const defaultIdempotencyTTL = 24 * time.Hour

// IdempotencyStore remembers which idempotency keys already produced a
// successful writeback.
type IdempotencyStore interface {
	SeenIdempotencyKey(ctx context.Context, agentID, key string) (bool, error)
	RecordIdempotencyKey(ctx context.Context, agentID, key string, ttl time.Duration) error
}

// Writer lands parsed results in their target collections. Writes are
// guarded by the item's idempotency key and, for strict agents, by the
// version predicate and an optional content-hash re-check.
type Writer struct {
	client  *mongo.Client
	idem    IdempotencyStore
	idemTTL time.Duration
	logger  zerolog.Logger
}

// NewWriter builds a result writer. A non-positive ttl selects the
// default idempotency window.
func NewWriter(client *mongo.Client, idem IdempotencyStore, ttl time.Duration) *Writer {
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	return &Writer{
		client:  client,
		idem:    idem,
		idemTTL: ttl,
		logger:  log.WithComponent("writer"),
	}
}

// Write applies the agent's write strategy to the target document. It
// reports whether a write landed and, when none did, the reason. An
// error means the write failed in a way the caller may account for;
// conflicts and duplicates are reported as reasons, not errors.
func (w *Writer) Write(ctx context.Context, a *agent.Config, item *types.WorkItem, resp *types.AIResponse) (bool, string, error) {
	if key := item.IdempotencyKey; key != "" && w.idem != nil {
		seen, err := w.idem.SeenIdempotencyKey(ctx, a.ID, key)
		if err != nil {
			w.logger.Warn().
				Err(err).
				Str("agent_id", a.ID).
				Msg("Idempotency lookup failed, writing anyway")
		} else if seen {
			w.logger.Debug().
				Str("agent_id", a.ID).
				Str("document_id", item.DocumentID).
				Str("idempotency_key", key).
				Msg("Skipping duplicate write")
			return false, types.ReasonDuplicate, nil
		}
	}

	target := a.WriteTarget()
	coll := w.client.Database(target.Database).Collection(target.Collection)
	docID := parseDocumentID(item.DocumentID)
	strict := a.Execution.Consistency == types.ConsistencyStrict

	if strict && a.Execution.RequireDocumentHashMatch && item.SourceDocumentHash != "" {
		conflict, reason, err := w.hashConflicts(ctx, coll, docID, item.SourceDocumentHash)
		if err != nil {
			return false, "", err
		}
		if conflict {
			if reason == types.ReasonHashConflict {
				metrics.HashConflictsTotal.WithLabelValues(a.ID).Inc()
				w.logger.Warn().
					Str("agent_id", a.ID).
					Str("document_id", item.DocumentID).
					Msg("Document content changed since dispatch, abandoning writeback")
			}
			return false, reason, nil
		}
	}

	update, err := buildUpdate(a, resp, item.ID)
	if err != nil {
		return false, "", err
	}

	filter := bson.M{"_id": docID}
	if strict {
		version := int64(0)
		if item.SourceVersion != nil {
			version = *item.SourceVersion
		}
		filter[types.VersionField] = versionPredicate(version)
		update["$inc"] = bson.M{types.VersionField: 1}
	}

	res, err := coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, "", err
	}
	if res.MatchedCount == 0 {
		if strict && w.documentExists(ctx, coll, docID) {
			metrics.VersionConflictsTotal.WithLabelValues(a.ID).Inc()
			w.logger.Warn().
				Str("agent_id", a.ID).
				Str("document_id", item.DocumentID).
				Msg("Document version advanced since dispatch, abandoning writeback")
			return false, types.ReasonStrictVersionConflict, nil
		}
		w.logger.Warn().
			Str("agent_id", a.ID).
			Str("document_id", item.DocumentID).
			Str("database", target.Database).
			Str("collection", target.Collection).
			Msg("Document not found for writeback")
		return false, types.ReasonWriteNoMatch, nil
	}

	if key := item.IdempotencyKey; key != "" && w.idem != nil {
		if err := w.idem.RecordIdempotencyKey(ctx, a.ID, key, w.idemTTL); err != nil {
			w.logger.Warn().
				Err(err).
				Str("agent_id", a.ID).
				Msg("Failed to record idempotency key")
		}
	}

	w.logger.Info().
		Str("agent_id", a.ID).
		Str("document_id", item.DocumentID).
		Str("database", target.Database).
		Str("collection", target.Collection).
		Str("strategy", string(a.Write.Strategy)).
		Msg("Wrote enrichment result")
	return true, types.ReasonWritten, nil
}

// hashConflicts re-reads the target document and compares its content
// hash to the one captured at dispatch.
func (w *Writer) hashConflicts(ctx context.Context, coll *mongo.Collection, docID interface{}, want string) (bool, string, error) {
	var current bson.M
	err := coll.FindOne(ctx, bson.M{"_id": docID}).Decode(&current)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return true, types.ReasonWriteNoMatch, nil
	}
	if err != nil {
		return false, "", err
	}
	if types.ContentHash(current) != want {
		return true, types.ReasonHashConflict, nil
	}
	return false, "", nil
}

func (w *Writer) documentExists(ctx context.Context, coll *mongo.Collection, docID interface{}) bool {
	n, err := coll.CountDocuments(ctx, bson.M{"_id": docID})
	return err == nil && n > 0
}

// buildUpdate assembles the update document for the agent's strategy,
// field map, and metadata settings.
func buildUpdate(a *agent.Config, resp *types.AIResponse, workItemID string) (bson.M, error) {
	content := mappedContent(a.Write, resultDocument(resp))

	var update bson.M
	switch a.Write.Strategy {
	case types.WriteAppend:
		if a.Write.ArrayField == "" {
			return nil, fmt.Errorf("agent %q: array_field is required for append writes", a.ID)
		}
		update = bson.M{"$push": bson.M{
			a.Write.ArrayField: bson.M{"$each": appendValues(resp, content)},
		}}
	case types.WriteNested:
		if a.Write.Path == "" {
			return nil, fmt.Errorf("agent %q: path is required for nested writes", a.ID)
		}
		set := bson.M{}
		for k, v := range content {
			set[a.Write.Path+"."+k] = v
		}
		update = bson.M{"$set": set}
	default:
		set := bson.M{}
		for k, v := range content {
			set[k] = v
		}
		update = bson.M{"$set": set}
	}

	if a.IncludeMetadata() {
		field := a.Write.MetadataField
		if field == "" {
			field = types.MetadataField
		}
		set, ok := update["$set"].(bson.M)
		if !ok {
			set = bson.M{}
			update["$set"] = set
		}
		set[field] = bson.M{
			"processed_at":    time.Now().UTC(),
			"work_item_id":    workItemID,
			"model":           resp.Model,
			"provider":        resp.Provider,
			"tokens":          resp.TotalTokens,
			"cost_usd":        resp.CostUSD,
			"latency_ms":      resp.Latency.Milliseconds(),
			"source_agent_id": a.ID,
		}
	}
	return update, nil
}

// mappedContent projects the result through the agent's field map and
// nests it under target_field for merge and replace writes.
func mappedContent(w agent.WriteSpec, parsed map[string]interface{}) map[string]interface{} {
	content := parsed
	if len(w.Fields) > 0 {
		mapped := make(map[string]interface{}, len(w.Fields))
		for source, target := range w.Fields {
			if v, ok := content[source]; ok {
				mapped[target] = v
			}
		}
		content = mapped
	}
	if w.TargetField != "" && (w.Strategy == "" || w.Strategy == types.WriteMerge || w.Strategy == types.WriteReplace) {
		content = map[string]interface{}{w.TargetField: content}
	}
	return content
}

// appendValues picks what lands in the array: a parsed list appends its
// elements, anything else appends the content document.
func appendValues(resp *types.AIResponse, content map[string]interface{}) []interface{} {
	if list, ok := resp.Parsed.([]interface{}); ok {
		return list
	}
	return []interface{}{content}
}

// versionPredicate matches the anti-loop counter captured at dispatch.
// A document never enriched carries no counter at all, so version zero
// also matches the absent field.
func versionPredicate(version int64) interface{} {
	if version == 0 {
		return bson.M{"$in": bson.A{nil, int64(0)}}
	}
	return version
}

// parseDocumentID restores the native _id type. 24-char hex strings
// round-trip back to ObjectIDs; everything else stays a string.
func parseDocumentID(id string) interface{} {
	if len(id) == 24 {
		if oid, err := primitive.ObjectIDFromHex(id); err == nil {
			return oid
		}
	}
	return id
}
