package watcher

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mongoclaw/mongoclaw/pkg/agent"
	"github.com/mongoclaw/mongoclaw/pkg/log"
	"github.com/mongoclaw/mongoclaw/pkg/matcher"
	"github.com/mongoclaw/mongoclaw/pkg/metrics"
	"github.com/mongoclaw/mongoclaw/pkg/types"
)

const (
	streamRetryBase    = time.Second
	streamRetryMax     = time.Minute
	streamRetryCeiling = 5

	// changeStreamHistoryLost is the server error code raised when the
	// oplog no longer covers a saved resume point.
	changeStreamHistoryLost = 286
)

// watchNamespace runs the change stream loop for one namespace until its
// context is cancelled or the retry ceiling is hit. On exit it removes
// itself from the running set so a later reconcile can reopen the stream.
func (w *Watcher) watchNamespace(ctx context.Context, target agent.WatchTarget, gen uint64) {
	defer w.wg.Done()
	ns := target.String()
	defer w.forget(ns, gen)

	logger := log.WithNamespace(target.Database, target.Collection)
	coll := w.client.Database(target.Database).Collection(target.Collection)

	attempts := 0
	for ctx.Err() == nil {
		stream, err := w.openStream(ctx, coll, ns, logger)
		if err == nil {
			attempts = 0
			logger.Info().Msg("Change stream opened")
			err = w.consume(ctx, stream, target, logger)
			stream.Close(context.Background())
		}
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			continue
		}
		if isHistoryLost(err) {
			logger.Warn().Err(err).
				Msg("Resume point fell off the oplog, restarting from now; intervening events are lost")
			w.dropResumeToken(ctx, ns, logger)
			attempts = 0
			continue
		}
		attempts++
		if attempts > streamRetryCeiling {
			logger.Error().Err(err).
				Msg("Giving up on change stream until next reconcile")
			return
		}
		delay := retryDelay(attempts)
		logger.Warn().Err(err).
			Int("attempt", attempts).
			Dur("backoff", delay).
			Msg("Change stream interrupted, backing off")
		if !sleepCtx(ctx, delay) {
			return
		}
	}
}

// openStream opens a change stream for one collection, resuming from the
// saved token when one exists. A token that fails to load is logged and
// skipped so the stream still opens from the current position.
func (w *Watcher) openStream(ctx context.Context, coll *mongo.Collection, ns string, logger zerolog.Logger) (*mongo.ChangeStream, error) {
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)

	token, err := w.store.LoadResumeToken(ctx, ns)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to load resume token, starting from current position")
	} else if token != nil {
		opts.SetResumeAfter(token)
		logger.Debug().Msg("Resuming change stream from saved token")
	}

	return coll.Watch(ctx, mongo.Pipeline{}, opts)
}

// consume drains events until the stream breaks or the context ends.
// Cancellation is reported as a nil error so the caller exits cleanly.
func (w *Watcher) consume(ctx context.Context, stream *mongo.ChangeStream, target agent.WatchTarget, logger zerolog.Logger) error {
	for stream.Next(ctx) {
		var raw bson.M
		if err := stream.Decode(&raw); err != nil {
			logger.Warn().Err(err).Msg("Failed to decode change event")
			continue
		}
		w.handleChange(ctx, raw, stream.ResumeToken(), target, logger)
	}
	if ctx.Err() != nil {
		return nil
	}
	return stream.Err()
}

// handleChange turns one raw change document into a dispatch. The resume
// token is persisted before matching so a crash past this point re-delivers
// the event instead of losing it.
func (w *Watcher) handleChange(ctx context.Context, raw bson.M, token bson.Raw, target agent.WatchTarget, logger zerolog.Logger) {
	event := parseChangeEvent(raw, target.Database, target.Collection)

	metrics.ChangeEventsTotal.WithLabelValues(target.Database, target.Collection, string(event.Operation)).Inc()
	if event.ClusterTime.T > 0 {
		lag := time.Since(time.Unix(int64(event.ClusterTime.T), 0)).Seconds()
		if lag < 0 {
			lag = 0
		}
		metrics.ChangeStreamLag.WithLabelValues(target.Database, target.Collection).Set(lag)
	}

	if len(token) > 0 {
		event.ResumeToken = []byte(token)
		if err := w.store.SaveResumeToken(ctx, target.String(), token); err != nil {
			logger.Warn().Err(err).Msg("Failed to save resume token")
		}
	}

	matched := matcher.MatchAgents(w.cache.Enabled(), event)
	if len(matched) == 0 {
		logger.Debug().Str("operation", string(event.Operation)).Msg("No agents matched change event")
		return
	}

	ids := w.dispatcher.DispatchBatch(ctx, matched, event)
	logger.Debug().
		Str("operation", string(event.Operation)).
		Int("matched", len(matched)).
		Int("enqueued", len(ids)).
		Msg("Dispatched change event")
}

func (w *Watcher) dropResumeToken(ctx context.Context, ns string, logger zerolog.Logger) {
	if err := w.store.DeleteResumeToken(ctx, ns); err != nil {
		logger.Warn().Err(err).Msg("Failed to delete stale resume token")
	}
}

// parseChangeEvent maps a raw change stream document onto a ChangeEvent.
// Unknown operation types are coerced to updates rather than dropped.
func parseChangeEvent(raw bson.M, database, collection string) *types.ChangeEvent {
	event := &types.ChangeEvent{
		Database:   database,
		Collection: collection,
	}
	op, _ := raw["operationType"].(string)
	event.Operation = types.ParseOperation(op)

	if dk, ok := asDocument(raw["documentKey"]); ok {
		event.DocumentKey = dk
	}
	if fd, ok := asDocument(raw["fullDocument"]); ok {
		event.FullDocument = fd
	}
	if ud, ok := asDocument(raw["updateDescription"]); ok {
		event.UpdateDescription = ud
	}
	if ct, ok := raw["clusterTime"].(primitive.Timestamp); ok {
		event.ClusterTime = ct
	}
	if wt, ok := raw["wallTime"].(primitive.DateTime); ok {
		event.WallTime = wt.Time()
	}
	return event
}

func asDocument(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case bson.M:
		return m, true
	}
	return nil, false
}

// isHistoryLost reports whether an error means the saved resume point is no
// longer usable and the stream must restart from the current position.
func isHistoryLost(err error) bool {
	if err == nil {
		return false
	}
	var se mongo.ServerError
	if errors.As(err, &se) && se.HasErrorCode(changeStreamHistoryLost) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"changestreamhistorylost",
		"cappedpositionlost",
		"resume token",
		"resume point",
		"oplog",
		"invalidate",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// retryDelay grows 1s, 2s, 4s and so on, capped at streamRetryMax.
func retryDelay(attempt int) time.Duration {
	d := streamRetryBase << (attempt - 1)
	if d > streamRetryMax || d <= 0 {
		return streamRetryMax
	}
	return d
}
