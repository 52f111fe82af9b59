// Package election provides lease-based leader election over MongoDB.
// Replicas race a conditional upsert on a named lock document; the
// holder renews its lease on an interval and self-demotes when a renew
// finds the lock no longer its own. A TTL index sweeps stale leases so
// a crashed leader's lock disappears without operator action.
package election

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mongoclaw/mongoclaw/pkg/log"
	"github.com/mongoclaw/mongoclaw/pkg/metrics"
)

const (
	// DefaultLockName is the resource the change-stream watcher
	// contends on.
	DefaultLockName = "change_stream_leader"

	DefaultLeaseDuration = 30 * time.Second
	DefaultRenewInterval = 10 * time.Second
)

// ErrNotLeader reports an operation that requires leadership on an
// instance that does not hold it.
var ErrNotLeader = errors.New("instance is not the leader")

// Election contends for a named lock. Callbacks run on the election
// loop goroutine and must return promptly; long work belongs on the
// callee's own goroutines.
type Election struct {
	coll          *mongo.Collection
	lockName      string
	instanceID    string
	leaseDuration time.Duration
	renewInterval time.Duration
	logger        zerolog.Logger

	onElected func()
	onDemoted func()

	mu       sync.Mutex
	isLeader bool

	stopCh chan struct{}
	done   chan struct{}
}

// New creates an election over the given collection. Zero or negative
// durations take the defaults; renew must stay well under the lease so
// a healthy leader gets several renew attempts per window.
func New(coll *mongo.Collection, lockName string, leaseDuration, renewInterval time.Duration) *Election {
	if lockName == "" {
		lockName = DefaultLockName
	}
	if leaseDuration <= 0 {
		leaseDuration = DefaultLeaseDuration
	}
	if renewInterval <= 0 {
		renewInterval = DefaultRenewInterval
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "local"
	}
	return &Election{
		coll:          coll,
		lockName:      lockName,
		instanceID:    fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
		leaseDuration: leaseDuration,
		renewInterval: renewInterval,
		logger:        log.WithComponent("election"),
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// InstanceID returns this replica's identity in the lock document
func (e *Election) InstanceID() string {
	return e.instanceID
}

// OnElected registers the leadership-gained callback. Set before Start.
func (e *Election) OnElected(fn func()) {
	e.onElected = fn
}

// OnDemoted registers the leadership-lost callback. Set before Start.
func (e *Election) OnDemoted(fn func()) {
	e.onDemoted = fn
}

// IsLeader reports whether this instance currently holds the lease
func (e *Election) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isLeader
}

// RequireLeader returns ErrNotLeader unless this instance is leader
func (e *Election) RequireLeader() error {
	if !e.IsLeader() {
		return ErrNotLeader
	}
	return nil
}

// EnsureIndexes creates the unique lock index and the TTL sweep on
// expires_at.
func (e *Election) EnsureIndexes(ctx context.Context) error {
	_, err := e.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "lock_name", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	})
	if err != nil {
		return fmt.Errorf("create election indexes: %w", err)
	}
	return nil
}

// Start attempts an immediate acquisition and launches the loop that
// renews or re-contends every renew interval.
func (e *Election) Start(ctx context.Context) {
	e.logger.Info().
		Str("instance_id", e.instanceID).
		Str("lock_name", e.lockName).
		Dur("lease", e.leaseDuration).
		Dur("renew_interval", e.renewInterval).
		Msg("Starting leader election")

	e.cycle(ctx)

	go func() {
		defer close(e.done)
		ticker := time.NewTicker(e.renewInterval)
		defer ticker.Stop()
		for {
			select {
			case <-e.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.cycle(ctx)
			}
		}
	}()
}

// Stop halts the loop and releases the lease if held
func (e *Election) Stop(ctx context.Context) {
	close(e.stopCh)
	<-e.done

	if e.IsLeader() {
		e.release(ctx)
	}
	e.logger.Info().Str("instance_id", e.instanceID).Msg("Stopped leader election")
}

func (e *Election) cycle(ctx context.Context) {
	if e.IsLeader() {
		if !e.renew(ctx) {
			e.demote()
		}
		return
	}
	e.tryAcquire(ctx)
}

// tryAcquire upserts the lock iff it is absent, expired, or already
// ours. A duplicate-key error means another instance holds a live
// lease.
func (e *Election) tryAcquire(ctx context.Context) bool {
	now := time.Now().UTC()

	filter := bson.M{
		"lock_name": e.lockName,
		"$or": bson.A{
			bson.M{"holder": e.instanceID},
			bson.M{"expires_at": bson.M{"$lt": now}},
		},
	}
	update := bson.M{
		"$set": bson.M{
			"holder":      e.instanceID,
			"expires_at":  now.Add(e.leaseDuration),
			"acquired_at": now,
		},
		"$setOnInsert": bson.M{"lock_name": e.lockName},
	}

	res, err := e.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		if !mongo.IsDuplicateKeyError(err) {
			e.logger.Warn().
				Str("instance_id", e.instanceID).
				Err(err).
				Msg("Failed to acquire leadership")
		}
		return false
	}
	if res.ModifiedCount > 0 || res.UpsertedCount > 0 {
		e.becomeLeader()
		return true
	}
	return false
}

// renew extends the lease while the lock is still ours. Zero modified
// documents means the lock moved on; a transient error keeps
// leadership and retries on the next tick, within the lease window.
func (e *Election) renew(ctx context.Context) bool {
	now := time.Now().UTC()

	res, err := e.coll.UpdateOne(ctx,
		bson.M{"lock_name": e.lockName, "holder": e.instanceID},
		bson.M{"$set": bson.M{
			"expires_at": now.Add(e.leaseDuration),
			"renewed_at": now,
		}},
	)
	if err != nil {
		e.logger.Warn().
			Str("instance_id", e.instanceID).
			Err(err).
			Msg("Failed to renew lease, retrying next cycle")
		return true
	}
	if res.ModifiedCount == 0 {
		return false
	}

	e.logger.Debug().
		Str("instance_id", e.instanceID).
		Time("expires_at", now.Add(e.leaseDuration)).
		Msg("Renewed leadership lease")
	return true
}

func (e *Election) release(ctx context.Context) {
	res, err := e.coll.DeleteOne(ctx, bson.M{
		"lock_name": e.lockName,
		"holder":    e.instanceID,
	})
	if err != nil {
		e.logger.Warn().
			Str("instance_id", e.instanceID).
			Err(err).
			Msg("Failed to release lease, TTL will reclaim it")
	} else if res.DeletedCount > 0 {
		e.logger.Info().Str("instance_id", e.instanceID).Msg("Released leadership")
	}
	e.demote()
}

func (e *Election) becomeLeader() {
	e.mu.Lock()
	if e.isLeader {
		e.mu.Unlock()
		return
	}
	e.isLeader = true
	e.mu.Unlock()

	metrics.IsLeader.Set(1)
	e.logger.Info().Str("instance_id", e.instanceID).Msg("Acquired leadership")
	if e.onElected != nil {
		e.onElected()
	}
}

func (e *Election) demote() {
	e.mu.Lock()
	if !e.isLeader {
		e.mu.Unlock()
		return
	}
	e.isLeader = false
	e.mu.Unlock()

	metrics.IsLeader.Set(0)
	e.logger.Warn().Str("instance_id", e.instanceID).Msg("Lost leadership")
	if e.onDemoted != nil {
		e.onDemoted()
	}
}

// CurrentLeader returns the live lease holder, or "" when the lock is
// absent or expired.
func (e *Election) CurrentLeader(ctx context.Context) (string, error) {
	var doc struct {
		Holder string `bson:"holder"`
	}
	err := e.coll.FindOne(ctx, bson.M{
		"lock_name":  e.lockName,
		"expires_at": bson.M{"$gt": time.Now().UTC()},
	}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return "", nil
		}
		return "", fmt.Errorf("find current leader: %w", err)
	}
	return doc.Holder, nil
}
