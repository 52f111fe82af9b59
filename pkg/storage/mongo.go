package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mongoclaw/mongoclaw/pkg/agent"
	"github.com/mongoclaw/mongoclaw/pkg/config"
)

// MongoStore implements Store on MongoDB
type MongoStore struct {
	client       *mongo.Client
	agents       *mongo.Collection
	executions   *mongo.Collection
	resumeTokens *mongo.Collection
	idempotency  *mongo.Collection
}

// NewMongoStore connects and verifies the deployment is reachable
func NewMongoStore(ctx context.Context, cfg config.MongoConfig) (*MongoStore, error) {
	opts := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(cfg.MaxPoolSize).
		SetMinPoolSize(cfg.MinPoolSize).
		SetServerSelectionTimeout(cfg.ServerSelectionTimeout)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	db := client.Database(cfg.Database)
	return &MongoStore{
		client:       client,
		agents:       db.Collection(cfg.AgentsCollection),
		executions:   db.Collection(cfg.ExecutionsCollection),
		resumeTokens: db.Collection(cfg.ResumeTokensCollection),
		idempotency:  db.Collection(cfg.IdempotencyKeysCollection),
	}, nil
}

// Client exposes the underlying client for the change stream watcher
// and the writeback path, which operate on application namespaces.
func (s *MongoStore) Client() *mongo.Client {
	return s.client
}

// EnsureIndexes creates the framework indexes. Idempotent.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.agents.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "enabled", Value: 1}}},
		{Keys: bson.D{{Key: "watch.database", Value: 1}, {Key: "watch.collection", Value: 1}}},
		{Keys: bson.D{{Key: "tags", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to index agents: %w", err)
	}

	_, err = s.executions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "agent_id", Value: 1}, {Key: "started_at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("failed to index executions: %w", err)
	}

	_, err = s.idempotency.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return fmt.Errorf("failed to index idempotency keys: %w", err)
	}
	return nil
}

// Agent operations

func (s *MongoStore) CreateAgent(ctx context.Context, cfg *agent.Config) error {
	now := time.Now().UTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now

	_, err := s.agents.InsertOne(ctx, cfg)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %s", ErrAgentAlreadyExists, cfg.ID)
	}
	return err
}

func (s *MongoStore) GetAgent(ctx context.Context, id string) (*agent.Config, error) {
	var cfg agent.Config
	err := s.agents.FindOne(ctx, bson.M{"_id": id}).Decode(&cfg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *MongoStore) ListAgents(ctx context.Context) ([]*agent.Config, error) {
	return s.FindAgents(ctx, AgentQuery{})
}

func (s *MongoStore) ListEnabledAgents(ctx context.Context) ([]*agent.Config, error) {
	return s.FindAgents(ctx, AgentQuery{EnabledOnly: true})
}

// FindAgents lists agents matching the query, sorted by id. Namespace
// lookups ride the (watch.database, watch.collection) index.
func (s *MongoStore) FindAgents(ctx context.Context, q AgentQuery) ([]*agent.Config, error) {
	filter := bson.M{}
	if q.Database != "" {
		filter["watch.database"] = q.Database
	}
	if q.Collection != "" {
		filter["watch.collection"] = q.Collection
	}
	if q.Tag != "" {
		filter["tags"] = q.Tag
	}
	if q.EnabledOnly {
		filter["enabled"] = true
	}

	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if q.Offset > 0 {
		opts.SetSkip(q.Offset)
	}
	if q.Limit > 0 {
		opts.SetLimit(q.Limit)
	}

	cursor, err := s.agents.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var configs []*agent.Config
	for cursor.Next(ctx) {
		var cfg agent.Config
		if err := cursor.Decode(&cfg); err != nil {
			return nil, err
		}
		configs = append(configs, &cfg)
	}
	return configs, cursor.Err()
}

// WatchTargets returns the distinct namespaces agents watch, sorted
func (s *MongoStore) WatchTargets(ctx context.Context, enabledOnly bool) ([]agent.WatchTarget, error) {
	match := bson.M{}
	if enabledOnly {
		match["enabled"] = true
	}

	cursor, err := s.agents.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$group", Value: bson.M{"_id": bson.M{
			"database":   "$watch.database",
			"collection": "$watch.collection",
		}}}},
		{{Key: "$sort", Value: bson.D{
			{Key: "_id.database", Value: 1},
			{Key: "_id.collection", Value: 1},
		}}},
	})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var targets []agent.WatchTarget
	for cursor.Next(ctx) {
		var doc struct {
			Target agent.WatchTarget `bson:"_id"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		targets = append(targets, doc.Target)
	}
	return targets, cursor.Err()
}

// UpdateAgent replaces the stored definition, bumping version and
// updated_at on the passed config.
func (s *MongoStore) UpdateAgent(ctx context.Context, cfg *agent.Config) error {
	cfg.Version++
	cfg.UpdatedAt = time.Now().UTC()

	res, err := s.agents.ReplaceOne(ctx, bson.M{"_id": cfg.ID}, cfg)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, cfg.ID)
	}
	return nil
}

func (s *MongoStore) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.agents.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return nil
}

// SetAgentEnabled toggles the flag and bumps version so watchers and
// caches observe the change.
func (s *MongoStore) SetAgentEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.agents.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{"enabled": enabled, "updated_at": time.Now().UTC()},
		"$inc": bson.M{"version": 1},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return nil
}

func (s *MongoStore) CountAgents(ctx context.Context) (int, int, error) {
	enabled, err := s.agents.CountDocuments(ctx, bson.M{"enabled": true})
	if err != nil {
		return 0, 0, err
	}
	disabled, err := s.agents.CountDocuments(ctx, bson.M{"enabled": bson.M{"$ne": true}})
	if err != nil {
		return 0, 0, err
	}
	return int(enabled), int(disabled), nil
}

// Resume token operations

type resumeTokenDoc struct {
	Namespace string    `bson:"_id"`
	Token     bson.Raw  `bson:"token"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func (s *MongoStore) SaveResumeToken(ctx context.Context, namespace string, token bson.Raw) error {
	_, err := s.resumeTokens.ReplaceOne(ctx,
		bson.M{"_id": namespace},
		resumeTokenDoc{Namespace: namespace, Token: token, UpdatedAt: time.Now().UTC()},
		options.Replace().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) LoadResumeToken(ctx context.Context, namespace string) (bson.Raw, error) {
	var doc resumeTokenDoc
	err := s.resumeTokens.FindOne(ctx, bson.M{"_id": namespace}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc.Token, nil
}

// ResumeTokenAge reports how long ago the namespace's token was saved.
// A token older than the oplog retention window cannot resume.
func (s *MongoStore) ResumeTokenAge(ctx context.Context, namespace string) (time.Duration, error) {
	var doc struct {
		UpdatedAt time.Time `bson:"updated_at"`
	}
	err := s.resumeTokens.FindOne(ctx, bson.M{"_id": namespace},
		options.FindOne().SetProjection(bson.M{"updated_at": 1}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return time.Since(doc.UpdatedAt), nil
}

func (s *MongoStore) DeleteResumeToken(ctx context.Context, namespace string) error {
	_, err := s.resumeTokens.DeleteOne(ctx, bson.M{"_id": namespace})
	return err
}

// Execution record operations

func (s *MongoStore) RecordExecution(ctx context.Context, rec *ExecutionRecord) error {
	_, err := s.executions.ReplaceOne(ctx,
		bson.M{"_id": rec.WorkItemID},
		rec,
		options.Replace().SetUpsert(true),
	)
	return err
}

func (s *MongoStore) GetExecution(ctx context.Context, workItemID string) (*ExecutionRecord, error) {
	var rec ExecutionRecord
	err := s.executions.FindOne(ctx, bson.M{"_id": workItemID}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, workItemID)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *MongoStore) ListExecutions(ctx context.Context, agentID string, limit int64) ([]*ExecutionRecord, error) {
	filter := bson.M{}
	if agentID != "" {
		filter["agent_id"] = agentID
	}
	opts := options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}

	cursor, err := s.executions.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var records []*ExecutionRecord
	for cursor.Next(ctx) {
		var rec ExecutionRecord
		if err := cursor.Decode(&rec); err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}
	return records, cursor.Err()
}

// Idempotency key operations

type idempotencyDoc struct {
	ID        string    `bson:"_id"`
	AgentID   string    `bson:"agent_id"`
	Key       string    `bson:"key"`
	CreatedAt time.Time `bson:"created_at"`
	ExpiresAt time.Time `bson:"expires_at"`
}

func idempotencyID(agentID, key string) string {
	return agentID + ":" + key
}

// SeenIdempotencyKey checks expiry explicitly: the TTL monitor deletes
// lazily, so an expired-but-present document must not count.
func (s *MongoStore) SeenIdempotencyKey(ctx context.Context, agentID, key string) (bool, error) {
	n, err := s.idempotency.CountDocuments(ctx, bson.M{
		"_id":        idempotencyID(agentID, key),
		"expires_at": bson.M{"$gt": time.Now().UTC()},
	})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *MongoStore) RecordIdempotencyKey(ctx context.Context, agentID, key string, ttl time.Duration) error {
	now := time.Now().UTC()
	_, err := s.idempotency.ReplaceOne(ctx,
		bson.M{"_id": idempotencyID(agentID, key)},
		idempotencyDoc{
			ID:        idempotencyID(agentID, key),
			AgentID:   agentID,
			Key:       key,
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
		},
		options.Replace().SetUpsert(true),
	)
	return err
}

// Lifecycle

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
