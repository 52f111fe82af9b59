package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/mongoclaw/mongoclaw/pkg/agent"
)

// MemoryStore implements Store in process memory. Tests and the dry-run
// CLI paths use it; there is no durability.
type MemoryStore struct {
	mu          sync.RWMutex
	agents      map[string]*agent.Config
	tokens      map[string]savedToken
	executions  map[string]*ExecutionRecord
	idempotency map[string]time.Time
}

type savedToken struct {
	raw bson.Raw
	at  time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:      make(map[string]*agent.Config),
		tokens:      make(map[string]savedToken),
		executions:  make(map[string]*ExecutionRecord),
		idempotency: make(map[string]time.Time),
	}
}

func (s *MemoryStore) CreateAgent(ctx context.Context, cfg *agent.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.agents[cfg.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAgentAlreadyExists, cfg.ID)
	}
	now := time.Now().UTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	s.agents[cfg.ID] = cfg
	return nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, id string) (*agent.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return cfg, nil
}

func (s *MemoryStore) ListAgents(ctx context.Context) ([]*agent.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedAgents(func(*agent.Config) bool { return true }), nil
}

func (s *MemoryStore) ListEnabledAgents(ctx context.Context) ([]*agent.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedAgents(func(cfg *agent.Config) bool { return cfg.IsEnabled() }), nil
}

func (s *MemoryStore) FindAgents(ctx context.Context, q AgentQuery) ([]*agent.Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.sortedAgents(func(cfg *agent.Config) bool { return matchesQuery(cfg, q) })
	if q.Offset > 0 {
		if q.Offset >= int64(len(out)) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < int64(len(out)) {
		out = out[:q.Limit]
	}
	return out, nil
}

func matchesQuery(cfg *agent.Config, q AgentQuery) bool {
	if q.EnabledOnly && !cfg.IsEnabled() {
		return false
	}
	if q.Database != "" && cfg.Watch.Database != q.Database {
		return false
	}
	if q.Collection != "" && cfg.Watch.Collection != q.Collection {
		return false
	}
	if q.Tag != "" {
		found := false
		for _, tag := range cfg.Tags {
			if tag == q.Tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (s *MemoryStore) WatchTargets(ctx context.Context, enabledOnly bool) ([]agent.WatchTarget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[agent.WatchTarget]bool)
	var targets []agent.WatchTarget
	for _, cfg := range s.agents {
		if enabledOnly && !cfg.IsEnabled() {
			continue
		}
		t := cfg.Target()
		if !seen[t] {
			seen[t] = true
			targets = append(targets, t)
		}
	}
	sort.Slice(targets, func(i, j int) bool {
		if targets[i].Database != targets[j].Database {
			return targets[i].Database < targets[j].Database
		}
		return targets[i].Collection < targets[j].Collection
	})
	return targets, nil
}

func (s *MemoryStore) sortedAgents(keep func(*agent.Config) bool) []*agent.Config {
	var out []*agent.Config
	for _, cfg := range s.agents {
		if keep(cfg) {
			out = append(out, cfg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) UpdateAgent(ctx context.Context, cfg *agent.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.agents[cfg.ID]; !exists {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, cfg.ID)
	}
	cfg.Version++
	cfg.UpdatedAt = time.Now().UTC()
	s.agents[cfg.ID] = cfg
	return nil
}

func (s *MemoryStore) DeleteAgent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.agents[id]; !exists {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	delete(s.agents, id)
	return nil
}

func (s *MemoryStore) SetAgentEnabled(ctx context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, exists := s.agents[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	cfg.Enabled = &enabled
	cfg.Version++
	cfg.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) CountAgents(ctx context.Context) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	enabled, disabled := 0, 0
	for _, cfg := range s.agents {
		if cfg.IsEnabled() {
			enabled++
		} else {
			disabled++
		}
	}
	return enabled, disabled, nil
}

func (s *MemoryStore) SaveResumeToken(ctx context.Context, namespace string, token bson.Raw) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[namespace] = savedToken{raw: token, at: time.Now().UTC()}
	return nil
}

func (s *MemoryStore) LoadResumeToken(ctx context.Context, namespace string) (bson.Raw, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens[namespace].raw, nil
}

func (s *MemoryStore) ResumeTokenAge(ctx context.Context, namespace string) (time.Duration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[namespace]
	if !ok {
		return 0, nil
	}
	return time.Since(tok.at), nil
}

func (s *MemoryStore) DeleteResumeToken(ctx context.Context, namespace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, namespace)
	return nil
}

func (s *MemoryStore) RecordExecution(ctx context.Context, rec *ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[rec.WorkItemID] = rec
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, workItemID string) (*ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.executions[workItemID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, workItemID)
	}
	return rec, nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, agentID string, limit int64) ([]*ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ExecutionRecord
	for _, rec := range s.executions {
		if agentID == "" || rec.AgentID == agentID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SeenIdempotencyKey(ctx context.Context, agentID, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	expiry, ok := s.idempotency[idempotencyID(agentID, key)]
	return ok && expiry.After(time.Now()), nil
}

func (s *MemoryStore) RecordIdempotencyKey(ctx context.Context, agentID, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idempotency[idempotencyID(agentID, key)] = time.Now().Add(ttl)
	return nil
}

func (s *MemoryStore) EnsureIndexes(ctx context.Context) error { return nil }
func (s *MemoryStore) Ping(ctx context.Context) error          { return nil }
func (s *MemoryStore) Close(ctx context.Context) error         { return nil }
