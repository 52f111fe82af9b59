package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mongoclaw/mongoclaw/pkg/log"
)

// Registry lists agent definitions from the backing store
type Registry interface {
	ListAgents(ctx context.Context) ([]*Config, error)
}

// Cache keeps an in-memory snapshot of every agent definition and
// refreshes it on an interval or on demand. Change-stream activity on
// the agents collection triggers NotifyChange, so edits take effect
// within one refresh rather than one interval.
type Cache struct {
	registry Registry
	interval time.Duration

	mu     sync.RWMutex
	agents map[string]*Config

	refreshCh chan struct{}
	stopCh    chan struct{}
}

// NewCache creates an agent cache over a registry
func NewCache(registry Registry, interval time.Duration) *Cache {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Cache{
		registry:  registry,
		interval:  interval,
		agents:    make(map[string]*Config),
		refreshCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// Start loads the initial snapshot and begins the refresh loop. A
// failed initial load is fatal; later failures keep the old snapshot.
func (c *Cache) Start(ctx context.Context) error {
	if err := c.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to load agents: %w", err)
	}

	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
			case <-c.refreshCh:
			case <-c.stopCh:
				return
			}

			refreshCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := c.Refresh(refreshCtx); err != nil {
				log.Logger.Warn().Err(err).Msg("Agent cache refresh failed, keeping previous snapshot")
			}
			cancel()
		}
	}()
	return nil
}

// Stop halts the refresh loop
func (c *Cache) Stop() {
	close(c.stopCh)
}

// Refresh replaces the snapshot from the registry
func (c *Cache) Refresh(ctx context.Context) error {
	configs, err := c.registry.ListAgents(ctx)
	if err != nil {
		return err
	}

	next := make(map[string]*Config, len(configs))
	for _, cfg := range configs {
		next[cfg.ID] = cfg
	}

	c.mu.Lock()
	c.agents = next
	c.mu.Unlock()

	log.Logger.Debug().Int("agents", len(next)).Msg("Agent cache refreshed")
	return nil
}

// NotifyChange requests an early refresh without blocking the caller
func (c *Cache) NotifyChange() {
	select {
	case c.refreshCh <- struct{}{}:
	default:
	}
}

// Get returns an agent by id
func (c *Cache) Get(id string) (*Config, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cfg, ok := c.agents[id]
	return cfg, ok
}

// All returns every cached agent. Callers must not mutate the configs.
func (c *Cache) All() []*Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Config, 0, len(c.agents))
	for _, cfg := range c.agents {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Enabled returns every enabled cached agent
func (c *Cache) Enabled() []*Config {
	all := c.All()
	out := make([]*Config, 0, len(all))
	for _, cfg := range all {
		if cfg.IsEnabled() {
			out = append(out, cfg)
		}
	}
	return out
}

// WatchTargets returns the distinct namespaces enabled agents watch,
// sorted for stable comparison across refreshes
func (c *Cache) WatchTargets() []WatchTarget {
	seen := make(map[WatchTarget]bool)
	var targets []WatchTarget
	for _, cfg := range c.Enabled() {
		t := cfg.Target()
		if !seen[t] {
			seen[t] = true
			targets = append(targets, t)
		}
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].String() < targets[j].String() })
	return targets
}

// Len returns the snapshot size
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.agents)
}
