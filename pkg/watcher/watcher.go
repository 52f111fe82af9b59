package watcher

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/mongoclaw/mongoclaw/pkg/agent"
	"github.com/mongoclaw/mongoclaw/pkg/config"
	"github.com/mongoclaw/mongoclaw/pkg/log"
	"github.com/mongoclaw/mongoclaw/pkg/storage"
	"github.com/mongoclaw/mongoclaw/pkg/types"
)

const (
	// reconcileInterval bounds how long a namespace can stay unwatched
	// after an agent change the registry tail did not observe.
	reconcileInterval = 5 * time.Second

	registryTailRetryDelay = time.Second
)

// Dispatcher hands matched change events to the work queue.
type Dispatcher interface {
	DispatchBatch(ctx context.Context, agents []*agent.Config, event *types.ChangeEvent) []string
}

// streamHandle tracks one running namespace loop. The generation number
// distinguishes a loop from its replacement after a reconcile reopens the
// same namespace.
type streamHandle struct {
	cancel context.CancelFunc
	gen    uint64
}

// Watcher owns the change stream side of the pipeline: it opens one stream
// per watched namespace, keeps that set aligned with the agent cache, and
// dispatches every matched event.
type Watcher struct {
	client     *mongo.Client
	store      storage.Store
	cache      *agent.Cache
	dispatcher Dispatcher
	mongoCfg   config.MongoConfig
	hotReload  bool
	logger     zerolog.Logger

	mu      sync.Mutex
	streams map[string]streamHandle
	gen     uint64
	cancel  context.CancelFunc
	running bool

	wg sync.WaitGroup
}

// New builds a watcher over the given client and agent cache. When
// hotReload is set the watcher also tails the agent registry collection so
// edits take effect immediately.
func New(client *mongo.Client, store storage.Store, cache *agent.Cache, dispatcher Dispatcher, mongoCfg config.MongoConfig, hotReload bool) *Watcher {
	return &Watcher{
		client:     client,
		store:      store,
		cache:      cache,
		dispatcher: dispatcher,
		mongoCfg:   mongoCfg,
		hotReload:  hotReload,
		logger:     log.WithComponent("watcher"),
		streams:    make(map[string]streamHandle),
	}
}

// Start opens streams for the current watch targets and begins the
// background loops. It returns once the initial reconcile has run, and is
// a no-op while already started.
func (w *Watcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.Reconcile(ctx)

	w.wg.Add(1)
	go w.reconcileLoop(ctx)
	if w.hotReload {
		w.wg.Add(1)
		go w.tailAgentRegistry(ctx)
	}

	w.logger.Info().Int("streams", w.OpenStreams()).Msg("Change stream watcher started")
}

// Stop cancels every stream and waits for all loops to drain. The watcher
// can be started again afterwards.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	w.mu.Unlock()

	cancel()
	w.wg.Wait()

	w.mu.Lock()
	w.streams = make(map[string]streamHandle)
	w.mu.Unlock()

	w.logger.Info().Msg("Change stream watcher stopped")
}

// OpenStreams reports how many namespace streams are currently running.
func (w *Watcher) OpenStreams() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.streams)
}

// Reconcile aligns the set of open streams with the cache's watch targets,
// opening streams for new namespaces and cancelling ones no enabled agent
// watches anymore.
func (w *Watcher) Reconcile(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	targets := w.cache.WatchTargets()

	w.mu.Lock()
	add, remove := diffTargets(w.streams, targets)
	for _, ns := range remove {
		w.streams[ns].cancel()
		delete(w.streams, ns)
	}
	for _, target := range add {
		nsCtx, nsCancel := context.WithCancel(ctx)
		w.gen++
		w.streams[target.String()] = streamHandle{cancel: nsCancel, gen: w.gen}
		w.wg.Add(1)
		go w.watchNamespace(nsCtx, target, w.gen)
	}
	open := len(w.streams)
	w.mu.Unlock()

	if len(add) > 0 || len(remove) > 0 {
		w.logger.Info().
			Int("opened", len(add)).
			Int("closed", len(remove)).
			Int("open_streams", open).
			Msg("Reconciled watch targets")
	}
}

// forget removes a namespace from the running set so a later reconcile can
// reopen it. The generation check keeps a late-exiting loop from cancelling
// a replacement stream already opened under the same name.
func (w *Watcher) forget(ns string, gen uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if h, ok := w.streams[ns]; ok && h.gen == gen {
		h.cancel()
		delete(w.streams, ns)
	}
}

// diffTargets computes which namespaces to open and which to cancel so the
// running set matches want. Removals are sorted for stable logs.
func diffTargets(running map[string]streamHandle, want []agent.WatchTarget) (add []agent.WatchTarget, remove []string) {
	wanted := make(map[string]struct{}, len(want))
	for _, target := range want {
		ns := target.String()
		if _, ok := wanted[ns]; ok {
			continue
		}
		wanted[ns] = struct{}{}
		if _, ok := running[ns]; !ok {
			add = append(add, target)
		}
	}
	for ns := range running {
		if _, ok := wanted[ns]; !ok {
			remove = append(remove, ns)
		}
	}
	sort.Strings(remove)
	return add, remove
}

func (w *Watcher) reconcileLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Reconcile(ctx)
		}
	}
}

// tailAgentRegistry watches the agent registry collection and refreshes the
// cache on every change, so edits land without waiting for the next refresh
// tick.
func (w *Watcher) tailAgentRegistry(ctx context.Context) {
	defer w.wg.Done()

	coll := w.client.Database(w.mongoCfg.Database).Collection(w.mongoCfg.AgentsCollection)
	logger := w.logger.With().Str("collection", w.mongoCfg.AgentsCollection).Logger()

	for ctx.Err() == nil {
		stream, err := coll.Watch(ctx, mongo.Pipeline{})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn().Err(err).Msg("Failed to open agent registry stream")
			if !sleepCtx(ctx, registryTailRetryDelay) {
				return
			}
			continue
		}
		logger.Debug().Msg("Agent registry tail opened")

		for stream.Next(ctx) {
			if err := w.cache.Refresh(ctx); err != nil {
				logger.Warn().Err(err).Msg("Agent cache refresh failed")
				continue
			}
			w.Reconcile(ctx)
		}
		err = stream.Err()
		stream.Close(context.Background())
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Warn().Err(err).Msg("Agent registry stream interrupted")
		}
		if !sleepCtx(ctx, registryTailRetryDelay) {
			return
		}
	}
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
