package runtime

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/mongoclaw/mongoclaw/pkg/agent"
	"github.com/mongoclaw/mongoclaw/pkg/ai"
	"github.com/mongoclaw/mongoclaw/pkg/config"
	"github.com/mongoclaw/mongoclaw/pkg/dispatcher"
	"github.com/mongoclaw/mongoclaw/pkg/election"
	"github.com/mongoclaw/mongoclaw/pkg/events"
	"github.com/mongoclaw/mongoclaw/pkg/executor"
	"github.com/mongoclaw/mongoclaw/pkg/health"
	"github.com/mongoclaw/mongoclaw/pkg/log"
	"github.com/mongoclaw/mongoclaw/pkg/metrics"
	"github.com/mongoclaw/mongoclaw/pkg/queue"
	"github.com/mongoclaw/mongoclaw/pkg/storage"
	"github.com/mongoclaw/mongoclaw/pkg/types"
	"github.com/mongoclaw/mongoclaw/pkg/watcher"
	"github.com/mongoclaw/mongoclaw/pkg/worker"
)

const (
	cacheRefreshInterval = 30 * time.Second
	healthCheckTimeout   = 10 * time.Second
	healthCacheTTL       = 5 * time.Second

	// teardownTimeout bounds the close work that follows the worker
	// pool drain: lease release, server shutdown, store disconnect.
	teardownTimeout = 15 * time.Second

	// dlqWarnDepth is the dead-letter backlog at which the health
	// report degrades.
	dlqWarnDepth = 1000
)

// Runtime owns every component of a mongoclaw instance.
type Runtime struct {
	cfg     *config.Config
	version string
	logger  zerolog.Logger

	store     *storage.MongoStore
	cache     *agent.Cache
	queue     *queue.RedisQueue
	groups    *queue.GroupManager
	dlq       *queue.DLQ
	broker    *events.Broker
	eventSub  events.Subscriber
	router    *ai.Router
	exec      *executor.Executor
	pool      *worker.Pool
	disp      *dispatcher.Dispatcher
	watch     *watcher.Watcher
	elect     *election.Election
	collector *metrics.Collector
	checker   *health.Checker
	httpSrv   *http.Server

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	cancel    context.CancelFunc
}

// New creates a runtime for the given configuration. Nothing connects
// until Start.
func New(cfg *config.Config, version string) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  log.WithComponent("runtime"),
	}
}

// Start connects the stores and brings up every component. On error
// the partially started set is torn down before returning.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("runtime already started")
	}
	r.running = true
	r.startedAt = time.Now().UTC()
	r.mu.Unlock()

	r.logger.Info().
		Str("version", r.version).
		Str("environment", r.cfg.Environment).
		Bool("leader_election", r.cfg.LeaderElectionEnabled).
		Msg("Starting mongoclaw runtime")

	// Component loops outlive the start context: shutdown is ordered
	// by Stop, not by the caller's cancellation.
	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	if err := r.bootstrap(ctx, runCtx); err != nil {
		r.teardown()
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		return err
	}

	r.publish(events.EventRuntimeStarted, "runtime started", map[string]string{
		"version":     r.version,
		"environment": r.cfg.Environment,
	})
	r.logger.Info().Msg("mongoclaw runtime started")
	return nil
}

func (r *Runtime) bootstrap(ctx, runCtx context.Context) error {
	store, err := storage.NewMongoStore(ctx, r.cfg.Mongo)
	if err != nil {
		return fmt.Errorf("mongodb: %w", err)
	}
	r.store = store
	if err := store.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("mongodb indexes: %w", err)
	}

	r.cache = agent.NewCache(store, cacheRefreshInterval)
	if err := r.cache.Start(ctx); err != nil {
		return fmt.Errorf("agent cache: %w", err)
	}

	q, err := queue.NewRedisQueue(ctx, r.cfg.Redis)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	r.queue = q
	r.groups = queue.NewGroupManager(q, r.cfg.Redis.ConsumerGroup, r.cfg.Worker.ClaimInterval, r.cfg.Worker.ClaimMinIdle)
	r.dlq = queue.NewDLQ(q, queue.DLQStream, 0)

	r.broker = events.NewBroker()
	r.broker.Start()
	r.eventSub = r.broker.Subscribe()
	go r.eventLog(r.eventSub)

	r.router = ai.NewRouter(r.cfg.AI)

	writer := executor.NewWriter(store.Client(), store, 0)
	r.exec = executor.New(r.cache, r.router, writer, store, r.cfg.Worker)
	r.exec.OnQuarantine = func(agentID string, until time.Time) {
		r.publish(events.EventAgentQuarantined,
			fmt.Sprintf("agent %s quarantined until %s", agentID, until.Format(time.RFC3339)),
			map[string]string{"agent_id": agentID, "until": until.Format(time.RFC3339)})
	}

	r.pool = worker.New(q, r.cache, r.exec, r.cfg.Worker, r.cfg.Redis)
	r.pool.OnStreamsUpdated = r.groups.SyncStreams
	r.pool.OnDeadLetter = func(item *types.WorkItem, reason string) {
		r.publish(events.EventItemDeadLettered,
			fmt.Sprintf("work item %s dead-lettered: %s", item.ID, reason),
			map[string]string{"work_item_id": item.ID, "agent_id": item.AgentID, "reason": reason})
	}

	r.disp = dispatcher.New(q, r.cfg.Worker, r.cfg.Redis.StreamMaxLen)
	r.watch = watcher.New(store.Client(), store, r.cache, r.disp, r.cfg.Mongo, r.cfg.HotReloadEnabled)

	if r.cfg.LeaderElectionEnabled {
		coll := store.Client().Database(r.cfg.Mongo.Database).Collection(r.cfg.Mongo.LeaderElectionCollection)
		r.elect = election.New(coll, election.DefaultLockName, election.DefaultLeaseDuration, election.DefaultRenewInterval)
		if err := r.elect.EnsureIndexes(ctx); err != nil {
			return fmt.Errorf("election indexes: %w", err)
		}
		r.elect.OnElected(func() {
			r.watch.Start(runCtx)
			r.publish(events.EventLeaderElected, "acquired change stream lease",
				map[string]string{"instance_id": r.elect.InstanceID()})
		})
		r.elect.OnDemoted(func() {
			r.watch.Stop()
			r.publish(events.EventLeaderDemoted, "lost change stream lease",
				map[string]string{"instance_id": r.elect.InstanceID()})
		})
		r.elect.Start(runCtx)
	} else {
		r.watch.Start(runCtx)
	}

	if err := r.pool.Start(runCtx); err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}
	r.groups.Start()

	if r.cfg.Observability.MetricsEnabled {
		r.collector = metrics.NewCollector(store, q, r.cfg.Redis.ConsumerGroup, r.cfg.Worker.PendingMetricsInterval)
		r.collector.Start()
	}

	r.checker = health.NewChecker(healthCheckTimeout, healthCacheTTL)
	r.checker.Register("mongodb", health.PingCheck("mongodb", store.Ping))
	r.checker.Register("redis", health.PingCheck("redis", q.Ping))
	r.checker.Register("dead_letter_queue", health.DepthCheck("dead_letter_queue", r.dlq.Count, dlqWarnDepth))
	r.checker.Register("change_stream", r.changeStreamCheck)

	r.httpSrv = r.newHTTPServer()
	go func() {
		if err := r.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error().Err(err).Msg("Observability server failed")
		}
	}()

	return nil
}

// changeStreamCheck reports watch activity. A follower with no open
// streams is healthy, it is simply not holding the lease.
func (r *Runtime) changeStreamCheck(ctx context.Context) health.Result {
	open := r.watch.OpenStreams()
	result := health.Result{
		Status:  health.StatusHealthy,
		Details: map[string]interface{}{"open_streams": open},
	}
	if age := r.oldestTokenAge(ctx); age > 0 {
		result.Details["oldest_token_age_seconds"] = int64(age.Seconds())
	}
	if r.elect != nil && !r.elect.IsLeader() {
		result.Message = "standing by as follower"
		return result
	}
	result.Message = fmt.Sprintf("watching %d namespaces", open)
	return result
}

// oldestTokenAge scans the watched namespaces for the stalest saved
// resume token. Idle namespaces age without fault; the value never
// feeds the health status.
func (r *Runtime) oldestTokenAge(ctx context.Context) time.Duration {
	if r.store == nil || r.cache == nil {
		return 0
	}
	var oldest time.Duration
	for _, target := range r.cache.WatchTargets() {
		age, err := r.store.ResumeTokenAge(ctx, target.String())
		if err != nil {
			r.logger.Warn().Err(err).Str("namespace", target.String()).Msg("Resume token age lookup failed")
			continue
		}
		if age > oldest {
			oldest = age
		}
	}
	return oldest
}

// Stop shuts the runtime down in reverse dependency order. It is a
// no-op when the runtime is not running.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.logger.Info().Msg("Stopping mongoclaw runtime")
	r.publish(events.EventRuntimeStopping, "runtime stopping", nil)
	r.teardown()
	r.logger.Info().Msg("mongoclaw runtime stopped")
}

func (r *Runtime) teardown() {
	// The pool drain may consume its full shutdown timeout before the
	// lease release and store disconnect run, so the context covers both.
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Worker.ShutdownTimeout+teardownTimeout)
	defer cancel()

	if r.httpSrv != nil {
		if err := r.httpSrv.Shutdown(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("Observability server shutdown failed")
		}
	}
	if r.collector != nil {
		r.collector.Stop()
	}
	if r.pool != nil {
		r.pool.Stop()
	}
	if r.elect != nil {
		r.elect.Stop(ctx)
	}
	if r.watch != nil {
		r.watch.Stop()
	}
	if r.groups != nil {
		r.groups.Stop()
	}
	if r.broker != nil {
		if r.eventSub != nil {
			r.broker.Unsubscribe(r.eventSub)
		}
		r.broker.Stop()
	}
	if r.cache != nil {
		r.cache.Stop()
	}
	if r.queue != nil {
		if err := r.queue.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("Redis close failed")
		}
	}
	if r.store != nil {
		if err := r.store.Close(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("MongoDB close failed")
		}
	}
	if r.cancel != nil {
		r.cancel()
	}
}

// Run starts the runtime and blocks until SIGINT, SIGTERM, or context
// cancellation, then stops it.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		r.logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case <-ctx.Done():
		r.logger.Info().Msg("Context cancelled, shutting down")
	}

	r.Stop()
	return nil
}

// ReloadAgents refreshes the agent cache from the registry and returns
// the number of agents now loaded. Stream subscriptions follow on the
// next watcher reconcile and pool discovery passes.
func (r *Runtime) ReloadAgents(ctx context.Context) (int, error) {
	if r.cache == nil {
		return 0, fmt.Errorf("runtime not started")
	}
	if err := r.cache.Refresh(ctx); err != nil {
		return 0, err
	}
	n := r.cache.Len()
	r.publish(events.EventAgentsReloaded,
		fmt.Sprintf("agent registry reloaded, %d agents", n),
		map[string]string{"count": strconv.Itoa(n)})
	return n, nil
}

// IsLeader reports whether this instance holds the change stream
// lease. With leader election disabled every instance watches, so it
// always reports true.
func (r *Runtime) IsLeader() bool {
	if r.elect == nil {
		return true
	}
	return r.elect.IsLeader()
}

func (r *Runtime) publish(eventType events.EventType, msg string, meta map[string]string) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(&events.Event{Type: eventType, Message: msg, Metadata: meta})
}

// eventLog drains one subscriber channel into the structured log. It
// returns when the channel closes.
func (r *Runtime) eventLog(sub events.Subscriber) {
	for evt := range sub {
		r.logger.Info().
			Str("event_id", evt.ID).
			Str("event_type", string(evt.Type)).
			Interface("metadata", evt.Metadata).
			Msg(evt.Message)
	}
}
