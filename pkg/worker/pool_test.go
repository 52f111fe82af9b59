package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongoclaw/mongoclaw/pkg/agent"
	"github.com/mongoclaw/mongoclaw/pkg/config"
	"github.com/mongoclaw/mongoclaw/pkg/queue"
	"github.com/mongoclaw/mongoclaw/pkg/types"
)

func newPoolQueue(t *testing.T) (*miniredis.Miniredis, *queue.RedisQueue) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	q := queue.NewRedisQueueFromClient(client, config.RedisConfig{
		StreamMaxLen:  1000,
		ConsumerGroup: workerTestGroup,
	})
	return mr, q
}

func enabledAgents(ids ...string) *fakeAgentSource {
	configs := make(map[string]*agent.Config, len(ids))
	for _, id := range ids {
		a := agent.NewConfig()
		a.ID = id
		configs[id] = a
	}
	return &fakeAgentSource{configs: configs}
}

func poolCfg() config.WorkerConfig {
	cfg := config.Default().Worker
	cfg.PoolSize = 2
	cfg.DiscoveryInterval = 0
	cfg.ShutdownTimeout = 5 * time.Second
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 5 * time.Millisecond
	return cfg
}

func poolRedisCfg() config.RedisConfig {
	return config.RedisConfig{
		ConsumerGroup: workerTestGroup,
		BlockTime:     100 * time.Millisecond,
	}
}

func TestDiscoverStreamsByAgent(t *testing.T) {
	mr, q := newPoolQueue(t)
	ctx := context.Background()

	// One stream already exists on the broker, one key matches the
	// pattern but is not a stream.
	_, err := q.Enqueue(ctx, workerItem(4), "mongoclaw:agent:existing")
	require.NoError(t, err)
	require.NoError(t, mr.Set("mongoclaw:agent:bogus", "not-a-stream"))

	p := New(q, enabledAgents("alpha", "beta"), &fakeExecutor{}, poolCfg(), poolRedisCfg())
	streams := p.discoverStreams(ctx)

	assert.Equal(t, []string{
		"mongoclaw:agent:alpha",
		"mongoclaw:agent:beta",
		"mongoclaw:agent:existing",
	}, streams)
}

func TestDiscoverStreamsSingle(t *testing.T) {
	_, q := newPoolQueue(t)
	cfg := poolCfg()
	cfg.RoutingStrategy = types.RouteSingle

	p := New(q, enabledAgents("alpha"), &fakeExecutor{}, cfg, poolRedisCfg())
	streams := p.discoverStreams(context.Background())

	assert.Equal(t, []string{queue.WorkStream}, streams)
}

func TestDiscoverStreamsSkipsDisabledAgents(t *testing.T) {
	_, q := newPoolQueue(t)

	agents := enabledAgents("alpha", "beta")
	disabled := false
	agents.configs["beta"].Enabled = &disabled

	p := New(q, agents, &fakeExecutor{}, poolCfg(), poolRedisCfg())
	streams := p.discoverStreams(context.Background())

	assert.Equal(t, []string{"mongoclaw:agent:alpha"}, streams)
}

func TestDiscoverStreamsCarriesRetiredNonEmpty(t *testing.T) {
	_, q := newPoolQueue(t)
	ctx := context.Background()

	// Leftovers from a by_collection deployment: one stream with
	// entries, one already drained, plus dead letters.
	retired := "mongoclaw:collection:shop:tickets"
	_, err := q.Enqueue(ctx, workerItem(4), retired)
	require.NoError(t, err)

	drained := "mongoclaw:collection:shop:orders"
	id, err := q.Client().XAdd(ctx, &redis.XAddArgs{
		Stream: drained,
		Values: map[string]interface{}{"data": "x"},
	}).Result()
	require.NoError(t, err)
	require.NoError(t, q.Client().XDel(ctx, drained, id).Err())

	_, err = q.MoveToDLQ(ctx, workerItem(4), errors.New("boom"), queue.DLQStream)
	require.NoError(t, err)

	p := New(q, enabledAgents("alpha"), &fakeExecutor{}, poolCfg(), poolRedisCfg())
	streams := p.discoverStreams(ctx)

	assert.Equal(t, []string{"mongoclaw:agent:alpha", retired}, streams)
}

func TestPoolProcessesEnqueuedWork(t *testing.T) {
	_, q := newPoolQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, workerItem(4), queue.AgentStream("ticket-classifier"))
		require.NoError(t, err)
	}

	exec := &fakeExecutor{}
	p := New(q, enabledAgents("ticket-classifier"), exec, poolCfg(), poolRedisCfg())
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	assert.Eventually(t, func() bool { return exec.callCount() == 3 },
		5*time.Second, 10*time.Millisecond)

	p.Stop()
	stats := p.Stats()
	assert.Equal(t, int64(3), stats.Processed)
	assert.Equal(t, int64(0), stats.Errors)
}

func TestPoolStartTwiceFails(t *testing.T) {
	_, q := newPoolQueue(t)
	p := New(q, enabledAgents("alpha"), &fakeExecutor{}, poolCfg(), poolRedisCfg())

	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	assert.Error(t, p.Start(context.Background()))
}

func TestPoolStopWithoutStart(t *testing.T) {
	_, q := newPoolQueue(t)
	p := New(q, enabledAgents("alpha"), &fakeExecutor{}, poolCfg(), poolRedisCfg())
	p.Stop()
}

func TestPoolStopIsIdempotent(t *testing.T) {
	_, q := newPoolQueue(t)
	p := New(q, enabledAgents("alpha"), &fakeExecutor{}, poolCfg(), poolRedisCfg())

	require.NoError(t, p.Start(context.Background()))
	p.Stop()
	p.Stop()
}

func TestPoolRefreshStreamsUpdatesWorkers(t *testing.T) {
	_, q := newPoolQueue(t)
	ctx := context.Background()

	agents := enabledAgents("alpha")
	p := New(q, agents, &fakeExecutor{}, poolCfg(), poolRedisCfg())
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	assert.Equal(t, []string{"mongoclaw:agent:alpha"}, p.Stats().ActiveStreams)

	// A new agent registration shows up on the next refresh.
	beta := agent.NewConfig()
	beta.ID = "beta"
	agents.configs["beta"] = beta
	p.refreshStreams(ctx)

	assert.ElementsMatch(t,
		[]string{"mongoclaw:agent:alpha", "mongoclaw:agent:beta"},
		p.Stats().ActiveStreams)

	p.mu.Lock()
	workers := append([]*Worker(nil), p.workers...)
	p.mu.Unlock()
	for _, w := range workers {
		assert.Len(t, w.cycleStreams(), 2)
	}
}

func TestPoolIDShape(t *testing.T) {
	_, q := newPoolQueue(t)
	p := New(q, enabledAgents("alpha"), &fakeExecutor{}, poolCfg(), poolRedisCfg())

	assert.Regexp(t, `^pool-[0-9a-f]{8}$`, p.ID())
}

func TestPoolNotifiesStreamObserver(t *testing.T) {
	_, q := newPoolQueue(t)

	p := New(q, enabledAgents("alpha"), &fakeExecutor{}, poolCfg(), poolRedisCfg())

	var mu sync.Mutex
	var got [][]string
	p.OnStreamsUpdated = func(streams []string) {
		mu.Lock()
		got = append(got, streams)
		mu.Unlock()
	}

	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	mu.Lock()
	require.Len(t, got, 1)
	assert.Contains(t, got[0], queue.AgentStream("alpha"))
	mu.Unlock()

	p.agents.(*fakeAgentSource).configs["beta"] = enabledAgents("beta").configs["beta"]
	p.refreshStreams(context.Background())

	mu.Lock()
	require.Len(t, got, 2)
	assert.Contains(t, got[1], queue.AgentStream("beta"))
	mu.Unlock()
}
