package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthyCheck(component string) CheckFunc {
	return func(ctx context.Context) Result {
		return Result{Component: component, Status: StatusHealthy, Message: "ok"}
	}
}

func unhealthyCheck(component string) CheckFunc {
	return func(ctx context.Context) Result {
		return Result{Component: component, Status: StatusUnhealthy, Message: "down"}
	}
}

func TestCheckRunsRegisteredFunc(t *testing.T) {
	c := NewChecker(time.Second, time.Minute)
	c.Register("mongodb", healthyCheck("mongodb"))

	res := c.Check(context.Background(), "mongodb")
	assert.Equal(t, StatusHealthy, res.Status)
	assert.Equal(t, "mongodb", res.Component)
}

func TestCheckUnknownComponent(t *testing.T) {
	c := NewChecker(time.Second, time.Minute)

	res := c.Check(context.Background(), "ghost")
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Contains(t, res.Message, "unknown component")
}

func TestCheckCachesWithinTTL(t *testing.T) {
	c := NewChecker(time.Second, time.Minute)

	var mu sync.Mutex
	calls := 0
	c.Register("redis", func(ctx context.Context) Result {
		mu.Lock()
		calls++
		mu.Unlock()
		return Result{Status: StatusHealthy}
	})

	c.Check(context.Background(), "redis")
	c.Check(context.Background(), "redis")
	c.Check(context.Background(), "redis")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestCheckCacheCleared(t *testing.T) {
	c := NewChecker(time.Second, time.Minute)

	var mu sync.Mutex
	calls := 0
	c.Register("redis", func(ctx context.Context) Result {
		mu.Lock()
		calls++
		mu.Unlock()
		return Result{Status: StatusHealthy}
	})

	c.Check(context.Background(), "redis")
	c.ClearCache()
	c.Check(context.Background(), "redis")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls)
}

func TestCheckTimesOut(t *testing.T) {
	c := NewChecker(50*time.Millisecond, time.Minute)
	c.Register("slow", func(ctx context.Context) Result {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return Result{Status: StatusHealthy}
	})

	res := c.Check(context.Background(), "slow")
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Contains(t, res.Message, "timed out")
}

func TestCheckReRegisterDropsCache(t *testing.T) {
	c := NewChecker(time.Second, time.Minute)
	c.Register("mongodb", unhealthyCheck("mongodb"))
	require.Equal(t, StatusUnhealthy, c.Check(context.Background(), "mongodb").Status)

	c.Register("mongodb", healthyCheck("mongodb"))
	assert.Equal(t, StatusHealthy, c.Check(context.Background(), "mongodb").Status)
}

func TestAggregateAllHealthy(t *testing.T) {
	c := NewChecker(time.Second, time.Minute)
	c.Register("mongodb", healthyCheck("mongodb"))
	c.Register("redis", healthyCheck("redis"))

	report := c.Aggregate(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Equal(t, 2, report.HealthyCount)
	assert.Equal(t, 2, report.TotalCount)
}

func TestAggregateAnyUnhealthy(t *testing.T) {
	c := NewChecker(time.Second, time.Minute)
	c.Register("mongodb", healthyCheck("mongodb"))
	c.Register("redis", unhealthyCheck("redis"))

	report := c.Aggregate(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, 1, report.HealthyCount)
}

func TestAggregateDegraded(t *testing.T) {
	c := NewChecker(time.Second, time.Minute)
	c.Register("mongodb", healthyCheck("mongodb"))
	c.Register("dlq", func(ctx context.Context) Result {
		return Result{Status: StatusDegraded, Message: "backlog at 120, threshold 100"}
	})

	report := c.Aggregate(context.Background())
	assert.Equal(t, StatusDegraded, report.Status)
}

func TestAggregateEmpty(t *testing.T) {
	c := NewChecker(time.Second, time.Minute)
	report := c.Aggregate(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Equal(t, 0, report.TotalCount)
}

func TestUnregisterRemovesCheck(t *testing.T) {
	c := NewChecker(time.Second, time.Minute)
	c.Register("mongodb", healthyCheck("mongodb"))
	c.Unregister("mongodb")

	report := c.Aggregate(context.Background())
	assert.Equal(t, 0, report.TotalCount)
}

func TestPingCheck(t *testing.T) {
	ok := PingCheck("redis", func(ctx context.Context) error { return nil })
	res := ok(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)
	assert.Equal(t, "redis is responsive", res.Message)

	bad := PingCheck("redis", func(ctx context.Context) error {
		return errors.New("connection refused")
	})
	res = bad(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Contains(t, res.Message, "connection refused")
}

func TestDepthCheck(t *testing.T) {
	depth := int64(0)
	fn := DepthCheck("dlq", func(ctx context.Context) (int64, error) {
		return depth, nil
	}, 100)

	res := fn(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)
	assert.Equal(t, int64(0), res.Details["depth"])

	depth = 250
	res = fn(context.Background())
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Contains(t, res.Message, "250")

	failing := DepthCheck("dlq", func(ctx context.Context) (int64, error) {
		return 0, errors.New("redis gone")
	}, 100)
	res = failing(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
}

func TestDepthCheckZeroThresholdNeverDegrades(t *testing.T) {
	fn := DepthCheck("dlq", func(ctx context.Context) (int64, error) {
		return 1_000_000, nil
	}, 0)
	assert.Equal(t, StatusHealthy, fn(context.Background()).Status)
}
