package health

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mongoclaw/mongoclaw/pkg/log"
)

// Status is a component or aggregate health state
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Result is the outcome of one component check
type Result struct {
	Component string                 `json:"component"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	LatencyMS float64                `json:"latency_ms"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Report aggregates the results of every registered check
type Report struct {
	Status       Status            `json:"status"`
	Components   map[string]Result `json:"components"`
	HealthyCount int               `json:"healthy_count"`
	TotalCount   int               `json:"total_count"`
	CheckedAt    time.Time         `json:"checked_at"`
}

// CheckFunc probes one component. Implementations should honor the
// context deadline; the checker abandons a check that does not.
type CheckFunc func(ctx context.Context) Result

type cachedResult struct {
	result Result
	at     time.Time
}

// Checker runs registered component checks with per-check timeouts
// and a short result cache.
type Checker struct {
	timeout  time.Duration
	cacheTTL time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	checks map[string]CheckFunc
	cache  map[string]cachedResult
}

// NewChecker creates a checker. Zero values fall back to a 10s
// per-check timeout and a 5s cache.
func NewChecker(timeout, cacheTTL time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Second
	}
	return &Checker{
		timeout:  timeout,
		cacheTTL: cacheTTL,
		logger:   log.WithComponent("health"),
		checks:   make(map[string]CheckFunc),
		cache:    make(map[string]cachedResult),
	}
}

// Register adds a named component check, replacing any previous one
func (c *Checker) Register(component string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[component] = fn
	delete(c.cache, component)
	c.logger.Debug().Str("check", component).Msg("Registered health check")
}

// Unregister removes a component check and its cached result
func (c *Checker) Unregister(component string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.checks, component)
	delete(c.cache, component)
}

// Check runs one component's check, serving a cached result inside
// the TTL.
func (c *Checker) Check(ctx context.Context, component string) Result {
	c.mu.Lock()
	if cached, ok := c.cache[component]; ok && time.Since(cached.at) < c.cacheTTL {
		c.mu.Unlock()
		return cached.result
	}
	fn, ok := c.checks[component]
	c.mu.Unlock()

	if !ok {
		return Result{
			Component: component,
			Status:    StatusUnhealthy,
			Message:   fmt.Sprintf("unknown component: %s", component),
		}
	}

	result := c.run(ctx, component, fn)

	c.mu.Lock()
	c.cache[component] = cachedResult{result: result, at: time.Now()}
	c.mu.Unlock()
	return result
}

// run executes the check on its own goroutine so a probe that ignores
// its deadline cannot hang the caller.
func (c *Checker) run(ctx context.Context, component string, fn CheckFunc) Result {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan Result, 1)
	go func() {
		done <- fn(ctx)
	}()

	select {
	case result := <-done:
		result.Component = component
		if result.LatencyMS == 0 {
			result.LatencyMS = roundMS(time.Since(start))
		}
		return result
	case <-ctx.Done():
		return Result{
			Component: component,
			Status:    StatusUnhealthy,
			Message:   fmt.Sprintf("health check timed out after %s", c.timeout),
			LatencyMS: roundMS(time.Since(start)),
		}
	}
}

// CheckAll runs every registered check concurrently
func (c *Checker) CheckAll(ctx context.Context) map[string]Result {
	c.mu.Lock()
	components := make([]string, 0, len(c.checks))
	for name := range c.checks {
		components = append(components, name)
	}
	c.mu.Unlock()

	results := make(map[string]Result, len(components))
	var wg sync.WaitGroup
	var resMu sync.Mutex
	for _, component := range components {
		wg.Add(1)
		go func(component string) {
			defer wg.Done()
			res := c.Check(ctx, component)
			resMu.Lock()
			results[component] = res
			resMu.Unlock()
		}(component)
	}
	wg.Wait()
	return results
}

// Aggregate runs every check and folds the results into one report
func (c *Checker) Aggregate(ctx context.Context) *Report {
	results := c.CheckAll(ctx)

	healthy := 0
	unhealthy := 0
	for _, res := range results {
		switch res.Status {
		case StatusHealthy:
			healthy++
		case StatusUnhealthy:
			unhealthy++
		}
	}

	overall := StatusHealthy
	switch {
	case unhealthy > 0:
		overall = StatusUnhealthy
	case healthy < len(results):
		overall = StatusDegraded
	}

	return &Report{
		Status:       overall,
		Components:   results,
		HealthyCount: healthy,
		TotalCount:   len(results),
		CheckedAt:    time.Now().UTC(),
	}
}

// ClearCache drops all cached results
func (c *Checker) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]cachedResult)
}

func roundMS(d time.Duration) float64 {
	return math.Round(float64(d.Microseconds())/10) / 100
}

// PingCheck adapts a connectivity probe into a check
func PingCheck(component string, ping func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) Result {
		if err := ping(ctx); err != nil {
			return Result{
				Component: component,
				Status:    StatusUnhealthy,
				Message:   fmt.Sprintf("%s check failed: %v", component, err),
			}
		}
		return Result{
			Component: component,
			Status:    StatusHealthy,
			Message:   fmt.Sprintf("%s is responsive", component),
		}
	}
}

// DepthCheck reports a backlog depth, degraded at or past the warn
// threshold. A threshold of zero never degrades.
func DepthCheck(component string, depth func(ctx context.Context) (int64, error), warnAt int64) CheckFunc {
	return func(ctx context.Context) Result {
		n, err := depth(ctx)
		if err != nil {
			return Result{
				Component: component,
				Status:    StatusUnhealthy,
				Message:   fmt.Sprintf("%s check failed: %v", component, err),
			}
		}
		res := Result{
			Component: component,
			Status:    StatusHealthy,
			Message:   "backlog within bounds",
			Details:   map[string]interface{}{"depth": n},
		}
		if warnAt > 0 && n >= warnAt {
			res.Status = StatusDegraded
			res.Message = fmt.Sprintf("backlog at %d, threshold %d", n, warnAt)
		}
		return res
	}
}
