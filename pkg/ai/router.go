package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/mongoclaw/mongoclaw/pkg/config"
	"github.com/mongoclaw/mongoclaw/pkg/log"
	"github.com/mongoclaw/mongoclaw/pkg/metrics"
	"github.com/mongoclaw/mongoclaw/pkg/types"
)

// ErrProviderNotConfigured signals a model routed to a provider that
// has no registered client. Not retryable.
var ErrProviderNotConfigured = errors.New("provider not configured")

// Stats is a snapshot of router-level accounting.
type Stats struct {
	Requests     int64
	Successes    int64
	Failures     int64
	TotalTokens  int64
	TotalCostUSD float64
}

// Router dispatches completion requests to the provider inferred from
// the model name, wrapping each provider in a circuit breaker and
// enforcing per-agent rate limits and global cost/token budgets.
type Router struct {
	cfg config.AIConfig

	mu        sync.RWMutex
	providers map[string]Provider
	breakers  map[string]*gobreaker.CircuitBreaker

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	statsMu sync.Mutex
	stats   Stats
}

// NewRouter creates a router and registers providers for every API key
// present in the configuration. Additional providers (Groq, Mistral,
// other OpenAI-compatible gateways) can be added with RegisterProvider.
func NewRouter(cfg config.AIConfig) *Router {
	r := &Router{
		cfg:       cfg,
		providers: make(map[string]Provider),
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		limiters:  make(map[string]*rate.Limiter),
	}
	if cfg.AnthropicAPIKey != "" {
		r.RegisterProvider(NewAnthropicProvider(cfg.AnthropicAPIKey))
	}
	if cfg.OpenAIAPIKey != "" {
		r.RegisterProvider(NewOpenAIProvider(ProviderOpenAI, cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.RequestTimeout))
	}
	return r
}

// RegisterProvider adds a provider under its own name, replacing any
// previous registration, and gives it a fresh circuit breaker.
func (r *Router) RegisterProvider(p Provider) {
	name := p.Name()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
	r.breakers[name] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Logger.Warn().
				Str("provider", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("AI circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
		},
		IsSuccessful: func(err error) bool {
			// A caller hanging up is not a provider failure.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(gobreaker.StateClosed))
}

// Providers returns the names of all registered providers, in no
// particular order.
func (r *Router) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// Complete routes the request to a provider and returns the response
// with latency and cost filled in. agentID scopes the rate limit.
func (r *Router) Complete(ctx context.Context, agentID string, req *CompletionRequest) (*types.AIResponse, error) {
	if req.Model == "" {
		req.Model = r.cfg.DefaultModel
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = r.cfg.DefaultMaxTokens
	}

	providerName := InferProvider(req.Model, r.cfg.DefaultProvider)
	req.Model = strings.TrimPrefix(req.Model, providerName+"/")

	r.mu.RLock()
	provider, ok := r.providers[providerName]
	breaker := r.breakers[providerName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q for model %q", ErrProviderNotConfigured, providerName, req.Model)
	}

	if err := r.checkBudget(); err != nil {
		return nil, err
	}

	if r.cfg.RateLimitPerAgent > 0 {
		if err := r.limiterFor(agentID).Wait(ctx); err != nil {
			return nil, err
		}
	}

	timer := metrics.NewTimer()
	result, err := breaker.Execute(func() (interface{}, error) {
		return provider.Complete(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = &ProviderError{Provider: providerName, Model: req.Model, Err: err}
		}
		metrics.AIRequestsTotal.WithLabelValues(providerName, req.Model, "error").Inc()
		metrics.CircuitBreakerFailuresTotal.WithLabelValues(providerName).Inc()
		r.recordFailure()
		return nil, err
	}

	resp := result.(*types.AIResponse)
	resp.Latency = timer.Duration()
	pricedModel := resp.Model
	if pricedModel == "" {
		pricedModel = req.Model
	}
	resp.CostUSD = EstimateCost(pricedModel, resp.PromptTokens, resp.CompletionTokens)

	r.recordSuccess(resp)
	metrics.AIRequestsTotal.WithLabelValues(providerName, req.Model, "success").Inc()
	metrics.AIRequestDuration.WithLabelValues(providerName, req.Model).Observe(resp.Latency.Seconds())
	metrics.AITokensTotal.WithLabelValues(providerName, req.Model, "input").Add(float64(resp.PromptTokens))
	metrics.AITokensTotal.WithLabelValues(providerName, req.Model, "output").Add(float64(resp.CompletionTokens))
	metrics.AICostUSDTotal.WithLabelValues(providerName, req.Model).Add(resp.CostUSD)

	return resp, nil
}

// HealthCheck sends a minimal completion through the default provider.
// It spends a few tokens, so callers should invoke it on demand rather
// than from a poll loop.
func (r *Router) HealthCheck(ctx context.Context) error {
	r.mu.RLock()
	provider, ok := r.providers[r.cfg.DefaultProvider]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrProviderNotConfigured, r.cfg.DefaultProvider)
	}
	_, err := provider.Complete(ctx, &CompletionRequest{
		Model:     r.cfg.DefaultModel,
		Prompt:    "Reply with the single word: ok",
		MaxTokens: 8,
	})
	return err
}

// Stats returns a snapshot of accumulated counters.
func (r *Router) Stats() Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.stats
}

func (r *Router) checkBudget() error {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	if r.cfg.GlobalCostLimitUSD > 0 && r.stats.TotalCostUSD >= r.cfg.GlobalCostLimitUSD {
		return fmt.Errorf("%w: spent %.4f of %.4f USD",
			ErrCostLimitExceeded, r.stats.TotalCostUSD, r.cfg.GlobalCostLimitUSD)
	}
	if r.cfg.GlobalTokenLimit > 0 && r.stats.TotalTokens >= r.cfg.GlobalTokenLimit {
		return fmt.Errorf("%w: used %d of %d tokens",
			ErrTokenLimitExceeded, r.stats.TotalTokens, r.cfg.GlobalTokenLimit)
	}
	return nil
}

func (r *Router) recordSuccess(resp *types.AIResponse) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	r.stats.Requests++
	r.stats.Successes++
	r.stats.TotalTokens += int64(resp.TotalTokens)
	r.stats.TotalCostUSD += resp.CostUSD
}

func (r *Router) recordFailure() {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	r.stats.Requests++
	r.stats.Failures++
}

func (r *Router) limiterFor(agentID string) *rate.Limiter {
	r.limiterMu.Lock()
	defer r.limiterMu.Unlock()
	limiter, ok := r.limiters[agentID]
	if !ok {
		burst := int(r.cfg.RateLimitPerAgent)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(r.cfg.RateLimitPerAgent), burst)
		r.limiters[agentID] = limiter
	}
	return limiter
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}
