package ai

import (
	"errors"
	"fmt"
	"time"
)

// Global budget sentinels. The router refuses further requests once a
// configured cap is crossed.
var (
	ErrCostLimitExceeded  = errors.New("global AI cost limit exceeded")
	ErrTokenLimitExceeded = errors.New("global AI token limit exceeded")
)

// ProviderError is a generic upstream failure
type ProviderError struct {
	Provider   string
	Model      string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s request failed with status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s request failed: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// RateLimitError signals the provider throttled the request
type RateLimitError struct {
	Provider   string
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s rate limited, retry after %s", e.Provider, e.RetryAfter)
	}
	return fmt.Sprintf("%s rate limited: %v", e.Provider, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// AuthError signals a rejected credential. Retrying cannot help.
type AuthError struct {
	Provider string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s authentication failed: %v", e.Provider, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// ConnectivityError signals the provider was unreachable
type ConnectivityError struct {
	Provider string
	Err      error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("%s unreachable: %v", e.Provider, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// ParseError signals the response survived the request but defeated
// every parse strategy
type ParseError struct {
	Strategies []string
	Raw        string
}

func (e *ParseError) Error() string {
	raw := e.Raw
	if len(raw) > 200 {
		raw = raw[:200] + "..."
	}
	return fmt.Sprintf("response unparseable after %d strategies: %q", len(e.Strategies), raw)
}

// PromptRenderError signals the prompt template failed to render
type PromptRenderError struct {
	Err error
}

func (e *PromptRenderError) Error() string {
	return fmt.Sprintf("prompt render failed: %v", e.Err)
}

func (e *PromptRenderError) Unwrap() error { return e.Err }

// IsRetryable reports whether an error class can succeed on retry.
// Throttling, connectivity failures, and 5xx provider responses can;
// auth failures, parse failures, render failures, and budget stops
// cannot.
func IsRetryable(err error) bool {
	var rateLimit *RateLimitError
	if errors.As(err, &rateLimit) {
		return true
	}
	var connectivity *ConnectivityError
	if errors.As(err, &connectivity) {
		return true
	}
	var provider *ProviderError
	if errors.As(err, &provider) {
		return provider.StatusCode == 0 || provider.StatusCode >= 500
	}
	return false
}
