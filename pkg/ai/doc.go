// Package ai renders prompts, routes completion requests to LLM
// providers, and turns free-form model output into structured results.
//
// # Core Components
//
// Router: the single entry point the executor calls. It infers the
// provider from the model name (anthropic for claude-*, openai for
// gpt-*/o1/o3, or an explicit "provider/model" prefix), wraps every
// provider in a circuit breaker, enforces per-agent rate limits and
// global cost/token budgets, and stamps latency and estimated cost on
// each response.
//
// Provider: the adapter contract. AnthropicProvider speaks the
// official SDK; OpenAIProvider speaks the /chat/completions dialect
// and serves any compatible gateway under its own name (Groq, Mistral,
// self-hosted).
//
// RenderTemplate: text/template prompt rendering over the context
// {document, doc, event, operation, agent, now, timestamp} with the
// json/jsonindent/upper/lower/trim/truncate/default helpers.
//
// Parse: the extraction ladder for model output. Direct JSON, fenced
// code block, first balanced object, first balanced array, then a
// repair pass. With a response schema set the value is validated;
// strict mode fails on ladder exhaustion or invalid output, lenient
// mode logs and keeps going, wrapping unparseable text as
// {"content": raw, "_raw": true}.
//
// # Error Taxonomy
//
// Provider failures surface as typed errors: AuthError, RateLimitError,
// ConnectivityError, and ProviderError with the upstream status code.
// IsRetryable classifies them for the worker's retry loop; budget
// sentinels ErrCostLimitExceeded and ErrTokenLimitExceeded and the
// ErrProviderNotConfigured sentinel never retry.
package ai
