package executor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mongoclaw/mongoclaw/pkg/agent"
	"github.com/mongoclaw/mongoclaw/pkg/ai"
	"github.com/mongoclaw/mongoclaw/pkg/config"
	"github.com/mongoclaw/mongoclaw/pkg/log"
	"github.com/mongoclaw/mongoclaw/pkg/metrics"
	"github.com/mongoclaw/mongoclaw/pkg/policy"
	"github.com/mongoclaw/mongoclaw/pkg/storage"
	"github.com/mongoclaw/mongoclaw/pkg/types"
)

const recordTimeout = 5 * time.Second

// AgentSource resolves agent configurations by id.
type AgentSource interface {
	Get(id string) (*agent.Config, bool)
}

// Completer runs one model call on behalf of an agent.
type Completer interface {
	Complete(ctx context.Context, agentID string, req *ai.CompletionRequest) (*types.AIResponse, error)
}

// ResultWriter lands a parsed result in the agent's target collection.
type ResultWriter interface {
	Write(ctx context.Context, a *agent.Config, item *types.WorkItem, resp *types.AIResponse) (bool, string, error)
}

// ExecutionRecorder persists per-attempt execution outcomes.
type ExecutionRecorder interface {
	RecordExecution(ctx context.Context, rec *storage.ExecutionRecord) error
}

// Executor runs the enrichment pipeline for one work item at a time.
// It is safe for concurrent use; per-agent semaphores bound how many
// of those concurrent calls run the same agent.
type Executor struct {
	agents   AgentSource
	ai       Completer
	writer   ResultWriter
	recorder ExecutionRecorder
	cfg      config.WorkerConfig
	logger   zerolog.Logger

	// OnQuarantine, when set, is invoked after an agent trips its
	// failure budget. It runs outside the budget lock.
	OnQuarantine func(agentID string, until time.Time)

	semMu      sync.Mutex
	semaphores map[string]*agentSemaphore

	budgetMu   sync.Mutex
	failures   map[string][]time.Time
	quarantine map[string]time.Time
}

// New builds an executor over the given collaborators. writer and
// recorder may be nil in shadow-only or test setups.
func New(agents AgentSource, completer Completer, writer ResultWriter, recorder ExecutionRecorder, cfg config.WorkerConfig) *Executor {
	return &Executor{
		agents:     agents,
		ai:         completer,
		writer:     writer,
		recorder:   recorder,
		cfg:        cfg,
		logger:     log.WithComponent("executor"),
		semaphores: make(map[string]*agentSemaphore),
		failures:   make(map[string][]time.Time),
		quarantine: make(map[string]time.Time),
	}
}

// Execute runs the full pipeline for one work item and returns the
// outcome of this attempt. The result is never nil; retry and ack
// decisions belong to the caller.
func (e *Executor) Execute(ctx context.Context, item *types.WorkItem) *types.ExecutionResult {
	startedAt := time.Now().UTC()

	a, res := e.run(ctx, item)

	res.StartedAt = startedAt
	res.Duration = time.Since(startedAt)
	res.Attempt = item.Attempt
	res.DocumentID = item.DocumentID

	e.record(ctx, item, res)
	if res.Reason != types.ReasonAgentQuarantined {
		e.recordOutcome(item.AgentID, res.Success)
		e.checkLatencySLO(item.AgentID, a, res.Duration)
	}

	metrics.AgentExecutionsTotal.WithLabelValues(item.AgentID, string(res.Status())).Inc()
	metrics.AgentExecutionDuration.WithLabelValues(item.AgentID).Observe(res.Duration.Seconds())

	return res
}

// run performs the gated pipeline and classifies failures. It returns
// the resolved agent alongside the result so Execute can apply the
// agent's latency objective.
func (e *Executor) run(ctx context.Context, item *types.WorkItem) (*agent.Config, *types.ExecutionResult) {
	a, ok := e.agents.Get(item.AgentID)
	if !ok {
		res := types.FailureResult(item.ID, item.AgentID,
			fmt.Errorf("agent %q not found", item.AgentID),
			types.LifecycleFailed, types.ReasonAgentNotFound)
		res.Terminal = true
		return nil, res
	}
	if !a.IsEnabled() {
		res := types.FailureResult(item.ID, a.ID,
			fmt.Errorf("agent %q is disabled", a.ID),
			types.LifecycleFailed, types.ReasonAgentDisabled)
		res.Terminal = true
		return a, res
	}
	if e.isQuarantined(a.ID) {
		return a, types.FailureResult(item.ID, a.ID,
			errors.New("agent is quarantined"),
			types.LifecycleFailed, types.ReasonAgentQuarantined)
	}

	if sem := e.semaphoreFor(a.ID, a.Execution.MaxConcurrency); sem != nil {
		if !sem.TryAcquire(1) {
			metrics.AgentConcurrencyWaitsTotal.WithLabelValues(a.ID).Inc()
			if err := sem.Acquire(ctx, 1); err != nil {
				return a, types.FailureResult(item.ID, a.ID, err,
					types.LifecycleFailed, types.ReasonPipelineError)
			}
		}
		defer sem.Release(1)
	}

	timeout := a.Execution.Timeout()
	if timeout <= 0 {
		timeout = e.cfg.ExecutionTimeout
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	res, err := e.pipeline(runCtx, a, item)
	if err == nil {
		return a, res
	}

	if ctx.Err() == nil && (errors.Is(err, context.DeadlineExceeded) || runCtx.Err() != nil) {
		return a, types.FailureResult(item.ID, a.ID,
			fmt.Errorf("execution timed out after %s", timeout),
			types.LifecycleTimedOut, types.ReasonTimeout)
	}

	failed := types.FailureResult(item.ID, a.ID, err, types.LifecycleFailed, types.ReasonPipelineError)
	failed.Terminal = isTerminal(a, err)
	return a, failed
}

// pipeline renders the prompt, calls the model, parses the response,
// and lands the result. Returned errors are attempt failures; policy
// and shadow skips are successful results with a skip reason.
func (e *Executor) pipeline(ctx context.Context, a *agent.Config, item *types.WorkItem) (*types.ExecutionResult, error) {
	tmplCtx := ai.PromptContext(a.ID, item)

	prompt, err := ai.RenderTemplate(a.AI.Prompt, tmplCtx)
	if err != nil {
		return nil, err
	}
	systemPrompt := ""
	if a.AI.SystemPrompt != "" {
		if systemPrompt, err = ai.RenderTemplate(a.AI.SystemPrompt, tmplCtx); err != nil {
			return nil, err
		}
	}

	resp, err := e.ai.Complete(ctx, a.ID, &ai.CompletionRequest{
		Model:          a.AI.Model,
		SystemPrompt:   systemPrompt,
		Prompt:         prompt,
		Temperature:    a.Temperature(),
		MaxTokens:      a.AI.MaxTokens,
		ResponseSchema: a.AI.ResponseSchema,
		ExtraParams:    a.AI.ExtraParams,
	})
	if err != nil {
		return nil, err
	}

	strict := a.Execution.Consistency == types.ConsistencyStrict
	parsed, err := ai.Parse(resp.Content, a.AI.ResponseSchema, strict)
	if err != nil {
		return nil, err
	}
	resp.Parsed = parsed

	proceed, action := e.policyGate(a, item, resp)
	if !proceed {
		e.logger.Info().
			Str("agent_id", a.ID).
			Str("document_id", item.DocumentID).
			Str("action", action).
			Msg("Policy prevented writeback")
		res := types.SuccessResult(item.ID, a.ID, false, types.LifecycleWriteSkipped,
			"policy_"+strings.ReplaceAll(action, ":", "_"))
		res.AIResponse = resp
		return res, nil
	}

	written, reason := e.write(ctx, a, item, resp)
	if !written && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	lifecycle := types.LifecycleWriteSkipped
	if written {
		lifecycle = types.LifecycleWritten
	}
	res := types.SuccessResult(item.ID, a.ID, written, lifecycle, reason)
	res.AIResponse = resp
	return res, nil
}

// write dispatches to the result writer. Write failures do not fail
// the attempt: the model call already succeeded and retrying would run
// it again for the same content, so the outcome is a skip with reason
// write_error.
func (e *Executor) write(ctx context.Context, a *agent.Config, item *types.WorkItem, resp *types.AIResponse) (bool, string) {
	if a.Execution.Consistency == types.ConsistencyShadow {
		metrics.ShadowWritesSkippedTotal.WithLabelValues(a.ID).Inc()
		e.logger.Info().
			Str("agent_id", a.ID).
			Str("document_id", item.DocumentID).
			Msg("Shadow mode enabled, skipping writeback")
		return false, types.ReasonShadowMode
	}
	if e.writer == nil {
		e.logger.Warn().
			Str("agent_id", a.ID).
			Msg("No result writer configured, skipping writeback")
		return false, types.ReasonWriteError
	}

	written, reason, err := e.writer.Write(ctx, a, item, resp)
	if err != nil {
		e.logger.Error().
			Err(err).
			Str("agent_id", a.ID).
			Str("document_id", item.DocumentID).
			Msg("Failed to write result")
		return false, types.ReasonWriteError
	}
	return written, reason
}

// policyGate evaluates the agent's policy over the source document and
// the parsed result. It reports whether the writeback proceeds and the
// action taken; tag actions mutate the parsed result in place.
func (e *Executor) policyGate(a *agent.Config, item *types.WorkItem, resp *types.AIResponse) (bool, string) {
	p := a.Policy
	if p == nil {
		return true, ""
	}

	matched := true
	if p.Condition != "" {
		env := map[string]interface{}{
			"document": item.Document,
			"doc":      item.Document,
			"result":   resultDocument(resp),
		}
		if compiled, err := policy.Compile(p.Condition); err != nil {
			e.logger.Warn().
				Err(err).
				Str("agent_id", a.ID).
				Str("condition", p.Condition).
				Msg("Policy condition failed to compile, using fallback")
			matched = false
		} else if ok, err := compiled.Evaluate(env); err != nil {
			e.logger.Warn().
				Err(err).
				Str("agent_id", a.ID).
				Str("condition", p.Condition).
				Msg("Policy evaluation failed, using fallback")
			matched = false
		} else {
			matched = ok
		}
	}

	action := string(p.Action)
	if action == "" {
		action = string(types.PolicyEnrich)
	}
	if !matched {
		action = string(p.Fallback)
		if action == "" {
			action = string(types.FallbackSkip)
		}
	}
	metrics.PolicyDecisionsTotal.WithLabelValues(a.ID, action, strconv.FormatBool(matched)).Inc()

	if p.SimulationMode {
		return false, "simulation:" + action
	}

	switch action {
	case string(types.PolicyBlock), string(types.FallbackSkip):
		return false, action
	case string(types.PolicyTag):
		if m, ok := resp.Parsed.(map[string]interface{}); ok && p.TagField != "" {
			m[p.TagField] = p.TagValue
		}
		return true, action
	default:
		return true, action
	}
}

// resultDocument exposes the parsed result to policy conditions and
// the writer. Non-map results are reachable under a content key.
func resultDocument(resp *types.AIResponse) map[string]interface{} {
	if m, ok := resp.Parsed.(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{"content": resp.Parsed}
}

// isTerminal classifies failures retrying cannot fix: auth rejections
// always, render and parse failures when the agent runs strict.
func isTerminal(a *agent.Config, err error) bool {
	var authErr *ai.AuthError
	if errors.As(err, &authErr) {
		return true
	}
	if a.Execution.Consistency != types.ConsistencyStrict {
		return false
	}
	var renderErr *ai.PromptRenderError
	var parseErr *ai.ParseError
	var schemaErr *ai.SchemaValidationError
	return errors.As(err, &renderErr) || errors.As(err, &parseErr) || errors.As(err, &schemaErr)
}

// record persists the execution record. The write proceeds on a
// detached context so a timed-out attempt still leaves a record.
func (e *Executor) record(ctx context.Context, item *types.WorkItem, res *types.ExecutionResult) {
	if e.recorder == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := e.recorder.RecordExecution(rctx, storage.NewExecutionRecord(item, res)); err != nil {
		e.logger.Warn().
			Err(err).
			Str("work_item_id", item.ID).
			Str("agent_id", item.AgentID).
			Msg("Failed to record execution history")
	}
}
