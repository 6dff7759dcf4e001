package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/circuitbreaker"
	"github.com/BaSui01/agentflow/types"
)

// classify extracts the ErrorCode driving an error's retry/recovery
// treatment, defaulting non-*types.Error failures (a bug in an
// adapter, in principle) to unknown_error rather than treating them
// as unclassifiable.
func classify(err error) types.ErrorCode {
	if err == nil {
		return ""
	}
	if code := types.GetErrorCode(err); code != "" {
		return code
	}
	return types.ErrUnknownError
}

// alternativeModels gives each flagship model a smaller sibling the
// recovery layer may swap to once retries against the original model
// are exhausted. Deliberately small and static: this is a recovery
// fallback, not a routing policy.
var alternativeModels = map[string]string{
	"gpt-4":           "gpt-4o-mini",
	"gpt-4-turbo":     "gpt-4o-mini",
	"gpt-4o":          "gpt-4o-mini",
	"claude-3-opus":   "claude-3-haiku",
	"claude-3-sonnet": "claude-3-haiku",
}

// executeWithRecovery runs one adapter call with the classified retry
// budget (§4.9.3) and, on a context_too_large failure, a single
// message-trimming recovery attempt (§4.10): it drops every message
// but the last two and retries once before resuming the normal retry
// loop on whatever error that produces.
//
// The whole retry sequence runs as a single occupant of the
// provider's worker semaphore (§5's "ephemeral worker tasks"): one
// request, however many attempts it takes, is one worker slot, so a
// provider with many queued-then-admitted requests never spawns more
// concurrent adapter calls than its semaphore allows regardless of how
// loose its rate-limit window is.
func (e *Engine) executeWithRecovery(ctx context.Context, st *providerState, descriptor types.ProviderDescriptor, req *types.Request) (*types.Response, error) {
	if err := st.sem.Acquire(ctx, 1); err != nil {
		return nil, types.NewError(types.ErrTimeout, "timed out waiting for a free worker slot").WithProvider(descriptor.Name).WithCause(err)
	}
	defer st.sem.Release(1)

	currentReq := req
	simplified := false
	originalCount := len(req.Messages)

	callOnce := func(r *types.Request) (*types.Response, error) {
		callCtx, cancel := context.WithTimeout(ctx, descriptor.Timeout())
		defer cancel()
		return st.adapter.Execute(callCtx, *r, descriptor)
	}

	result, err := e.retryPolicy.DoClassified(ctx, classify, func() (any, error) {
		resp, callErr := callOnce(currentReq)
		if callErr != nil && !simplified && classify(callErr) == types.ErrContextTooLarge && len(currentReq.Messages) > 2 {
			simplifiedReq := *currentReq
			simplifiedReq.Messages = append([]types.Message{}, currentReq.Messages[len(currentReq.Messages)-2:]...)
			currentReq = &simplifiedReq
			simplified = true
			e.logger.Info("simplifying oversized context and retrying once",
				zap.String("provider", descriptor.Name),
				zap.Int("original_messages", originalCount),
				zap.Int("simplified_messages", len(currentReq.Messages)))
			resp, callErr = callOnce(currentReq)
		}
		return resp, callErr
	})
	if err != nil {
		return nil, err
	}

	resp, _ := result.(*types.Response)
	if simplified && resp != nil {
		resp.WithMetadata(map[string]any{
			"context_simplified":      true,
			"original_message_count":  originalCount,
			"simplified_message_count": len(currentReq.Messages),
		})
	}
	return resp, nil
}

// attemptRecovery is the last-resort recovery layer, invoked once a
// request's classified retry budget on its current provider is
// exhausted (§4.10: "on exhaustion, surfaced to the dispatcher, which
// may attempt provider fallback once"). Only transport-class failures
// are worth another provider or model; a request-shape problem would
// fail identically anywhere.
//
// It tries, in order, one fallback provider (same model) and then one
// alternative (smaller) model on whichever provider serves it.
func (e *Engine) attemptRecovery(ctx context.Context, req *types.Request, cause error) (*types.Response, error) {
	switch classify(cause) {
	case types.ErrTimeout, types.ErrNetworkError, types.ErrServiceUnavailable, types.ErrRateLimitExceeded:
	default:
		return nil, cause
	}

	if resp, err := e.tryFallbackProvider(ctx, req, cause); err == nil {
		return resp, nil
	} else {
		cause = err
	}

	return e.tryAlternativeModel(ctx, req, cause)
}

func (e *Engine) tryFallbackProvider(ctx context.Context, req *types.Request, cause error) (*types.Response, error) {
	e.mu.Lock()
	next, ok := e.selectFallbackLocked(req.Model, map[string]bool{req.Provider: true})
	var st *providerState
	if ok {
		st = e.providers[next.Name]
	}
	e.mu.Unlock()
	if !ok || st == nil {
		return nil, cause
	}

	e.logger.Info("recovery: attempting provider fallback after retry exhaustion",
		zap.String("model", req.Model), zap.String("from", req.Provider), zap.String("to", next.Name))

	fbReq := *req
	fbReq.Provider = next.Name
	resp, err := e.executeWithRecovery(ctx, st, next, &fbReq)
	if err != nil {
		e.onFailure(&fbReq, st, err)
		return nil, err
	}
	e.onSuccess(&fbReq, st, next, resp)
	return resp, nil
}

func (e *Engine) tryAlternativeModel(ctx context.Context, req *types.Request, cause error) (*types.Response, error) {
	alt, ok := alternativeModels[req.Model]
	if !ok {
		return nil, cause
	}

	e.mu.Lock()
	providerName, ok := e.registry.ResolveModel(alt)
	var st *providerState
	var descriptor types.ProviderDescriptor
	if ok {
		st = e.providers[providerName]
		descriptor, _ = e.registry.Get(providerName)
	}
	e.mu.Unlock()
	if !ok || st == nil {
		return nil, cause
	}

	e.logger.Info("recovery: attempting alternative model after retry exhaustion",
		zap.String("from_model", req.Model), zap.String("to_model", alt), zap.String("provider", providerName))

	altReq := *req
	altReq.Model = alt
	altReq.Provider = providerName
	resp, err := e.executeWithRecovery(ctx, st, descriptor, &altReq)
	if err != nil {
		e.onFailure(&altReq, st, err)
		return nil, err
	}
	resp.WithMetadata(map[string]any{"alternative_model_used": alt})
	e.onSuccess(&altReq, st, descriptor, resp)
	return resp, nil
}

// degrade synthesizes the graceful-degradation Response (§7): returned
// only when the caller set AllowDegraded and every recovery strategy
// above has been exhausted. It never echoes a vendor error body, only
// the error kind's static user-facing message.
func (e *Engine) degrade(req *types.Request, cause error) *types.Response {
	code := classify(cause)
	resp := &types.Response{
		ID:        "degraded-" + req.ID,
		Model:     req.Model,
		Provider:  req.Provider,
		CreatedAt: time.Now(),
		Choices: []types.ChatChoice{{
			Index:        0,
			Message:      types.NewAssistantMessage(types.UserMessage(code)),
			FinishReason: "error",
		}},
	}
	return resp.WithMetadata(map[string]any{"degraded": true, "error_code": string(code)})
}

// onSuccess records telemetry for a successful adapter call: breaker
// recovery, health, usage-backed (or estimated) cost, and last-used
// tracking.
func (e *Engine) onSuccess(req *types.Request, st *providerState, descriptor types.ProviderDescriptor, resp *types.Response) {
	st.breaker.ReportSuccess()

	usage := resp.Usage
	if usage == nil {
		promptTokens := e.tokenizer.CountMessages(descriptor.Adapter, req.Messages)
		completionTokens := e.tokenizer.CountMessages(descriptor.Adapter, []types.Message{types.NewAssistantMessage(resp.Content())})
		usage = &types.Usage{PromptTokens: promptTokens, CompletionTokens: completionTokens, TotalTokens: promptTokens + completionTokens}
		resp.Usage = usage
	}
	rec := e.cost.Record(req.Provider, req.Model, *usage, time.Now())
	e.connMgr.MarkUsed(req.Provider)

	elapsed := time.Since(req.SubmittedAt)
	latencyMs := int64(elapsed / time.Millisecond)
	e.health.Record(types.HealthRecord{Provider: req.Provider, Status: types.HealthHealthy, Timestamp: time.Now(), LatencyMs: &latencyMs})

	if e.metrics != nil {
		e.metrics.RecordLLMRequest(req.Provider, req.Model, "success", elapsed, usage.PromptTokens, usage.CompletionTokens, rec.Cost)
		e.metrics.SetCircuitState(req.Provider, circuitStateMetric(st.breaker.State()))
	}
}

// onFailure records telemetry for a failed adapter call: breaker trip
// accounting, counters, and a health record whose severity follows the
// error kind's static classification. A caller-mistake error (bad
// request, bad API key, unknown model) never counts against the
// provider's breaker — the same exemption circuitbreaker.Call applies
// internally, reapplied here since the engine runs the adapter call
// itself and reports the outcome rather than calling through the
// breaker (§7: "authentication/configuration errors must not trip the
// breaker").
func (e *Engine) onFailure(req *types.Request, st *providerState, err error) {
	if !circuitbreaker.IsClientError(err) {
		st.breaker.ReportFailure()
	}
	st.incErrors()

	status := types.HealthDegraded
	if classify(err).Severity() == types.SeverityCritical {
		status = types.HealthUnhealthy
	}
	e.health.Record(types.HealthRecord{Provider: req.Provider, Status: status, Timestamp: time.Now(), Details: err.Error()})

	if e.metrics != nil {
		e.metrics.RecordLLMRequest(req.Provider, req.Model, "error", time.Since(req.SubmittedAt), 0, 0, 0)
		e.metrics.SetCircuitState(req.Provider, circuitStateMetric(st.breaker.State()))
	}
}

// circuitStateMetric maps a breaker state to the Collector's
// documented gauge convention (0=closed, 1=half_open, 2=open), which
// does not match circuitbreaker.State's own iota order.
func circuitStateMetric(s circuitbreaker.State) int {
	switch s {
	case circuitbreaker.StateHalfOpen:
		return 1
	case circuitbreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
