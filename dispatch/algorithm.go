package dispatch

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/circuitbreaker"
	"github.com/BaSui01/agentflow/types"
)

// admitLocked decides, for a single provider, whether a request should
// execute now, be enqueued, or fail outright, per the dispatch
// algorithm's availability/circuit/rate-limit checks (§4.9.1 steps
// 1-3). Must be called with e.mu held.
//
// The rate-limit bucket is only Peek()'d (not consumed) until the
// circuit breaker has also granted the attempt: calling Allow() ahead
// of a confirmed token would, on a half-open probe, commit the
// breaker's single in-flight probe slot to a request that then gets
// enqueued instead of executed — and since only an executed call ever
// calls ReportSuccess/ReportFailure, that probe slot would never be
// released, wedging the breaker in half_open forever. Checking the
// bucket first and only touching the breaker when execution is
// actually about to happen keeps every Allow() paired with an
// eventual Report call.
func (e *Engine) admitLocked(name string) (exec bool, err error) {
	st, ok := e.providers[name]
	if !ok {
		return false, types.NewError(types.ErrProviderNotConfigured, "provider not registered").WithProvider(name)
	}
	if !e.connMgr.IsAvailable(name) {
		return false, types.NewError(types.ErrProviderNotConnected, "provider not connected or disabled").WithProvider(name)
	}

	if !st.bucket.Peek() {
		if st.breaker.State() == circuitbreaker.StateOpen {
			return false, types.NewError(types.ErrServiceUnavailable, "circuit open").WithProvider(name)
		}
		return false, nil // caller should enqueue
	}

	ok2, _ := st.breaker.Allow()
	if !ok2 {
		return false, types.NewError(types.ErrServiceUnavailable, "circuit open").WithProvider(name)
	}
	st.bucket.TryAcquire()
	return true, nil
}

// selectFallbackLocked picks the next eligible provider for model,
// excluding names already in visited: smallest Priority wins, ties
// broken by registration order (ProvidersForModel already returns
// candidates in that order). Must be called with e.mu held.
func (e *Engine) selectFallbackLocked(model string, visited map[string]bool) (types.ProviderDescriptor, bool) {
	candidates := e.registry.ProvidersForModel(model)
	var best *types.ProviderDescriptor
	for i := range candidates {
		c := candidates[i]
		if visited[c.Name] {
			continue
		}
		if !e.connMgr.IsAvailable(c.Name) {
			continue
		}
		if st, ok := e.providers[c.Name]; ok && st.breaker.State() != circuitbreaker.StateClosed {
			continue
		}
		if best == nil || c.Priority < best.Priority {
			best = &candidates[i]
		}
	}
	if best == nil {
		return types.ProviderDescriptor{}, false
	}
	return *best, true
}

// dispatchRequest runs the dispatch algorithm for one request: admit,
// execute, enqueue, or fall back to the next eligible provider
// (§4.9.1 step 5). visited accumulates providers already tried in
// this request's fallback chain so it can terminate.
func (e *Engine) dispatchRequest(ctx context.Context, req *types.Request, visited map[string]bool) {
	e.mu.Lock()
	exec, admitErr := e.admitLocked(req.Provider)
	if exec {
		e.mu.Unlock()
		e.executeAndComplete(ctx, req)
		return
	}
	if admitErr == nil {
		req.Status = types.StatusPending
		e.queue = append(e.queue, req)
		depth := len(e.queue)
		e.mu.Unlock()
		e.reportQueueDepth(depth)
		return
	}

	visited[req.Provider] = true
	next, ok := e.selectFallbackLocked(req.Model, visited)
	e.mu.Unlock()

	if !ok {
		e.logger.Warn("no provider available for model", zap.String("model", req.Model), zap.Error(admitErr))
		e.finishWithFailure(req, types.NewError(types.ErrAllProvidersUnavailable, "no provider for the requested model is currently available").WithCause(admitErr))
		return
	}

	e.logger.Info("falling back to next provider", zap.String("model", req.Model), zap.String("from", req.Provider), zap.String("to", next.Name))
	req.Provider = next.Name
	e.dispatchRequest(ctx, req, visited)
}
