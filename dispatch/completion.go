package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/agentflow/adapter"
	"github.com/BaSui01/agentflow/types"
)

// ErrPending is returned by GetResult when the request has not reached
// a terminal state within the caller's timeout.
var ErrPending = errors.New("dispatch: result not yet available")

// executeAndComplete runs one admitted request to completion: the
// adapter call (with its classified retry and context-simplification
// recovery), then — only on a still-failing transport-class error —
// one more recovery attempt (provider fallback or alternative model)
// before finally failing or, if the caller opted in, degrading
// gracefully (§4.9.4, §4.10, §7).
func (e *Engine) executeAndComplete(ctx context.Context, req *types.Request) {
	e.mu.Lock()
	st, ok := e.providers[req.Provider]
	e.mu.Unlock()
	if !ok {
		e.finishWithFailure(req, types.NewError(types.ErrProviderNotConfigured, "provider not registered").WithProvider(req.Provider))
		return
	}

	descriptor, _ := e.registry.Get(req.Provider)

	st.incActive(1)
	e.reportProviderGauges(req.Provider, st)
	req.Status = types.StatusProcessing
	resp, err := e.executeWithRecovery(ctx, st, descriptor, req)
	st.incActive(-1)
	e.reportProviderGauges(req.Provider, st)

	if err == nil {
		e.onSuccess(req, st, descriptor, resp)
		e.finishWithSuccess(req, resp)
		return
	}
	e.onFailure(req, st, err)

	if resp, rerr := e.attemptRecovery(ctx, req, err); rerr == nil {
		e.finishWithSuccess(req, resp)
		return
	} else {
		err = rerr
	}

	if req.Options.AllowDegraded {
		e.finishWithSuccess(req, e.degrade(req, err))
		return
	}
	e.finishWithFailure(req, err)
}

func (e *Engine) finishWithSuccess(req *types.Request, resp *types.Response) {
	req.Status = types.StatusCompleted
	req.Response = resp
	e.deliver(req)
}

func (e *Engine) finishWithFailure(req *types.Request, err error) {
	req.Status = types.StatusFailed
	req.Err = err
	e.deliver(req)
}

// deliver hands a terminal result to whichever consumer is waiting:
// the sync ReplyCh for Completion, or the ActiveMap entry for
// CompletionAsync/GetResult.
func (e *Engine) deliver(req *types.Request) {
	if req.ReplyCh != nil {
		select {
		case req.ReplyCh <- types.Result{Response: req.Response, Err: req.Err}:
		default:
		}
	}
	if !req.Async {
		return
	}
	e.mu.Lock()
	entry, ok := e.active[req.ID]
	e.mu.Unlock()
	if ok {
		entry.complete()
	}
}

// Completion performs one synchronous completion request end to end:
// validate, resolve, dispatch, and block for the result or the
// caller's context/timeout, whichever comes first.
func (e *Engine) Completion(ctx context.Context, opts types.ChatOptions) (*types.Response, error) {
	opts = opts.WithDefaults()
	if err := validateOptions(opts); err != nil {
		return nil, err
	}
	providerName, err := e.resolveProvider(opts)
	if err != nil {
		return nil, err
	}

	req := &types.Request{
		ID:          uuid.NewString(),
		Provider:    providerName,
		Model:       opts.Model,
		Messages:    opts.Messages,
		Options:     opts,
		Status:      types.StatusPending,
		ReplyCh:     make(chan types.Result, 1),
		SubmittedAt: time.Now(),
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, opts.Timeout())
	defer cancel()
	e.workers.Go(func() error {
		e.dispatchRequest(dispatchCtx, req, map[string]bool{})
		return nil
	})

	select {
	case res := <-req.ReplyCh:
		return res.Response, res.Err
	case <-ctx.Done():
		return nil, types.NewError(types.ErrTimeout, "request canceled or timed out").WithCause(ctx.Err())
	}
}

// CompletionAsync registers a request in the ActiveMap and dispatches
// it in the background, returning immediately with its ID for later
// retrieval via GetResult.
func (e *Engine) CompletionAsync(opts types.ChatOptions) (string, error) {
	opts = opts.WithDefaults()
	if err := validateOptions(opts); err != nil {
		return "", err
	}
	providerName, err := e.resolveProvider(opts)
	if err != nil {
		return "", err
	}

	req := &types.Request{
		ID:          uuid.NewString(),
		Provider:    providerName,
		Model:       opts.Model,
		Messages:    opts.Messages,
		Options:     opts,
		Status:      types.StatusPending,
		Async:       true,
		SubmittedAt: time.Now(),
	}
	entry := &activeEntry{req: req, done: make(chan struct{})}

	e.mu.Lock()
	e.active[req.ID] = entry
	e.mu.Unlock()

	dispatchCtx, cancel := context.WithTimeout(context.Background(), opts.Timeout())
	e.workers.Go(func() error {
		defer cancel()
		e.dispatchRequest(dispatchCtx, req, map[string]bool{})
		return nil
	})
	return req.ID, nil
}

// GetResult retrieves an async request's outcome, waiting up to
// timeout for it to reach a terminal state. A terminal entry is
// removed from the ActiveMap on the call that observes it; calling
// GetResult again with the same id afterward returns
// invalid_request. A zero timeout blocks until the result is ready.
func (e *Engine) GetResult(id string, timeout time.Duration) (*types.Response, error) {
	e.mu.Lock()
	entry, ok := e.active[id]
	e.mu.Unlock()
	if !ok {
		return nil, types.NewError(types.ErrInvalidRequest, "unknown or already retrieved request id")
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-entry.done:
		e.mu.Lock()
		delete(e.active, id)
		e.mu.Unlock()
		return entry.req.Response, entry.req.Err
	case <-timeoutCh:
		return nil, ErrPending
	}
}

// StreamHandle correlates a CompletionStream call with its eventual
// completion: Done receives the terminal error (nil on success)
// exactly once.
type StreamHandle struct {
	ID   string
	Done <-chan error
}

// CompletionStream dispatches a streaming completion on a new
// goroutine, delivering chunks to emit as the adapter produces them.
// Streaming bypasses the queue and classified retry: a partially
// emitted SSE stream cannot be cleanly retried, so a failure here is
// reported once via StreamHandle.Done rather than recovered.
func (e *Engine) CompletionStream(ctx context.Context, opts types.ChatOptions, emit adapter.Emit) (*StreamHandle, error) {
	opts = opts.WithDefaults()
	if err := validateOptions(opts); err != nil {
		return nil, err
	}
	providerName, err := e.resolveProvider(opts)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	st, ok := e.providers[providerName]
	e.mu.Unlock()
	if !ok {
		return nil, types.NewError(types.ErrProviderNotConfigured, "provider not registered").WithProvider(providerName)
	}
	if !st.adapter.Supports(adapter.FeatureStreaming) {
		return nil, types.NewError(types.ErrInvalidRequest, "provider does not support streaming").WithProvider(providerName)
	}
	if !e.connMgr.IsAvailable(providerName) {
		return nil, types.NewError(types.ErrProviderNotConnected, "provider not connected").WithProvider(providerName)
	}
	descriptor, _ := e.registry.Get(providerName)

	req := types.Request{
		ID: uuid.NewString(), Provider: providerName, Model: opts.Model,
		Messages: opts.Messages, Options: opts, Status: types.StatusProcessing, SubmittedAt: time.Now(),
	}

	doneCh := make(chan error, 1)
	go func() {
		st.incActive(1)
		e.reportProviderGauges(providerName, st)
		defer func() {
			st.incActive(-1)
			e.reportProviderGauges(providerName, st)
		}()

		callCtx, cancel := context.WithTimeout(ctx, opts.Timeout())
		defer cancel()

		var chunks []types.Chunk
		wrappedEmit := func(c types.Chunk) {
			chunks = append(chunks, c)
			emit(c)
		}

		streamErr := st.adapter.Stream(callCtx, req, descriptor, wrappedEmit)
		if streamErr != nil {
			e.onFailure(&req, st, streamErr)
			doneCh <- streamErr
			return
		}
		st.breaker.ReportSuccess()
		e.connMgr.MarkUsed(providerName)
		var cost float64
		usage := types.AccumulateUsage(chunks)
		if usage != nil {
			cost = e.cost.Record(providerName, opts.Model, *usage, time.Now()).Cost
		}
		elapsed := time.Since(req.SubmittedAt)
		latencyMs := int64(elapsed / time.Millisecond)
		e.health.Record(types.HealthRecord{Provider: providerName, Status: types.HealthHealthy, Timestamp: time.Now(), LatencyMs: &latencyMs})
		if e.metrics != nil {
			promptTokens, completionTokens := 0, 0
			if usage != nil {
				promptTokens, completionTokens = usage.PromptTokens, usage.CompletionTokens
			}
			e.metrics.RecordLLMRequest(providerName, opts.Model, "success", elapsed, promptTokens, completionTokens, cost)
			e.metrics.SetCircuitState(providerName, circuitStateMetric(st.breaker.State()))
		}
		doneCh <- nil
	}()

	return &StreamHandle{ID: req.ID, Done: doneCh}, nil
}
