// Package dispatch implements the gateway's dispatch engine (C9) and
// its error classifier / recovery layer (C10): request validation,
// provider and model resolution, the availability -> circuit ->
// rate-limit -> execute admission algorithm, the pending-request FIFO
// queue, bounded retry with per-error-kind backoff, and the recovery
// strategies (context simplification, provider fallback, alternative
// model, graceful degradation) that run once an adapter call's own
// retry budget is exhausted.
//
// Grounded on the upstream agent framework's llm/resilience.go
// (ResilientProvider's retry/breaker composition) and
// llm/apikey_pool.go (its selection-strategy idiom, generalized here
// from "pick an API key" to "pick a fallback provider"). The engine
// uses a single coordinating mutex rather than an actor/channel loop:
// admission decisions (provider lookup, circuit check, rate-limit
// check) are made while holding it, and it is always released before
// an adapter call's blocking I/O runs — the same single-writer
// invariant an actor model gives you, with less machinery.
package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/BaSui01/agentflow/adapter"
	"github.com/BaSui01/agentflow/circuitbreaker"
	"github.com/BaSui01/agentflow/connection"
	"github.com/BaSui01/agentflow/internal/metrics"
	"github.com/BaSui01/agentflow/ratelimit"
	"github.com/BaSui01/agentflow/registry"
	"github.com/BaSui01/agentflow/retry"
	"github.com/BaSui01/agentflow/telemetry"
	"github.com/BaSui01/agentflow/types"
)

// defaultQueueInterval is how often the pending-request queue is
// reconsidered (§4.9.2).
const defaultQueueInterval = 100 * time.Millisecond

// defaultProviderConcurrency bounds how many ephemeral worker tasks
// (§5) may run an adapter call against one provider at the same time,
// independent of its rate limit window: a provider with a loose
// per-hour limit but slow upstream responses would otherwise let the
// queue processor and direct Completion calls pile up an unbounded
// number of concurrent in-flight HTTP calls.
const defaultProviderConcurrency = 8

// defaultRateLimit is applied to a provider that registers without an
// explicit RateLimit.
var defaultRateLimit = types.RateLimitConfig{Limit: 60, Window: types.WindowMinute}

// UserPreferenceStore is consumed by provider resolution (§4.11) to
// honor a caller's pinned provider for a model. It is optional: a nil
// store simply disables preference-based resolution.
type UserPreferenceStore interface {
	// DefaultProviderAndModel returns the provider a user has pinned
	// for ChatOptions.Model, if any.
	DefaultProviderAndModel(userID string) (provider, model string, ok bool)
}

// Config configures a new Engine.
type Config struct {
	Logger *zap.Logger

	// ConnectionCheckInterval paces the connection manager's periodic
	// health-check loop. Defaults to connection.DefaultHealthCheckInterval.
	ConnectionCheckInterval time.Duration

	// QueueInterval paces the pending-request queue's reconsideration
	// tick. Defaults to 100ms per §4.9.2.
	QueueInterval time.Duration

	// HealthRetention bounds how long a health record is kept
	// regardless of the tracker's count cap. Defaults to 24h.
	HealthRetention time.Duration

	// Pricing backs the cost tracker. Defaults to telemetry.DefaultPricingTable().
	Pricing *telemetry.PricingTable

	// Tokenizer estimates token counts when an adapter's response omits
	// usage. Defaults to a plain character-count estimator.
	Tokenizer Tokenizer

	// UserPrefs is consulted by provider resolution. Optional.
	UserPrefs UserPreferenceStore

	// Metrics records Prometheus observations for dispatch outcomes.
	// Optional.
	Metrics *metrics.Collector

	// RetryPolicy overrides the classified backoff policy used between
	// retry attempts (§4.9.3). Defaults to retry.DefaultClassifiedPolicy,
	// whose 1s base delay is deliberately slow for production; tests
	// that exercise retry exhaustion should set a short InitialDelay.
	RetryPolicy *retry.ClassifiedPolicy
}

// providerState is the per-provider runtime state the engine owns
// alongside its static descriptor: the circuit breaker, the rate
// limiter, the worker-concurrency semaphore, and request counters. All
// mutation happens under the engine's mutex except the counters and
// the semaphore, which get their own synchronization (since worker
// goroutines update them after releasing the engine lock).
type providerState struct {
	adapter adapter.Adapter
	breaker circuitbreaker.CircuitBreaker
	bucket  *ratelimit.Bucket
	sem     *semaphore.Weighted

	mu             sync.Mutex
	activeRequests int
	totalRequests  int64
	totalErrors    int64
}

func (s *providerState) incActive(delta int) {
	s.mu.Lock()
	s.activeRequests += delta
	if delta > 0 {
		s.totalRequests++
	}
	s.mu.Unlock()
}

func (s *providerState) incErrors() {
	s.mu.Lock()
	s.totalErrors++
	s.mu.Unlock()
}

// Counters is a read-only snapshot of a provider's request counters.
type Counters struct {
	ActiveRequests int
	TotalRequests  int64
	TotalErrors    int64
}

func (s *providerState) snapshot() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Counters{ActiveRequests: s.activeRequests, TotalRequests: s.totalRequests, TotalErrors: s.totalErrors}
}

// activeEntry tracks one async request in the ActiveMap (§4.9), closed
// exactly once by whichever goroutine completes the request.
type activeEntry struct {
	req *types.Request

	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

func (e *activeEntry) complete() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		close(e.done)
		e.closed = true
	}
}

// Engine is the dispatch engine: it owns the provider runtime table,
// the pending queue, the active-request map, and the telemetry
// trackers, and exposes the gateway's completion operations.
type Engine struct {
	logger *zap.Logger

	registry  *registry.Registry
	connMgr   *connection.Manager
	health    *telemetry.HealthTracker
	cost      *telemetry.CostTracker
	tokenizer   Tokenizer
	userPrefs   UserPreferenceStore
	metrics     *metrics.Collector
	retryPolicy *retry.ClassifiedPolicy

	mu        sync.Mutex
	providers map[string]*providerState
	active    map[string]*activeEntry
	queue     []*types.Request

	// workers coordinates every dispatch/execute goroutine the queue
	// processor and the public completion operations spawn, so Stop
	// can wait for in-flight work to finish rather than returning out
	// from under it.
	workers errgroup.Group

	queueInterval time.Duration
	stopOnce      sync.Once
	stopCh        chan struct{}
	doneCh        chan struct{}
}

// New creates an Engine. Call Start to begin its background
// connection-health and queue-processing loops.
func New(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	connInterval := cfg.ConnectionCheckInterval
	if connInterval <= 0 {
		connInterval = connection.DefaultHealthCheckInterval
	}
	queueInterval := cfg.QueueInterval
	if queueInterval <= 0 {
		queueInterval = defaultQueueInterval
	}
	healthRetention := cfg.HealthRetention
	if healthRetention <= 0 {
		healthRetention = 24 * time.Hour
	}
	pricing := cfg.Pricing
	if pricing == nil {
		pricing = telemetry.DefaultPricingTable()
	}
	tokenizer := cfg.Tokenizer
	if tokenizer == nil {
		tokenizer = noopTokenizer{}
	}
	retryPolicy := cfg.RetryPolicy
	if retryPolicy == nil {
		retryPolicy = retry.DefaultClassifiedPolicy(logger)
	}

	return &Engine{
		logger:        logger,
		registry:      registry.New(),
		connMgr:       connection.New(logger, connInterval),
		health:        telemetry.NewHealthTracker(healthRetention),
		cost:          telemetry.NewCostTracker(pricing),
		tokenizer:     tokenizer,
		userPrefs:     cfg.UserPrefs,
		metrics:       cfg.Metrics,
		retryPolicy:   retryPolicy,
		providers:     make(map[string]*providerState),
		active:        make(map[string]*activeEntry),
		queueInterval: queueInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Start launches the connection manager's health-check loop and the
// pending-request queue processor.
func (e *Engine) Start(ctx context.Context) {
	e.connMgr.Start(ctx)
	go e.queueLoop(ctx)
}

// Stop ends both background loops, waits for the queue processor to
// exit, and then waits for every worker task it (or a direct
// Completion/CompletionAsync call) spawned to finish.
func (e *Engine) Stop() {
	e.connMgr.Stop()
	e.stopOnce.Do(func() { close(e.stopCh) })
	<-e.doneCh
	e.workers.Wait()
}

// RegisterProvider adds a provider to the registry, the connection
// manager, and the dispatch engine's runtime table, with a fresh
// circuit breaker and token bucket.
func (e *Engine) RegisterProvider(descriptor types.ProviderDescriptor, ad adapter.Adapter) error {
	if err := e.registry.Register(descriptor); err != nil {
		return err
	}
	e.connMgr.Register(descriptor, ad)

	rl := defaultRateLimit
	if descriptor.RateLimit != nil {
		rl = *descriptor.RateLimit
	}

	e.mu.Lock()
	e.providers[descriptor.Name] = &providerState{
		adapter: ad,
		breaker: circuitbreaker.New(descriptor.Name, nil, e.logger),
		bucket:  ratelimit.New(rl),
		sem:     semaphore.NewWeighted(defaultProviderConcurrency),
	}
	e.mu.Unlock()
	return nil
}

// UnregisterProvider removes a provider from the registry and the
// dispatch engine's runtime table. It does not disconnect it; call
// Disconnect first if the adapter holds live resources.
func (e *Engine) UnregisterProvider(name string) {
	e.registry.Unregister(name)
	e.mu.Lock()
	delete(e.providers, name)
	e.mu.Unlock()
}

// ProviderCounters returns a snapshot of a provider's request
// counters, or ok=false if it is not registered.
func (e *Engine) ProviderCounters(name string) (Counters, bool) {
	e.mu.Lock()
	st, ok := e.providers[name]
	e.mu.Unlock()
	if !ok {
		return Counters{}, false
	}
	return st.snapshot(), true
}

// reportProviderGauges publishes a provider's current active-request
// count and remaining rate-limit tokens, a no-op when no Collector was
// configured.
func (e *Engine) reportProviderGauges(name string, st *providerState) {
	if e.metrics == nil {
		return
	}
	e.metrics.SetActiveRequests(name, st.snapshot().ActiveRequests)
	e.metrics.SetRateBucketFree(name, st.bucket.Snapshot().Tokens)
}

// reportQueueDepth publishes the pending queue's current length, a
// no-op when no Collector was configured. Must be called with e.mu
// held (or with a length already read under it), matching the queue
// slice's own locking convention.
func (e *Engine) reportQueueDepth(n int) {
	if e.metrics != nil {
		e.metrics.SetQueueDepth(n)
	}
}

func (e *Engine) queueLoop(ctx context.Context) {
	defer close(e.doneCh)
	ticker := time.NewTicker(e.queueInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.processQueueTick(ctx)
		}
	}
}

// processQueueTick inspects only the queue head (strict FIFO, per
// §4.9.2): if it can be dispatched now, it is popped and dispatched;
// otherwise the tick ends without reordering the queue.
func (e *Engine) processQueueTick(ctx context.Context) {
	e.mu.Lock()
	if len(e.queue) == 0 {
		e.mu.Unlock()
		return
	}
	head := e.queue[0]
	exec, admitErr := e.admitLocked(head.Provider)
	if !exec && admitErr == nil {
		// Still rate-limited; leave it at the head and try again next tick.
		e.mu.Unlock()
		return
	}
	e.queue = e.queue[1:]
	e.reportQueueDepth(len(e.queue))
	e.mu.Unlock()

	if admitErr != nil {
		// The provider became unavailable/circuit-open while queued;
		// drop back into the dispatch algorithm for a fallback decision
		// rather than leaving it stuck behind a dead head.
		e.workers.Go(func() error {
			e.dispatchRequest(ctx, head, map[string]bool{})
			return nil
		})
		return
	}
	e.workers.Go(func() error {
		e.executeAndComplete(ctx, head)
		return nil
	})
}
