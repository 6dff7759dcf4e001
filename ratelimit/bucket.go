// Package ratelimit implements the dispatch engine's per-provider
// token bucket. The upstream agent framework reaches for ExRated for
// this; here it is reimplemented locally since the semantics are
// small enough that pulling in an external rate-limiting library
// would be the outlier, not the norm.
package ratelimit

import (
	"sync"
	"time"

	"github.com/BaSui01/agentflow/types"
)

// Decision is the non-blocking result of TryAcquire.
type Decision int

const (
	Granted Decision = iota
	Denied
)

// Bucket is a single provider's token bucket: Limit permits refill
// every Window. TryAcquire never blocks; denied requests are the
// dispatch engine's responsibility to queue.
type Bucket struct {
	mu sync.Mutex

	limit  int
	window time.Duration

	tokens         int
	windowStartsAt time.Time
}

// New creates a bucket starting full, per cfg.
func New(cfg types.RateLimitConfig) *Bucket {
	b := &Bucket{}
	b.reconfigureLocked(cfg)
	return b
}

// Reconfigure resets the bucket to cfg, refilling it to full. Per the
// rate limiter's contract, reconfiguration always resets state.
func (b *Bucket) Reconfigure(cfg types.RateLimitConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reconfigureLocked(cfg)
}

func (b *Bucket) reconfigureLocked(cfg types.RateLimitConfig) {
	limit := cfg.Limit
	if limit <= 0 {
		limit = 1
	}
	window := cfg.Window.Duration()
	if window <= 0 {
		window = time.Minute
	}
	b.limit = limit
	b.window = window
	b.tokens = limit
	b.windowStartsAt = time.Now()
}

// TryAcquire takes one token if available, refilling first if the
// current window has elapsed. It never blocks.
func (b *Bucket) TryAcquire() Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(time.Now())

	if b.tokens <= 0 {
		return Denied
	}
	b.tokens--
	return Granted
}

// Peek reports whether a token is currently available without
// consuming one, letting a caller decide whether to proceed before
// committing to other side effects (e.g. the circuit breaker's
// half-open probe slot).
func (b *Bucket) Peek() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	return b.tokens > 0
}

func (b *Bucket) refillLocked(now time.Time) {
	if now.Sub(b.windowStartsAt) >= b.window {
		b.tokens = b.limit
		b.windowStartsAt = now
	}
}

// Snapshot reports the bucket's current capacity, remaining tokens,
// and window start, for telemetry and ProviderRuntime reporting.
type Snapshot struct {
	Capacity       int
	Tokens         int
	WindowStartsAt time.Time
}

func (b *Bucket) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	return Snapshot{Capacity: b.limit, Tokens: b.tokens, WindowStartsAt: b.windowStartsAt}
}
