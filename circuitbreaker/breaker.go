// Package circuitbreaker implements the per-provider three-state
// circuit breaker used by the dispatch engine: closed, open, and
// half_open, with a single probe call gating recovery.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/types"
)

// State mirrors types.CircuitState under the names this package has
// always used.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "Open"
	case StateHalfOpen:
		return "HalfOpen"
	default:
		return "Closed"
	}
}

// ToTypes maps the internal state to the shared types enum used by
// runtime snapshots and telemetry.
func (s State) ToTypes() types.CircuitState {
	switch s {
	case StateOpen:
		return types.CircuitOpen
	case StateHalfOpen:
		return types.CircuitHalfOpen
	default:
		return types.CircuitClosed
	}
}

// Config configures one provider's breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips
	// closed -> open. Default 5.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before
	// allowing a single half-open probe. Default 30s.
	RecoveryTimeout time.Duration

	// CallTimeout bounds an individual probed call. Zero means no
	// additional timeout is imposed beyond the caller's context.
	CallTimeout time.Duration

	// OnStateChange, if set, is invoked (asynchronously) on every
	// transition.
	OnStateChange func(from, to State)
}

// DefaultConfig returns the spec's default thresholds.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
	}
}

// CircuitBreaker is the interface the dispatch engine calls through.
type CircuitBreaker interface {
	// Allow reports whether a new attempt may start right now, and
	// whether that attempt would be the half-open probe. Calling Allow
	// when it returns a false ok also performs the open->half_open
	// timer check as a side effect, matching the single-writer calling
	// convention of the dispatch engine (Allow is called from the
	// owning goroutine only).
	Allow() (ok bool, isProbe bool)

	// Call executes fn respecting the breaker's state and timeout.
	Call(ctx context.Context, fn func() error) error

	// CallWithResult is Call for functions that also produce a value.
	CallWithResult(ctx context.Context, fn func() (any, error)) (any, error)

	// ReportSuccess / ReportFailure record an externally-executed
	// call's outcome, for callers (like the dispatch engine) that run
	// the adapter invocation themselves rather than through Call.
	ReportSuccess()
	ReportFailure()

	State() State
	ConsecutiveFailures() int

	// LastFailureAt returns the time of the most recent reported
	// failure, or the zero Time if none has been reported yet.
	LastFailureAt() time.Time

	Reset()
}

type breaker struct {
	name   string
	config *Config
	logger *zap.Logger

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	lastFailureAt       time.Time
	halfOpenInFlight    bool
}

// New creates a breaker for one provider.
func New(name string, config *Config, logger *zap.Logger) CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &breaker{name: name, config: config, logger: logger, state: StateClosed}
}

var (
	ErrCircuitOpen      = errors.New("circuit breaker open")
	ErrHalfOpenOccupied = errors.New("circuit breaker half_open probe already in flight")
)

func (b *breaker) Allow() (bool, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.allowLocked()
}

func (b *breaker) allowLocked() (bool, bool) {
	switch b.state {
	case StateClosed:
		return true, false
	case StateOpen:
		if time.Since(b.lastFailureAt) > b.config.RecoveryTimeout {
			b.setStateLocked(StateHalfOpen)
			b.halfOpenInFlight = false
		} else {
			return false, false
		}
		fallthrough
	case StateHalfOpen:
		if b.halfOpenInFlight {
			return false, false
		}
		b.halfOpenInFlight = true
		return true, true
	default:
		return false, false
	}
}

func (b *breaker) Call(ctx context.Context, fn func() error) error {
	_, err := b.CallWithResult(ctx, func() (any, error) { return nil, fn() })
	return err
}

func (b *breaker) CallWithResult(ctx context.Context, fn func() (any, error)) (any, error) {
	if ok, _ := b.Allow(); !ok {
		return nil, ErrCircuitOpen
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if b.config.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.config.CallTimeout)
		defer cancel()
	}

	type outcome struct {
		result any
		err    error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		result, err := fn()
		resultCh <- outcome{result, err}
	}()

	select {
	case <-callCtx.Done():
		b.ReportFailure()
		return nil, fmt.Errorf("circuit breaker call timed out: %w", callCtx.Err())
	case res := <-resultCh:
		if res.err != nil && !isClientError(res.err) {
			b.ReportFailure()
			return nil, res.err
		}
		b.ReportSuccess()
		if res.err != nil {
			return nil, res.err
		}
		return res.result, nil
	}
}

// IsClientError reports whether err represents a caller mistake that
// should never count against a provider's health (invalid requests,
// auth failures the caller cannot recover from by retrying this
// provider, etc). Exported so callers that run the adapter invocation
// themselves (the dispatch engine) and report outcomes via
// ReportSuccess/ReportFailure instead of Call/CallWithResult apply the
// same exemption.
func IsClientError(err error) bool {
	switch types.GetErrorCode(err) {
	case types.ErrInvalidRequest, types.ErrAuthenticationFailed,
		types.ErrModelNotAvailable, types.ErrUnknownModel:
		return true
	default:
		return false
	}
}

func isClientError(err error) bool { return IsClientError(err) }

func (b *breaker) ReportSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.logger.Info("circuit breaker probe succeeded, closing", zap.String("provider", b.name))
		b.setStateLocked(StateClosed)
		b.consecutiveFailures = 0
		b.halfOpenInFlight = false
	case StateClosed:
		b.consecutiveFailures = 0
	}
}

func (b *breaker) ReportFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureAt = time.Now()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.logger.Warn("circuit breaker tripped",
				zap.String("provider", b.name),
				zap.Int("consecutive_failures", b.consecutiveFailures))
			b.setStateLocked(StateOpen)
		}
	case StateHalfOpen:
		b.logger.Warn("circuit breaker probe failed, reopening", zap.String("provider", b.name))
		b.setStateLocked(StateOpen)
		b.halfOpenInFlight = false
	}
}

func (b *breaker) setStateLocked(newState State) {
	old := b.state
	b.state = newState
	if b.config.OnStateChange != nil && old != newState {
		cb := b.config.OnStateChange
		go cb(old, newState)
	}
}

func (b *breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

func (b *breaker) LastFailureAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFailureAt
}

func (b *breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	old := b.state
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.halfOpenInFlight = false

	if b.config.OnStateChange != nil && old != StateClosed {
		cb := b.config.OnStateChange
		go cb(old, StateClosed)
	}
}
