package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/types"
)

// ClassifiedPolicy applies exponential backoff plus jitter
// (calculateDelay) under the dispatch engine's per-error-kind retry
// budget: each types.ErrorCode carries its own MaxRetries and
// InitialDelayMultiplier (rate_limit_exceeded backs off 5x harder than a
// plain network error), so the budget and delay are re-derived from
// whichever error kind the last attempt actually produced.
type ClassifiedPolicy struct {
	// InitialDelay is the base delay before any error-kind multiplier is
	// applied.
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Jitter       bool

	Logger *zap.Logger
}

// DefaultClassifiedPolicy returns a policy with a 1s initial delay, a
// 30s delay cap, and jitter enabled.
func DefaultClassifiedPolicy(logger *zap.Logger) *ClassifiedPolicy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClassifiedPolicy{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Jitter:       true,
		Logger:       logger,
	}
}

// Classify maps an error to the ErrorCode driving its retry budget.
type Classify func(err error) types.ErrorCode

// DoClassified runs fn, retrying while the error kind it produces is
// recoverable and within that kind's MaxRetries budget. attempt is
// 1-indexed in OnRetry-style logging (the first retry is attempt 1).
func (p *ClassifiedPolicy) DoClassified(ctx context.Context, classify Classify, fn func() (any, error)) (any, error) {
	attempt := 0
	for {
		result, err := fn()
		if err == nil {
			if attempt > 0 {
				p.Logger.Info("retry succeeded", zap.Int("attempt", attempt))
			}
			return result, nil
		}

		code := classify(err)
		if !code.Recoverable() {
			p.Logger.Debug("error not recoverable, giving up", zap.String("error_code", string(code)), zap.Error(err))
			return nil, err
		}
		if attempt >= code.MaxRetries() {
			p.Logger.Warn("retry budget exhausted", zap.String("error_code", string(code)), zap.Int("attempts", attempt), zap.Error(err))
			return nil, err
		}

		attempt++
		delay := p.calculateDelay(attempt, code)
		p.Logger.Debug("retrying", zap.Int("attempt", attempt), zap.String("error_code", string(code)), zap.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// calculateDelay computes min(2^attempt * initialDelay*multiplier + jitter, maxDelay).
func (p *ClassifiedPolicy) calculateDelay(attempt int, code types.ErrorCode) time.Duration {
	initial := float64(p.InitialDelay) * code.InitialDelayMultiplier()
	delay := initial * math.Pow(2, float64(attempt))

	if p.Jitter {
		delay += rand.Float64() * float64(250*time.Millisecond)
	}

	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}
