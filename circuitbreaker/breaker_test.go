package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/types"
)

func newTestBreaker(threshold int, recovery time.Duration) *breaker {
	cfg := &Config{FailureThreshold: threshold, RecoveryTimeout: recovery}
	return New("test-provider", cfg, zap.NewNop()).(*breaker)
}

func TestBreaker_ClosedAllowsAndResetsOnSuccess(t *testing.T) {
	b := newTestBreaker(3, time.Minute)

	b.ReportFailure()
	b.ReportFailure()
	require.Equal(t, 2, b.ConsecutiveFailures())

	b.ReportSuccess()
	assert.Equal(t, 0, b.ConsecutiveFailures())
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := newTestBreaker(3, time.Minute)

	b.ReportFailure()
	b.ReportFailure()
	require.Equal(t, StateClosed, b.State())
	b.ReportFailure()

	assert.Equal(t, StateOpen, b.State())
	ok, _ := b.Allow()
	assert.False(t, ok)
}

func TestBreaker_HalfOpenSingleProbe(t *testing.T) {
	b := newTestBreaker(1, 10*time.Millisecond)

	b.ReportFailure()
	require.Equal(t, StateOpen, b.State())

	time.Sleep(20 * time.Millisecond)

	ok1, probe1 := b.Allow()
	require.True(t, ok1)
	require.True(t, probe1)
	require.Equal(t, StateHalfOpen, b.State())

	ok2, _ := b.Allow()
	assert.False(t, ok2, "a second concurrent probe must be refused")
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b := newTestBreaker(1, 10*time.Millisecond)
	b.ReportFailure()
	time.Sleep(20 * time.Millisecond)

	ok, probe := b.Allow()
	require.True(t, ok && probe)

	b.ReportSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.ConsecutiveFailures())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := newTestBreaker(1, 10*time.Millisecond)
	b.ReportFailure()
	time.Sleep(20 * time.Millisecond)

	ok, probe := b.Allow()
	require.True(t, ok && probe)

	b.ReportFailure()
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_ClientErrorsDoNotTrip(t *testing.T) {
	b := newTestBreaker(1, time.Minute)
	clientErr := types.NewError(types.ErrInvalidRequest, "bad request")

	_, err := b.CallWithResult(context.Background(), func() (any, error) {
		return nil, clientErr
	})

	assert.Error(t, err)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.ConsecutiveFailures())
}

func TestBreaker_CallTimeoutCountsAsFailure(t *testing.T) {
	b := newTestBreaker(1, time.Minute)
	b.config.CallTimeout = 5 * time.Millisecond

	_, err := b.CallWithResult(context.Background(), func() (any, error) {
		time.Sleep(50 * time.Millisecond)
		return nil, nil
	})

	assert.Error(t, err)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_Reset(t *testing.T) {
	b := newTestBreaker(1, time.Minute)
	b.ReportFailure()
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.ConsecutiveFailures())
}

func TestBreaker_OnStateChangeCallback(t *testing.T) {
	var mu sync.Mutex
	var transitions [][2]State

	cfg := &Config{FailureThreshold: 1, RecoveryTimeout: time.Minute, OnStateChange: func(from, to State) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, [2]State{from, to})
	}}
	b := New("cb-test", cfg, zap.NewNop()).(*breaker)
	b.ReportFailure()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transitions) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, StateClosed, transitions[0][0])
	assert.Equal(t, StateOpen, transitions[0][1])
}

func TestBreaker_ConcurrentCallsAreSerializedSafely(t *testing.T) {
	b := newTestBreaker(100, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				b.ReportSuccess()
			} else {
				b.ReportFailure()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_StateString(t *testing.T) {
	assert.Equal(t, "Closed", StateClosed.String())
	assert.Equal(t, "Open", StateOpen.String())
	assert.Equal(t, "HalfOpen", StateHalfOpen.String())
}

func TestBreaker_ToTypes(t *testing.T) {
	assert.Equal(t, types.CircuitClosed, StateClosed.ToTypes())
	assert.Equal(t, types.CircuitOpen, StateOpen.ToTypes())
	assert.Equal(t, types.CircuitHalfOpen, StateHalfOpen.ToTypes())
}

var errSentinel = errors.New("boom")

func TestBreaker_CallPropagatesNonClientError(t *testing.T) {
	b := newTestBreaker(5, time.Minute)
	err := b.Call(context.Background(), func() error { return errSentinel })
	assert.ErrorIs(t, err, errSentinel)
	assert.Equal(t, 1, b.ConsecutiveFailures())
}
