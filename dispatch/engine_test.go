package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/circuitbreaker"
	"github.com/BaSui01/agentflow/providers/mock"
	"github.com/BaSui01/agentflow/retry"
	"github.com/BaSui01/agentflow/telemetry"
	"github.com/BaSui01/agentflow/types"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	fastRetry := &retry.ClassifiedPolicy{InitialDelay: time.Millisecond, MaxDelay: 20 * time.Millisecond, Jitter: false, Logger: zap.NewNop()}
	e := New(Config{QueueInterval: 20 * time.Millisecond, RetryPolicy: fastRetry})
	t.Cleanup(e.Stop)
	e.Start(context.Background())
	return e
}

func registerMock(t *testing.T, e *Engine, name string, models []string, rl *types.RateLimitConfig) *mock.Adapter {
	t.Helper()
	ad := mock.New(name)
	require.NoError(t, e.RegisterProvider(types.ProviderDescriptor{
		Name: name, Adapter: name, Models: models, RateLimit: rl, TimeoutMs: 2000,
	}, ad))
	require.NoError(t, e.Connect(context.Background(), name))
	return ad
}

func TestEngine_HappyPath(t *testing.T) {
	e := newTestEngine(t)
	registerMock(t, e, "openai", []string{"gpt-4"}, nil)

	resp, err := e.Completion(context.Background(), types.ChatOptions{
		Provider: "openai", Model: "gpt-4",
		Messages: []types.Message{types.NewUserMessage("hello")},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content())
	assert.Equal(t, "openai", resp.Provider)
	assert.NotNil(t, resp.Usage)

	summary := e.CostSummary(telemetry.Filter{Provider: "openai"})
	assert.Equal(t, 1, summary.RecordCount)
}

func TestEngine_RateLimitQueuesThenDispatches(t *testing.T) {
	e := newTestEngine(t)
	registerMock(t, e, "openai", []string{"gpt-4"}, &types.RateLimitConfig{Limit: 1, Window: types.WindowSecond})

	ctx := context.Background()
	opts := types.ChatOptions{Provider: "openai", Model: "gpt-4", Messages: []types.Message{types.NewUserMessage("hi")}}

	resp1, err := e.Completion(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp1.Content())

	// The bucket is now empty; a second request must queue and wait for
	// the queue processor, not fail immediately.
	start := time.Now()
	resp2, err := e.Completion(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp2.Content())
	assert.True(t, time.Since(start) > 0)
}

func TestEngine_RetryExhaustionFallsBackToNextProvider(t *testing.T) {
	e := newTestEngine(t)
	primary := registerMock(t, e, "primary", []string{"gpt-4"}, nil)
	registerMock(t, e, "secondary", []string{"gpt-4"}, nil)

	primary.Default = func(req types.Request) (*types.Response, error) {
		return nil, types.NewError(types.ErrServiceUnavailable, "down").WithProvider("primary")
	}

	ctx := context.Background()
	opts := types.ChatOptions{Provider: "primary", Model: "gpt-4", Messages: []types.Message{types.NewUserMessage("hi")}}

	// primary exhausts its classified retry budget on service_unavailable
	// and the recovery layer falls back to secondary within this single
	// Completion call.
	resp, err := e.Completion(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, "secondary", resp.Provider)
}

func TestEngine_ContextTooLargeRecoversWithTrimmedMessages(t *testing.T) {
	e := newTestEngine(t)
	ad := registerMock(t, e, "openai", []string{"gpt-4"}, nil)

	ad.Enqueue(func(req types.Request) (*types.Response, error) {
		return nil, types.NewError(types.ErrContextTooLarge, "too many tokens").WithProvider("openai")
	})

	msgs := []types.Message{
		types.NewUserMessage("1"), types.NewUserMessage("2"), types.NewUserMessage("3"),
		types.NewUserMessage("4"), types.NewUserMessage("5"), types.NewUserMessage("6"),
	}
	resp, err := e.Completion(context.Background(), types.ChatOptions{
		Provider: "openai", Model: "gpt-4", Messages: msgs,
	})
	require.NoError(t, err)
	assert.Equal(t, true, resp.Metadata["context_simplified"])
	assert.Equal(t, 6, resp.Metadata["original_message_count"])
	assert.Equal(t, 2, resp.Metadata["simplified_message_count"])
}

func TestEngine_AsyncCompletionAndGetResult(t *testing.T) {
	e := newTestEngine(t)
	registerMock(t, e, "openai", []string{"gpt-4"}, nil)

	id, err := e.CompletionAsync(types.ChatOptions{
		Provider: "openai", Model: "gpt-4", Messages: []types.Message{types.NewUserMessage("hi")},
	})
	require.NoError(t, err)

	resp, err := e.GetResult(id, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content())

	// Second retrieval of the same (now-consumed) id is an error.
	_, err = e.GetResult(id, 10*time.Millisecond)
	assert.Error(t, err)
}

func TestEngine_GetResultPendingTimeout(t *testing.T) {
	e := newTestEngine(t)
	ad := registerMock(t, e, "openai", []string{"gpt-4"}, nil)
	ad.Enqueue(func(req types.Request) (*types.Response, error) {
		time.Sleep(50 * time.Millisecond)
		return ad.Default(req)
	})

	id, err := e.CompletionAsync(types.ChatOptions{
		Provider: "openai", Model: "gpt-4", Messages: []types.Message{types.NewUserMessage("hi")},
	})
	require.NoError(t, err)

	_, err = e.GetResult(id, 5*time.Millisecond)
	assert.ErrorIs(t, err, ErrPending)
}

func TestEngine_StreamingDeliversChunksAndTerminalUsage(t *testing.T) {
	e := newTestEngine(t)
	ad := registerMock(t, e, "openai", []string{"gpt-4"}, nil)
	ad.SetStream([]types.Chunk{
		{Role: types.RoleAssistant, Content: "Hel"},
		{Content: "lo"},
		{FinishReason: "stop", Usage: &types.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}},
	}, nil)

	var got []types.Chunk
	handle, err := e.CompletionStream(context.Background(), types.ChatOptions{
		Provider: "openai", Model: "gpt-4", Messages: []types.Message{types.NewUserMessage("hi")},
	}, func(c types.Chunk) { got = append(got, c) })
	require.NoError(t, err)

	select {
	case err := <-handle.Done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream completion")
	}

	require.Len(t, got, 3)
	assert.True(t, got[2].IsTerminal())
}

func TestEngine_UnknownModelFailsFast(t *testing.T) {
	e := newTestEngine(t)
	registerMock(t, e, "openai", []string{"gpt-4"}, nil)

	_, err := e.Completion(context.Background(), types.ChatOptions{
		Model: "does-not-exist", Messages: []types.Message{types.NewUserMessage("hi")},
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrUnknownModel, types.GetErrorCode(err))
}

func TestEngine_GracefulDegradationOnExhaustion(t *testing.T) {
	e := newTestEngine(t)
	ad := registerMock(t, e, "openai", []string{"gpt-4"}, nil)
	ad.Default = func(req types.Request) (*types.Response, error) {
		return nil, types.NewError(types.ErrTimeout, "always times out").WithProvider("openai")
	}

	resp, err := e.Completion(context.Background(), types.ChatOptions{
		Provider: "openai", Model: "gpt-4", Messages: []types.Message{types.NewUserMessage("hi")},
		AllowDegraded: true,
	})
	require.NoError(t, err)
	assert.Equal(t, true, resp.Metadata["degraded"])
}

func TestEngine_AuthenticationFailuresNeverTripBreaker(t *testing.T) {
	e := newTestEngine(t)
	ad := registerMock(t, e, "openai", []string{"gpt-4"}, nil)
	ad.Default = func(req types.Request) (*types.Response, error) {
		return nil, types.NewError(types.ErrAuthenticationFailed, "bad api key").WithProvider("openai")
	}

	opts := types.ChatOptions{Provider: "openai", Model: "gpt-4", Messages: []types.Message{types.NewUserMessage("hi")}}
	for i := 0; i < 10; i++ {
		_, err := e.Completion(context.Background(), opts)
		require.Error(t, err)
		assert.Equal(t, types.ErrAuthenticationFailed, types.GetErrorCode(err))
	}

	e.mu.Lock()
	st := e.providers["openai"]
	e.mu.Unlock()
	assert.Equal(t, circuitbreaker.StateClosed, st.breaker.State(), "authentication_failed must never trip the circuit breaker")
}
