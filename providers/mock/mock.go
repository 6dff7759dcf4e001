// Package mock implements a scriptable adapter.Adapter for tests and
// the end-to-end scenarios in the dispatch engine's test suite.
package mock

import (
	"context"
	"sync"

	"github.com/BaSui01/agentflow/adapter"
	"github.com/BaSui01/agentflow/types"
)

// Responder produces the next result for an Execute call. Returning a
// non-nil error simulates an adapter failure of that error kind.
type Responder func(req types.Request) (*types.Response, error)

// Adapter is a fully scriptable adapter.Adapter: each call to
// Execute consumes the next queued Responder (or falls back to
// Default if the queue is empty).
type Adapter struct {
	name string

	mu      sync.Mutex
	queue   []Responder
	Default Responder

	streamChunks []types.Chunk
	streamErr    error

	supports map[adapter.Feature]bool
}

// New creates a mock adapter that, absent scripting, echoes a simple
// successful completion.
func New(name string) *Adapter {
	return &Adapter{
		name: name,
		Default: func(req types.Request) (*types.Response, error) {
			return &types.Response{
				ID: "mock-" + name, Model: req.Model, Provider: name,
				Choices: []types.ChatChoice{{Index: 0, Message: types.NewAssistantMessage("ok"), FinishReason: "stop"}},
				Usage:   &types.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
			}, nil
		},
		supports: map[adapter.Feature]bool{adapter.FeatureStreaming: true, adapter.FeatureSystemMessages: true},
	}
}

// Enqueue schedules responders to be consumed in order by successive
// Execute calls, letting a test script "fail N times then succeed".
func (a *Adapter) Enqueue(responders ...Responder) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.queue = append(a.queue, responders...)
}

// SetStream scripts the chunk sequence (and optional terminal error)
// the next Stream call delivers.
func (a *Adapter) SetStream(chunks []types.Chunk, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.streamChunks = chunks
	a.streamErr = err
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Execute(ctx context.Context, req types.Request, descriptor types.ProviderDescriptor) (*types.Response, error) {
	a.mu.Lock()
	var next Responder
	if len(a.queue) > 0 {
		next = a.queue[0]
		a.queue = a.queue[1:]
	} else {
		next = a.Default
	}
	a.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, types.NewError(types.ErrTimeout, "mock adapter context canceled").WithProvider(a.name)
	default:
	}
	return next(req)
}

func (a *Adapter) Stream(ctx context.Context, req types.Request, descriptor types.ProviderDescriptor, emit adapter.Emit) error {
	a.mu.Lock()
	chunks, err := a.streamChunks, a.streamErr
	a.mu.Unlock()

	for _, c := range chunks {
		select {
		case <-ctx.Done():
			return types.NewError(types.ErrTimeout, "mock adapter stream canceled").WithProvider(a.name)
		default:
		}
		emit(c)
	}
	return err
}

func (a *Adapter) Supports(feature adapter.Feature) bool {
	return a.supports[feature]
}
