// Package adapter defines the provider capability every vendor
// implementation exposes to the dispatch engine, adapted from the
// upstream agent framework's Provider interface and generalized to
// the connect/disconnect/health_check lifecycle the connection
// manager drives.
package adapter

import (
	"context"

	"github.com/BaSui01/agentflow/types"
)

// Feature names a capability an adapter may advertise via Supports.
type Feature string

const (
	FeatureStreaming        Feature = "streaming"
	FeatureFunctionCalling   Feature = "function_calling"
	FeatureSystemMessages    Feature = "system_messages"
	FeatureVision            Feature = "vision"
	FeatureJSONMode          Feature = "json_mode"
)

// Emit delivers one streaming chunk. Adapters must invoke it in
// vendor order and must not invoke it again after the terminal chunk
// (the one with a non-empty FinishReason). There is no back-pressure
// at this boundary and no mid-stream cancellation API; a caller that
// has stopped listening simply stops making emit calls matter, and
// the adapter treats a closed consumer as a no-op on emit.
type Emit func(types.Chunk)

// Adapter is the capability set a provider vendor implements. Execute
// and Stream are required; Connect, Disconnect, and HealthCheck are
// optional (a stateless adapter's zero-value behavior is: Connect is
// never called by a caller that checks Connector support, and
// HealthCheck defaults to always-ok).
type Adapter interface {
	// Name returns the adapter's identifier, used for registry
	// wiring and error annotation. Distinct from the provider
	// instance name, which may differ (several descriptors can share
	// one adapter implementation).
	Name() string

	// Execute performs one blocking completion call. On success,
	// resp.Choices is non-empty and resp.Choices[0].Message.Content is
	// text. On a partial vendor payload the adapter fills a
	// best-effort FinishReason, defaulting to "stop".
	Execute(ctx context.Context, req types.Request, descriptor types.ProviderDescriptor) (*types.Response, error)

	// Stream performs one streaming completion call, invoking emit
	// once per chunk including exactly one terminal chunk.
	Stream(ctx context.Context, req types.Request, descriptor types.ProviderDescriptor, emit Emit) error

	// Supports reports whether the adapter implements a given
	// feature.
	Supports(feature Feature) bool
}

// Connector is implemented by adapters with explicit connection
// lifecycle (most cloud vendors are effectively stateless HTTP
// clients and skip this; a local daemon like ollama may want to probe
// reachability at connect time).
type Connector interface {
	Connect(ctx context.Context, descriptor types.ProviderDescriptor) (payload any, err error)
	Disconnect(ctx context.Context, descriptor types.ProviderDescriptor, payload any) error
}

// HealthChecker is implemented by adapters with an explicit health
// probe beyond "connection established".
type HealthChecker interface {
	HealthCheck(ctx context.Context, descriptor types.ProviderDescriptor, payload any) error
}
