// Package gateway is the public API surface (C11): a thin facade over
// the dispatch engine that additionally owns provider config loading
// and reload wiring via providerconfig.Resolver. The split mirrors the
// upstream agent framework's llm/factory package sitting in front of
// llm/router: factory owns "which providers exist and how are they
// configured", router owns "route and execute a request". Here,
// gateway.Service plays factory's role and dispatch.Engine plays
// router's.
package gateway

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/adapter"
	"github.com/BaSui01/agentflow/connection"
	"github.com/BaSui01/agentflow/dispatch"
	"github.com/BaSui01/agentflow/providerconfig"
	"github.com/BaSui01/agentflow/telemetry"
	"github.com/BaSui01/agentflow/types"
)

// AdapterFactory builds a concrete adapter.Adapter for a resolved
// provider descriptor. Registered per adapter name (the config file's
// "adapter" field), not per provider name, so multiple providers can
// share one adapter implementation (e.g. two OpenAI-compatible
// endpoints under different names).
type AdapterFactory func(descriptor types.ProviderDescriptor) (adapter.Adapter, error)

// Config configures a new Service.
type Config struct {
	Logger *zap.Logger

	// ConfigJSON is the initial provider config file contents (§6).
	ConfigJSON []byte

	// PricingTable overrides the dispatch engine's default cost table.
	PricingTable *telemetry.PricingTable

	// AdapterFactories maps a config file's "adapter" name to the
	// factory that builds a live adapter.Adapter for it. A provider
	// entry whose adapter name has no registered factory fails to load.
	AdapterFactories map[string]AdapterFactory

	// Dispatch is threaded through to the underlying engine. Its Logger
	// is always replaced by the Logger above (a no-op logger when that
	// is nil); its Pricing is replaced only when PricingTable is set.
	Dispatch dispatch.Config
}

// Service is the gateway's public entry point: construct one with New,
// call Start, then drive it with Completion/CompletionAsync/
// CompletionStream/GetResult and the admin operations below.
type Service struct {
	logger   *zap.Logger
	engine   *dispatch.Engine
	resolver *providerconfig.Resolver
	adapters map[string]AdapterFactory
}

// New builds a Service and loads every provider named in cfg.ConfigJSON
// into the dispatch engine. It does not connect to providers or start
// background loops; call Start for that.
func New(cfg Config) (*Service, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	resolver, err := providerconfig.New(cfg.ConfigJSON)
	if err != nil {
		return nil, err
	}

	dcfg := cfg.Dispatch
	dcfg.Logger = logger
	if cfg.PricingTable != nil {
		dcfg.Pricing = cfg.PricingTable
	}

	svc := &Service{
		logger:   logger,
		engine:   dispatch.New(dcfg),
		resolver: resolver,
		adapters: cfg.AdapterFactories,
	}
	if svc.adapters == nil {
		svc.adapters = make(map[string]AdapterFactory)
	}

	if err := svc.loadAll(); err != nil {
		return nil, err
	}
	return svc, nil
}

// loadAll resolves every provider in the config file and registers it
// with the engine, replacing any previously registered descriptor and
// adapter of the same name.
func (s *Service) loadAll() error {
	descriptors, err := s.resolver.Resolve()
	if err != nil {
		return err
	}
	for _, d := range descriptors {
		if err := s.registerDescriptor(d); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) registerDescriptor(d types.ProviderDescriptor) error {
	factory, ok := s.adapters[d.Adapter]
	if !ok {
		return fmt.Errorf("gateway: no adapter factory registered for adapter %q (provider %q)", d.Adapter, d.Name)
	}
	ad, err := factory(d)
	if err != nil {
		return fmt.Errorf("gateway: building adapter for provider %q: %w", d.Name, err)
	}
	return s.engine.RegisterProvider(d, ad)
}

// Start starts the dispatch engine's background loops and connects
// every registered provider.
func (s *Service) Start(ctx context.Context) error {
	s.engine.Start(ctx)
	return s.engine.ConnectAll(ctx)
}

// Stop ends the dispatch engine's background loops.
func (s *Service) Stop() {
	s.engine.Stop()
}

// ReloadConfig replaces the provider config file layer (preserving any
// runtime overrides installed via UpdateProviderConfig) and
// re-registers every resulting descriptor with the engine. A provider
// present before the reload but absent from the new file is left
// registered: reload is additive/updating, not a wholesale
// replacement — an Open Question resolution recorded in DESIGN.md.
func (s *Service) ReloadConfig(configJSON []byte) error {
	if err := s.resolver.Reload(configJSON); err != nil {
		return err
	}
	return s.loadAll()
}

// UpdateProviderConfig installs a runtime override (API key and/or
// base URL) for one provider and re-registers it immediately, so the
// next admitted request uses the new adapter.
func (s *Service) UpdateProviderConfig(name string, override providerconfig.RuntimeOverride) error {
	s.resolver.SetRuntimeOverride(name, override)
	d, ok, err := s.resolver.ResolveOne(name)
	if err != nil {
		return err
	}
	if !ok {
		return types.NewError(types.ErrProviderNotConfigured, "unknown provider").WithProvider(name)
	}
	return s.registerDescriptor(d)
}

// GetProviderConfig returns the resolved descriptor for one provider,
// with runtime overrides and environment fallbacks applied.
func (s *Service) GetProviderConfig(name string) (types.ProviderDescriptor, bool, error) {
	return s.resolver.ResolveOne(name)
}

// Completion, CompletionAsync, GetResult, CompletionStream, ListModels,
// HealthStatus, HealthStatusAll, CostSummary, and CostExportCSV
// delegate directly to the dispatch engine: the gateway adds no
// request-path logic of its own.

func (s *Service) Completion(ctx context.Context, opts types.ChatOptions) (*types.Response, error) {
	return s.engine.Completion(ctx, opts)
}

func (s *Service) CompletionAsync(opts types.ChatOptions) (string, error) {
	return s.engine.CompletionAsync(opts)
}

func (s *Service) GetResult(id string, timeout time.Duration) (*types.Response, error) {
	return s.engine.GetResult(id, timeout)
}

func (s *Service) CompletionStream(ctx context.Context, opts types.ChatOptions, emit adapter.Emit) (*dispatch.StreamHandle, error) {
	return s.engine.CompletionStream(ctx, opts, emit)
}

func (s *Service) ListModels() []types.Model {
	return s.engine.ListModels()
}

func (s *Service) HealthStatus(provider string) telemetry.Snapshot {
	return s.engine.HealthStatus(provider)
}

func (s *Service) HealthStatusAll() map[string]telemetry.Snapshot {
	return s.engine.HealthStatusAll()
}

// ProviderRuntime returns one provider's full runtime snapshot (circuit
// state, rate limit window, connection state, request counters).
func (s *Service) ProviderRuntime(name string) (types.ProviderRuntime, bool) {
	return s.engine.ProviderRuntime(name)
}

// ProviderRuntimeAll returns the runtime snapshot for every registered
// provider.
func (s *Service) ProviderRuntimeAll() map[string]types.ProviderRuntime {
	return s.engine.ProviderRuntimeAll()
}

func (s *Service) CostSummary(filter telemetry.Filter) telemetry.Summary {
	return s.engine.CostSummary(filter)
}

func (s *Service) CostExportCSV() string {
	return s.engine.CostExportCSV()
}

// Connect, Disconnect, ConnectAll, DisconnectAll, ConnectionStatusAll,
// Connected, and SetEnabled delegate to the engine's connection-manager
// passthrough.

func (s *Service) Connect(ctx context.Context, name string) error {
	return s.engine.Connect(ctx, name)
}

func (s *Service) Disconnect(ctx context.Context, name string) error {
	return s.engine.Disconnect(ctx, name)
}

func (s *Service) ConnectAll(ctx context.Context) error {
	return s.engine.ConnectAll(ctx)
}

func (s *Service) DisconnectAll(ctx context.Context) error {
	return s.engine.DisconnectAll(ctx)
}

func (s *Service) ConnectionStatusAll() map[string]connection.Status {
	return s.engine.ConnectionStatusAll()
}

func (s *Service) Connected(name string) bool {
	return s.engine.Connected(name)
}

func (s *Service) SetEnabled(name string, enabled bool) error {
	return s.engine.SetEnabled(name, enabled)
}
