package dispatch

import (
	"context"
	"time"

	"github.com/BaSui01/agentflow/connection"
	"github.com/BaSui01/agentflow/telemetry"
	"github.com/BaSui01/agentflow/types"
)

// ListModels returns every distinct {model, provider} pair the
// registry knows, annotated with whether that provider is currently
// connected and enabled.
func (e *Engine) ListModels() []types.Model {
	models := e.registry.ListModels()
	out := make([]types.Model, len(models))
	for i, m := range models {
		m.Available = e.connMgr.IsAvailable(m.Provider)
		out[i] = m
	}
	return out
}

// HealthStatus returns one provider's aggregated health snapshot.
func (e *Engine) HealthStatus(provider string) telemetry.Snapshot {
	return e.health.Status(provider)
}

// HealthStatusAll returns every provider's aggregated health snapshot.
func (e *Engine) HealthStatusAll() map[string]telemetry.Snapshot {
	return e.health.StatusAll()
}

// ProviderRuntime assembles one provider's full runtime snapshot
// (§3) from the circuit breaker, request counters, connection manager,
// and health tracker the engine holds for it. It returns ok=false for a
// name the engine has never registered.
func (e *Engine) ProviderRuntime(name string) (types.ProviderRuntime, bool) {
	descriptor, ok := e.registry.Get(name)
	if !ok {
		return types.ProviderRuntime{}, false
	}

	e.mu.Lock()
	st, ok := e.providers[name]
	e.mu.Unlock()
	if !ok {
		return types.ProviderRuntime{}, false
	}

	counters := st.snapshot()
	conn := e.connMgr.StatusAll()[name]
	health := e.health.Status(name)

	var lastFailureAt *time.Time
	if t := st.breaker.LastFailureAt(); !t.IsZero() {
		lastFailureAt = &t
	}

	return types.ProviderRuntime{
		Descriptor: descriptor,

		CircuitState:        st.breaker.State().ToTypes(),
		ConsecutiveFailures: st.breaker.ConsecutiveFailures(),
		LastFailureAt:       lastFailureAt,

		ActiveRequests: counters.ActiveRequests,
		TotalRequests:  counters.TotalRequests,
		TotalErrors:    counters.TotalErrors,

		HealthStatus:   health.Status,
		HealthFailures: conn.HealthFailures,
		LastHealthAt:   conn.LastHealthAt,

		ConnectionState: conn.State,
		Enabled:         conn.Enabled,
		LastUsedAt:      conn.LastUsedAt,
		ConnectedAt:     conn.ConnectedAt,
	}, true
}

// ProviderRuntimeAll assembles the runtime snapshot for every
// registered provider.
func (e *Engine) ProviderRuntimeAll() map[string]types.ProviderRuntime {
	e.mu.Lock()
	names := make([]string, 0, len(e.providers))
	for name := range e.providers {
		names = append(names, name)
	}
	e.mu.Unlock()

	out := make(map[string]types.ProviderRuntime, len(names))
	for _, name := range names {
		if rt, ok := e.ProviderRuntime(name); ok {
			out[name] = rt
		}
	}
	return out
}

// CostSummary aggregates the cost log under filter.
func (e *Engine) CostSummary(filter telemetry.Filter) telemetry.Summary {
	return e.cost.Summarize(filter)
}

// CostExportCSV renders the full cost log as CSV.
func (e *Engine) CostExportCSV() string {
	return e.cost.ExportCSV()
}

// Connect, Disconnect, ConnectAll, DisconnectAll, ConnectionStatusAll,
// Connected, and SetEnabled delegate directly to the connection
// manager: the dispatch engine does not duplicate lifecycle state, it
// only consults IsAvailable/Connected during admission.

func (e *Engine) Connect(ctx context.Context, name string) error {
	return e.connMgr.Connect(ctx, name)
}

func (e *Engine) Disconnect(ctx context.Context, name string) error {
	return e.connMgr.Disconnect(ctx, name)
}

func (e *Engine) ConnectAll(ctx context.Context) error {
	return e.connMgr.ConnectAll(ctx)
}

func (e *Engine) DisconnectAll(ctx context.Context) error {
	return e.connMgr.DisconnectAll(ctx)
}

func (e *Engine) ConnectionStatusAll() map[string]connection.Status {
	return e.connMgr.StatusAll()
}

func (e *Engine) Connected(name string) bool {
	return e.connMgr.Connected(name)
}

func (e *Engine) SetEnabled(name string, enabled bool) error {
	return e.connMgr.SetEnabled(name, enabled)
}
