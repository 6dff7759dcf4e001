// Package connection implements the provider connection lifecycle: an
// explicit state machine distinct from the circuit breaker, plus a
// periodic health-check loop, grounded on the health-monitoring
// background-loop idiom the upstream agent framework uses for its
// provider QPS/health tracking.
package connection

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/types"
)

// HealthChecker is implemented by provider adapters that support an
// explicit health probe.
type HealthChecker interface {
	HealthCheck(ctx context.Context, descriptor types.ProviderDescriptor, payload any) error
}

// Connector is implemented by provider adapters with an explicit
// connect/disconnect lifecycle. Adapters that do not implement this
// are treated as stateless and connect trivially.
type Connector interface {
	Connect(ctx context.Context, descriptor types.ProviderDescriptor) (payload any, err error)
	Disconnect(ctx context.Context, descriptor types.ProviderDescriptor, payload any) error
}

// record is the mutable per-provider lifecycle state. All fields are
// guarded by the owning Manager's per-record mutex.
type record struct {
	mu sync.Mutex

	descriptor types.ProviderDescriptor
	adapter    any // concrete provider adapter; may implement Connector/HealthChecker

	state          types.ConnectionState
	payload        any
	enabled        bool
	healthFailures int
	lastHealthAt   *time.Time
	connectedAt    *time.Time
	lastUsedAt     *time.Time
	errorCount     int
}

// DefaultHealthCheckInterval is how often connected and unhealthy
// providers are probed when New is given no positive interval.
const DefaultHealthCheckInterval = 30 * time.Second

// UnhealthyThreshold is the number of consecutive health-check
// failures that moves a connected provider to unhealthy.
const UnhealthyThreshold = 3

// Manager owns every provider's connection record and runs the
// periodic health-check loop.
type Manager struct {
	logger   *zap.Logger
	interval time.Duration

	mu       sync.RWMutex
	records  map[string]*record

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a Manager. Call Start to begin the periodic health-check
// loop; call Stop to end it.
func New(logger *zap.Logger, interval time.Duration) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultHealthCheckInterval
	}
	return &Manager{
		logger:   logger,
		interval: interval,
		records:  make(map[string]*record),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Register adds or replaces a provider's descriptor and adapter,
// starting it disconnected (and enabled) until Connect is called.
func (m *Manager) Register(descriptor types.ProviderDescriptor, adapter any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.records[descriptor.Name]; ok {
		existing.mu.Lock()
		existing.descriptor = descriptor
		existing.adapter = adapter
		existing.mu.Unlock()
		return
	}
	m.records[descriptor.Name] = &record{
		descriptor: descriptor,
		adapter:    adapter,
		state:      types.Disconnected,
		enabled:    true,
	}
}

func (m *Manager) get(name string) (*record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[name]
	return r, ok
}

// Connect transitions a provider disconnected -> connecting ->
// connected (or back to disconnected on failure).
func (m *Manager) Connect(ctx context.Context, name string) error {
	r, ok := m.get(name)
	if !ok {
		return types.NewError(types.ErrProviderNotConfigured, "provider not registered").WithProvider(name)
	}

	r.mu.Lock()
	if r.state == types.Connected || r.state == types.Connecting {
		r.mu.Unlock()
		return nil
	}
	r.state = types.Connecting
	adapter := r.adapter
	descriptor := r.descriptor
	r.mu.Unlock()

	var payload any
	var err error
	if connector, ok := adapter.(Connector); ok {
		payload, err = connector.Connect(ctx, descriptor)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.state = types.Disconnected
		r.errorCount++
		return err
	}
	now := time.Now()
	r.state = types.Connected
	r.payload = payload
	r.connectedAt = &now
	r.healthFailures = 0
	return nil
}

// Disconnect transitions connected/unhealthy -> disconnecting ->
// disconnected.
func (m *Manager) Disconnect(ctx context.Context, name string) error {
	r, ok := m.get(name)
	if !ok {
		return types.NewError(types.ErrProviderNotConfigured, "provider not registered").WithProvider(name)
	}

	r.mu.Lock()
	if r.state == types.Disconnected {
		r.mu.Unlock()
		return nil
	}
	r.state = types.Disconnecting
	adapter, descriptor, payload := r.adapter, r.descriptor, r.payload
	r.mu.Unlock()

	var err error
	if connector, ok := adapter.(Connector); ok {
		err = connector.Disconnect(ctx, descriptor, payload)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = types.Disconnected
	r.payload = nil
	r.connectedAt = nil
	return err
}

// ConnectAll / DisconnectAll apply Connect/Disconnect to every
// registered provider, returning the first error encountered (after
// attempting all of them).
func (m *Manager) ConnectAll(ctx context.Context) error {
	var firstErr error
	for _, name := range m.names() {
		if err := m.Connect(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) DisconnectAll(ctx context.Context) error {
	var firstErr error
	for _, name := range m.names() {
		if err := m.Disconnect(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.records))
	for n := range m.records {
		names = append(names, n)
	}
	return names
}

// SetEnabled flips the enabled flag, orthogonal to connection state:
// disabled providers are skipped by the dispatch engine but retain
// their current connection state.
func (m *Manager) SetEnabled(name string, enabled bool) error {
	r, ok := m.get(name)
	if !ok {
		return types.NewError(types.ErrProviderNotConfigured, "provider not registered").WithProvider(name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = enabled
	return nil
}

// IsAvailable reports whether the dispatch engine may dispatch to this
// provider right now: connected and enabled.
func (m *Manager) IsAvailable(name string) bool {
	r, ok := m.get(name)
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == types.Connected && r.enabled
}

// Connected reports whether the provider's connection state is
// connected, irrespective of the enabled flag.
func (m *Manager) Connected(name string) bool {
	r, ok := m.get(name)
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == types.Connected
}

// MarkUsed records the time of the most recent dispatch to a provider.
func (m *Manager) MarkUsed(name string) {
	r, ok := m.get(name)
	if !ok {
		return
	}
	now := time.Now()
	r.mu.Lock()
	r.lastUsedAt = &now
	r.mu.Unlock()
}

// Status is a read-only snapshot of a provider's connection record.
type Status struct {
	Name           string
	State          types.ConnectionState
	Enabled        bool
	HealthFailures int
	LastHealthAt   *time.Time
	ConnectedAt    *time.Time
	LastUsedAt     *time.Time
}

// StatusAll returns a snapshot of every registered provider.
func (m *Manager) StatusAll() map[string]Status {
	m.mu.RLock()
	names := make([]string, 0, len(m.records))
	recs := make([]*record, 0, len(m.records))
	for n, r := range m.records {
		names = append(names, n)
		recs = append(recs, r)
	}
	m.mu.RUnlock()

	out := make(map[string]Status, len(names))
	for i, n := range names {
		r := recs[i]
		r.mu.Lock()
		out[n] = Status{
			Name: n, State: r.state, Enabled: r.enabled,
			HealthFailures: r.healthFailures, LastHealthAt: r.lastHealthAt,
			ConnectedAt: r.connectedAt, LastUsedAt: r.lastUsedAt,
		}
		r.mu.Unlock()
	}
	return out
}

// Start launches the periodic health-check loop in a background
// goroutine.
func (m *Manager) Start(ctx context.Context) {
	go m.loop(ctx)
}

// Stop ends the health-check loop and waits for it to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

func (m *Manager) loop(ctx context.Context) {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkAll(ctx)
		}
	}
}

func (m *Manager) checkAll(ctx context.Context) {
	for _, name := range m.names() {
		r, ok := m.get(name)
		if !ok {
			continue
		}
		r.mu.Lock()
		if r.state != types.Connected && r.state != types.Unhealthy {
			r.mu.Unlock()
			continue
		}
		adapter, descriptor, payload := r.adapter, r.descriptor, r.payload
		r.mu.Unlock()

		var err error
		if checker, ok := adapter.(HealthChecker); ok {
			checkCtx, cancel := context.WithTimeout(ctx, descriptor.Timeout())
			err = checker.HealthCheck(checkCtx, descriptor, payload)
			cancel()
		}

		now := time.Now()
		r.mu.Lock()
		r.lastHealthAt = &now
		if err != nil {
			r.healthFailures++
			if r.healthFailures >= UnhealthyThreshold && r.state == types.Connected {
				r.state = types.Unhealthy
				m.logger.Warn("provider marked unhealthy", zap.String("provider", name), zap.Int("failures", r.healthFailures))
			}
		} else {
			if r.state == types.Unhealthy {
				m.logger.Info("provider health recovered", zap.String("provider", name))
			}
			r.healthFailures = 0
			if r.state == types.Unhealthy {
				r.state = types.Connected
			}
		}
		r.mu.Unlock()
	}
}
