package connection

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/types"
)

type healthErrBox struct{ err error }

type fakeAdapter struct {
	connectErr error
	healthErr  atomic.Value // healthErrBox
}

func (f *fakeAdapter) Connect(ctx context.Context, d types.ProviderDescriptor) (any, error) {
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return "payload", nil
}

func (f *fakeAdapter) Disconnect(ctx context.Context, d types.ProviderDescriptor, payload any) error {
	return nil
}

func (f *fakeAdapter) HealthCheck(ctx context.Context, d types.ProviderDescriptor, payload any) error {
	if v := f.healthErr.Load(); v != nil {
		return v.(healthErrBox).err
	}
	return nil
}

func TestManager_ConnectDisconnectLifecycle(t *testing.T) {
	m := New(zap.NewNop(), time.Hour)
	adapter := &fakeAdapter{}
	m.Register(types.ProviderDescriptor{Name: "openai"}, adapter)

	require.False(t, m.Connected("openai"))
	require.NoError(t, m.Connect(context.Background(), "openai"))
	assert.True(t, m.Connected("openai"))
	assert.True(t, m.IsAvailable("openai"))

	require.NoError(t, m.Disconnect(context.Background(), "openai"))
	assert.False(t, m.Connected("openai"))
}

func TestManager_ConnectFailureStaysDisconnected(t *testing.T) {
	m := New(zap.NewNop(), time.Hour)
	adapter := &fakeAdapter{connectErr: errors.New("boom")}
	m.Register(types.ProviderDescriptor{Name: "openai"}, adapter)

	err := m.Connect(context.Background(), "openai")
	assert.Error(t, err)
	assert.False(t, m.Connected("openai"))
}

func TestManager_SetEnabledBlocksAvailabilityNotConnection(t *testing.T) {
	m := New(zap.NewNop(), time.Hour)
	adapter := &fakeAdapter{}
	m.Register(types.ProviderDescriptor{Name: "openai"}, adapter)
	require.NoError(t, m.Connect(context.Background(), "openai"))

	require.NoError(t, m.SetEnabled("openai", false))
	assert.False(t, m.IsAvailable("openai"))
	assert.True(t, m.Connected("openai"), "disabling must not disconnect")
}

func TestManager_ThreeHealthFailuresMarkUnhealthyThenRecover(t *testing.T) {
	m := New(zap.NewNop(), 5*time.Millisecond)
	adapter := &fakeAdapter{}
	adapter.healthErr.Store(healthErrBox{err: errors.New("probe failed")})
	m.Register(types.ProviderDescriptor{Name: "openai", TimeoutMs: 100}, adapter)
	require.NoError(t, m.Connect(context.Background(), "openai"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	require.Eventually(t, func() bool {
		st := m.StatusAll()["openai"]
		return st.State == types.Unhealthy
	}, time.Second, 5*time.Millisecond)

	adapter.healthErr.Store(healthErrBox{})
	require.Eventually(t, func() bool {
		return m.Connected("openai")
	}, time.Second, 5*time.Millisecond)
}
