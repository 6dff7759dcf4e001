package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentflow/types"
)

func TestRegistry_FirstRegisteredWinsModelResolution(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(types.ProviderDescriptor{Name: "a", Adapter: "mock", Models: []string{"m"}, Priority: 2}))
	require.NoError(t, r.Register(types.ProviderDescriptor{Name: "b", Adapter: "mock", Models: []string{"m"}, Priority: 1}))

	name, ok := r.ResolveModel("m")
	require.True(t, ok)
	assert.Equal(t, "a", name)
}

func TestRegistry_ValidationRejectsBadDescriptor(t *testing.T) {
	r := New()
	err := r.Register(types.ProviderDescriptor{Name: "", Adapter: "mock"})
	assert.Error(t, err)
}

func TestRegistry_ProvidersForModel(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(types.ProviderDescriptor{Name: "a", Adapter: "mock", Models: []string{"m"}}))
	require.NoError(t, r.Register(types.ProviderDescriptor{Name: "b", Adapter: "mock", Models: []string{"m", "n"}}))

	providers := r.ProvidersForModel("m")
	require.Len(t, providers, 2)
	assert.Equal(t, "a", providers[0].Name)
	assert.Equal(t, "b", providers[1].Name)
}

func TestRegistry_UnregisterRebuildsIndex(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(types.ProviderDescriptor{Name: "a", Adapter: "mock", Models: []string{"m"}}))
	require.NoError(t, r.Register(types.ProviderDescriptor{Name: "b", Adapter: "mock", Models: []string{"m"}}))

	r.Unregister("a")
	name, ok := r.ResolveModel("m")
	require.True(t, ok)
	assert.Equal(t, "b", name)
}

func TestRegistry_ListModelsSorted(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(types.ProviderDescriptor{Name: "b", Adapter: "mock", Models: []string{"z"}}))
	require.NoError(t, r.Register(types.ProviderDescriptor{Name: "a", Adapter: "mock", Models: []string{"a-model"}}))

	models := r.ListModels()
	require.Len(t, models, 2)
	assert.Equal(t, "a-model", models[0].Model)
	assert.Equal(t, "z", models[1].Model)
}
