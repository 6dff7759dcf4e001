package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentflow/adapter"
	"github.com/BaSui01/agentflow/dispatch"
	"github.com/BaSui01/agentflow/providerconfig"
	"github.com/BaSui01/agentflow/providers/mock"
	"github.com/BaSui01/agentflow/retry"
	"github.com/BaSui01/agentflow/types"
)

const testConfigJSON = `{
  "providers": {
    "openai": {
      "adapter": "mock",
      "api_key": "test-key",
      "models": ["gpt-4"],
      "priority": 1
    }
  }
}`

func newTestService(t *testing.T, configJSON string) (*Service, *mock.Adapter) {
	t.Helper()
	var built *mock.Adapter
	factory := func(d types.ProviderDescriptor) (adapter.Adapter, error) {
		built = mock.New(d.Name)
		return built, nil
	}

	svc, err := New(Config{
		ConfigJSON: []byte(configJSON),
		AdapterFactories: map[string]AdapterFactory{
			"mock": factory,
		},
		Dispatch: dispatch.Config{
			QueueInterval: 20 * time.Millisecond,
			RetryPolicy:   &retry.ClassifiedPolicy{InitialDelay: time.Millisecond, MaxDelay: 20 * time.Millisecond},
		},
	})
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	t.Cleanup(svc.Stop)
	return svc, built
}

func TestService_LoadsProvidersFromConfigAndCompletes(t *testing.T) {
	svc, _ := newTestService(t, testConfigJSON)

	resp, err := svc.Completion(context.Background(), types.ChatOptions{
		Provider: "openai", Model: "gpt-4",
		Messages: []types.Message{types.NewUserMessage("hi")},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content())

	d, ok, err := svc.GetProviderConfig("openai")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "test-key", d.APIKey)
}

func TestService_UpdateProviderConfigOverridesAPIKey(t *testing.T) {
	svc, _ := newTestService(t, testConfigJSON)

	newKey := "rotated-key"
	require.NoError(t, svc.UpdateProviderConfig("openai", providerconfig.RuntimeOverride{APIKey: &newKey}))

	d, ok, err := svc.GetProviderConfig("openai")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "rotated-key", d.APIKey)
}

func TestService_ReloadConfigAddsNewProvider(t *testing.T) {
	svc, _ := newTestService(t, testConfigJSON)

	reloaded := `{
      "providers": {
        "openai": {"adapter": "mock", "api_key": "test-key", "models": ["gpt-4"], "priority": 1},
        "secondary": {"adapter": "mock", "api_key": "k2", "models": ["gpt-4"], "priority": 2}
      }
    }`
	require.NoError(t, svc.ReloadConfig([]byte(reloaded)))

	resp, err := svc.Completion(context.Background(), types.ChatOptions{
		Provider: "secondary", Model: "gpt-4",
		Messages: []types.Message{types.NewUserMessage("hi")},
	})
	require.NoError(t, err)
	assert.Equal(t, "secondary", resp.Provider)
}

func TestService_UnknownAdapterFactoryFailsLoad(t *testing.T) {
	_, err := New(Config{
		ConfigJSON:       []byte(testConfigJSON),
		AdapterFactories: map[string]AdapterFactory{},
	})
	assert.Error(t, err)
}
