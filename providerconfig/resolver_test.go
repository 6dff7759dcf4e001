package providerconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `{
  "providers": {
    "openai": {
      "models": ["gpt-4"],
      "rate_limit": {"limit": 100, "unit": "minute"},
      "max_retries": 3, "timeout": 30000
    }
  }
}`

func TestResolver_EnvFallback(t *testing.T) {
	r, err := New([]byte(sampleConfig))
	require.NoError(t, err)
	r.getenv = func(k string) string {
		if k == "OPENAI_API_KEY" {
			return "sk-env"
		}
		return ""
	}

	d, ok, err := r.ResolveOne("openai")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sk-env", d.APIKey)
	assert.Equal(t, "openai", d.Adapter)
	require.NotNil(t, d.RateLimit)
	assert.Equal(t, 100, d.RateLimit.Limit)
}

func TestResolver_RuntimeOverrideWins(t *testing.T) {
	r, err := New([]byte(sampleConfig))
	require.NoError(t, err)
	r.getenv = func(string) string { return "sk-env" }

	override := "sk-runtime"
	r.SetRuntimeOverride("openai", RuntimeOverride{APIKey: &override})

	d, _, err := r.ResolveOne("openai")
	require.NoError(t, err)
	assert.Equal(t, "sk-runtime", d.APIKey)
}

func TestResolver_PureGivenSameInputs(t *testing.T) {
	r, err := New([]byte(sampleConfig))
	require.NoError(t, err)
	r.getenv = func(string) string { return "sk-env" }

	d1, _, _ := r.ResolveOne("openai")
	d2, _, _ := r.ResolveOne("openai")
	assert.Equal(t, d1, d2)
}

func TestResolver_ReloadPreservesRuntimeOverrides(t *testing.T) {
	r, err := New([]byte(sampleConfig))
	require.NoError(t, err)
	override := "sk-runtime"
	r.SetRuntimeOverride("openai", RuntimeOverride{APIKey: &override})

	require.NoError(t, r.Reload([]byte(sampleConfig)))
	d, _, _ := r.ResolveOne("openai")
	assert.Equal(t, "sk-runtime", d.APIKey)
}
