package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/agentflow/types"
)

func TestHealthTracker_NewestFirstAndCap(t *testing.T) {
	ht := NewHealthTracker(0)
	base := time.Now()
	for i := 0; i < 5; i++ {
		ht.Record(types.HealthRecord{Provider: "openai", Status: types.HealthHealthy, Timestamp: base.Add(time.Duration(i) * time.Second)})
	}
	status := ht.Status("openai")
	require.NotNil(t, status.LastCheck)
	assert.Equal(t, base.Add(4*time.Second), *status.LastCheck)
	assert.Equal(t, float64(100), status.UptimePct)
}

func TestHealthTracker_RecentErrorsAndUptime(t *testing.T) {
	ht := NewHealthTracker(0)
	now := time.Now()
	ht.Record(types.HealthRecord{Provider: "a", Status: types.HealthHealthy, Timestamp: now})
	ht.Record(types.HealthRecord{Provider: "a", Status: types.HealthUnhealthy, Timestamp: now.Add(time.Second)})

	status := ht.Status("a")
	assert.Equal(t, 1, status.RecentErrors)
	assert.Equal(t, float64(50), status.UptimePct)
}

func TestCostTracker_RecordAndCost(t *testing.T) {
	ct := NewCostTracker(DefaultPricingTable())
	rec := ct.Record("openai", "gpt-4", types.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2}, time.Now())
	assert.InDelta(t, 0.00009, rec.Cost, 1e-9)
}

func TestCostTracker_LocalProviderPricesToZero(t *testing.T) {
	ct := NewCostTracker(DefaultPricingTable())
	rec := ct.Record("ollama", "llama3", types.Usage{PromptTokens: 1000, CompletionTokens: 1000, TotalTokens: 2000}, time.Now())
	assert.Equal(t, float64(0), rec.Cost)
}

func TestCostTracker_SummarizeFilters(t *testing.T) {
	ct := NewCostTracker(DefaultPricingTable())
	now := time.Now()
	ct.Record("openai", "gpt-4", types.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2}, now)
	ct.Record("anthropic", "claude-3-haiku", types.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2}, now)

	s := ct.Summarize(Filter{Provider: "openai"})
	assert.Equal(t, 1, s.RecordCount)
	assert.Contains(t, s.ByProvider, "openai")
	assert.NotContains(t, s.ByProvider, "anthropic")
}

func TestCostTracker_ExportCSV(t *testing.T) {
	ct := NewCostTracker(DefaultPricingTable())
	ct.Record("openai", "gpt-4", types.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2}, time.Now())

	csv := ct.ExportCSV()
	assert.Contains(t, csv, "Timestamp,Provider,Model,Prompt Tokens,Completion Tokens,Total Tokens,Cost")
	assert.Contains(t, csv, "openai,gpt-4,1,1,2,0.0001")
}

func TestPricingTable_LoadYAML(t *testing.T) {
	doc := `
providers:
  custom:
    default:
      prompt_price_per_1k: 0.01
      completion_price_per_1k: 0.02
    models:
      foo:
        prompt_price_per_1k: 0.1
        completion_price_per_1k: 0.2
`
	pt, err := LoadPricingTable([]byte(doc))
	require.NoError(t, err)

	cost := pt.Cost("custom", "foo", types.Usage{PromptTokens: 1000, CompletionTokens: 1000})
	assert.InDelta(t, 0.3, cost, 1e-9)

	costDefault := pt.Cost("custom", "unknown-model", types.Usage{PromptTokens: 1000, CompletionTokens: 1000})
	assert.InDelta(t, 0.03, costDefault, 1e-9)
}

func TestPricingTable_UnknownProviderPricesToZero(t *testing.T) {
	pt := DefaultPricingTable()
	cost := pt.Cost("nope", "nope", types.Usage{PromptTokens: 1000, CompletionTokens: 1000})
	assert.Equal(t, float64(0), cost)
}
