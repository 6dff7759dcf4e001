package telemetry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/agentflow/types"
)

// ModelPrice is one model's per-1k-token pricing.
type ModelPrice struct {
	PromptPricePer1k     float64 `yaml:"prompt_price_per_1k"`
	CompletionPricePer1k float64 `yaml:"completion_price_per_1k"`
}

// ProviderPricing is one provider's pricing table, keyed by model,
// plus a fallback default applied to models with no explicit entry.
type ProviderPricing struct {
	Default *ModelPrice            `yaml:"default,omitempty"`
	Models  map[string]ModelPrice  `yaml:"models"`
}

// PricingTable is the static per-provider, per-model cost table. It is
// not part of the pinned request/response wire format (§6); it is
// supplementary ambient configuration, so it is loaded from YAML
// rather than the provider-descriptor JSON file.
type PricingTable struct {
	Providers map[string]ProviderPricing `yaml:"providers"`
}

// LoadPricingTable parses a YAML pricing document.
func LoadPricingTable(data []byte) (*PricingTable, error) {
	var pt PricingTable
	if err := yaml.Unmarshal(data, &pt); err != nil {
		return nil, fmt.Errorf("telemetry: invalid pricing table: %w", err)
	}
	if pt.Providers == nil {
		pt.Providers = make(map[string]ProviderPricing)
	}
	return &pt, nil
}

// LoadPricingTableFile reads and parses a pricing table from disk.
func LoadPricingTableFile(path string) (*PricingTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("telemetry: read pricing table: %w", err)
	}
	return LoadPricingTable(data)
}

// DefaultPricingTable returns a reasonable built-in pricing table so
// the gateway works out of the box; local providers (ollama, tgi)
// price to 0 per the spec's local-provider default.
func DefaultPricingTable() *PricingTable {
	return &PricingTable{
		Providers: map[string]ProviderPricing{
			"openai": {
				Default: &ModelPrice{PromptPricePer1k: 0.03, CompletionPricePer1k: 0.06},
				Models: map[string]ModelPrice{
					"gpt-4":         {PromptPricePer1k: 0.03, CompletionPricePer1k: 0.06},
					"gpt-4o":        {PromptPricePer1k: 0.005, CompletionPricePer1k: 0.015},
					"gpt-3.5-turbo": {PromptPricePer1k: 0.0005, CompletionPricePer1k: 0.0015},
				},
			},
			"anthropic": {
				Default: &ModelPrice{PromptPricePer1k: 0.003, CompletionPricePer1k: 0.015},
				Models: map[string]ModelPrice{
					"claude-3-opus":   {PromptPricePer1k: 0.015, CompletionPricePer1k: 0.075},
					"claude-3-sonnet": {PromptPricePer1k: 0.003, CompletionPricePer1k: 0.015},
					"claude-3-haiku":  {PromptPricePer1k: 0.00025, CompletionPricePer1k: 0.00125},
				},
			},
			"ollama": {Default: &ModelPrice{}},
			"tgi":    {Default: &ModelPrice{}},
		},
	}
}

// Cost computes a request's dollar cost. Missing model entries fall
// back to the provider's default; missing providers price to 0.
func (pt *PricingTable) Cost(provider, model string, usage types.Usage) float64 {
	pp, ok := pt.Providers[provider]
	if !ok {
		return 0
	}
	price, ok := pp.Models[model]
	if !ok {
		if pp.Default == nil {
			return 0
		}
		price = *pp.Default
	}
	return float64(usage.PromptTokens)/1000*price.PromptPricePer1k +
		float64(usage.CompletionTokens)/1000*price.CompletionPricePer1k
}
