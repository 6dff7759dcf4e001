package main

import (
	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/adapter"
	"github.com/BaSui01/agentflow/gateway"
	"github.com/BaSui01/agentflow/providers/anthropic"
	"github.com/BaSui01/agentflow/providers/mock"
	"github.com/BaSui01/agentflow/providers/ollama"
	"github.com/BaSui01/agentflow/providers/openai"
	"github.com/BaSui01/agentflow/types"
)

// adapterFactories binds the config file's "adapter" field to a
// concrete adapter.Adapter constructor. A descriptor's "adapter" name
// is independent of its "name": two providers can both say
// adapter: "openai" (a Groq or Together deployment, say) and share the
// one factory, which is exactly why gateway.Config keys factories by
// adapter rather than provider name.
func adapterFactories(logger *zap.Logger) map[string]gateway.AdapterFactory {
	return map[string]gateway.AdapterFactory{
		"openai": func(d types.ProviderDescriptor) (adapter.Adapter, error) {
			return openai.New(d, logger)
		},
		"anthropic": func(d types.ProviderDescriptor) (adapter.Adapter, error) {
			return anthropic.New(d, logger)
		},
		"ollama": func(d types.ProviderDescriptor) (adapter.Adapter, error) {
			return ollama.New(d, logger)
		},
		"mock": func(d types.ProviderDescriptor) (adapter.Adapter, error) {
			return mock.New(d.Name), nil
		},
	}
}
