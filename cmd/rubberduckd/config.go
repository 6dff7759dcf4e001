package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/BaSui01/agentflow/dispatch"
	"github.com/BaSui01/agentflow/gateway"
	"github.com/BaSui01/agentflow/internal/metrics"
	"github.com/BaSui01/agentflow/telemetry"
)

// buildService loads the provider config file (and, if given, a
// pricing table file) and assembles a gateway.Service wired with every
// adapter this daemon ships. It does not call Start: callers that need
// connection probing and the background queue loop running call
// Start themselves, letting reload-config validate a config file
// without ever opening a network connection.
func buildService(configPath, pricingPath string, logger *zap.Logger) (*gateway.Service, error) {
	configJSON, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", configPath, err)
	}

	pricing := telemetry.DefaultPricingTable()
	if pricingPath != "" {
		pricing, err = telemetry.LoadPricingTableFile(pricingPath)
		if err != nil {
			return nil, fmt.Errorf("loading pricing table %q: %w", pricingPath, err)
		}
	}

	svc, err := gateway.New(gateway.Config{
		Logger:           logger,
		ConfigJSON:       configJSON,
		PricingTable:     pricing,
		AdapterFactories: adapterFactories(logger),
		Dispatch:         dispatch.Config{Metrics: metrics.NewCollector("rubberduckd", logger)},
	})
	if err != nil {
		return nil, fmt.Errorf("building gateway service: %w", err)
	}
	return svc, nil
}
