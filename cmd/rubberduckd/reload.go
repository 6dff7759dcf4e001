package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newReloadConfigCmd() *cobra.Command {
	var (
		configPath  string
		pricingPath string
	)

	cmd := &cobra.Command{
		Use:   "reload-config",
		Short: "Validate a provider config file without starting the gateway.",
		Long: `reload-config parses and resolves a provider config file the same
way serve does at startup, reporting any adapter-factory or descriptor
errors up front. It does not connect to any provider; run a running
serve process's operator with "kill -HUP" to apply a config file to a
live daemon.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := initLogger("console", false)
			defer logger.Sync()

			// buildService only resolves and registers providers; it never
			// calls Start, so there is no background loop to stop here.
			if _, err := buildService(configPath, pricingPath, logger); err != nil {
				return err
			}

			fmt.Println("config OK")
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to provider config file (required)")
	cmd.Flags().StringVar(&pricingPath, "pricing", "", "path to pricing table YAML file (optional)")
	cmd.MarkFlagRequired("config")

	return cmd
}
