package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/BaSui01/agentflow/types"
)

func newHealthCmd() *cobra.Command {
	var (
		configPath  string
		pricingPath string
		timeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Connect to every configured provider and report health status.",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := initLogger("console", false)
			defer logger.Sync()

			svc, err := buildService(configPath, pricingPath, logger)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			if err := svc.Start(ctx); err != nil {
				return fmt.Errorf("starting gateway service: %w", err)
			}
			defer svc.Stop()

			statuses := svc.HealthStatusAll()
			unhealthy := 0
			for provider, status := range statuses {
				fmt.Printf("%-20s %s\n", provider, status.Status)
				if status.Status != types.HealthHealthy {
					unhealthy++
				}
			}
			if unhealthy > 0 {
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to provider config file (required)")
	cmd.Flags().StringVar(&pricingPath, "pricing", "", "path to pricing table YAML file (optional)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "connection timeout")
	cmd.MarkFlagRequired("config")

	return cmd
}
