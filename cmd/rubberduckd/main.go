// Command rubberduckd runs the dispatch gateway as a standalone
// daemon, grounded on Sanix-Darker-prev's cobra root/subcommand
// layout and agentflow's cmd/agentflow subcommand naming (serve,
// health, migrate -> reload-config here).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "rubberduckd",
	Short: "Multi-provider LLM dispatch gateway.",
	Long:  `rubberduckd loads a provider config file and runs the dispatch gateway: admission control, rate limiting, circuit breaking, and failover across configured LLM providers.`,
}

func init() {
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newHealthCmd())
	rootCmd.AddCommand(newReloadConfigCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information.",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("rubberduckd %s\n", version)
			fmt.Printf("  build time: %s\n", buildTime)
			fmt.Printf("  git commit: %s\n", gitCommit)
			return nil
		},
	}
}
