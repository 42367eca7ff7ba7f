package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/testbed-orchestrator/internal/config"
)

var (
	configPath string
	apiURL     string
	rootCmd    = &cobra.Command{
		Use:   "testbed-orch",
		Short: "Testbed Orchestrator - experiment execution and resource scheduling",
		Long: `Testbed Orchestrator runs experiments on a shared testbed facility.
Experiments are composed from test case, UE and scenario definitions, wait
for the resources they need, run their task lists and have their results
collected, archived and optionally uploaded.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "orchestrator API base URL (default from [web] config)")
}

func loadConfig() (*config.Config, error) {
	return config.LoadWithLocalFallback(configPath)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
