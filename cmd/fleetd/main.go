package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "fleetd",
		Short:         "Cluster machine registry with tag-scoped bulk actions",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")

	root.AddCommand(serveCmd(&configPath))
	root.AddCommand(agentCmd(&configPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
