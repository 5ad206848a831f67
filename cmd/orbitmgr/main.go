package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and all subcommands.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createBackendCommand(globalFlags),
		createAPICommand(globalFlags),
		createStubCommand(globalFlags),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "orbitmgr",
		Short: "Supervise an Orbit backend server and talk to its API",
		Long: `orbitmgr runs the Orbit backend server as a child process, restarts
it on request, captures its output and exposes a local control API.
It also ships a typed client for the backend's own HTTP API.

Examples:
  orbitmgr serve --config orbitmgr.toml
  orbitmgr backend status
  orbitmgr backend restart
  orbitmgr api services --username admin --password secret
  orbitmgr stub                      # fake backend API for development`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	return root
}
