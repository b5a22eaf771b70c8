package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command for the mcpgate application.
var rootCmd = &cobra.Command{
	Use:   "mcpgate",
	Short: "Federated gateway for the Model Context Protocol",
	Long: `mcpgate aggregates many independently running MCP backend servers -
local child processes speaking newline-delimited JSON-RPC and remote
servers reached over SSE - and exposes them to clients as one coherent
MCP endpoint with a flat, namespaced catalog of tools, resources and
prompts.`,
	// SilenceUsage prevents Cobra from printing the usage message on
	// errors that are handled by the application.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command. It is called from the
// main package to inject the build version.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute is the main entry point for the CLI application.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "mcpgate version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
