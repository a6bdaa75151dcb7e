// Package main implements the ragstored daemon and its operational CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// configPath overrides the default config file location
	configPath string
	// version information (set via ldflags during build)
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ragstored",
	Short: "Embedded multi-tenant vector session engine",
	Long: `ragstored runs the ragstore session engine: an embedded vector
database with session lifecycle, checkpointing, and role-based sharing.

Configuration is read from ~/.config/ragstore/config.yaml with
environment variable overrides (VECTORSTORE_PROVIDER, LOGGING_LEVEL, ...).`,
	Version: version,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/ragstore/config.yaml)")
	rootCmd.SetVersionTemplate(fmt.Sprintf("ragstored {{.Version}} (%s)\n", gitCommit))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(checkpointCmd)
}
