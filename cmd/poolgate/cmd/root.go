// Package cmd provides the CLI commands for poolgate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/poolgate/poolgate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "poolgate",
	Short: "poolgate - rate-limited API key pool",
	Long: `Poolgate manages a pool of third-party API credentials with per-plan
rate limits. Clients ask the pool which key is usable right now instead of
tracking provider quotas themselves.

Quick start:
  1. Create a config file: poolgate.yaml
  2. Run: poolgate serve

Configuration:
  Config is loaded from poolgate.yaml in the current directory,
  $HOME/.poolgate/, or /etc/poolgate/.

  Environment variables can override config values with the POOLGATE_ prefix.
  Example: POOLGATE_SERVER_HTTP_ADDR=:9090

Commands:
  serve        Start the pool server
  fingerprint  Print the log fingerprint of a credential
  version      Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./poolgate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
