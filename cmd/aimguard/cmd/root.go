// Package cmd provides the CLI commands for the aimguard gateway.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aimguard/gateway/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "aimguard",
	Short: "aimguard - guardrail orchestration gateway",
	Long: `aimguard sits between an API gateway and a model inference service.

For every request and every model response it runs a configurable pipeline
of content-safety checkers (prompt injection, PII, secrets, toxicity,
policy compliance), enforces per-identity traffic limits, honors a
per-request latency budget, and emits telemetry.

Quick start:
  1. Create a config file: aimguard.yaml
  2. Run: aimguard serve

Configuration:
  Config is loaded from aimguard.yaml in the current directory,
  $HOME/.aimguard/, or /etc/aimguard/.

  Environment variables can override config values with the AIMGUARD_ prefix.
  Example: AIMGUARD_SERVER_HTTP_ADDR=:9090

Commands:
  serve            Start the gateway
  validate-policy  Validate a policy file without starting
  hash-identity    Print the pseudonymous hash of an identity
  version          Print version information`,
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
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./aimguard.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
