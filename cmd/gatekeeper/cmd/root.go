// Package cmd provides the CLI commands for Gatekeeper.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "gatekeeper",
	Short: "Gatekeeper - policy enforcement gateway for agent tool calls",
	Long: `Gatekeeper sits between AI agents and the dangerous tools they invoke
(shell execution, filesystem writes, outbound HTTP). Every request is
evaluated against a declarative policy and either executed, parked for
human approval, or denied, with a signed audit trail.

Quick start:
  1. Write a policy file: policy.yaml
  2. Export GATEKEEPER_SECRET (at least 32 bytes)
  3. Run: gatekeeper start

Configuration:
  Config is loaded from gatekeeper.yaml in the current directory,
  $HOME/.gatekeeper/, or /etc/gatekeeper/. Every option also has an
  environment form (GATEKEEPER_PORT, BASE_URL, POLICY_PATH, DATA_DIR,
  APPROVAL_PROVIDER, DEMO_MODE, ...).

Commands:
  start       Start the gateway server
  token       Issue and verify capability tokens
  policy      Validate a policy file and print its hash
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./gatekeeper.yaml)")
}
