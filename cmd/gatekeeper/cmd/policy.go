package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/gatekeeper-sh/gatekeeper/internal/adapter/outbound/policyfile"
	"github.com/gatekeeper-sh/gatekeeper/internal/domain/policy"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Work with policy files",
}

var policyCheckCmd = &cobra.Command{
	Use:   "check [policy-file]",
	Short: "Validate a policy file and print its hash",
	Long: `Load a policy file (following extends and principals_file includes),
compile every pattern and condition, and print the policy hash the
gateway would report as policyVersion.

Example:
  gatekeeper policy check policy.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runPolicyCheck,
}

func init() {
	policyCmd.AddCommand(policyCheckCmd)
	rootCmd.AddCommand(policyCmd)
}

func runPolicyCheck(cmd *cobra.Command, args []string) error {
	// Warnings about skipped patterns go to stderr; the hash is the output.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	source := policyfile.NewSource(args[0], logger)
	p, err := source.Load()
	if err != nil {
		return fmt.Errorf("policy invalid: %w", err)
	}
	snap, err := policy.Compile(p, logger)
	if err != nil {
		return fmt.Errorf("policy invalid: %w", err)
	}

	fmt.Println(snap.Hash)
	fmt.Fprintf(os.Stderr, "%d tools, %d principals, %d global deny patterns\n",
		len(p.Tools), len(p.Principals), len(p.GlobalDenyPatterns))
	return nil
}
