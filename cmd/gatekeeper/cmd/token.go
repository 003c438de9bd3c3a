package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gatekeeper-sh/gatekeeper/internal/canonical"
	"github.com/gatekeeper-sh/gatekeeper/internal/config"
	"github.com/gatekeeper-sh/gatekeeper/internal/domain/capability"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue and verify capability tokens",
	Long: `Capability tokens pre-authorize one exact tool call: they bind a tool
name and an argument hash (and optionally an actor) under the process
secret, letting the gateway skip human approval for that call.`,
}

var (
	tokenTool     string
	tokenArgsFile string
	tokenRole     string
	tokenActor    string
	tokenTTL      time.Duration
	tokenValue    string
)

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a signed capability token",
	Long: `Issue a capability token for the given tool and argument file.

The argument file holds the exact JSON arguments the token authorizes;
any deviation at request time fails verification.

Example:
  echo '{"path":"/tmp/x","content":"hi"}' > args.json
  gatekeeper token issue --tool files.write --args-file args.json --role navigator --ttl 10m`,
	RunE: runTokenIssue,
}

var tokenVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify a capability token",
	Long: `Verify a token against a tool and argument file, printing the
verification outcome and the decoded payload.`,
	RunE: runTokenVerify,
}

func init() {
	tokenIssueCmd.Flags().StringVar(&tokenTool, "tool", "", "tool name the token authorizes (required)")
	tokenIssueCmd.Flags().StringVar(&tokenArgsFile, "args-file", "", "JSON file with the exact arguments (required)")
	tokenIssueCmd.Flags().StringVar(&tokenRole, "role", "", "pin the token to an actor role")
	tokenIssueCmd.Flags().StringVar(&tokenActor, "actor", "", "pin the token to an actor name")
	tokenIssueCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
	_ = tokenIssueCmd.MarkFlagRequired("tool")
	_ = tokenIssueCmd.MarkFlagRequired("args-file")

	tokenVerifyCmd.Flags().StringVar(&tokenValue, "token", "", "token to verify (required)")
	tokenVerifyCmd.Flags().StringVar(&tokenTool, "tool", "", "tool name to verify against (required)")
	tokenVerifyCmd.Flags().StringVar(&tokenArgsFile, "args-file", "", "JSON file with the arguments to verify against (required)")
	tokenVerifyCmd.Flags().StringVar(&tokenRole, "role", "", "actor role to verify against")
	tokenVerifyCmd.Flags().StringVar(&tokenActor, "actor", "", "actor name to verify against")
	_ = tokenVerifyCmd.MarkFlagRequired("token")
	_ = tokenVerifyCmd.MarkFlagRequired("tool")
	_ = tokenVerifyCmd.MarkFlagRequired("args-file")

	tokenCmd.AddCommand(tokenIssueCmd)
	tokenCmd.AddCommand(tokenVerifyCmd)
	rootCmd.AddCommand(tokenCmd)
}

func newTokenService(cfg *config.Config) *capability.Service {
	return capability.NewService(cfg.Secret)
}

func loadArgsFile(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read args file: %w", err)
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("parse args file: %w", err)
	}
	return args, nil
}

func runTokenIssue(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	toolArgs, err := loadArgsFile(tokenArgsFile)
	if err != nil {
		return err
	}
	token, err := newTokenService(cfg).IssueFor(tokenTool, toolArgs, tokenRole, tokenActor, tokenTTL)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func runTokenVerify(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	toolArgs, err := loadArgsFile(tokenArgsFile)
	if err != nil {
		return err
	}
	argsHash, err := canonical.HashArgs(toolArgs)
	if err != nil {
		return err
	}

	res := newTokenService(cfg).Verify(capability.VerifyInput{
		Token:     tokenValue,
		Tool:      tokenTool,
		ArgsHash:  argsHash,
		ActorRole: tokenRole,
		ActorName: tokenActor,
	})
	if !res.Valid {
		return fmt.Errorf("token invalid: %s", res.ReasonCode)
	}
	fmt.Printf("valid\n  tool:      %s\n  argsHash:  %s\n  expiresAt: %s\n",
		res.Payload.Tool, res.Payload.ArgsHash, res.Payload.ExpiresAt)
	if res.Payload.ActorRole != "" {
		fmt.Printf("  role:      %s\n", res.Payload.ActorRole)
	}
	if res.Payload.ActorName != "" {
		fmt.Printf("  actor:     %s\n", res.Payload.ActorName)
	}
	return nil
}
