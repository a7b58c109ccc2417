package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aimguard/gateway/internal/adapter/outbound/audit"
)

var hashIdentityCmd = &cobra.Command{
	Use:   "hash-identity [identity]",
	Short: "Print the pseudonymous hash of an identity",
	Long: `Print the hash under which an identity appears in audit records.

Audit output never contains raw user identifiers; use this command to
correlate an audit stream with a known identity.

Example:
  aimguard hash-identity "user-123"
  # Output: xxh64:9a2f...

Note: the identity will appear in shell history. Consider using an
environment variable:
  aimguard hash-identity "$USER_ID"`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(audit.HashIdentity(args[0]))
	},
}

func init() {
	rootCmd.AddCommand(hashIdentityCmd)
}
