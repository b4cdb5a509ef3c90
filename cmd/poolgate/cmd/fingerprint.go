package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/poolgate/poolgate/internal/domain/pool"
)

var fingerprintCmd = &cobra.Command{
	Use:   "fingerprint [key-id]",
	Short: "Print the log fingerprint of a credential",
	Long: `Print the fingerprint poolgate uses for a credential in its logs.

Credentials never appear in cleartext in log output; every log line refers
to a key by this fingerprint. Use this command to match a log line back to
a concrete credential.

Example:
  poolgate fingerprint "my-subscription-id"

Security note: The key will appear in shell history.
Consider using an environment variable:
  poolgate fingerprint "$MY_KEY_ID"`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(pool.Fingerprint(args[0]))
	},
}

func init() {
	rootCmd.AddCommand(fingerprintCmd)
}
