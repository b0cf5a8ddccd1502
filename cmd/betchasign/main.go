// Command betchasign is the client-side companion of the betcha API. It
// manages keys and produces the signed call envelopes, settlement approvals
// and operator HMAC headers the server expects.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "betchasign",
		Short:         "Sign betcha API calls",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().String("key", "", "hex private key (or BETCHA_SIGNER_KEY)")
	cmd.PersistentFlags().String("key-file", "", "encrypted key file")
	cmd.PersistentFlags().String("password", "", "key file password (or BETCHA_KEY_PASSWORD)")
	cmd.PersistentFlags().Int64("chain-id", 31337, "chain ID scoping settlement signatures")

	cmd.AddCommand(
		addressCmd(),
		generateCmd(),
		encryptCmd(),
		signCallCmd(),
		signSettlementCmd(),
		hmacCmd(),
	)
	return cmd
}
