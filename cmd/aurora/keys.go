package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chango112595-cell/Aurora-x-sub008/pkg/approval"
	"github.com/chango112595-cell/Aurora-x-sub008/pkg/updater"
)

var signOutput string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an artifact signing key",
	Long: `Print a new age secret key and the ed25519 public key derived from it.

Keep the secret key where 'aurora sign' runs (signing.key or AURORA_SIGNING_KEY)
and give the public key to every host that verifies (signing.public_key or
AURORA_PUBLIC_KEY).`,
	Args: usageArgs(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := updater.GenerateKey()
		if err != nil {
			return err
		}
		signer, err := updater.NewSigner(secret, "")
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "# recipient: %s\n", signer.Recipient())
		fmt.Fprintf(w, "AURORA_SIGNING_KEY=%s\n", secret)
		fmt.Fprintf(w, "AURORA_PUBLIC_KEY=%s\n", signer.PublicKeyBase64())
		return nil
	},
}

var signCmd = &cobra.Command{
	Use:   "sign <file>",
	Short: "Write a detached signature for an artifact",
	Long: `Sign a file with the configured private key. The base64 signature is written
to --output (default <file>.sig) and can be passed to 'aurora stage --sig'.`,
	Args: usageArgs(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := currentConfig()
		if err != nil {
			return err
		}
		signer, err := loadSigner(cfg.Signing)
		if err != nil {
			return err
		}
		if !signer.CanSign() {
			return fmt.Errorf("no private key: set signing.key or %s", updater.EnvSigningKey)
		}

		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		sig, err := signer.Sign(data)
		if err != nil {
			return err
		}

		out := signOutput
		if out == "" {
			out = args[0] + ".sig"
		}
		if out == "-" {
			fmt.Fprintln(cmd.OutOrStdout(), sig)
			return nil
		}
		if err := os.WriteFile(out, []byte(sig+"\n"), 0o644); err != nil {
			return err
		}
		printSuccess(cmd.OutOrStdout(), "signature written to %s", out)
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <approver> <hash>",
	Short: "Mint an approver token bound to one artifact",
	Args:  usageArgs(cobra.ExactArgs(2)),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := currentConfig()
		if err != nil {
			return err
		}
		if cfg.Approval.Secret == "" {
			return errors.New("approval.secret is not set; any non-empty token is accepted")
		}
		fmt.Fprintln(cmd.OutOrStdout(), approval.SignToken([]byte(cfg.Approval.Secret), args[0], args[1]))
		return nil
	},
}

func init() {
	signCmd.Flags().StringVarP(&signOutput, "output", "o", "", "signature file, or - for stdout")

	rootCmd.AddCommand(keygenCmd, signCmd, tokenCmd)
}
