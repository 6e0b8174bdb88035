package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/chango112595-cell/Aurora-x-sub008/pkg/updater"
)

var (
	stageSigFile  string
	stageSign     bool
	stageName     string
	requestCtx    map[string]string
	approveToken  string
	rejectReason  string
	promoteTarget string
	listAll       bool
)

var stageCmd = &cobra.Command{
	Use:   "stage <file>",
	Short: "Stage an artifact for approval",
	Long: `Copy an artifact into the staging area under its sha-256 hash.

Tarballs (.tar, .tar.gz, .tgz, .tar.zst) are unpacked into the payload that
activation installs; any other file is installed under its own name.

Example:
  aurora stage release.tar.gz --sig release.tar.gz.sig
  aurora stage app.conf --sign`,
	Args: usageArgs(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		name := stageName
		if name == "" {
			name = filepath.Base(args[0])
		}

		return withUpdateStack(cmd.Context(), func(st *updateStack) error {
			sig, err := stageSignature(st, data)
			if err != nil {
				return err
			}
			a, err := st.updater.Stage(cmd.Context(), name, data, sig)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), a)
		})
	},
}

func stageSignature(st *updateStack, data []byte) ([]byte, error) {
	switch {
	case stageSigFile != "" && stageSign:
		return nil, usageError{errors.New("--sig and --sign are mutually exclusive")}
	case stageSigFile != "":
		sig, err := os.ReadFile(stageSigFile)
		if err != nil {
			return nil, fmt.Errorf("read signature: %w", err)
		}
		return []byte(strings.TrimSpace(string(sig))), nil
	case stageSign:
		if st.signer == nil || !st.signer.CanSign() {
			return nil, fmt.Errorf("--sign needs a private key in signing.key or %s", updater.EnvSigningKey)
		}
		sig, err := st.signer.Sign(data)
		if err != nil {
			return nil, err
		}
		return []byte(sig), nil
	}
	return nil, nil
}

var verifyCmd = &cobra.Command{
	Use:   "verify <hash>",
	Short: "Check the signature of a staged artifact",
	Args:  usageArgs(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUpdateStack(cmd.Context(), func(st *updateStack) error {
			result, err := st.updater.Verify(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if !result.Valid {
				return fmt.Errorf("artifact %s failed verification: %s", args[0], result.Reason)
			}
			return nil
		})
	},
}

var requestApprovalCmd = &cobra.Command{
	Use:   "request-approval <hash>",
	Short: "Ask an operator to approve a staged artifact",
	Long: `Write a pending suggestion for a staged artifact.

Example:
  aurora request-approval 3b1f... --context ticket=OPS-12 --context reason="config bump"`,
	Args: usageArgs(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUpdateStack(cmd.Context(), func(st *updateStack) error {
			s, err := st.updater.RequestApproval(cmd.Context(), args[0], requestCtx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), s)
		})
	},
}

var approveCmd = &cobra.Command{
	Use:   "approve <suggestion|hash>",
	Short: "Approve a suggestion or a staged artifact",
	Long: `Record an approval. The token is checked by the configured validator: with
approval.secret set it must come from 'aurora token'.

Example:
  aurora approve 3b1f0c2a9d1e-7c1d2e3f --token "$(aurora token alice 3b1f...)"`,
	Args: usageArgs(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUpdateStack(cmd.Context(), func(st *updateStack) error {
			rec, err := st.updater.Approve(cmd.Context(), args[0], approveToken)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rec)
		})
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <suggestion>",
	Short: "Decline a pending suggestion",
	Args:  usageArgs(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUpdateStack(cmd.Context(), func(st *updateStack) error {
			if err := st.updater.Reject(cmd.Context(), args[0], rejectReason); err != nil {
				return err
			}
			printSuccess(cmd.OutOrStdout(), "rejected %s", args[0])
			return nil
		})
	},
}

var promoteCmd = &cobra.Command{
	Use:   "promote <hash>",
	Short: "Activate an approved, verified artifact",
	Long: `Back up the target directory, then swap the artifact's payload into place.
A failed swap is rolled back from the backup.

Example:
  aurora promote 3b1f... --target /srv/app`,
	Args: usageArgs(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUpdateStack(cmd.Context(), func(st *updateStack) error {
			res, err := st.updater.Activate(cmd.Context(), args[0], promoteTarget)
			if err != nil {
				var uerr *updater.UpdateError
				if errors.As(err, &uerr) && uerr.Backup != "" {
					printWarning(cmd.ErrOrStderr(), "backup kept at %s", uerr.Backup)
				}
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List staged artifact hashes",
	Args:  usageArgs(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUpdateStack(cmd.Context(), func(st *updateStack) error {
			hashes, err := st.updater.ListStaged()
			if err != nil {
				return err
			}
			t := newTable("HASH", "APPROVED")
			for _, h := range hashes {
				if st.updater.Approved(h) {
					t.add(statusStyle("approved"), h, "yes")
				} else {
					t.add(plainStyle, h, "no")
				}
			}
			return t.render(cmd.OutOrStdout())
		})
	},
}

var suggestionsCmd = &cobra.Command{
	Use:   "suggestions",
	Short: "List approval suggestions",
	Args:  usageArgs(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withUpdateStack(cmd.Context(), func(st *updateStack) error {
			list := st.updater.Pending
			if listAll {
				list = st.gate.List
			}
			suggestions, err := list()
			if err != nil {
				return err
			}
			t := newTable("NAME", "STATUS", "ARTIFACT", "CREATED")
			for _, s := range suggestions {
				t.add(statusStyle(string(s.Status)), s.Name, string(s.Status), s.ArtifactHash, s.CreatedAt.Local().Format(time.DateTime))
			}
			return t.render(cmd.OutOrStdout())
		})
	},
}

func init() {
	stageCmd.Flags().StringVar(&stageSigFile, "sig", "", "detached base64 signature file")
	stageCmd.Flags().BoolVar(&stageSign, "sign", false, "sign with the configured private key")
	stageCmd.Flags().StringVar(&stageName, "name", "", "file name recorded for the artifact (default: base name of <file>)")

	requestApprovalCmd.Flags().StringToStringVar(&requestCtx, "context", nil, "context shown to the approver (key=value, repeatable)")

	approveCmd.Flags().StringVar(&approveToken, "token", "", "approver token")
	approveCmd.MarkFlagRequired("token")

	rejectCmd.Flags().StringVar(&rejectReason, "reason", "", "why the suggestion was declined")

	promoteCmd.Flags().StringVar(&promoteTarget, "target", "", "directory to replace")
	promoteCmd.MarkFlagRequired("target")

	suggestionsCmd.Flags().BoolVar(&listAll, "all", false, "include approved and rejected suggestions")

	rootCmd.AddCommand(stageCmd, verifyCmd, requestApprovalCmd, approveCmd, rejectCmd, promoteCmd, listCmd, suggestionsCmd)
}
