package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/Steake/BitCell-sub003/x/ceremony/server"
	"github.com/Steake/BitCell-sub003/x/ceremony/setup"
	"github.com/Steake/BitCell-sub003/x/ceremony/types"
)

func newClient(cmd *cobra.Command) *server.Client {
	node, _ := cmd.Flags().GetString(FlagNode)
	return server.NewClient(node, operatorToken(cmd))
}

// GetStatusCmd shows the state of one or all ceremonies on a coordinator.
func GetStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [ceremony-id]",
		Short: "Show the state of a ceremony, or list all ceremonies",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient(cmd)
			if len(args) == 0 {
				list, err := client.Ceremonies(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), list)
			}
			state, err := client.State(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), state)
		},
	}
	AddNodeFlags(cmd.Flags())
	return cmd
}

// GetDownloadCmd fetches the parameters the next contribution builds on.
func GetDownloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download [ceremony-id] [output]",
		Short: "Download the current parameters of a ceremony",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := args[1]
			if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				return err
			}
			f, err := os.Create(out) // #nosec G304 - output chosen by the participant
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", out, err)
			}
			defer f.Close()

			quiet, _ := cmd.Flags().GetBool(FlagNoProgress)
			bar := progressbar.NewOptions64(-1,
				progressbar.OptionSetDescription("downloading parameters"),
				progressbar.OptionSetWriter(cmd.ErrOrStderr()),
				progressbar.OptionShowBytes(true),
				progressbar.OptionSetVisibility(!quiet),
			)
			hash, round, err := newClient(cmd).DownloadParams(cmd.Context(), args[0], io.MultiWriter(f, bar))
			_ = bar.Finish()
			if err != nil {
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}

			got, size, err := setup.HashFile(out)
			if err != nil {
				return err
			}
			if got != hash {
				return fmt.Errorf("%w: downloaded file hashes to %s, coordinator announced %s", types.ErrChainMismatch, got, hash)
			}
			fmt.Fprintln(cmd.ErrOrStderr())
			return printJSON(cmd.OutOrStdout(), map[string]interface{}{
				"file":       out,
				"hash":       hash,
				"size_bytes": size,
				"round":      round,
			})
		},
	}
	AddNodeFlags(cmd.Flags())
	cmd.Flags().Bool(FlagNoProgress, false, "do not draw a progress bar")
	return cmd
}

// GetSubmitCmd uploads the output of contribute.
func GetSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit [ceremony-id] [record] [params]",
		Short: "Submit a contribution record and its output parameters",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rec types.Contribution
			if err := readJSONFile(args[1], &rec); err != nil {
				return err
			}
			params, hash, err := setup.LoadParameters(args[2])
			if err != nil {
				return err
			}
			if hash != rec.OutputHash {
				return fmt.Errorf("%w: %s hashes to %s, record names %s", types.ErrChainMismatch, args[2], hash, rec.OutputHash)
			}
			resp, err := newClient(cmd).Submit(cmd.Context(), args[0], rec, params)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	AddNodeFlags(cmd.Flags())
	return cmd
}

// GetTranscriptCmd fetches a published transcript version.
func GetTranscriptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transcript [ceremony-id] [output]",
		Short: "Download a published transcript version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, _ := cmd.Flags().GetUint64(FlagVersion)
			v, err := newClient(cmd).Transcript(cmd.Context(), args[0], version)
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[1], v.Bytes(), 0o644); err != nil {
				return fmt.Errorf("failed to write transcript: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d %s\n", v.Number, v.Hash)
			return nil
		},
	}
	AddNodeFlags(cmd.Flags())
	cmd.Flags().Uint64(FlagVersion, 0, "version to fetch (default latest)")
	return cmd
}

// GetOperatorCmd groups the commands that need an operator token.
func GetOperatorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "operator",
		Short: "Operate a ceremony on a running coordinator",
		Long:  "Operator commands authenticate with --token or $" + EnvToken + ".",
	}
	AddNodeFlags(cmd.PersistentFlags())

	initCmd := &cobra.Command{
		Use:   "init [circuit] [ceremony-id]",
		Short: "Create a ceremony; the id is generated when omitted",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			circuit, err := circuitFromFlags(cmd, args[0])
			if err != nil {
				return err
			}
			rb, err := beaconFromFlags(cmd)
			if err != nil {
				return err
			}
			req := server.InitRequest{Circuit: circuit, Beacon: rb}
			if len(args) == 2 {
				req.ID = args[1]
			}
			req.TargetParticipants, _ = cmd.Flags().GetUint64(FlagParticipants)
			state, err := newClient(cmd).Initialize(cmd.Context(), req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), state)
		},
	}
	AddCircuitFlags(initCmd.Flags())
	AddBeaconFlags(initCmd.Flags())
	initCmd.Flags().Uint64(FlagParticipants, 0, "finalize automatically after this many contributions")

	skipCmd := &cobra.Command{
		Use:   "skip [ceremony-id]",
		Short: "Skip the current round assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString(FlagReason)
			state, err := newClient(cmd).Skip(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), state)
		},
	}
	skipCmd.Flags().String(FlagReason, "", "reason recorded in the transcript")

	reassignCmd := &cobra.Command{
		Use:   "reassign [ceremony-id] [participant]",
		Short: "Assign the current round to another participant",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString(FlagReason)
			state, err := newClient(cmd).Reassign(cmd.Context(), args[0], args[1], reason)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), state)
		},
	}
	reassignCmd.Flags().String(FlagReason, "", "reason recorded in the transcript")

	finalizeCmd := &cobra.Command{
		Use:   "finalize [ceremony-id]",
		Short: "Close the contribution phase and derive the final keys",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := newClient(cmd).Finalize(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), keys)
		},
	}

	auditCmd := &cobra.Command{
		Use:   "audit [ceremony-id]",
		Short: "Have the coordinator re-verify its latest transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := newClient(cmd).Audit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printReport(cmd, report)
		},
	}

	attestationCmd := &cobra.Command{
		Use:   "attestation [ceremony-id] [reference]",
		Short: "Register an attestation reference printed by 'attest'",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ref types.AttestationRef
			if err := readJSONFile(args[1], &ref); err != nil {
				return err
			}
			state, err := newClient(cmd).AddAttestation(cmd.Context(), args[0], ref)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), state)
		},
	}

	auditorCmd := &cobra.Command{
		Use:   "auditor [ceremony-id] [name]",
		Short: "Record an independent auditor in the transcript",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := newClient(cmd).AddAuditor(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), state)
		},
	}

	cmd.AddCommand(initCmd, skipCmd, reassignCmd, finalizeCmd, auditCmd, attestationCmd, auditorCmd)
	return cmd
}

