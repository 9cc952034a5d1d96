package cli

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Steake/BitCell-sub003/x/ceremony/transcript"
	"github.com/Steake/BitCell-sub003/x/ceremony/types"
)

// GetAttestCmd renders, and optionally signs, the attestation of a
// contribution.
func GetAttestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attest [record]",
		Short: "Write the attestation statement for a contribution",
		Long: `Render the plain-text attestation for a contribution record. With --sign-key
a detached Ed448 signature is written next to it as <output>.sig. The printed
reference can be registered with the coordinator; it does not take part in
verification.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rec types.Contribution
			if err := readJSONFile(args[0], &rec); err != nil {
				return err
			}
			ceremonyID, _ := cmd.Flags().GetString(FlagCeremony)
			doc := transcript.NewAttestation(ceremonyID, rec).Render()

			out, _ := cmd.Flags().GetString(FlagOutput)
			if out == "" {
				out = fmt.Sprintf("attestation_round_%04d.txt", rec.Round)
			}
			if err := os.WriteFile(out, doc, 0o644); err != nil {
				return fmt.Errorf("failed to write attestation: %w", err)
			}

			signed := false
			if keyPath, _ := cmd.Flags().GetString(FlagSignKey); keyPath != "" {
				raw, err := os.ReadFile(keyPath) // #nosec G304 - key file chosen by the participant
				if err != nil {
					return fmt.Errorf("failed to read signing key: %w", err)
				}
				priv, err := transcript.ParsePrivateKey(string(raw))
				if err != nil {
					return err
				}
				sig := transcript.Sign(priv, doc)
				if err := os.WriteFile(out+".sig", []byte(hex.EncodeToString(sig)+"\n"), 0o644); err != nil {
					return fmt.Errorf("failed to write signature: %w", err)
				}
				signed = true
			}

			att, err := transcript.ParseAttestation(doc)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), transcript.Reference(*att, out, doc, signed))
		},
	}
	cmd.Flags().String(FlagCeremony, "", "ceremony id")
	cmd.Flags().StringP(FlagOutput, "o", "", "attestation file (default attestation_round_NNNN.txt)")
	cmd.Flags().String(FlagSignKey, "", "hex Ed448 private key file to sign the attestation with")
	_ = cmd.MarkFlagRequired(FlagCeremony)

	cmd.AddCommand(getAttestKeygenCmd(), getAttestVerifyCmd())
	return cmd
}

func getAttestKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen [prefix]",
		Short: "Generate an Ed448 identity key for signing attestations",
		Long:  "Write <prefix>.key (private, mode 0600) and <prefix>.pub and print the fingerprint.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := transcript.GenerateSigningKey(nil)
			if err != nil {
				return fmt.Errorf("failed to generate key: %w", err)
			}
			if err := os.WriteFile(args[0]+".key", []byte(hex.EncodeToString(priv)+"\n"), 0o600); err != nil {
				return fmt.Errorf("failed to write private key: %w", err)
			}
			if err := os.WriteFile(args[0]+".pub", []byte(hex.EncodeToString(pub)+"\n"), 0o644); err != nil {
				return fmt.Errorf("failed to write public key: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), transcript.Fingerprint(pub))
			return nil
		},
	}
	return cmd
}

func getAttestVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify [attestation]",
		Short: "Check an attestation's signature and, optionally, its contribution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := os.ReadFile(args[0]) // #nosec G304 - attestation chosen by the auditor
			if err != nil {
				return fmt.Errorf("failed to read attestation: %w", err)
			}
			att, err := transcript.ParseAttestation(doc)
			if err != nil {
				return err
			}

			fs := cmd.Flags()
			if pubRaw, _ := fs.GetString(FlagPublicKey); pubRaw != "" {
				if bz, err := os.ReadFile(pubRaw); err == nil { // #nosec G304 - key file chosen by the auditor
					pubRaw = string(bz)
				}
				pub, err := transcript.ParsePublicKey(pubRaw)
				if err != nil {
					return err
				}
				sigPath, _ := fs.GetString(FlagSignature)
				if sigPath == "" {
					sigPath = args[0] + ".sig"
				}
				sigHex, err := os.ReadFile(sigPath) // #nosec G304 - signature chosen by the auditor
				if err != nil {
					return fmt.Errorf("failed to read signature: %w", err)
				}
				sig, err := hex.DecodeString(strings.TrimSpace(string(sigHex)))
				if err != nil {
					return fmt.Errorf("%w: %v", types.ErrInvalidSignature, err)
				}
				if err := transcript.VerifySignature(pub, doc, sig); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "signature valid (key %s)\n", transcript.Fingerprint(pub))
			}

			if recordPath, _ := fs.GetString(FlagRecord); recordPath != "" {
				var rec types.Contribution
				if err := readJSONFile(recordPath, &rec); err != nil {
					return err
				}
				if err := att.Matches(att.CeremonyID, rec); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "attestation matches round %d of %s\n", rec.Round, att.CeremonyID)
			}
			return nil
		},
	}
	cmd.Flags().String(FlagPublicKey, "", "hex Ed448 public key, or a file holding it")
	cmd.Flags().String(FlagSignature, "", "signature file (default <attestation>.sig)")
	cmd.Flags().String(FlagRecord, "", "contribution record the attestation should describe")
	return cmd
}
