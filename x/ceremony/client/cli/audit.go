package cli

import (
	"fmt"
	"os"

	"cosmossdk.io/log"
	"github.com/spf13/cobra"

	"github.com/Steake/BitCell-sub003/x/ceremony/beacon"
	"github.com/Steake/BitCell-sub003/x/ceremony/transcript"
	"github.com/Steake/BitCell-sub003/x/ceremony/types"
)

func addBeaconLookupFlags(cmd *cobra.Command) {
	cmd.Flags().String(FlagBeaconRPC, "", "Ethereum JSON-RPC endpoint used to confirm the beacon block")
	cmd.Flags().String(FlagBeaconFile, "", "JSON file of known beacons used to confirm the beacon block")
}

// beaconVerifierFromFlags returns nil when no lookup was configured.
func beaconVerifierFromFlags(cmd *cobra.Command) (*beacon.Verifier, func(), error) {
	rpcURL, _ := cmd.Flags().GetString(FlagBeaconRPC)
	file, _ := cmd.Flags().GetString(FlagBeaconFile)

	var (
		sources []beacon.Source
		release = func() {}
	)
	if rpcURL != "" {
		src, err := beacon.DialEthereum(cmd.Context(), "ethereum", rpcURL)
		if err != nil {
			return nil, nil, err
		}
		sources = append(sources, src)
		release = src.Close
	}
	if file != "" {
		loaded, err := beacon.LoadStaticSources(file)
		if err != nil {
			release()
			return nil, nil, err
		}
		for _, src := range loaded {
			sources = append(sources, src)
		}
	}
	if len(sources) == 0 {
		return nil, release, nil
	}
	return beacon.NewVerifier(sources...), release, nil
}

func addAuditFlags(cmd *cobra.Command) {
	cmd.Flags().String(FlagParamsDir, "", "directory holding the intermediate .params files")
	cmd.Flags().String(FlagKeysDir, "", "directory holding the published key files of the circuit")
	cmd.Flags().Int(FlagWorkers, 0, "rounds verified in parallel (default GOMAXPROCS)")
	cmd.Flags().StringP(FlagOutput, "o", "", "also write the report to this file")
	addBeaconLookupFlags(cmd)
}

// auditFile audits the transcript at path. earlier lists previously
// published versions, oldest first; their chain up to path is checked
// before the audit.
func auditFile(cmd *cobra.Command, path string, earlier []string) (*types.Report, error) {
	versions := make([]transcript.Version, 0, len(earlier)+1)
	paths := append(append([]string(nil), earlier...), path)
	for _, p := range paths {
		v, err := readVersion(p)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	if len(versions) > 1 {
		if err := transcript.VerifyVersionChain(versions); err != nil {
			return nil, err
		}
	}

	verifier, release, err := beaconVerifierFromFlags(cmd)
	if err != nil {
		return nil, err
	}
	defer release()

	fs := cmd.Flags()
	opts := transcript.AuditOptions{Beacon: verifier, Logger: log.NewNopLogger()}
	if dir, _ := fs.GetString(FlagParamsDir); dir != "" {
		opts.Params = transcript.NewDirSource(dir)
	}
	opts.KeysDir, _ = fs.GetString(FlagKeysDir)
	opts.Workers, _ = fs.GetInt(FlagWorkers)

	report, err := transcript.AuditVersion(cmd.Context(), versions[len(versions)-1], opts)
	if err != nil {
		return nil, err
	}
	if out, _ := fs.GetString(FlagOutput); out != "" {
		if err := writeJSONFile(out, report); err != nil {
			return nil, err
		}
	}
	return report, nil
}

// readVersion reads a published transcript, taking the version number from
// its contents.
func readVersion(path string) (transcript.Version, error) {
	bz, err := os.ReadFile(path) // #nosec G304 - transcript chosen by the auditor
	if err != nil {
		return transcript.Version{}, fmt.Errorf("failed to read transcript: %w", err)
	}
	t, err := types.UnmarshalTranscript(bz)
	if err != nil {
		return transcript.Version{}, fmt.Errorf("%s: %w", path, err)
	}
	return transcript.NewVersion(t.Version, bz), nil
}

func printReport(cmd *cobra.Command, report *types.Report) error {
	if err := printJSON(cmd.OutOrStdout(), report); err != nil {
		return err
	}
	fmt.Fprintln(cmd.ErrOrStderr(), report.Summary())
	if !report.OK() {
		return ErrVerificationFailed
	}
	return nil
}

// GetVerifyTranscriptCmd re-verifies a transcript and, optionally, the
// chain of versions that led to it.
func GetVerifyTranscriptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transcript [transcript] [earlier-versions...]",
		Short: "Verify a transcript's contribution chain and key derivation",
		Long: `Verify every accepted contribution of a transcript from the beacon forward.
Earlier published versions given after the transcript, oldest first, are
checked to form an unbroken version chain ending at it.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := auditFile(cmd, args[0], args[1:])
			if err != nil {
				return err
			}
			return printReport(cmd, report)
		},
	}
	addAuditFlags(cmd)
	return cmd
}

// GetAuditCmd produces the audit report of a transcript.
func GetAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit [transcript]",
		Short: "Independently audit a ceremony transcript",
		Long: `Audit a transcript: confirm the beacon, recompute round 0, verify every
contribution proof and hash link, and re-derive the final keys. Every problem is
listed in the report; the command fails if any was found.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := auditFile(cmd, args[0], nil)
			if err != nil {
				return err
			}
			return printReport(cmd, report)
		},
	}
	addAuditFlags(cmd)
	return cmd
}
