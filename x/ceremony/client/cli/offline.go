package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/Steake/BitCell-sub003/x/ceremony/beacon"
	"github.com/Steake/BitCell-sub003/x/ceremony/setup"
	"github.com/Steake/BitCell-sub003/x/ceremony/types"
)

// ErrVerificationFailed is returned by commands whose check did not pass,
// so that the process exits non-zero after printing the result.
var ErrVerificationFailed = errors.New("verification failed")

// InitResult describes the round-0 parameters written by init.
type InitResult struct {
	Circuit     types.CircuitSpec  `json:"circuit"`
	Beacon      types.RandomBeacon `json:"random_beacon"`
	InitialHash types.Hash         `json:"initial_params_hash"`
	File        string             `json:"file"`
	SizeBytes   int64              `json:"size_bytes"`
}

// VerifyResult is the outcome of checking one contribution.
type VerifyResult struct {
	Round uint64 `json:"round"`
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// GetInitCmd derives the round-0 parameters of a circuit from a beacon.
func GetInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init [circuit]",
		Short: "Derive the initial parameters of a circuit from a random beacon",
		Long: `Derive the round-0 parameters for a circuit. The derivation is public and
deterministic: anyone holding the circuit description and the beacon block can
recompute the same file.`,
		Example: `  ceremonyd init battle --constraints 1048576 --published-at 2026-01-10T12:00:00Z \
    --beacon-block 21000000 --beacon-hash 0x3f... --beacon-time 2026-02-01T00:00:00Z`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			circuit, err := circuitFromFlags(cmd, args[0])
			if err != nil {
				return err
			}
			rb, err := beaconFromFlags(cmd)
			if err != nil {
				return err
			}
			if err := beacon.CheckNotPremature(circuit, rb); err != nil {
				return err
			}

			verifier, release, err := beaconVerifierFromFlags(cmd)
			if err != nil {
				return err
			}
			defer release()
			if verifier != nil {
				if err := verifier.Verify(cmd.Context(), rb); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning: beacon block not checked against any chain (use --beacon-rpc or --beacon-file)")
			}

			params, err := setup.BeaconParameters(cmd.Context(), circuit, rb)
			if err != nil {
				return err
			}
			out, _ := cmd.Flags().GetString(FlagOutput)
			if out == "" {
				out = setup.ParamsFileName(0)
			}
			hash, size, err := setup.SaveParameters(out, params)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), InitResult{
				Circuit:     circuit,
				Beacon:      rb,
				InitialHash: hash,
				File:        out,
				SizeBytes:   size,
			})
		},
	}
	AddCircuitFlags(cmd.Flags())
	AddBeaconFlags(cmd.Flags())
	addBeaconLookupFlags(cmd)
	cmd.Flags().StringP(FlagOutput, "o", "", "output parameter file (default round_0000.params)")
	return cmd
}

// GetContributeCmd applies a fresh secret to a parameter file.
func GetContributeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contribute [input] [output]",
		Short: "Contribute fresh randomness to a parameter file",
		Long: `Mix entropy from the operating system, hardware timing and optional
extra sources into a one-time secret, apply it to the input parameters and
write the output parameters with a proof record. The secret is destroyed as
soon as it has been applied.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs := cmd.Flags()
			name, _ := fs.GetString(FlagName)
			contact, _ := fs.GetString(FlagContact)
			country, _ := fs.GetString(FlagCountry)
			fingerprint, _ := fs.GetString(FlagFingerprint)
			participant := types.Participant{Name: name, Contact: contact, Country: country, Fingerprint: fingerprint}
			if err := participant.Validate(); err != nil {
				return err
			}

			bar := newStepBar(cmd, 4, "loading parameters")
			prev, _, err := setup.LoadParameters(args[0])
			switch {
			case errors.Is(err, types.ErrArtifactMissing):
				return err
			case err != nil:
				return fmt.Errorf("%w: %w", types.ErrUpdateComputation, err)
			}
			_ = bar.Add(1)

			bar.Describe("collecting entropy")
			samples, err := collectEntropy(cmd)
			if err != nil {
				return err
			}
			ceremonyID, _ := fs.GetString(FlagCeremony)
			if ceremonyID == "" {
				ceremonyID = prev.Circuit
			}
			secret, err := setup.DefaultMixer().Mix(ceremonyID, prev.Round+1, samples)
			if err != nil {
				return err
			}
			defer secret.Destroy()
			_ = bar.Add(1)

			bar.Describe("computing contribution")
			next, proof, err := setup.Contribute(cmd.Context(), prev, secret)
			if err != nil {
				return err
			}
			_ = bar.Add(1)

			bar.Describe("writing output")
			if _, _, err := setup.SaveParameters(args[1], next); err != nil {
				return err
			}
			rec, err := setup.NewRecord(prev, next, proof, participant, time.Now())
			if err != nil {
				return err
			}
			recordPath, _ := fs.GetString(FlagRecord)
			if recordPath == "" {
				recordPath = args[1] + ".json"
			}
			if err := writeJSONFile(recordPath, rec); err != nil {
				return err
			}
			_ = bar.Add(1)
			_ = bar.Finish()
			fmt.Fprintln(cmd.ErrOrStderr())

			return printJSON(cmd.OutOrStdout(), rec)
		},
	}
	fs := cmd.Flags()
	fs.String(FlagName, "", "participant name")
	fs.String(FlagContact, "", "participant contact")
	fs.String(FlagCountry, "", "ISO 3166-1 alpha-2 country code")
	fs.String(FlagFingerprint, "", "fingerprint of the identity key that signs the attestation")
	fs.String(FlagCeremony, "", "ceremony id used for domain separation (defaults to the circuit name)")
	fs.StringSlice(FlagEntropyFile, nil, "extra entropy files, e.g. dice rolls (repeatable)")
	fs.Int(FlagJitterRounds, 4096, "hardware timing samples to collect")
	fs.String(FlagRecord, "", "where to write the proof record (default <output>.json)")
	fs.Bool(FlagNoProgress, false, "do not draw a progress bar")
	_ = cmd.MarkFlagRequired(FlagName)
	return cmd
}

func collectEntropy(cmd *cobra.Command) ([]setup.EntropySample, error) {
	osRandom, err := setup.CollectOSRandom(64)
	if err != nil {
		return nil, err
	}
	rounds, _ := cmd.Flags().GetInt(FlagJitterRounds)
	samples := []setup.EntropySample{osRandom, setup.CollectTimingJitter(rounds)}

	files, _ := cmd.Flags().GetStringSlice(FlagEntropyFile)
	for _, path := range files {
		f, err := os.Open(path) // #nosec G304 - entropy file chosen by the participant
		if err != nil {
			return nil, fmt.Errorf("failed to open entropy file: %w", err)
		}
		sample, err := setup.ReadSample(setup.SourcePhysical, f, 1<<20)
		f.Close()
		if err != nil {
			return nil, err
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

func newStepBar(cmd *cobra.Command, steps int, desc string) *progressbar.ProgressBar {
	quiet, _ := cmd.Flags().GetBool(FlagNoProgress)
	return progressbar.NewOptions(steps,
		progressbar.OptionSetDescription(desc),
		progressbar.OptionSetWriter(cmd.ErrOrStderr()),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetVisibility(!quiet),
	)
}

// GetVerifyCmd checks one contribution against its input and output.
func GetVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify [input] [output] [record]",
		Short: "Verify one contribution, or a transcript with 'verify transcript'",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			prev, _, err := setup.LoadParameters(args[0])
			if err != nil {
				return err
			}
			next, _, err := setup.LoadParameters(args[1])
			if err != nil {
				return err
			}
			var rec types.Contribution
			if err := readJSONFile(args[2], &rec); err != nil {
				return err
			}

			res := VerifyResult{Round: rec.Round, Valid: true}
			if err := setup.CheckContribution(prev, next, rec); err != nil {
				res.Valid = false
				res.Error = err.Error()
			}
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Valid {
				return ErrVerificationFailed
			}
			return nil
		},
	}
	cmd.AddCommand(GetVerifyTranscriptCmd())
	return cmd
}

// GetFinalizeCmd derives the final keys from the last parameters.
func GetFinalizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "finalize [circuit] [input] [output-dir]",
		Short: "Derive the final key pair and metadata from the last parameters",
		Long: `Derive the proving and verification keys from the final parameters and
write them with their metadata to <output-dir>/<circuit>/. With --transcript the
parameters must be the head of the transcript's chain and the metadata records
the transcript hash.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			circuitName, input, outDir := args[0], args[1], args[2]
			final, hash, err := setup.LoadParameters(input)
			if err != nil {
				return err
			}
			if final.Circuit != circuitName {
				return fmt.Errorf("%w: %s holds parameters of circuit %q", types.ErrInvalidParameters, input, final.Circuit)
			}

			fs := cmd.Flags()
			constraints, _ := fs.GetUint64(FlagConstraints)
			version, _ := fs.GetString(FlagCircuitVersion)
			participants, _ := fs.GetInt(FlagParticipants)
			ceremonyID, _ := fs.GetString(FlagCeremony)
			var transcriptHash types.Hash

			if path, _ := fs.GetString(FlagTranscript); path != "" {
				bz, err := os.ReadFile(path) // #nosec G304 - transcript chosen by the operator
				if err != nil {
					return fmt.Errorf("failed to read transcript: %w", err)
				}
				t, err := types.UnmarshalTranscript(bz)
				if err != nil {
					return err
				}
				if head := t.HeadHash(); head != hash {
					return fmt.Errorf("%w: transcript ends at %s, %s hashes to %s", types.ErrChainMismatch, head, input, hash)
				}
				transcriptHash = types.HashBytes(bz)
				participants = len(t.Accepted())
				ceremonyID = t.CeremonyID
				if constraints == 0 {
					constraints = t.CircuitConstraints
				}
			}
			if constraints == 0 {
				constraints = uint64(final.DomainSize())
			}

			kp, err := setup.DeriveKeys(final)
			if err != nil {
				return err
			}
			keys, err := kp.FinalKeys()
			if err != nil {
				return err
			}
			circuit := types.CircuitSpec{Name: circuitName, Constraints: constraints, Version: version}
			meta := setup.NewKeyMetadata(circuit, keys, participants, time.Now())
			meta.CeremonyID = ceremonyID
			if !transcriptHash.IsZero() {
				meta.TranscriptHash = transcriptHash.String()
			}

			storage, err := setup.NewFileKeyStorage(outDir)
			if err != nil {
				return err
			}
			if err := setup.StoreKeys(cmd.Context(), storage, circuitName, kp, final, meta); err != nil {
				return fmt.Errorf("%w: %w", types.ErrFinalizationIncomplete, err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "keys written to %s\n", filepath.Join(outDir, circuitName))
			return printJSON(cmd.OutOrStdout(), keys)
		},
	}
	fs := cmd.Flags()
	fs.Uint64(FlagConstraints, 0, "circuit constraints recorded in the metadata (default: from transcript or domain size)")
	fs.String(FlagCircuitVersion, "1", "circuit version")
	fs.Int(FlagParticipants, 0, "number of participants recorded in the metadata")
	fs.String(FlagCeremony, "", "ceremony id recorded in the metadata")
	fs.String(FlagTranscript, "", "sealed or final transcript the parameters belong to")
	return cmd
}
