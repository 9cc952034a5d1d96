package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/Steake/BitCell-sub003/x/ceremony/types"
)

const (
	FlagNode           = "node"
	FlagToken          = "token"
	FlagCeremony       = "ceremony"
	FlagConstraints    = "constraints"
	FlagCircuitVersion = "circuit-version"
	FlagPublishedAt    = "published-at"
	FlagBeaconSource   = "beacon-source"
	FlagBeaconBlock    = "beacon-block"
	FlagBeaconHash     = "beacon-hash"
	FlagBeaconTime     = "beacon-time"
	FlagBeaconRPC      = "beacon-rpc"
	FlagBeaconFile     = "beacon-file"
	FlagParamsDir      = "params-dir"
	FlagKeysDir        = "keys-dir"
	FlagWorkers        = "workers"
	FlagOutput         = "output"
	FlagName           = "name"
	FlagContact        = "contact"
	FlagCountry        = "country"
	FlagFingerprint    = "fingerprint"
	FlagEntropyFile    = "entropy-file"
	FlagJitterRounds   = "jitter-rounds"
	FlagRecord         = "record"
	FlagParticipants   = "participants"
	FlagTranscript     = "transcript"
	FlagSignKey        = "sign-key"
	FlagSignature      = "signature"
	FlagPublicKey      = "public-key"
	FlagVersion        = "version"
	FlagReason         = "reason"
	FlagNoProgress     = "no-progress"

	// EnvToken supplies the operator token when --token is not given.
	EnvToken = "CEREMONY_TOKEN"

	defaultNode = "http://127.0.0.1:8765"
)

// AddNodeFlags registers the coordinator endpoint flags.
func AddNodeFlags(fs *pflag.FlagSet) {
	fs.String(FlagNode, defaultNode, "coordinator API base URL")
	fs.String(FlagToken, "", "operator token (defaults to $"+EnvToken+")")
}

// AddBeaconFlags registers the flags describing a random beacon.
func AddBeaconFlags(fs *pflag.FlagSet) {
	fs.String(FlagBeaconSource, "ethereum", "chain the beacon block comes from")
	fs.Uint64(FlagBeaconBlock, 0, "beacon block number")
	fs.String(FlagBeaconHash, "", "beacon block hash (hex)")
	fs.String(FlagBeaconTime, "", "beacon block time (RFC 3339)")
}

// AddCircuitFlags registers the flags describing a circuit.
func AddCircuitFlags(fs *pflag.FlagSet) {
	fs.Uint64(FlagConstraints, 0, "number of circuit constraints")
	fs.String(FlagCircuitVersion, "1", "circuit version")
	fs.String(FlagPublishedAt, "", "time the circuit was published (RFC 3339)")
}

func circuitFromFlags(cmd *cobra.Command, name string) (types.CircuitSpec, error) {
	fs := cmd.Flags()
	constraints, _ := fs.GetUint64(FlagConstraints)
	version, _ := fs.GetString(FlagCircuitVersion)
	publishedRaw, _ := fs.GetString(FlagPublishedAt)
	published, err := parseTime(FlagPublishedAt, publishedRaw)
	if err != nil {
		return types.CircuitSpec{}, err
	}
	spec := types.CircuitSpec{
		Name:        name,
		Constraints: constraints,
		Version:     version,
		PublishedAt: published,
	}
	if err := spec.Validate(); err != nil {
		return types.CircuitSpec{}, fmt.Errorf("%w: %v", types.ErrInvalidParameters, err)
	}
	return spec, nil
}

func beaconFromFlags(cmd *cobra.Command) (types.RandomBeacon, error) {
	fs := cmd.Flags()
	source, _ := fs.GetString(FlagBeaconSource)
	block, _ := fs.GetUint64(FlagBeaconBlock)
	hash, _ := fs.GetString(FlagBeaconHash)
	timeRaw, _ := fs.GetString(FlagBeaconTime)
	ts, err := parseTime(FlagBeaconTime, timeRaw)
	if err != nil {
		return types.RandomBeacon{}, err
	}
	rb := types.RandomBeacon{
		Source:      source,
		BlockNumber: block,
		BlockHash:   hash,
		Timestamp:   ts,
	}
	if err := rb.Validate(); err != nil {
		return types.RandomBeacon{}, fmt.Errorf("%w: %v", types.ErrBeaconUnverifiable, err)
	}
	return rb, nil
}

func parseTime(flag, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("--%s is required", flag)
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", flag, err)
	}
	return t.UTC(), nil
}

func operatorToken(cmd *cobra.Command) string {
	token, _ := cmd.Flags().GetString(FlagToken)
	if token == "" {
		token = os.Getenv(EnvToken)
	}
	return token
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readJSONFile(path string, v interface{}) error {
	bz, err := os.ReadFile(path) // #nosec G304 - path supplied by the operator
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(bz, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func writeJSONFile(path string, v interface{}) error {
	bz, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(bz, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
