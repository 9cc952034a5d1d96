package types

import (
	"errors"

	sdkerrors "cosmossdk.io/errors"
)

// Ceremony module sentinel errors with recovery suggestions

var (
	// Entropy and contribution computation errors
	ErrEntropyInsufficient    = sdkerrors.Register(ModuleName, 2, "insufficient entropy sources")
	ErrUpdateComputation      = sdkerrors.Register(ModuleName, 3, "parameter update computation failed")
	ErrInvalidParameters      = sdkerrors.Register(ModuleName, 4, "invalid ceremony parameters")
	ErrSecretConsumed         = sdkerrors.Register(ModuleName, 5, "contribution secret already consumed")

	// Verification errors
	ErrInvalidProof     = sdkerrors.Register(ModuleName, 10, "invalid contribution proof")
	ErrChainMismatch    = sdkerrors.Register(ModuleName, 11, "contribution hash chain mismatch")
	ErrOutOfOrderRound  = sdkerrors.Register(ModuleName, 12, "contribution round out of order")
	ErrKeyMismatch      = sdkerrors.Register(ModuleName, 13, "final key hash mismatch")
	ErrArtifactMissing  = sdkerrors.Register(ModuleName, 14, "ceremony artifact unavailable")

	// Beacon errors
	ErrBeaconPremature    = sdkerrors.Register(ModuleName, 20, "random beacon precedes circuit publication")
	ErrBeaconUnverifiable = sdkerrors.Register(ModuleName, 21, "random beacon cannot be verified")

	// Lifecycle errors
	ErrCeremonySealed         = sdkerrors.Register(ModuleName, 30, "ceremony is sealed")
	ErrFinalizationIncomplete = sdkerrors.Register(ModuleName, 31, "ceremony finalization incomplete")
	ErrCeremonyNotFound       = sdkerrors.Register(ModuleName, 32, "ceremony not found")
	ErrInvalidState           = sdkerrors.Register(ModuleName, 33, "invalid ceremony state for operation")
	ErrCeremonyExists         = sdkerrors.Register(ModuleName, 34, "ceremony already exists")
	ErrNotAssigned            = sdkerrors.Register(ModuleName, 35, "round is assigned to another participant")

	// Security errors
	ErrUnauthorized      = sdkerrors.Register(ModuleName, 40, "unauthorized operation")
	ErrRateLimitExceeded = sdkerrors.Register(ModuleName, 41, "rate limit exceeded")
	ErrInvalidSignature  = sdkerrors.Register(ModuleName, 42, "invalid attestation signature")
)

// ErrorWithRecovery wraps an error with recovery suggestions
type ErrorWithRecovery struct {
	Err      error
	Recovery string
}

func (e *ErrorWithRecovery) Error() string {
	return e.Err.Error()
}

func (e *ErrorWithRecovery) Unwrap() error {
	return e.Err
}

// RecoverySuggestions provides actionable recovery steps for each error type
var RecoverySuggestions = map[error]string{
	ErrEntropyInsufficient: "Supply more independent entropy sources. Every required source must return a non-empty sample. Never retry with fewer sources.",
	ErrUpdateComputation:   "The update produced a degenerate result. Discard the secret, collect fresh entropy and contribute again from the same input parameters.",
	ErrInvalidParameters:   "Parameter file is malformed or belongs to another circuit. Download the current parameters again and compare their hash with the published one.",
	ErrSecretConsumed:      "A secret can be applied exactly once. Collect fresh entropy for a new contribution.",

	ErrInvalidProof:    "The update proof did not verify. Recompute the contribution from the current parameters and resubmit. The round stays open.",
	ErrChainMismatch:   "input_hash does not match the current parameters. Download the latest published parameters and contribute on top of them.",
	ErrOutOfOrderRound: "Submitted round does not match the round the coordinator is waiting for. Query the ceremony state and contribute to the current round.",
	ErrKeyMismatch:     "Recorded final key hashes differ from a fresh derivation. Re-derive keys from the final parameters and compare with the published files.",
	ErrArtifactMissing: "A parameter or key file referenced by the transcript could not be read. Check the data directory or fetch the artifact from a mirror.",

	ErrBeaconPremature:    "Beacon timestamp must be later than the circuit publication. Announce a future block and initialize once it is produced.",
	ErrBeaconUnverifiable: "The beacon block could not be confirmed through the lookup source. Check the block number and hash against an independent node.",

	ErrCeremonySealed:         "This ceremony has been finalized. No further contributions are accepted. Start a new ceremony for further rounds.",
	ErrFinalizationIncomplete: "Key derivation or key storage failed. Fix the storage problem and run finalize again. The ceremony stays in the finalizing state.",
	ErrCeremonyNotFound:       "Verify the ceremony id. List ceremonies through the coordinator API.",
	ErrInvalidState:           "Operation is not allowed in the current ceremony state. Query the ceremony state before retrying.",
	ErrCeremonyExists:         "A ceremony with this id already exists. Choose another id or resume the existing ceremony.",
	ErrNotAssigned:            "The operator reassigned this round. Wait for the round to be published to you or contact the coordinator.",

	ErrUnauthorized:      "Operator endpoints require a valid bearer token. Check the configured operator secret.",
	ErrRateLimitExceeded: "Too many requests in time window. Wait for rate limit reset.",
	ErrInvalidSignature:  "Attestation signature does not match the statement. Check the public key and that the file was not modified.",
}

// WrapWithRecovery wraps an error with recovery suggestion
func WrapWithRecovery(err error, msg string, args ...interface{}) error {
	wrapped := sdkerrors.Wrapf(err, msg, args...)

	if suggestion, ok := RecoverySuggestions[err]; ok {
		return &ErrorWithRecovery{
			Err:      wrapped,
			Recovery: suggestion,
		}
	}

	return wrapped
}

// GetRecoverySuggestion returns the recovery suggestion for an error
func GetRecoverySuggestion(err error) string {
	for _, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return RecoverySuggestions[sentinel]
		}
	}

	return "No recovery suggestion available. Check error message for details."
}

var sentinels = []error{
	ErrEntropyInsufficient, ErrUpdateComputation, ErrInvalidParameters, ErrSecretConsumed,
	ErrInvalidProof, ErrChainMismatch, ErrOutOfOrderRound, ErrKeyMismatch, ErrArtifactMissing,
	ErrBeaconPremature, ErrBeaconUnverifiable,
	ErrCeremonySealed, ErrFinalizationIncomplete, ErrCeremonyNotFound, ErrInvalidState, ErrCeremonyExists, ErrNotAssigned,
	ErrUnauthorized, ErrRateLimitExceeded, ErrInvalidSignature,
}

// Registered returns the registered ceremony error err wraps.
func Registered(err error) (*sdkerrors.Error, bool) {
	for _, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			registered, ok := sentinel.(*sdkerrors.Error)
			return registered, ok
		}
	}
	return nil, false
}

// RegisteredByCode returns the ceremony error registered under code.
func RegisteredByCode(code uint32) (*sdkerrors.Error, bool) {
	for _, sentinel := range sentinels {
		if registered, ok := sentinel.(*sdkerrors.Error); ok && registered.ABCICode() == code {
			return registered, true
		}
	}
	return nil, false
}
