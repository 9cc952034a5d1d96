package types

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	sdkerrors "cosmossdk.io/errors"
	"github.com/stretchr/testify/require"
)

func TestErrorDefinitions(t *testing.T) {
	errorTests := []struct {
		name string
		err  *sdkerrors.Error
		code uint32
	}{
		{"ErrEntropyInsufficient", ErrEntropyInsufficient, 2},
		{"ErrUpdateComputation", ErrUpdateComputation, 3},
		{"ErrInvalidParameters", ErrInvalidParameters, 4},
		{"ErrSecretConsumed", ErrSecretConsumed, 5},
		{"ErrInvalidProof", ErrInvalidProof, 10},
		{"ErrChainMismatch", ErrChainMismatch, 11},
		{"ErrOutOfOrderRound", ErrOutOfOrderRound, 12},
		{"ErrKeyMismatch", ErrKeyMismatch, 13},
		{"ErrArtifactMissing", ErrArtifactMissing, 14},
		{"ErrBeaconPremature", ErrBeaconPremature, 20},
		{"ErrBeaconUnverifiable", ErrBeaconUnverifiable, 21},
		{"ErrCeremonySealed", ErrCeremonySealed, 30},
		{"ErrFinalizationIncomplete", ErrFinalizationIncomplete, 31},
		{"ErrCeremonyNotFound", ErrCeremonyNotFound, 32},
		{"ErrInvalidState", ErrInvalidState, 33},
		{"ErrCeremonyExists", ErrCeremonyExists, 34},
		{"ErrNotAssigned", ErrNotAssigned, 35},
		{"ErrUnauthorized", ErrUnauthorized, 40},
		{"ErrRateLimitExceeded", ErrRateLimitExceeded, 41},
		{"ErrInvalidSignature", ErrInvalidSignature, 42},
	}

	for _, tt := range errorTests {
		t.Run(tt.name, func(t *testing.T) {
			require.NotNil(t, tt.err)
			require.Equal(t, tt.code, tt.err.ABCICode())
			require.Equal(t, ModuleName, tt.err.Codespace())
			require.NotEmpty(t, RecoverySuggestions[tt.err], "missing recovery suggestion")
		})
	}
	require.Len(t, sentinels, len(errorTests))
}

func TestErrorWithRecovery(t *testing.T) {
	baseErr := errors.New("base error")
	errWithRecovery := &ErrorWithRecovery{Err: baseErr, Recovery: "recovery suggestion"}

	require.Equal(t, baseErr.Error(), errWithRecovery.Error())
	require.Equal(t, baseErr, errWithRecovery.Unwrap())
}

func TestWrapWithRecovery(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		msg          string
		wantRecovery bool
	}{
		{
			name:         "error with recovery suggestion",
			err:          ErrChainMismatch,
			msg:          "round 2 input does not match",
			wantRecovery: true,
		},
		{
			name:         "error without recovery suggestion",
			err:          errors.New("unknown error"),
			msg:          "something went wrong",
			wantRecovery: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := WrapWithRecovery(tt.err, "%s", tt.msg)
			require.Error(t, wrapped)
			require.True(t, strings.Contains(wrapped.Error(), tt.msg))
			require.ErrorIs(t, wrapped, tt.err)

			var errWithRec *ErrorWithRecovery
			if tt.wantRecovery {
				require.ErrorAs(t, wrapped, &errWithRec)
				require.NotEmpty(t, errWithRec.Recovery)
			} else {
				require.False(t, errors.As(wrapped, &errWithRec))
			}
		})
	}
}

func TestGetRecoverySuggestion(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantContain string
	}{
		{"sentinel", ErrEntropyInsufficient, "independent entropy"},
		{"sdk wrapped", sdkerrors.Wrap(ErrInvalidProof, "tau proof"), "Recompute the contribution"},
		{"fmt wrapped", fmt.Errorf("accept: %w", ErrCeremonySealed), "has been finalized"},
		{"with recovery", WrapWithRecovery(ErrBeaconPremature, "beacon at %d", 10), "future block"},
		{"unknown error", errors.New("unknown error"), "No recovery suggestion available"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Contains(t, GetRecoverySuggestion(tt.err), tt.wantContain)
		})
	}
}

func TestSentinelsAreDistinct(t *testing.T) {
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i != j {
				require.False(t, errors.Is(a, b), "%v should not match %v", a, b)
			}
		}
	}
}

func TestRegistered(t *testing.T) {
	wrapped := fmt.Errorf("round 3: %w", fmt.Errorf("%w: stale input", ErrChainMismatch))
	got, ok := Registered(wrapped)
	require.True(t, ok)
	require.Equal(t, ErrChainMismatch.ABCICode(), got.ABCICode())

	_, ok = Registered(errors.New("plain"))
	require.False(t, ok)

	byCode, ok := RegisteredByCode(ErrNotAssigned.ABCICode())
	require.True(t, ok)
	require.True(t, errors.Is(sdkerrors.Wrap(byCode, "bob"), ErrNotAssigned))

	_, ok = RegisteredByCode(9999)
	require.False(t, ok)
}
