package setup

import (
	"context"
	"testing"
	"time"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/stretchr/testify/require"

	"github.com/Steake/BitCell-sub003/x/ceremony/types"
)

func testCircuit() types.CircuitSpec {
	return types.CircuitSpec{
		Name:        "battle",
		Constraints: 6,
		Version:     "1",
		PublishedAt: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC),
	}
}

func testBeacon() types.RandomBeacon {
	return types.RandomBeacon{
		Source:      "ethereum",
		BlockNumber: 21000000,
		BlockHash:   types.HashBytes([]byte("block 21000000")).String(),
		Timestamp:   time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
}

func scalarsFromSeed(t testing.TB, seed string) (tau, alpha, beta fr.Element) {
	out, err := fr.Hash([]byte(seed), []byte("setup-test"), 3)
	require.NoError(t, err)
	return out[0], out[1], out[2]
}

func testSecret(t testing.TB, seed string) *Secret {
	tau, alpha, beta := scalarsFromSeed(t, seed)
	s, err := NewSecret(tau, alpha, beta)
	require.NoError(t, err)
	return s
}

func round0(t testing.TB) *Parameters {
	p, err := BeaconParameters(context.Background(), testCircuit(), testBeacon())
	require.NoError(t, err)
	return p
}

func contribute(t testing.TB, prev *Parameters, name, seed string) (*Parameters, types.Contribution) {
	next, proof, err := Contribute(context.Background(), prev, testSecret(t, seed))
	require.NoError(t, err)
	record, err := NewRecord(prev, next, proof, types.Participant{Name: name}, time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return next, record
}
