package transcript

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/stretchr/testify/require"

	"github.com/Steake/BitCell-sub003/x/ceremony/beacon"
	"github.com/Steake/BitCell-sub003/x/ceremony/setup"
	"github.com/Steake/BitCell-sub003/x/ceremony/types"
)

const testCeremony = "battle-2026"

var (
	testStart = time.Date(2026, 2, 1, 6, 0, 0, 0, time.UTC)
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

func testVerifier(t testing.TB) *beacon.Verifier {
	src, err := beacon.FromBeacon(testBeacon())
	require.NoError(t, err)
	return beacon.NewVerifier(src)
}

// fixture is a complete small ceremony with its artifacts on disk.
type fixture struct {
	dir      string
	params   []*setup.Parameters
	builder  *Builder
	records  []types.Contribution
	keyPair  *setup.FinalKeyPair
	keysDir  string
	sealedAt time.Time
}

func newFixture(t testing.TB, participants ...string) *fixture {
	t.Helper()
	ctx := context.Background()

	p0, err := setup.BeaconParameters(ctx, testCircuit(), testBeacon())
	require.NoError(t, err)

	f := &fixture{dir: t.TempDir(), params: []*setup.Parameters{p0}}
	_, _, err = setup.SaveParameters(filepath.Join(f.dir, setup.ParamsFileName(0)), p0)
	require.NoError(t, err)

	f.builder, err = NewBuilder(testCeremony, testCircuit(), testBeacon(), p0.Hash(), testStart)
	require.NoError(t, err)

	prev := p0
	for i, name := range participants {
		out, err := fr.Hash([]byte(name), []byte("transcript-test"), 3)
		require.NoError(t, err)
		secret, err := setup.NewSecret(out[0], out[1], out[2])
		require.NoError(t, err)

		next, proof, err := setup.Contribute(ctx, prev, secret)
		require.NoError(t, err)
		at := testStart.Add(time.Duration(i+1) * time.Hour)
		rec, err := setup.NewRecord(prev, next, proof, types.Participant{Name: name, Country: countryOf(name)}, at)
		require.NoError(t, err)
		rec.Verified = true

		_, _, err = setup.SaveParameters(filepath.Join(f.dir, setup.ParamsFileName(next.Round)), next)
		require.NoError(t, err)
		require.NoError(t, f.builder.Append(rec))

		f.params = append(f.params, next)
		f.records = append(f.records, rec)
		prev = next
	}
	return f
}

func countryOf(name string) string {
	switch name {
	case "alice":
		return "DE"
	case "bob":
		return "us"
	case "carol":
		return "DE"
	default:
		return ""
	}
}

func (f *fixture) head() *setup.Parameters {
	return f.params[len(f.params)-1]
}

// seal derives the final keys, writes them to a keys directory and seals
// the builder.
func (f *fixture) seal(t testing.TB) types.FinalKeys {
	t.Helper()
	kp, err := setup.DeriveKeys(f.head())
	require.NoError(t, err)
	keys, err := kp.FinalKeys()
	require.NoError(t, err)

	f.keysDir = t.TempDir()
	pk, err := kp.ProvingKeyBytes()
	require.NoError(t, err)
	vk, err := kp.VerifyingKeyBytes()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(f.keysDir, setup.ProvingKeyFile), pk, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(f.keysDir, setup.VerificationKeyFile), vk, 0o644))

	f.keyPair = kp
	f.sealedAt = testStart.Add(24 * time.Hour)
	require.NoError(t, f.builder.Seal(*keys, f.sealedAt))
	return *keys
}

func (f *fixture) keysFor(t testing.TB) (types.FinalKeys, error) {
	t.Helper()
	kp, err := setup.DeriveKeys(f.head())
	if err != nil {
		return types.FinalKeys{}, err
	}
	keys, err := kp.FinalKeys()
	if err != nil {
		return types.FinalKeys{}, err
	}
	return *keys, nil
}

func (f *fixture) options(t testing.TB) AuditOptions {
	return AuditOptions{
		Params:  NewDirSource(f.dir),
		Beacon:  testVerifier(t),
		KeysDir: f.keysDir,
		Workers: 2,
	}
}
