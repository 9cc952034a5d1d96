package coordinator

import (
	"context"
	"os"
	"testing"

	"cosmossdk.io/log"
	dbm "github.com/cosmos/cosmos-db"
	"github.com/stretchr/testify/require"

	"github.com/Steake/BitCell-sub003/x/ceremony/setup"
	"github.com/Steake/BitCell-sub003/x/ceremony/transcript"
	"github.com/Steake/BitCell-sub003/x/ceremony/types"
)

func TestStoreParameters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, err := NewStore(dbm.NewMemDB(), t.TempDir(), log.NewNopLogger())
	require.NoError(t, err)

	p0, err := setup.BeaconParameters(ctx, testCircuit(), testBeacon())
	require.NoError(t, err)

	hash, err := store.PutParameters(testCeremony, p0)
	require.NoError(t, err)
	require.Equal(t, p0.Hash(), hash)

	again, err := store.PutParameters(testCeremony, p0)
	require.NoError(t, err)
	require.Equal(t, hash, again)

	loaded, err := store.LoadParameters(testCeremony, hash)
	require.NoError(t, err)
	require.Equal(t, hash, loaded.Hash())

	src := store.Source(testCeremony)
	_, err = src.Parameters(ctx, hash)
	require.NoError(t, err)

	_, err = store.LoadParameters("other", hash)
	require.ErrorIs(t, err, types.ErrArtifactMissing)

	path, _, err := store.ParamsPath(testCeremony, hash)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))
	_, err = store.LoadParameters(testCeremony, hash)
	require.Error(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = src.Parameters(cancelled, hash)
	require.ErrorIs(t, err, context.Canceled)
}

func TestStoreVersions(t *testing.T) {
	t.Parallel()
	db := dbm.NewMemDB()
	store, err := NewStore(db, t.TempDir(), nil)
	require.NoError(t, err)

	_, err = store.LoadState(testCeremony)
	require.ErrorIs(t, err, types.ErrCeremonyNotFound)

	b, err := transcript.NewBuilder(testCeremony, testCircuit(), testBeacon(), types.HashBytes([]byte("p0")), testStart)
	require.NoError(t, err)
	state := types.State{CeremonyID: testCeremony, Phase: types.PhaseAwaitingContribution, Round: 1}

	for i := 0; i < 3; i++ {
		require.NoError(t, b.AddAuditor(string(rune('a'+i))))
		v, err := b.Publish()
		require.NoError(t, err)
		require.NoError(t, store.Commit(state, b.Draft(), &v))
	}

	versions, err := store.LoadVersions(testCeremony)
	require.NoError(t, err)
	require.Equal(t, b.Versions(), versions)
	require.NoError(t, transcript.VerifyVersionChain(versions))

	ids, err := store.CeremonyIDs()
	require.NoError(t, err)
	require.Equal(t, []string{testCeremony}, ids)

	require.NoError(t, db.Delete(types.TranscriptKey(testCeremony, 2)))
	_, err = store.LoadVersions(testCeremony)
	require.ErrorIs(t, err, types.ErrChainMismatch)
}

func TestPrefixEnd(t *testing.T) {
	t.Parallel()
	require.Equal(t, []byte("abd"), prefixEnd([]byte("abc")))
	require.Equal(t, []byte{0x01}, prefixEnd([]byte{0x00, 0xff}))
	require.Nil(t, prefixEnd([]byte{0xff, 0xff}))
}
