package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"cosmossdk.io/log"
	dbm "github.com/cosmos/cosmos-db"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/stretchr/testify/require"

	"github.com/Steake/BitCell-sub003/x/ceremony/beacon"
	"github.com/Steake/BitCell-sub003/x/ceremony/setup"
	"github.com/Steake/BitCell-sub003/x/ceremony/types"
)

const testCeremony = "battle-2026"

var testStart = time.Date(2026, 2, 1, 6, 0, 0, 0, time.UTC)

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

// clock advances a minute on every reading.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Minute)
	return c.now
}

type env struct {
	db      dbm.DB
	store   *Store
	keys    *setup.FileKeyStorage
	keysDir string
	opts    Options
}

func newEnv(t testing.TB) *env {
	t.Helper()
	db := dbm.NewMemDB()
	store, err := NewStore(db, t.TempDir(), log.NewNopLogger())
	require.NoError(t, err)

	keysDir := t.TempDir()
	keys, err := setup.NewFileKeyStorage(keysDir)
	require.NoError(t, err)

	src, err := beacon.FromBeacon(testBeacon())
	require.NoError(t, err)

	c := &clock{now: testStart}
	return &env{
		db:      db,
		store:   store,
		keys:    keys,
		keysDir: keysDir,
		opts: Options{
			Store:        store,
			Keys:         keys,
			Beacon:       beacon.NewVerifier(src),
			Logger:       log.NewNopLogger(),
			Now:          c.Now,
			AuditWorkers: 2,
		},
	}
}

func (e *env) initialized(t testing.TB, target uint64) *Coordinator {
	t.Helper()
	c, err := New(testCeremony, e.opts)
	require.NoError(t, err)
	require.NoError(t, c.Initialize(context.Background(), testCircuit(), testBeacon(), target))
	return c
}

func testSecret(t testing.TB, seed string) *setup.Secret {
	t.Helper()
	out, err := fr.Hash([]byte(seed), []byte("coordinator-test"), 3)
	require.NoError(t, err)
	s, err := setup.NewSecret(out[0], out[1], out[2])
	require.NoError(t, err)
	return s
}

// contribution builds a valid submission on top of the current parameters.
func contribution(t testing.TB, c *Coordinator, name string) Submission {
	t.Helper()
	state := c.State()
	prev, err := c.opts.Store.LoadParameters(c.ID(), state.CurrentHash)
	require.NoError(t, err)
	return contributionOn(t, prev, name, name)
}

func contributionOn(t testing.TB, prev *setup.Parameters, name, seed string) Submission {
	t.Helper()
	next, proof, err := setup.Contribute(context.Background(), prev, testSecret(t, seed))
	require.NoError(t, err)
	rec, err := setup.NewRecord(prev, next, proof, types.Participant{Name: name}, time.Time{})
	require.NoError(t, err)
	return Submission{Record: rec, Params: next}
}

func contributeAll(t testing.TB, c *Coordinator, names ...string) {
	t.Helper()
	for _, name := range names {
		_, err := c.Accept(context.Background(), contribution(t, c, name))
		require.NoError(t, err, name)
	}
}

// unchanged asserts that only the rejection counter and timestamp moved.
func unchanged(t testing.TB, before, after types.State) {
	t.Helper()
	after.Rejected = before.Rejected
	after.UpdatedAt = before.UpdatedAt
	require.Equal(t, before, after)
}

// failingKeys fails every write until healed.
type failingKeys struct {
	*setup.FileKeyStorage
	mu     sync.Mutex
	broken bool
}

func (f *failingKeys) Store(ctx context.Context, keyID string, data []byte) error {
	f.mu.Lock()
	broken := f.broken
	f.mu.Unlock()
	if broken {
		return fmt.Errorf("disk full")
	}
	return f.FileKeyStorage.Store(ctx, keyID, data)
}

func (f *failingKeys) heal() {
	f.mu.Lock()
	f.broken = false
	f.mu.Unlock()
}
