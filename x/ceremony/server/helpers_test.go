package server

import (
	"bytes"
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"cosmossdk.io/log"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	dbm "github.com/cosmos/cosmos-db"
	"github.com/stretchr/testify/require"

	"github.com/Steake/BitCell-sub003/x/ceremony/beacon"
	"github.com/Steake/BitCell-sub003/x/ceremony/coordinator"
	"github.com/Steake/BitCell-sub003/x/ceremony/setup"
	"github.com/Steake/BitCell-sub003/x/ceremony/types"
)

const testSecretKey = "correct horse battery staple"

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

type testAPI struct {
	server   *Server
	http     *httptest.Server
	registry *coordinator.Registry
	operator *Client
	public   *Client
}

func testAPIConfig() coordinator.APIConfig {
	cfg := coordinator.DefaultConfig("").API
	cfg.OperatorSecret = testSecretKey
	cfg.RateLimitPerSecond = 1000
	cfg.RateLimitBurst = 1000
	cfg.MaxUploadBytes = 64 << 20
	return cfg
}

func newTestAPI(t *testing.T, cfg coordinator.APIConfig) *testAPI {
	t.Helper()
	store, err := coordinator.NewStore(dbm.NewMemDB(), t.TempDir(), log.NewNopLogger())
	require.NoError(t, err)
	keys, err := setup.NewFileKeyStorage(t.TempDir())
	require.NoError(t, err)
	src, err := beacon.FromBeacon(testBeacon())
	require.NoError(t, err)

	c := &clock{now: time.Date(2026, 2, 1, 6, 0, 0, 0, time.UTC)}
	registry := coordinator.NewRegistry(coordinator.Options{
		Store:  store,
		Keys:   keys,
		Beacon: beacon.NewVerifier(src),
		Logger: log.NewNopLogger(),
		Now:    c.Now,
	})

	srv := New(Options{API: cfg, Registry: registry, AcceptTimeout: time.Minute})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		require.NoError(t, srv.Shutdown(context.Background()))
	})

	api := &testAPI{
		server:   srv,
		http:     ts,
		registry: registry,
		public:   NewClient(ts.URL, ""),
	}
	if srv.Auth() != nil {
		token, _, err := srv.Auth().IssueToken("ops")
		require.NoError(t, err)
		api.operator = NewClient(ts.URL, token)
	}
	return api
}

func (a *testAPI) initialize(t *testing.T, id string) {
	t.Helper()
	_, err := a.operator.Initialize(context.Background(), InitRequest{
		ID:      id,
		Circuit: testCircuit(),
		Beacon:  testBeacon(),
	})
	require.NoError(t, err)
}

func testSecret(t *testing.T, seed string) *setup.Secret {
	t.Helper()
	out, err := fr.Hash([]byte(seed), []byte("server-test"), 3)
	require.NoError(t, err)
	s, err := setup.NewSecret(out[0], out[1], out[2])
	require.NoError(t, err)
	return s
}

// contribute downloads the current parameters and builds a contribution
// on them, the way a participant would.
func contribute(t *testing.T, client *Client, id, name string) (types.Contribution, *setup.Parameters) {
	t.Helper()
	ctx := context.Background()
	var buf bytes.Buffer
	hash, _, err := client.DownloadParams(ctx, id, &buf)
	require.NoError(t, err)
	prev, err := setup.UnmarshalParameters(&buf)
	require.NoError(t, err)
	require.Equal(t, hash, prev.Hash())

	next, proof, err := setup.Contribute(ctx, prev, testSecret(t, name))
	require.NoError(t, err)
	rec, err := setup.NewRecord(prev, next, proof, types.Participant{Name: name}, time.Time{})
	require.NoError(t, err)
	return rec, next
}
