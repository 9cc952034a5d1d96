package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"cosmossdk.io/log"
	dbm "github.com/cosmos/cosmos-db"
	"github.com/stretchr/testify/require"

	"github.com/Steake/BitCell-sub003/x/ceremony/beacon"
	"github.com/Steake/BitCell-sub003/x/ceremony/coordinator"
	"github.com/Steake/BitCell-sub003/x/ceremony/server"
	"github.com/Steake/BitCell-sub003/x/ceremony/setup"
	"github.com/Steake/BitCell-sub003/x/ceremony/types"
)

type remote struct {
	url       string
	token     string
	paramsDir string
	keysDir   string
}

func newRemote(t *testing.T) *remote {
	t.Helper()
	paramsDir := t.TempDir()
	store, err := coordinator.NewStore(dbm.NewMemDB(), paramsDir, log.NewNopLogger())
	require.NoError(t, err)
	keysDir := t.TempDir()
	keys, err := setup.NewFileKeyStorage(keysDir)
	require.NoError(t, err)
	src, err := beacon.FromBeacon(testBeacon())
	require.NoError(t, err)

	registry := coordinator.NewRegistry(coordinator.Options{
		Store:  store,
		Keys:   keys,
		Beacon: beacon.NewVerifier(src),
		Logger: log.NewNopLogger(),
		Now:    func() time.Time { return time.Date(2026, 2, 1, 6, 0, 0, 0, time.UTC) },
	})

	cfg := coordinator.DefaultConfig("").API
	cfg.OperatorSecret = "operator secret for tests"
	cfg.RateLimitPerSecond = 1000
	cfg.RateLimitBurst = 1000
	srv := server.New(server.Options{API: cfg, Registry: registry, AcceptTimeout: time.Minute})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		require.NoError(t, srv.Shutdown(context.Background()))
	})

	token, _, err := srv.Auth().IssueToken("ops")
	require.NoError(t, err)
	return &remote{url: ts.URL, token: token, paramsDir: paramsDir, keysDir: keysDir}
}

func (r *remote) node() []string {
	return []string{"--" + FlagNode, r.url}
}

func (r *remote) operator() []string {
	return []string{"--" + FlagNode, r.url, "--" + FlagToken, r.token}
}

func TestRemoteCeremony(t *testing.T) {
	t.Parallel()
	r := newRemote(t)
	dir := t.TempDir()
	const id = "battle-remote"

	args := append([]string{"init", "battle", id}, r.operator()...)
	args = append(args, circuitArgs()...)
	args = append(args, beaconArgs(testBeacon())...)
	stdout, err := execute(t, GetOperatorCmd(), args...)
	require.NoError(t, err)
	var state server.StateResponse
	require.NoError(t, json.Unmarshal([]byte(stdout), &state))
	require.Equal(t, id, state.CeremonyID)

	for i, name := range []string{"alice", "bob"} {
		in := filepath.Join(dir, name+"-in.params")
		out := filepath.Join(dir, name+"-out.params")
		_, err := execute(t, GetDownloadCmd(), append([]string{id, in, "--" + FlagNoProgress}, r.node()...)...)
		require.NoError(t, err)

		_, err = execute(t, GetContributeCmd(), in, out,
			"--"+FlagName, name,
			"--"+FlagCeremony, id,
			"--"+FlagJitterRounds, "32",
			"--"+FlagNoProgress,
		)
		require.NoError(t, err)

		stdout, err := execute(t, GetSubmitCmd(), append([]string{id, out + ".json", out}, r.node()...)...)
		require.NoError(t, err)
		var resp server.ContributionResponse
		require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
		require.Equal(t, uint64(i+1), resp.Contribution.Round)
		require.Equal(t, uint64(i+2), resp.State.Round)
	}

	// A record that does not belong to the uploaded parameters never leaves
	// the machine.
	_, err = execute(t, GetSubmitCmd(), append([]string{id, filepath.Join(dir, "alice-out.params.json"), filepath.Join(dir, "bob-out.params")}, r.node()...)...)
	require.ErrorIs(t, err, types.ErrChainMismatch)

	stdout, err = execute(t, GetStatusCmd(), append([]string{id}, r.node()...)...)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(stdout), &state))
	require.Equal(t, uint64(2), state.Accepted)

	_, err = execute(t, GetOperatorCmd(), append([]string{"finalize", id}, r.node()...)...)
	require.ErrorIs(t, err, types.ErrUnauthorized)

	stdout, err = execute(t, GetOperatorCmd(), append([]string{"finalize", id}, r.operator()...)...)
	require.NoError(t, err)
	var keys types.FinalKeys
	require.NoError(t, json.Unmarshal([]byte(stdout), &keys))

	transcriptPath := filepath.Join(dir, "transcript.json")
	stdout, err = execute(t, GetTranscriptCmd(), append([]string{id, transcriptPath}, r.node()...)...)
	require.NoError(t, err)
	var latest uint64
	_, err = fmt.Sscanf(stdout, "version %d", &latest)
	require.NoError(t, err)
	require.Greater(t, latest, uint64(1))

	verifyArgs := []string{"transcript", transcriptPath}
	for v := uint64(1); v < latest; v++ {
		path := filepath.Join(dir, fmt.Sprintf("transcript_v%d.json", v))
		_, err = execute(t, GetTranscriptCmd(), append([]string{id, path, "--" + FlagVersion, strconv.FormatUint(v, 10)}, r.node()...)...)
		require.NoError(t, err)
		verifyArgs = append(verifyArgs, path)
	}

	beacons := writeBeaconFile(t, dir, testBeacon())
	reportPath := filepath.Join(dir, "report.json")
	verifyArgs = append(verifyArgs,
		"--"+FlagParamsDir, filepath.Join(r.paramsDir, id),
		"--"+FlagKeysDir, filepath.Join(r.keysDir, "battle"),
		"--"+FlagBeaconFile, beacons,
		"--"+FlagOutput, reportPath,
	)
	stdout, err = execute(t, GetVerifyCmd(), verifyArgs...)
	require.NoError(t, err)
	var report types.Report
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	require.True(t, report.OK(), report.Summary())
	require.True(t, report.BeaconVerified)
	require.True(t, report.ChainVerified)
	require.True(t, report.KeyDerivationVerified)
	require.Equal(t, keys.ParamsHash, report.FinalHash)

	var saved types.Report
	require.NoError(t, readJSONFile(reportPath, &saved))
	require.Equal(t, report.TranscriptHash, saved.TranscriptHash)

	// Without the intermediate parameters the proofs cannot be re-checked.
	_, err = execute(t, GetAuditCmd(), transcriptPath, "--"+FlagBeaconFile, beacons)
	require.ErrorIs(t, err, ErrVerificationFailed)

	stdout, err = execute(t, GetOperatorCmd(), append([]string{"audit", id}, r.operator()...)...)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	require.True(t, report.OK(), report.Summary())
}

func TestRemoteOperatorErrors(t *testing.T) {
	t.Parallel()
	r := newRemote(t)

	_, err := execute(t, GetOperatorCmd(), append([]string{"skip", "nope"}, r.operator()...)...)
	require.ErrorIs(t, err, types.ErrCeremonyNotFound)

	early := testBeacon()
	early.Timestamp = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	args := append([]string{"init", "battle", "early"}, r.operator()...)
	args = append(args, circuitArgs()...)
	args = append(args, beaconArgs(early)...)
	_, err = execute(t, GetOperatorCmd(), args...)
	require.ErrorIs(t, err, types.ErrBeaconPremature)

	stdout, err := execute(t, GetStatusCmd(), r.node()...)
	require.NoError(t, err)
	var list []server.StateResponse
	require.NoError(t, json.Unmarshal([]byte(stdout), &list))
	require.Empty(t, list)
}
