package coordinator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Steake/BitCell-sub003/x/ceremony/beacon"
	"github.com/Steake/BitCell-sub003/x/ceremony/setup"
	"github.com/Steake/BitCell-sub003/x/ceremony/types"
)

func TestCeremonyLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	c := e.initialized(t, 0)

	state := c.State()
	require.Equal(t, types.PhaseAwaitingContribution, state.Phase)
	require.Equal(t, uint64(1), state.Round)
	require.Equal(t, "awaiting_contribution(1)", state.Describe())

	p0, err := setup.BeaconParameters(ctx, testCircuit(), testBeacon())
	require.NoError(t, err)
	require.Equal(t, p0.Hash(), state.CurrentHash, "round 0 must be recomputable from the beacon")

	path, size, hash, err := c.CurrentParameters()
	require.NoError(t, err)
	require.Equal(t, state.CurrentHash, hash)
	fileHash, fileSize, err := setup.HashFile(path)
	require.NoError(t, err)
	require.Equal(t, hash, fileHash)
	require.Equal(t, size, fileSize)

	contributeAll(t, c, "alice", "bob", "carol")
	state = c.State()
	require.Equal(t, uint64(4), state.Round)
	require.Equal(t, uint64(3), state.Accepted)

	require.NoError(t, c.BeginFinalization(ctx))
	require.Equal(t, types.PhaseFinalizing, c.State().Phase)

	keys, err := c.Finalize(ctx)
	require.NoError(t, err)
	require.Equal(t, state.CurrentHash, keys.ParamsHash)
	require.Equal(t, types.PhaseSealed, c.State().Phase)

	for _, file := range []string{setup.ProvingKeyFile, setup.VerificationKeyFile, setup.FinalParamsFile, setup.MetadataFile} {
		_, err := os.Stat(filepath.Join(e.keysDir, "battle", file))
		require.NoError(t, err, file)
	}
	meta, err := setup.LoadKeyMetadata(filepath.Join(e.keysDir, "battle", setup.MetadataFile))
	require.NoError(t, err)
	require.Equal(t, 3, meta.NumParticipants)
	require.Equal(t, testCeremony, meta.CeremonyID)

	latest, err := c.Version(0)
	require.NoError(t, err)
	sealed, err := latest.Transcript()
	require.NoError(t, err)
	require.True(t, sealed.Sealed())
	require.Len(t, sealed.Contributions, 3)
	require.Equal(t, 3, sealed.Statistics.TotalParticipants)
	require.Equal(t, *keys, *sealed.FinalKeys)

	// Initialize, three rounds and the seal each publish one version.
	require.Len(t, c.Versions(), 5)

	report, err := c.Audit(ctx)
	require.NoError(t, err)
	require.True(t, report.OK(), report.Summary())
	require.True(t, report.ChainVerified)
	require.True(t, report.KeyDerivationVerified)

	_, err = c.Accept(ctx, contribution(t, c, "dave"))
	require.ErrorIs(t, err, types.ErrCeremonySealed)
	_, err = c.Finalize(ctx)
	require.ErrorIs(t, err, types.ErrCeremonySealed)
	require.ErrorIs(t, c.Skip(ctx, "late"), types.ErrCeremonySealed)
}

func TestFinalKeysAreDeterministic(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	finalize := func() types.FinalKeys {
		e := newEnv(t)
		c := e.initialized(t, 2)
		contributeAll(t, c, "alice", "bob")
		keys, err := c.Finalize(ctx)
		require.NoError(t, err)
		return *keys
	}
	require.Equal(t, finalize(), finalize())
}

func TestInitialize(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("premature beacon", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		c, err := New(testCeremony, e.opts)
		require.NoError(t, err)

		circuit := testCircuit()
		circuit.PublishedAt = testBeacon().Timestamp
		err = c.Initialize(ctx, circuit, testBeacon(), 0)
		require.ErrorIs(t, err, types.ErrBeaconPremature)
		require.Equal(t, types.PhaseUninitialized, c.State().Phase)

		ids, err := e.store.CeremonyIDs()
		require.NoError(t, err)
		require.Empty(t, ids)

		require.NoError(t, c.Initialize(ctx, testCircuit(), testBeacon(), 0))
	})

	t.Run("beacon does not match the chain", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		c, err := New(testCeremony, e.opts)
		require.NoError(t, err)

		rb := testBeacon()
		rb.BlockHash = types.HashBytes([]byte("forged")).String()
		require.ErrorIs(t, c.Initialize(ctx, testCircuit(), rb, 0), types.ErrBeaconUnverifiable)
		require.Equal(t, types.PhaseUninitialized, c.State().Phase)
	})

	t.Run("without beacon lookup", func(t *testing.T) {
		t.Parallel()
		e := newEnv(t)
		e.opts.Beacon = nil
		c := e.initialized(t, 0)
		require.Equal(t, types.PhaseAwaitingContribution, c.State().Phase)

		report, err := c.Audit(ctx)
		require.NoError(t, err)
		require.NotEmpty(t, report.ByKind(types.FindingBeaconUnverifiable))
	})

	t.Run("twice", func(t *testing.T) {
		t.Parallel()
		c := newEnv(t).initialized(t, 0)
		require.ErrorIs(t, c.Initialize(ctx, testCircuit(), testBeacon(), 0), types.ErrCeremonyExists)
	})

	t.Run("invalid circuit", func(t *testing.T) {
		t.Parallel()
		c, err := New(testCeremony, newEnv(t).opts)
		require.NoError(t, err)
		circuit := testCircuit()
		circuit.Name = ""
		require.ErrorIs(t, c.Initialize(ctx, circuit, testBeacon(), 0), types.ErrInvalidParameters)
	})

	t.Run("invalid id", func(t *testing.T) {
		t.Parallel()
		_, err := New("Not/Valid", newEnv(t).opts)
		require.ErrorIs(t, err, types.ErrInvalidState)
	})
}

func TestRejectedSubmissions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cases := []struct {
		name   string
		submit func(t *testing.T, c *Coordinator) Submission
		err    error
	}{
		{
			name: "out of order round",
			submit: func(t *testing.T, c *Coordinator) Submission {
				sub := contribution(t, c, "mallory")
				sub.Record.Round = c.State().Round + 1
				return sub
			},
			err: types.ErrOutOfOrderRound,
		},
		{
			name: "built on other parameters",
			submit: func(t *testing.T, c *Coordinator) Submission {
				draft, err := c.Transcript()
				require.NoError(t, err)
				fork := contributionOn(t, mustLoad(t, c, draft.InitialHash), "fork", "fork")
				return contributionOn(t, fork.Params, "mallory", "mallory")
			},
			err: types.ErrChainMismatch,
		},
		{
			name: "proof from another update",
			submit: func(t *testing.T, c *Coordinator) Submission {
				sub := contribution(t, c, "mallory")
				decoy := contribution(t, c, "decoy")
				sub.Record.ProofData = decoy.Record.ProofData
				return sub
			},
			err: types.ErrInvalidProof,
		},
		{
			name: "output hash of other parameters",
			submit: func(t *testing.T, c *Coordinator) Submission {
				sub := contribution(t, c, "mallory")
				decoy := contribution(t, c, "decoy")
				sub.Params = decoy.Params
				return sub
			},
			err: types.ErrChainMismatch,
		},
		{
			name: "malformed record",
			submit: func(t *testing.T, c *Coordinator) Submission {
				sub := contribution(t, c, "mallory")
				sub.Record.ProofData.Response = "zz"
				return sub
			},
			err: types.ErrInvalidProof,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c := newEnv(t).initialized(t, 0)
			contributeAll(t, c, "alice")

			before := c.State()
			versions := len(c.Versions())

			_, err := c.Accept(ctx, tc.submit(t, c))
			require.ErrorIs(t, err, tc.err)

			after := c.State()
			unchanged(t, before, after)
			require.Equal(t, before.Rejected+1, after.Rejected)

			draft, err := c.Transcript()
			require.NoError(t, err)
			require.Len(t, draft.Contributions, 2)
			rejected := draft.Contributions[1]
			require.False(t, rejected.Verified)
			require.NotEmpty(t, rejected.Rejection)
			require.Equal(t, 1, draft.Statistics.RejectedContributions)
			require.Len(t, c.Versions(), versions+1)

			// The chain continues from the unchanged head.
			contributeAll(t, c, "bob")
			report, err := c.Audit(ctx)
			require.NoError(t, err)
			require.True(t, report.OK(), report.Summary())
			require.Equal(t, 1, report.RejectedEntries)
		})
	}
}

func TestAcceptIsSerialized(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newEnv(t).initialized(t, 0)

	names := []string{"alice", "bob", "carol", "dave"}
	subs := make([]Submission, len(names))
	for i, name := range names {
		subs[i] = contribution(t, c, name)
	}

	var (
		wg   sync.WaitGroup
		errs = make([]error, len(subs))
	)
	for i := range subs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Accept(ctx, subs[i])
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, err := range errs {
		if err == nil {
			accepted++
			continue
		}
		require.ErrorIs(t, err, types.ErrOutOfOrderRound)
	}
	require.Equal(t, 1, accepted)

	state := c.State()
	require.Equal(t, uint64(1), state.Accepted)
	require.Equal(t, uint64(3), state.Rejected)
	require.Equal(t, uint64(2), state.Round)
}

func TestAcceptWaitsForLock(t *testing.T) {
	t.Parallel()
	c := newEnv(t).initialized(t, 0)

	release, err := c.lock(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Accept(ctx, contribution(t, c, "alice"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Zero(t, c.State().Accepted)
}

func TestSkipAndReassign(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newEnv(t).initialized(t, 0)
	contributeAll(t, c, "alice")

	require.ErrorIs(t, c.Skip(ctx, " "), types.ErrInvalidState)
	require.ErrorIs(t, c.Reassign(ctx, "", "timeout"), types.ErrInvalidState)

	require.NoError(t, c.Reassign(ctx, "carol", "bob went offline"))
	state := c.State()
	require.Equal(t, "carol", state.Assignee)
	require.Equal(t, uint64(2), state.Round)

	before := c.State()
	_, err := c.Accept(ctx, contribution(t, c, "bob"))
	require.ErrorIs(t, err, types.ErrNotAssigned)
	require.Equal(t, before, c.State())
	draft, err := c.Transcript()
	require.NoError(t, err)
	require.Len(t, draft.Contributions, 1, "unassigned submissions are not recorded")

	rec, err := c.Accept(ctx, contribution(t, c, "carol"))
	require.NoError(t, err)
	require.True(t, rec.Verified)
	require.Empty(t, c.State().Assignee)

	require.NoError(t, c.Skip(ctx, "nobody showed up"))
	draft, err = c.Transcript()
	require.NoError(t, err)
	require.Len(t, draft.Skips, 2)
	require.Equal(t, types.Skip{
		Round:      2,
		Reassigned: "carol",
		Reason:     "bob went offline",
		Timestamp:  draft.Skips[0].Timestamp,
	}, draft.Skips[0])
	require.Equal(t, uint64(3), draft.Skips[1].Round)
	require.Equal(t, 2, draft.Statistics.SkippedRounds)
}

func TestTargetParticipantsClosesContributions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newEnv(t).initialized(t, 2)

	contributeAll(t, c, "alice")
	require.Equal(t, types.PhaseAwaitingContribution, c.State().Phase)
	contributeAll(t, c, "bob")
	require.Equal(t, types.PhaseFinalizing, c.State().Phase)

	_, err := c.Accept(ctx, contribution(t, c, "carol"))
	require.ErrorIs(t, err, types.ErrCeremonySealed)
	require.NoError(t, c.BeginFinalization(ctx))

	_, err = c.Finalize(ctx)
	require.NoError(t, err)
}

func TestFinalizationPreconditions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	c, err := New(testCeremony, newEnv(t).opts)
	require.NoError(t, err)
	require.ErrorIs(t, c.BeginFinalization(ctx), types.ErrInvalidState)
	_, err = c.Finalize(ctx)
	require.ErrorIs(t, err, types.ErrInvalidState)

	c = newEnv(t).initialized(t, 0)
	require.ErrorIs(t, c.BeginFinalization(ctx), types.ErrInvalidState, "needs an accepted contribution")
	contributeAll(t, c, "alice")
	_, err = c.Finalize(ctx)
	require.ErrorIs(t, err, types.ErrInvalidState, "contributions still open")
}

func TestFinalizeRetriesAfterStorageFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	keys := &failingKeys{FileKeyStorage: e.keys, broken: true}
	e.opts.Keys = keys
	c := e.initialized(t, 1)
	contributeAll(t, c, "alice")

	versions := len(c.Versions())
	_, err := c.Finalize(ctx)
	require.ErrorIs(t, err, types.ErrFinalizationIncomplete)
	require.Equal(t, types.PhaseFinalizing, c.State().Phase)
	require.Len(t, c.Versions(), versions)
	draft, err := c.Transcript()
	require.NoError(t, err)
	require.Nil(t, draft.FinalKeys)

	keys.heal()
	_, err = c.Finalize(ctx)
	require.NoError(t, err)
	require.Equal(t, types.PhaseSealed, c.State().Phase)
}

func TestAttestationsAndAuditorsAfterSealing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newEnv(t).initialized(t, 1)
	rec, err := c.Accept(ctx, contribution(t, c, "alice"))
	require.NoError(t, err)
	_, err = c.Finalize(ctx)
	require.NoError(t, err)
	sealedVersions := len(c.Versions())

	ref := types.AttestationRef{Round: rec.Round, Participant: "alice", SHA256: types.HashBytes([]byte("attestation"))}
	require.NoError(t, c.AddAttestation(ctx, ref))
	require.NoError(t, c.AddAuditor(ctx, "independent-auditor"))
	require.Len(t, c.Versions(), sealedVersions+2)

	bad := ref
	bad.Participant = "mallory"
	require.ErrorIs(t, c.AddAttestation(ctx, bad), types.ErrInvalidState)
	require.Len(t, c.Versions(), sealedVersions+2)

	latest, err := c.Version(0)
	require.NoError(t, err)
	tr, err := latest.Transcript()
	require.NoError(t, err)
	require.Equal(t, []types.AttestationRef{ref}, tr.Attestations)
	require.Equal(t, []string{"independent-auditor"}, tr.Verification.IndependentAuditors)

	earlier, err := c.Version(uint64(sealedVersions))
	require.NoError(t, err)
	old, err := earlier.Transcript()
	require.NoError(t, err)
	require.Empty(t, old.Attestations, "published versions are immutable")
}

func TestResume(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	e := newEnv(t)
	c := e.initialized(t, 0)
	contributeAll(t, c, "alice", "bob")
	stale := contribution(t, c, "mallory")
	stale.Record.Round = 1
	_, err := c.Accept(ctx, stale)
	require.ErrorIs(t, err, types.ErrOutOfOrderRound)
	require.NoError(t, c.Reassign(ctx, "carol", "queue"))

	resumed, err := Load(testCeremony, e.opts)
	require.NoError(t, err)
	require.Equal(t, c.State(), resumed.State())
	require.Equal(t, c.Versions(), resumed.Versions())

	contributeAll(t, resumed, "carol")
	require.Equal(t, uint64(3), resumed.State().Accepted)
	require.Equal(t, uint64(1), resumed.State().Rejected)
	report, err := resumed.Audit(ctx)
	require.NoError(t, err)
	require.True(t, report.OK(), report.Summary())

	_, err = Load("unknown", e.opts)
	require.ErrorIs(t, err, types.ErrCeremonyNotFound)
}

func TestAuditDetectsTamperedParameters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newEnv(t).initialized(t, 0)
	contributeAll(t, c, "alice", "bob")

	draft, err := c.Transcript()
	require.NoError(t, err)
	path, _, err := c.opts.Store.ParamsPath(c.ID(), draft.Contributions[0].OutputHash)
	require.NoError(t, err)

	// Replace alice's output with other valid parameters of the same round.
	alt := contributionOn(t, mustLoad(t, c, draft.InitialHash), "eve", "eve")
	_, _, err = setup.SaveParameters(path, alt.Params)
	require.NoError(t, err)

	report, err := c.Audit(ctx)
	require.NoError(t, err)
	require.False(t, report.OK())
	require.False(t, report.ChainVerified)
	require.NotEmpty(t, report.ByKind(types.FindingArtifactUnavailable))
}

func TestAuditUsesBeaconLookup(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	c := e.initialized(t, 0)
	contributeAll(t, c, "alice")

	other, err := beacon.FromBeacon(types.RandomBeacon{
		Source:      "ethereum",
		BlockNumber: testBeacon().BlockNumber,
		BlockHash:   types.HashBytes([]byte("reorged")).String(),
		Timestamp:   testBeacon().Timestamp,
	})
	require.NoError(t, err)
	c.opts.Beacon = beacon.NewVerifier(other)

	report, err := c.Audit(context.Background())
	require.NoError(t, err)
	require.Len(t, report.ByKind(types.FindingBeaconUnverifiable), 1)
	require.True(t, report.ChainVerified)
}

func mustLoad(t testing.TB, c *Coordinator, hash types.Hash) *setup.Parameters {
	t.Helper()
	p, err := c.opts.Store.LoadParameters(c.ID(), hash)
	require.NoError(t, err)
	return p
}

func TestOversizedRejectionIsBounded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := newEnv(t).initialized(t, 0)

	sub := contribution(t, c, "mallory")
	sub.Record.Participant.Contact = strings.Repeat("c", 512*1024)
	sub.Record.Participant.Fingerprint = strings.Repeat("f", 64*1024)
	sub.Record.Participant.Country = strings.Repeat("X", 1024)
	sub.Record.ProofData.Response = strings.Repeat("ab", 256*1024)

	_, err := c.Accept(ctx, sub)
	require.ErrorIs(t, err, types.ErrInvalidProof)

	draft, err := c.Transcript()
	require.NoError(t, err)
	require.Len(t, draft.Contributions, 1)
	rejected := draft.Contributions[0]
	require.False(t, rejected.Verified)
	require.Len(t, rejected.Participant.Contact, types.MaxContactLength)
	require.Len(t, rejected.Participant.Fingerprint, types.MaxFingerprintLength)
	require.Empty(t, rejected.Participant.Country)
	require.Len(t, rejected.ProofData.Response, 2*types.ProofResponseSize)
	require.LessOrEqual(t, len(rejected.Rejection), types.MaxRejectionLength)

	versions := c.Versions()
	latest := versions[len(versions)-1]
	require.Less(t, len(latest.Bytes()), 16*1024)
}
