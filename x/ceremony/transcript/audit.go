package transcript

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	"cosmossdk.io/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/Steake/BitCell-sub003/x/ceremony/beacon"
	"github.com/Steake/BitCell-sub003/x/ceremony/setup"
	"github.com/Steake/BitCell-sub003/x/ceremony/telemetry"
	"github.com/Steake/BitCell-sub003/x/ceremony/types"
)

// AuditOptions configures an independent transcript audit.
type AuditOptions struct {
	// Params resolves intermediate parameters by hash. Without it only the
	// structural checks run and every round reports ArtifactUnavailable.
	Params ParamsSource
	// Beacon confirms the beacon block. A nil verifier yields a
	// BeaconUnverifiable finding.
	Beacon *beacon.Verifier
	// KeysDir, when set, holds the published key files to hash.
	KeysDir string
	// Workers bounds concurrent round verification. Zero means GOMAXPROCS.
	Workers int
	Logger  log.Logger
}

type roundResult struct {
	findings []types.Finding
}

// Audit re-verifies a transcript from the beacon forward and returns every
// finding. The report is deterministic for a given transcript and set of
// artifacts. An error is returned only when ctx is cancelled.
func Audit(ctx context.Context, t *types.Transcript, opts AuditOptions) (*types.Report, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: no transcript", types.ErrInvalidState)
	}
	data, err := t.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to encode transcript: %w", err)
	}
	return audit(ctx, t, types.HashBytes(data), opts)
}

// AuditVersion audits a published version.
func AuditVersion(ctx context.Context, v Version, opts AuditOptions) (*types.Report, error) {
	t, err := v.Transcript()
	if err != nil {
		return nil, err
	}
	return audit(ctx, t, v.Hash, opts)
}

func audit(ctx context.Context, t *types.Transcript, transcriptHash types.Hash, opts AuditOptions) (report *types.Report, err error) {
	start := time.Now()
	ctx, span := telemetry.StartCeremonySpan(ctx, "audit", t.CeremonyID,
		attribute.Int64("transcript.version", int64(t.Version)),
		attribute.Int("transcript.entries", len(t.Contributions)),
	)
	defer func() {
		telemetry.RecordOperation(ctx, "audit", t.CeremonyID, start, err)
		telemetry.RecordError(span, err)
		span.End()
	}()

	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	logger = logger.With("module", "audit", "ceremony", t.CeremonyID)

	report = &types.Report{
		CeremonyID:        t.CeremonyID,
		TranscriptVersion: t.Version,
		TranscriptHash:    transcriptHash,
		Findings:          []types.Finding{},
	}
	accepted := t.Accepted()
	report.RejectedEntries = len(t.Contributions) - len(accepted)
	report.RoundsChecked = len(accepted)
	report.FinalHash = t.HeadHash()

	initial, err := auditBeacon(ctx, t, opts.Beacon, report)
	if err != nil {
		return nil, err
	}
	report.BeaconVerified = len(report.ByKind(types.FindingBeaconUnverifiable)) == 0
	telemetry.AddSpanEvent(span, "beacon.checked", attribute.Bool("verified", report.BeaconVerified))

	structural := auditStructure(accepted, t.InitialHash, report)

	source := opts.Params
	if initial != nil {
		source = &seededSource{hash: t.InitialHash, params: initial, next: opts.Params}
	}
	if err := auditRounds(ctx, accepted, source, opts.Workers, structural, report); err != nil {
		return nil, err
	}
	report.ChainVerified = true
	for _, f := range report.Findings {
		switch f.Kind {
		case types.FindingChainMismatch, types.FindingOutOfOrderRound, types.FindingInvalidProof, types.FindingArtifactUnavailable:
			if f.Round > 0 {
				report.ChainVerified = false
			}
		}
	}

	if t.FinalKeys != nil {
		before := len(report.Findings)
		if err := auditKeys(ctx, t, uint64(len(accepted)), source, opts.KeysDir, report); err != nil {
			return nil, err
		}
		report.KeyDerivationVerified = len(report.Findings) == before
	}

	report.Sort()
	logger.Info("transcript audited",
		"version", t.Version,
		"rounds", report.RoundsChecked,
		"findings", len(report.Findings),
	)
	return report, nil
}

// auditBeacon checks the beacon and recomputes the round-0 parameters. The
// recomputed parameters are returned when they match the transcript.
func auditBeacon(ctx context.Context, t *types.Transcript, verifier *beacon.Verifier, report *types.Report) (*setup.Parameters, error) {
	circuit := types.CircuitSpec{
		Name:        t.Circuit,
		Constraints: t.CircuitConstraints,
		PublishedAt: t.CircuitPublishedAt,
	}
	if err := beacon.CheckNotPremature(circuit, t.RandomBeacon); err != nil {
		report.Add(types.FindingBeaconUnverifiable, 0, "", "%v", err)
	}
	if err := verifier.Verify(ctx, t.RandomBeacon); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		report.Add(types.FindingBeaconUnverifiable, 0, "", "%v", err)
	}

	computed, err := setup.BeaconParameters(ctx, circuit, t.RandomBeacon)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		report.Add(types.FindingBeaconUnverifiable, 0, "", "cannot recompute initial parameters: %v", err)
		return nil, nil
	}
	if err := setup.VerifyBeaconParameters(t.InitialHash, computed); err != nil {
		report.Add(types.FindingBeaconUnverifiable, 0, "", "%v", err)
		return nil, nil
	}
	return computed, nil
}

type findingKey struct {
	kind  types.FindingKind
	round uint64
}

// auditStructure checks round numbering and hash linkage without touching
// any parameters.
func auditStructure(accepted []types.Contribution, initial types.Hash, report *types.Report) map[findingKey]bool {
	seen := make(map[findingKey]bool)
	expected := uint64(1)
	head := initial
	for _, c := range accepted {
		if c.Round != expected {
			report.Add(types.FindingOutOfOrderRound, c.Round, c.Participant.Name,
				"expected round %d after %d accepted contributions", expected, expected-1)
			seen[findingKey{types.FindingOutOfOrderRound, c.Round}] = true
		}
		if c.InputHash != head {
			report.Add(types.FindingChainMismatch, c.Round, c.Participant.Name,
				"input_hash %s does not match previous output %s", c.InputHash, head)
			seen[findingKey{types.FindingChainMismatch, c.Round}] = true
		}
		expected = c.Round + 1
		head = c.OutputHash
	}
	return seen
}

// auditRounds verifies every accepted update proof. Rounds are checked in
// parallel; findings are merged in transcript order.
func auditRounds(ctx context.Context, accepted []types.Contribution, source ParamsSource, workers int, structural map[findingKey]bool, report *types.Report) error {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	results := make([]roundResult, len(accepted))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range accepted {
		i := i
		g.Go(func() error {
			c := accepted[i]
			res := &results[i]
			if source == nil {
				res.findings = append(res.findings, finding(types.FindingArtifactUnavailable, c, "no parameter source configured"))
				return nil
			}
			prev, err := source.Parameters(gctx, c.InputHash)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				res.findings = append(res.findings, finding(types.FindingArtifactUnavailable, c, "input parameters: "+err.Error()))
				return nil
			}
			next, err := source.Parameters(gctx, c.OutputHash)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				res.findings = append(res.findings, finding(types.FindingArtifactUnavailable, c, "output parameters: "+err.Error()))
				return nil
			}
			if err := setup.CheckContribution(prev, next, c); err != nil {
				kind := classify(err)
				if !structural[findingKey{kind, c.Round}] {
					res.findings = append(res.findings, finding(kind, c, err.Error()))
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for _, r := range results {
		report.Findings = append(report.Findings, r.findings...)
	}
	return nil
}

// auditKeys re-derives the final keys from the head parameters and compares
// them with the recorded hashes and, optionally, the published files.
func auditKeys(ctx context.Context, t *types.Transcript, round uint64, source ParamsSource, keysDir string, report *types.Report) error {
	fk := t.FinalKeys
	if head := t.HeadHash(); fk.ParamsHash != head {
		report.Add(types.FindingKeyMismatch, round, "", "keys derived from %s, chain head is %s", fk.ParamsHash, head)
	}

	if source == nil {
		report.Add(types.FindingArtifactUnavailable, round, "", "no parameter source configured for key derivation")
	} else if final, err := source.Parameters(ctx, fk.ParamsHash); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		report.Add(types.FindingArtifactUnavailable, round, "", "final parameters: %v", err)
	} else if kp, err := setup.DeriveKeys(final); err != nil {
		report.Add(types.FindingKeyMismatch, round, "", "key derivation failed: %v", err)
	} else if derived, err := kp.FinalKeys(); err != nil {
		report.Add(types.FindingKeyMismatch, round, "", "key encoding failed: %v", err)
	} else {
		compareKeyFile(report, round, "proving key", fk.ProvingKey, derived.ProvingKey)
		compareKeyFile(report, round, "verification key", fk.VerificationKey, derived.VerificationKey)
	}

	if keysDir == "" {
		return nil
	}
	for _, kf := range []types.KeyFile{fk.ProvingKey, fk.VerificationKey} {
		path := filepath.Join(keysDir, filepath.Base(kf.File))
		h, size, err := setup.HashFile(path)
		switch {
		case errors.Is(err, types.ErrArtifactMissing):
			report.Add(types.FindingArtifactUnavailable, round, "", "%v", err)
		case err != nil:
			report.Add(types.FindingArtifactUnavailable, round, "", "cannot hash %s: %v", path, err)
		case h != kf.SHA256 || size != kf.SizeBytes:
			report.Add(types.FindingKeyMismatch, round, "", "%s has hash %s (%d bytes), transcript records %s (%d bytes)",
				filepath.Base(path), h, size, kf.SHA256, kf.SizeBytes)
		}
	}
	return nil
}

func compareKeyFile(report *types.Report, round uint64, what string, recorded, derived types.KeyFile) {
	if recorded.SHA256 != derived.SHA256 || recorded.SizeBytes != derived.SizeBytes {
		report.Add(types.FindingKeyMismatch, round, "", "%s recorded as %s (%d bytes), derived %s (%d bytes)",
			what, recorded.SHA256, recorded.SizeBytes, derived.SHA256, derived.SizeBytes)
	}
}

func finding(kind types.FindingKind, c types.Contribution, detail string) types.Finding {
	return types.Finding{Kind: kind, Round: c.Round, Participant: c.Participant.Name, Detail: detail}
}

// classify maps a verification error onto a finding kind.
func classify(err error) types.FindingKind {
	switch {
	case errors.Is(err, types.ErrChainMismatch):
		return types.FindingChainMismatch
	case errors.Is(err, types.ErrOutOfOrderRound):
		return types.FindingOutOfOrderRound
	case errors.Is(err, types.ErrArtifactMissing):
		return types.FindingArtifactUnavailable
	default:
		return types.FindingInvalidProof
	}
}

// seededSource serves the recomputed round-0 parameters without a lookup.
type seededSource struct {
	hash   types.Hash
	params *setup.Parameters
	next   ParamsSource
}

func (s *seededSource) Parameters(ctx context.Context, hash types.Hash) (*setup.Parameters, error) {
	if hash == s.hash {
		return s.params, nil
	}
	if s.next == nil {
		return nil, fmt.Errorf("%w: no parameter source configured", types.ErrArtifactMissing)
	}
	return s.next.Parameters(ctx, hash)
}
