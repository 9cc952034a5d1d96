// Package coordinator sequences the rounds of a ceremony. Each Coordinator
// owns one ceremony instance: it publishes parameters, accepts or rejects
// submissions one at a time and finalizes the keys. A Registry holds any
// number of independent instances.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"cosmossdk.io/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Steake/BitCell-sub003/x/ceremony/beacon"
	"github.com/Steake/BitCell-sub003/x/ceremony/setup"
	"github.com/Steake/BitCell-sub003/x/ceremony/telemetry"
	"github.com/Steake/BitCell-sub003/x/ceremony/transcript"
	"github.com/Steake/BitCell-sub003/x/ceremony/types"
)

var ceremonyIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,63}$`)

// ValidateCeremonyID checks an instance id is usable as a storage key.
func ValidateCeremonyID(id string) error {
	if !ceremonyIDPattern.MatchString(id) {
		return fmt.Errorf("%w: invalid ceremony id %q", types.ErrInvalidState, id)
	}
	return nil
}

// Options are the collaborators of a coordinator.
type Options struct {
	Store *Store
	Keys  setup.KeyStorage
	// Beacon confirms beacons at initialization. Without it the beacon is
	// accepted unchecked and left to auditors.
	Beacon       *beacon.Verifier
	Countries    transcript.CountryResolver
	Logger       log.Logger
	Metrics      *CeremonyMetrics
	Now          func() time.Time
	AuditWorkers int
}

// Submission is a contribution offered for the current round.
type Submission struct {
	Record    types.Contribution
	Params    *setup.Parameters
	IPAddress string
}

// Coordinator runs one ceremony instance.
type Coordinator struct {
	id  string
	sem chan struct{}

	mu      sync.RWMutex
	state   types.State
	builder *transcript.Builder

	opts    Options
	logger  log.Logger
	metrics *CeremonyMetrics
}

func newCoordinator(id string, opts Options) (*Coordinator, error) {
	if err := ValidateCeremonyID(id); err != nil {
		return nil, err
	}
	if opts.Store == nil || opts.Keys == nil {
		return nil, fmt.Errorf("coordinator needs a store and a key storage")
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewCeremonyMetrics()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		id:      id,
		sem:     make(chan struct{}, 1),
		state:   types.State{CeremonyID: id, Phase: types.PhaseUninitialized},
		opts:    opts,
		logger:  opts.Logger.With("module", "coordinator", "ceremony", id),
		metrics: opts.Metrics,
	}, nil
}

// New returns an uninitialized coordinator for a new ceremony.
func New(id string, opts Options) (*Coordinator, error) {
	return newCoordinator(id, opts)
}

// Load resumes a persisted ceremony.
func Load(id string, opts Options) (*Coordinator, error) {
	c, err := newCoordinator(id, opts)
	if err != nil {
		return nil, err
	}
	state, err := opts.Store.LoadState(id)
	if err != nil {
		return nil, err
	}
	draft, err := opts.Store.LoadDraft(id)
	if err != nil {
		return nil, err
	}
	versions, err := opts.Store.LoadVersions(id)
	if err != nil {
		return nil, err
	}
	builder, err := transcript.Restore(draft, versions)
	if err != nil {
		return nil, fmt.Errorf("failed to restore transcript of %s: %w", id, err)
	}
	c.state = *state
	c.builder = builder.WithCountryResolver(opts.Countries)
	c.observe(c.state)
	c.logger.Info("ceremony resumed", "state", c.state.Describe(), "versions", len(versions))
	return c, nil
}

// ID returns the ceremony id.
func (c *Coordinator) ID() string { return c.id }

// State returns a snapshot of the coordinator state.
func (c *Coordinator) State() types.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Transcript returns the current unpublished draft.
func (c *Coordinator) Transcript() (*types.Transcript, error) {
	b := c.transcriptBuilder()
	if b == nil {
		return nil, fmt.Errorf("%w: ceremony %s is not initialized", types.ErrInvalidState, c.id)
	}
	return b.Draft(), nil
}

// Versions returns the published transcript versions.
func (c *Coordinator) Versions() []transcript.Version {
	if b := c.transcriptBuilder(); b != nil {
		return b.Versions()
	}
	return nil
}

// Version returns one published transcript version. Zero selects the latest.
func (c *Coordinator) Version(number uint64) (transcript.Version, error) {
	b := c.transcriptBuilder()
	if b == nil {
		return transcript.Version{}, fmt.Errorf("%w: ceremony %s has no transcript", types.ErrArtifactMissing, c.id)
	}
	if number == 0 {
		v, ok := b.Latest()
		if !ok {
			return transcript.Version{}, fmt.Errorf("%w: ceremony %s has no transcript", types.ErrArtifactMissing, c.id)
		}
		return v, nil
	}
	return b.Version(number)
}

// CurrentParameters locates the parameters the next contribution builds on.
func (c *Coordinator) CurrentParameters() (path string, size int64, hash types.Hash, err error) {
	state := c.State()
	if state.Phase == types.PhaseUninitialized {
		return "", 0, types.Hash{}, fmt.Errorf("%w: ceremony %s is not initialized", types.ErrInvalidState, c.id)
	}
	path, size, err = c.opts.Store.ParamsPath(c.id, state.CurrentHash)
	return path, size, state.CurrentHash, err
}

func (c *Coordinator) transcriptBuilder() *transcript.Builder {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.builder
}

// lock acquires the instance for a state transition. Waiting honours ctx.
func (c *Coordinator) lock(ctx context.Context) (func(), error) {
	select {
	case c.sem <- struct{}{}:
		return func() { <-c.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// commit publishes the transcript and persists next. On failure the
// in-memory transcript is rolled back to its last committed form.
func (c *Coordinator) commit(next types.State, rollback func()) error {
	next.UpdatedAt = c.opts.Now().UTC()
	v, err := c.builder.Publish()
	if err == nil {
		err = c.opts.Store.Commit(next, c.builder.Draft(), &v)
	}
	if err != nil {
		rollback()
		return err
	}

	c.mu.Lock()
	c.state = next
	c.mu.Unlock()
	c.observe(next)
	return nil
}

// checkpoint captures the builder so a failed commit can be undone.
func (c *Coordinator) checkpoint() func() {
	if c.builder == nil {
		return func() {}
	}
	draft := c.builder.Draft()
	versions := c.builder.Versions()
	return func() {
		restored, err := transcript.Restore(draft, versions)
		if err != nil {
			c.logger.Error("failed to roll back transcript", "error", err)
			return
		}
		c.mu.Lock()
		c.builder = restored.WithCountryResolver(c.opts.Countries)
		c.mu.Unlock()
	}
}

func (c *Coordinator) observe(s types.State) {
	c.metrics.Phase.WithLabelValues(c.id).Set(float64(s.Phase))
	c.metrics.CurrentRound.WithLabelValues(c.id).Set(float64(s.Round))
}

// Initialize publishes the round-0 parameters derived from beacon and
// opens round 1. targetParticipants of zero leaves finalization to the
// operator.
func (c *Coordinator) Initialize(ctx context.Context, circuit types.CircuitSpec, rb types.RandomBeacon, targetParticipants uint64) (err error) {
	start := time.Now()
	ctx, span := telemetry.StartCeremonySpan(ctx, "initialize", c.id, attribute.String("circuit", circuit.Name))
	defer func() {
		telemetry.RecordOperation(ctx, "initialize", c.id, start, err)
		telemetry.RecordError(span, err)
		span.End()
	}()

	release, err := c.lock(ctx)
	if err != nil {
		return err
	}
	defer release()

	if c.State().Phase != types.PhaseUninitialized {
		return fmt.Errorf("%w: %s", types.ErrCeremonyExists, c.id)
	}
	if err := circuit.Validate(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidParameters, err)
	}
	if err := rb.Validate(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrBeaconUnverifiable, err)
	}
	if err := beacon.CheckNotPremature(circuit, rb); err != nil {
		return err
	}
	if c.opts.Beacon != nil {
		if err := c.opts.Beacon.Verify(ctx, rb); err != nil {
			return err
		}
	} else {
		c.logger.Warn("no beacon lookup configured, beacon accepted unchecked", "source", rb.Source, "block", rb.BlockNumber)
	}

	p0, err := setup.BeaconParameters(ctx, circuit, rb)
	if err != nil {
		return err
	}
	hash, err := c.opts.Store.PutParameters(c.id, p0)
	if err != nil {
		return fmt.Errorf("failed to publish round 0: %w", err)
	}

	now := c.opts.Now().UTC()
	builder, err := transcript.NewBuilder(c.id, circuit, rb, hash, now)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.builder = builder.WithCountryResolver(c.opts.Countries)
	c.mu.Unlock()

	next := types.State{
		CeremonyID:         c.id,
		Circuit:            circuit,
		Beacon:             rb,
		Phase:              types.PhaseAwaitingContribution,
		Round:              1,
		CurrentHash:        hash,
		TargetParticipants: targetParticipants,
		StartTime:          now,
	}
	if err := c.commit(next, func() {
		c.mu.Lock()
		c.builder = nil
		c.mu.Unlock()
	}); err != nil {
		return err
	}
	c.logger.Info("ceremony initialized",
		"circuit", circuit.Name,
		"domain_size", circuit.DomainSize(),
		"initial_hash", hash.String(),
		"beacon_block", rb.BlockNumber,
	)
	return nil
}

// Accept verifies a submission for the current round and, if valid, makes
// its output the new chain head. Round, chain and proof failures leave the
// state unchanged and are recorded in the transcript as unverified entries.
func (c *Coordinator) Accept(ctx context.Context, sub Submission) (rec types.Contribution, err error) {
	start := time.Now()
	ctx, span := telemetry.StartCeremonySpan(ctx, "accept", c.id,
		attribute.Int64("round", int64(sub.Record.Round)),
		attribute.String("participant", sub.Record.Participant.Name),
	)
	defer func() {
		telemetry.RecordOperation(ctx, "accept", c.id, start, err)
		telemetry.RecordError(span, err)
		span.End()
	}()

	release, err := c.lock(ctx)
	if err != nil {
		return types.Contribution{}, err
	}
	defer release()

	state := c.State()
	switch state.Phase {
	case types.PhaseUninitialized:
		return types.Contribution{}, fmt.Errorf("%w: ceremony %s is not initialized", types.ErrInvalidState, c.id)
	case types.PhaseFinalizing, types.PhaseSealed:
		return types.Contribution{}, fmt.Errorf("%w: ceremony %s is %s", types.ErrCeremonySealed, c.id, state.Phase)
	}

	rec = sub.Record
	if rec.Timestamp.IsZero() {
		rec.Timestamp = c.opts.Now()
	}
	rec.Participant.IPAddress = sub.IPAddress
	rec.Verified = false
	rec.Rejection = ""

	if state.Assignee != "" && rec.Participant.Name != state.Assignee {
		return types.Contribution{}, fmt.Errorf("%w: round %d is assigned to %s", types.ErrNotAssigned, state.Round, state.Assignee)
	}

	if verr := c.check(state, rec, sub.Params); verr != nil {
		return rec, c.reject(state, rec, verr)
	}

	hash, err := c.opts.Store.PutParameters(c.id, sub.Params)
	if err != nil {
		return types.Contribution{}, fmt.Errorf("failed to store round %d parameters: %w", rec.Round, err)
	}
	if hash != rec.OutputHash {
		return types.Contribution{}, fmt.Errorf("%w: stored parameters hash to %s", types.ErrChainMismatch, hash)
	}

	rollback := c.checkpoint()
	rec.Verified = true
	if err := c.builder.Append(rec); err != nil {
		rollback()
		return types.Contribution{}, err
	}

	next := state
	next.Round = state.Round + 1
	next.CurrentHash = rec.OutputHash
	next.Accepted++
	next.Assignee = ""
	if next.TargetParticipants > 0 && next.Accepted >= next.TargetParticipants {
		next.Phase = types.PhaseFinalizing
	}
	if err := c.commit(next, rollback); err != nil {
		return types.Contribution{}, err
	}

	c.metrics.ContributionsAccepted.WithLabelValues(c.id).Inc()
	c.logger.Info("contribution accepted",
		"round", rec.Round,
		"participant", rec.Participant.Name,
		"output_hash", rec.OutputHash.String(),
		"state", next.Describe(),
	)
	rec.Participant.IPAddress = ""
	return rec, nil
}

// check runs every acceptance check against the current state.
func (c *Coordinator) check(state types.State, rec types.Contribution, next *setup.Parameters) error {
	if err := rec.ValidateBasic(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidProof, err)
	}
	if rec.Round != state.Round {
		return fmt.Errorf("%w: submitted round %d, awaiting round %d", types.ErrOutOfOrderRound, rec.Round, state.Round)
	}
	if rec.InputHash != state.CurrentHash {
		return fmt.Errorf("%w: input_hash %s, current parameters %s", types.ErrChainMismatch, rec.InputHash, state.CurrentHash)
	}
	prev, err := c.opts.Store.LoadParameters(c.id, state.CurrentHash)
	if err != nil {
		return err
	}

	start := time.Now()
	defer func() { c.metrics.VerificationTime.Observe(time.Since(start).Seconds()) }()
	return setup.CheckContribution(prev, next, rec)
}

// reject records a failed submission and returns cause.
func (c *Coordinator) reject(state types.State, rec types.Contribution, cause error) error {
	if errors.Is(cause, types.ErrArtifactMissing) {
		// The coordinator lost its own parameters; the submission is not at fault.
		c.logger.Error("current parameters unavailable", "error", cause)
		return cause
	}

	rec.Rejection = cause.Error()
	rec = rec.Bounded()
	reason := rejectionReason(cause)
	c.metrics.ContributionsRejected.WithLabelValues(c.id, reason).Inc()
	c.logger.Info("contribution rejected",
		"round", rec.Round,
		"participant", rec.Participant.Name,
		"reason", reason,
		"error", cause,
	)

	rollback := c.checkpoint()
	if err := c.builder.Append(rec); err != nil {
		rollback()
		return errors.Join(cause, err)
	}
	next := state
	next.Rejected++
	if err := c.commit(next, rollback); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, types.ErrOutOfOrderRound):
		return "out_of_order_round"
	case errors.Is(err, types.ErrChainMismatch):
		return "chain_mismatch"
	default:
		return "invalid_proof"
	}
}

// Skip abandons the current assignment of the open round. The round stays
// open for any participant.
func (c *Coordinator) Skip(ctx context.Context, reason string) error {
	return c.skip(ctx, "", reason)
}

// Reassign publishes the open round to participant.
func (c *Coordinator) Reassign(ctx context.Context, participant, reason string) error {
	if participant == "" {
		return fmt.Errorf("%w: reassignment needs a participant", types.ErrInvalidState)
	}
	return c.skip(ctx, participant, reason)
}

func (c *Coordinator) skip(ctx context.Context, reassignTo, reason string) (err error) {
	start := time.Now()
	ctx, span := telemetry.StartCeremonySpan(ctx, "skip", c.id, attribute.String("reassign_to", reassignTo))
	defer func() {
		telemetry.RecordOperation(ctx, "skip", c.id, start, err)
		telemetry.RecordError(span, err)
		span.End()
	}()

	release, err := c.lock(ctx)
	if err != nil {
		return err
	}
	defer release()

	state := c.State()
	switch state.Phase {
	case types.PhaseAwaitingContribution:
	case types.PhaseFinalizing, types.PhaseSealed:
		return fmt.Errorf("%w: ceremony %s is %s", types.ErrCeremonySealed, c.id, state.Phase)
	default:
		return fmt.Errorf("%w: ceremony %s is not initialized", types.ErrInvalidState, c.id)
	}

	rollback := c.checkpoint()
	if err := c.builder.RecordSkip(types.Skip{
		Round:      state.Round,
		Previous:   state.Assignee,
		Reassigned: reassignTo,
		Reason:     reason,
		Timestamp:  c.opts.Now(),
	}); err != nil {
		rollback()
		return err
	}
	next := state
	next.Assignee = reassignTo
	if err := c.commit(next, rollback); err != nil {
		return err
	}

	action := "skip"
	if reassignTo != "" {
		action = "reassign"
	}
	c.metrics.RoundsSkipped.WithLabelValues(c.id, action).Inc()
	c.logger.Info("round "+action, "round", state.Round, "previous", state.Assignee, "assignee", reassignTo, "reason", reason)
	return nil
}

// BeginFinalization stops accepting contributions.
func (c *Coordinator) BeginFinalization(ctx context.Context) error {
	release, err := c.lock(ctx)
	if err != nil {
		return err
	}
	defer release()

	state := c.State()
	switch state.Phase {
	case types.PhaseFinalizing:
		return nil
	case types.PhaseSealed:
		return fmt.Errorf("%w: ceremony %s is sealed", types.ErrCeremonySealed, c.id)
	case types.PhaseUninitialized:
		return fmt.Errorf("%w: ceremony %s is not initialized", types.ErrInvalidState, c.id)
	}
	if state.Accepted == 0 {
		return fmt.Errorf("%w: no contributions accepted yet", types.ErrInvalidState)
	}

	next := state
	next.Phase = types.PhaseFinalizing
	next.Assignee = ""
	if err := c.commit(next, c.checkpoint()); err != nil {
		return err
	}
	c.logger.Info("contribution phase closed", "accepted", state.Accepted)
	return nil
}

// Finalize derives and stores the final keys, seals the transcript and
// publishes the sealed version. On failure the ceremony stays in
// the finalizing phase and Finalize can be retried.
func (c *Coordinator) Finalize(ctx context.Context) (keys *types.FinalKeys, err error) {
	start := time.Now()
	ctx, span := telemetry.StartCeremonySpan(ctx, "finalize", c.id)
	defer func() {
		telemetry.RecordOperation(ctx, "finalize", c.id, start, err)
		telemetry.RecordError(span, err)
		span.End()
		result := "sealed"
		if err != nil {
			result = "failed"
		}
		c.metrics.Finalizations.WithLabelValues(c.id, result).Inc()
	}()

	release, err := c.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	state := c.State()
	switch state.Phase {
	case types.PhaseFinalizing:
	case types.PhaseSealed:
		return nil, fmt.Errorf("%w: ceremony %s is sealed", types.ErrCeremonySealed, c.id)
	default:
		return nil, fmt.Errorf("%w: ceremony %s is %s, begin finalization first", types.ErrInvalidState, c.id, state.Phase)
	}

	final, err := c.opts.Store.LoadParameters(c.id, state.CurrentHash)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrFinalizationIncomplete, err)
	}
	kp, err := setup.DeriveKeys(final)
	if err != nil {
		return nil, err
	}
	keys, err = kp.FinalKeys()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrFinalizationIncomplete, err)
	}

	now := c.opts.Now().UTC()
	draft := c.builder.Draft()
	meta := setup.NewKeyMetadata(state.Circuit, keys, draft.Statistics.TotalParticipants, now)
	meta.CeremonyID = c.id
	if latest, ok := c.builder.Latest(); ok {
		meta.TranscriptHash = latest.Hash.String()
	}
	if err := setup.StoreKeys(ctx, c.opts.Keys, state.Circuit.Name, kp, final, meta); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrFinalizationIncomplete, err)
	}

	rollback := c.checkpoint()
	if err := c.builder.Seal(*keys, now); err != nil {
		rollback()
		return nil, fmt.Errorf("%w: %w", types.ErrFinalizationIncomplete, err)
	}
	next := state
	next.Phase = types.PhaseSealed
	if err := c.commit(next, rollback); err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrFinalizationIncomplete, err)
	}

	c.logger.Info("ceremony sealed",
		"participants", draft.Statistics.TotalParticipants,
		"params_hash", keys.ParamsHash.String(),
		"proving_key", keys.ProvingKey.SHA256.String(),
		"verification_key", keys.VerificationKey.SHA256.String(),
	)
	return keys, nil
}

// AddAttestation attaches an attestation reference and publishes a new
// transcript version. Sealed ceremonies accept attestations.
func (c *Coordinator) AddAttestation(ctx context.Context, ref types.AttestationRef) error {
	return c.amend(ctx, func(b *transcript.Builder) error { return b.AddAttestation(ref) })
}

// AddAuditor records an independent auditor and publishes a new version.
func (c *Coordinator) AddAuditor(ctx context.Context, name string) error {
	return c.amend(ctx, func(b *transcript.Builder) error { return b.AddAuditor(name) })
}

func (c *Coordinator) amend(ctx context.Context, fn func(*transcript.Builder) error) error {
	release, err := c.lock(ctx)
	if err != nil {
		return err
	}
	defer release()

	if c.builder == nil {
		return fmt.Errorf("%w: ceremony %s is not initialized", types.ErrInvalidState, c.id)
	}
	rollback := c.checkpoint()
	if err := fn(c.builder); err != nil {
		rollback()
		return err
	}
	return c.commit(c.State(), rollback)
}

// Audit runs a full audit of the latest published transcript against the
// stored parameters and keys.
func (c *Coordinator) Audit(ctx context.Context) (*types.Report, error) {
	v, err := c.Version(0)
	if err != nil {
		return nil, err
	}
	opts := transcript.AuditOptions{
		Params:  c.opts.Store.Source(c.id),
		Beacon:  c.opts.Beacon,
		Workers: c.opts.AuditWorkers,
		Logger:  c.opts.Logger,
	}
	if fs, ok := c.opts.Keys.(*setup.FileKeyStorage); ok && c.State().Phase == types.PhaseSealed {
		if path, err := fs.Path(setup.KeyID(c.State().Circuit.Name, setup.ProvingKeyFile)); err == nil {
			opts.KeysDir = filepath.Dir(path)
		}
	}

	report, err := transcript.AuditVersion(ctx, v, opts)
	if err != nil {
		return nil, err
	}
	outcome := "clean"
	if !report.OK() {
		outcome = "findings"
	}
	c.metrics.Audits.WithLabelValues(c.id, outcome).Inc()
	for _, f := range report.Findings {
		c.metrics.AuditFindings.WithLabelValues(c.id, string(f.Kind)).Inc()
	}
	return report, nil
}
