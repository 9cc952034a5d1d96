// Package transcript builds, publishes and audits ceremony transcripts.
//
// A Builder owns the mutable draft of one ceremony's transcript. Entries are
// only ever appended. Publishing freezes the draft into a numbered Version;
// a Version's bytes never change and each one links to its predecessor
// through PreviousVersionHash.
package transcript

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Steake/BitCell-sub003/x/ceremony/types"
)

// CountryResolver maps a participant IP address to an ISO country code. An
// empty result means the address could not be attributed.
type CountryResolver interface {
	LookupCountry(ip string) (string, error)
}

// Version is one published transcript.
type Version struct {
	Number uint64     `json:"number"`
	Hash   types.Hash `json:"hash"`
	data   []byte
}

// NewVersion wraps published bytes, typically read back from storage.
func NewVersion(number uint64, data []byte) Version {
	return Version{
		Number: number,
		Hash:   types.HashBytes(data),
		data:   append([]byte(nil), data...),
	}
}

// Bytes returns a copy of the published encoding.
func (v Version) Bytes() []byte {
	return append([]byte(nil), v.data...)
}

// Transcript decodes the published encoding.
func (v Version) Transcript() (*types.Transcript, error) {
	return types.UnmarshalTranscript(v.data)
}

// Builder accumulates one ceremony's transcript.
type Builder struct {
	mu        sync.RWMutex
	draft     *types.Transcript
	versions  []Version
	dirty     bool
	countries CountryResolver
}

// NewBuilder starts the transcript of a freshly initialized ceremony.
func NewBuilder(ceremonyID string, circuit types.CircuitSpec, beacon types.RandomBeacon, initial types.Hash, start time.Time) (*Builder, error) {
	if strings.TrimSpace(ceremonyID) == "" {
		return nil, fmt.Errorf("%w: empty ceremony id", types.ErrInvalidState)
	}
	if initial.IsZero() {
		return nil, fmt.Errorf("%w: initial parameters hash is required", types.ErrInvalidState)
	}
	return &Builder{
		draft: &types.Transcript{
			CeremonyID:         ceremonyID,
			Circuit:            circuit.Name,
			CircuitConstraints: circuit.Constraints,
			CircuitPublishedAt: circuit.PublishedAt.UTC(),
			StartTime:          start.UTC(),
			InitialHash:        initial,
			RandomBeacon:       beacon,
			Contributions:      []types.Contribution{},
			Verification:       types.Verification{IndependentAuditors: []string{}},
		},
		dirty: true,
	}, nil
}

// Restore rebuilds a builder from a persisted draft and its published
// versions. The version chain is checked before the builder is returned.
func Restore(draft *types.Transcript, versions []Version) (*Builder, error) {
	if draft == nil {
		return nil, fmt.Errorf("%w: no transcript draft", types.ErrInvalidState)
	}
	if err := VerifyVersionChain(versions); err != nil {
		return nil, err
	}
	b := &Builder{
		draft:    draft.Clone(),
		versions: append([]Version(nil), versions...),
	}
	b.dirty = len(versions) == 0 || !bytes.Equal(b.render(uint64(len(versions))), versions[len(versions)-1].data)
	return b, nil
}

// WithCountryResolver sets the resolver used for participants that did not
// declare a country.
func (b *Builder) WithCountryResolver(r CountryResolver) *Builder {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.countries = r
	return b
}

// Append adds a contribution record. Verified records must extend the
// accepted chain; rejected records are kept as unverified entries and do
// not affect it.
func (b *Builder) Append(c types.Contribution) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.draft.Sealed() {
		return types.ErrCeremonySealed
	}
	if c.Verified {
		expected := uint64(len(b.draft.Accepted())) + 1
		if c.Round != expected {
			return fmt.Errorf("%w: got round %d, next round is %d", types.ErrOutOfOrderRound, c.Round, expected)
		}
		if head := b.draft.HeadHash(); c.InputHash != head {
			return fmt.Errorf("%w: input_hash %s does not extend %s", types.ErrChainMismatch, c.InputHash, head)
		}
		c.Rejection = ""
	} else if c.Rejection == "" {
		c.Rejection = "rejected"
	}

	c.Participant = b.attribute(c.Participant)
	c.Timestamp = c.Timestamp.UTC()
	b.draft.Contributions = append(b.draft.Contributions, c)
	b.dirty = true
	return nil
}

// attribute fills the participant country from its IP address and drops
// the address; addresses never reach a published transcript.
func (b *Builder) attribute(p types.Participant) types.Participant {
	if p.Country == "" && p.IPAddress != "" && b.countries != nil {
		if code, err := b.countries.LookupCountry(p.IPAddress); err == nil && len(code) == 2 {
			p.Country = code
		}
	}
	p.Country = strings.ToUpper(p.Country)
	p.IPAddress = ""
	return p
}

// RecordSkip notes an operator skip or reassignment.
func (b *Builder) RecordSkip(s types.Skip) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.draft.Sealed() {
		return types.ErrCeremonySealed
	}
	if strings.TrimSpace(s.Reason) == "" {
		return fmt.Errorf("%w: a skip needs a reason", types.ErrInvalidState)
	}
	s.Timestamp = s.Timestamp.UTC()
	b.draft.Skips = append(b.draft.Skips, s)
	b.dirty = true
	return nil
}

// AddAttestation cross-references an attestation against an accepted
// contribution. Attestations can be added after sealing.
func (b *Builder) AddAttestation(ref types.AttestationRef) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	found := false
	for _, c := range b.draft.Contributions {
		if c.Verified && c.Round == ref.Round && c.Participant.Name == ref.Participant {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: no accepted contribution by %q in round %d",
			types.ErrInvalidState, ref.Participant, ref.Round)
	}
	for i, existing := range b.draft.Attestations {
		if existing.Round == ref.Round && existing.Participant == ref.Participant {
			if existing == ref {
				return nil
			}
			b.draft.Attestations[i] = ref
			b.dirty = true
			return nil
		}
	}
	b.draft.Attestations = append(b.draft.Attestations, ref)
	b.dirty = true
	return nil
}

// AddAuditor lists an independent auditor who re-verified the transcript.
func (b *Builder) AddAuditor(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: empty auditor name", types.ErrInvalidState)
	}
	for _, a := range b.draft.Verification.IndependentAuditors {
		if a == name {
			return nil
		}
	}
	b.draft.Verification.IndependentAuditors = append(b.draft.Verification.IndependentAuditors, name)
	b.dirty = true
	return nil
}

// Seal records the final keys. The keys must be derived from the head of
// the accepted chain.
func (b *Builder) Seal(keys types.FinalKeys, end time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.draft.Sealed() {
		return types.ErrCeremonySealed
	}
	if head := b.draft.HeadHash(); keys.ParamsHash != head {
		return fmt.Errorf("%w: keys derived from %s, chain head is %s", types.ErrChainMismatch, keys.ParamsHash, head)
	}
	end = end.UTC()
	b.draft.FinalKeys = &keys
	b.draft.EndTime = &end
	b.draft.Verification.AllContributionsVerified = true
	b.draft.Verification.KeyDerivationVerified = true
	b.dirty = true
	return nil
}

// Publish freezes the current draft into a new version. Publishing an
// unchanged draft returns the latest version.
func (b *Builder) Publish() (Version, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.dirty && len(b.versions) > 0 {
		return b.versions[len(b.versions)-1], nil
	}

	number := uint64(len(b.versions)) + 1
	data := b.render(number)
	if data == nil {
		return Version{}, fmt.Errorf("failed to encode transcript %s", b.draft.CeremonyID)
	}
	v := NewVersion(number, data)
	b.versions = append(b.versions, v)
	b.dirty = false
	return v, nil
}

// render encodes the draft as version number. Statistics are recomputed and
// the draft itself is left untouched.
func (b *Builder) render(number uint64) []byte {
	t := b.draft.Clone()
	t.Version = number
	t.PreviousVersionHash = nil
	if number > 1 && int(number-1) <= len(b.versions) {
		prev := b.versions[number-2].Hash
		t.PreviousVersionHash = &prev
	}
	t.Statistics = ComputeStatistics(t)
	data, err := t.Marshal()
	if err != nil {
		return nil
	}
	return data
}

// Draft returns a copy of the unpublished transcript.
func (b *Builder) Draft() *types.Transcript {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t := b.draft.Clone()
	t.Statistics = ComputeStatistics(t)
	return t
}

// Versions returns every published version, oldest first.
func (b *Builder) Versions() []Version {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Version(nil), b.versions...)
}

// Latest returns the most recent published version.
func (b *Builder) Latest() (Version, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.versions) == 0 {
		return Version{}, false
	}
	return b.versions[len(b.versions)-1], true
}

// Version returns a published version by number.
func (b *Builder) Version(number uint64) (Version, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if number == 0 || number > uint64(len(b.versions)) {
		return Version{}, fmt.Errorf("%w: transcript version %d", types.ErrArtifactMissing, number)
	}
	return b.versions[number-1], nil
}

// VerifyVersionChain checks that versions are numbered 1..n and that each
// one names its predecessor's hash.
func VerifyVersionChain(versions []Version) error {
	var prev *types.Hash
	for i, v := range versions {
		if v.Number != uint64(i)+1 {
			return fmt.Errorf("%w: version %d found at position %d", types.ErrChainMismatch, v.Number, i+1)
		}
		if types.HashBytes(v.data) != v.Hash {
			return fmt.Errorf("%w: version %d content does not match its hash", types.ErrChainMismatch, v.Number)
		}
		t, err := v.Transcript()
		if err != nil {
			return fmt.Errorf("%w: version %d: %v", types.ErrChainMismatch, v.Number, err)
		}
		if t.Version != v.Number {
			return fmt.Errorf("%w: version %d declares number %d", types.ErrChainMismatch, v.Number, t.Version)
		}
		switch {
		case prev == nil && t.PreviousVersionHash != nil:
			return fmt.Errorf("%w: version 1 has a predecessor", types.ErrChainMismatch)
		case prev != nil && (t.PreviousVersionHash == nil || *t.PreviousVersionHash != *prev):
			return fmt.Errorf("%w: version %d does not link to version %d", types.ErrChainMismatch, v.Number, v.Number-1)
		}
		h := v.Hash
		prev = &h
	}
	return nil
}
