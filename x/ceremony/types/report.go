package types

import (
	"fmt"
	"sort"
	"strings"
)

// FindingKind classifies an audit finding.
type FindingKind string

const (
	FindingChainMismatch       FindingKind = "ChainMismatch"
	FindingInvalidProof        FindingKind = "InvalidProof"
	FindingOutOfOrderRound     FindingKind = "OutOfOrderRound"
	FindingBeaconUnverifiable  FindingKind = "BeaconUnverifiable"
	FindingKeyMismatch         FindingKind = "KeyMismatch"
	FindingArtifactUnavailable FindingKind = "ArtifactUnavailable"
)

var findingOrder = map[FindingKind]int{
	FindingBeaconUnverifiable:  0,
	FindingOutOfOrderRound:     1,
	FindingChainMismatch:       2,
	FindingInvalidProof:        3,
	FindingArtifactUnavailable: 4,
	FindingKeyMismatch:         5,
}

// Err maps the kind onto the error taxonomy.
func (k FindingKind) Err() error {
	switch k {
	case FindingChainMismatch:
		return ErrChainMismatch
	case FindingInvalidProof:
		return ErrInvalidProof
	case FindingOutOfOrderRound:
		return ErrOutOfOrderRound
	case FindingBeaconUnverifiable:
		return ErrBeaconUnverifiable
	case FindingKeyMismatch:
		return ErrKeyMismatch
	default:
		return ErrArtifactMissing
	}
}

// Finding is one failed check. Round 0 refers to the beacon and initial
// parameters.
type Finding struct {
	Kind        FindingKind `json:"kind"`
	Round       uint64      `json:"round"`
	Participant string      `json:"participant,omitempty"`
	Detail      string      `json:"detail"`
}

func (f Finding) String() string {
	if f.Participant != "" {
		return fmt.Sprintf("round %d (%s): %s: %s", f.Round, f.Participant, f.Kind, f.Detail)
	}
	return fmt.Sprintf("round %d: %s: %s", f.Round, f.Kind, f.Detail)
}

// Report is the complete result of a transcript audit.
type Report struct {
	CeremonyID            string    `json:"ceremony_id"`
	TranscriptVersion     uint64    `json:"transcript_version"`
	TranscriptHash        Hash      `json:"transcript_hash"`
	RoundsChecked         int       `json:"rounds_checked"`
	RejectedEntries       int       `json:"rejected_entries"`
	BeaconVerified        bool      `json:"beacon_verified"`
	ChainVerified         bool      `json:"chain_verified"`
	KeyDerivationVerified bool      `json:"key_derivation_verified"`
	FinalHash             Hash      `json:"final_hash"`
	Findings              []Finding `json:"findings"`
}

// Add records a finding.
func (r *Report) Add(kind FindingKind, round uint64, participant, format string, args ...interface{}) {
	r.Findings = append(r.Findings, Finding{
		Kind:        kind,
		Round:       round,
		Participant: participant,
		Detail:      fmt.Sprintf(format, args...),
	})
}

// Sort orders findings by round, then kind, then detail.
func (r *Report) Sort() {
	sort.SliceStable(r.Findings, func(i, j int) bool {
		a, b := r.Findings[i], r.Findings[j]
		if a.Round != b.Round {
			return a.Round < b.Round
		}
		if a.Kind != b.Kind {
			return findingOrder[a.Kind] < findingOrder[b.Kind]
		}
		return a.Detail < b.Detail
	})
}

// OK reports whether the audit found nothing.
func (r *Report) OK() bool {
	return len(r.Findings) == 0
}

// ByKind returns the findings of one kind.
func (r *Report) ByKind(kind FindingKind) []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}

// Summary renders a one-line summary.
func (r *Report) Summary() string {
	if r.OK() {
		return fmt.Sprintf("ceremony %s v%d: %d rounds verified, no findings", r.CeremonyID, r.TranscriptVersion, r.RoundsChecked)
	}
	counts := map[FindingKind]int{}
	for _, f := range r.Findings {
		counts[f.Kind]++
	}
	kinds := make([]string, 0, len(counts))
	for k, n := range counts {
		kinds = append(kinds, fmt.Sprintf("%s=%d", k, n))
	}
	sort.Strings(kinds)
	return fmt.Sprintf("ceremony %s v%d: %d findings (%s)", r.CeremonyID, r.TranscriptVersion, len(r.Findings), strings.Join(kinds, ", "))
}
