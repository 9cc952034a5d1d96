package types

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"
)

// Transcript is the public record of a ceremony. A published transcript is
// never edited: later changes produce a new Version whose
// PreviousVersionHash links to the version it supersedes.
type Transcript struct {
	CeremonyID          string           `json:"ceremony_id"`
	Version             uint64           `json:"version"`
	PreviousVersionHash *Hash            `json:"previous_version_hash,omitempty"`
	Circuit             string           `json:"circuit"`
	CircuitConstraints  uint64           `json:"circuit_constraints"`
	CircuitPublishedAt  time.Time        `json:"circuit_published_at"`
	StartTime           time.Time        `json:"start_time"`
	EndTime             *time.Time       `json:"end_time,omitempty"`
	InitialHash         Hash             `json:"initial_params_hash"`
	RandomBeacon        RandomBeacon     `json:"random_beacon"`
	Contributions       []Contribution   `json:"contributions"`
	Skips               []Skip           `json:"skips,omitempty"`
	Statistics          Statistics       `json:"statistics"`
	FinalKeys           *FinalKeys       `json:"final_keys,omitempty"`
	Verification        Verification     `json:"verification"`
	Attestations        []AttestationRef `json:"attestations,omitempty"`
}

// Skip records an operator skip or reassignment of a round.
type Skip struct {
	Round      uint64    `json:"round"`
	Previous   string    `json:"previous_assignee,omitempty"`
	Reassigned string    `json:"reassigned_to,omitempty"`
	Reason     string    `json:"reason"`
	Timestamp  time.Time `json:"timestamp"`
}

// Statistics are derived from the contributions and never authoritative.
type Statistics struct {
	TotalParticipants     int            `json:"total_participants"`
	AcceptedContributions int            `json:"accepted_contributions"`
	RejectedContributions int            `json:"rejected_contributions"`
	SkippedRounds         int            `json:"skipped_rounds"`
	DurationSeconds       int64          `json:"duration_seconds"`
	Countries             int            `json:"countries"`
	CountryDistribution   map[string]int `json:"country_distribution,omitempty"`
}

// KeyFile describes one derived key artifact.
type KeyFile struct {
	File      string `json:"file"`
	SHA256    Hash   `json:"sha256"`
	SizeBytes int64  `json:"size_bytes"`
}

// FinalKeys holds the hashes of the final key pair and the parameters
// they were derived from.
type FinalKeys struct {
	ProvingKey      KeyFile `json:"proving_key"`
	VerificationKey KeyFile `json:"verification_key"`
	ParamsHash      Hash    `json:"params_hash"`
}

// Verification summarises the coordinator's own checks and lists auditors
// that independently re-verified the transcript.
type Verification struct {
	AllContributionsVerified bool     `json:"all_contributions_verified"`
	KeyDerivationVerified    bool     `json:"key_derivation_verified"`
	IndependentAuditors      []string `json:"independent_auditors"`
}

// AttestationRef cross-references a participant attestation. It is a weak
// reference and plays no part in cryptographic verification.
type AttestationRef struct {
	Round       uint64 `json:"round"`
	Participant string `json:"participant"`
	File        string `json:"file,omitempty"`
	SHA256      Hash   `json:"sha256"`
	Signed      bool   `json:"signed"`
}

// Accepted returns the verified contributions in chain order.
func (t *Transcript) Accepted() []Contribution {
	out := make([]Contribution, 0, len(t.Contributions))
	for _, c := range t.Contributions {
		if c.Verified {
			out = append(out, c)
		}
	}
	return out
}

// HeadHash returns the hash of the last accepted parameters.
func (t *Transcript) HeadHash() Hash {
	head := t.InitialHash
	for _, c := range t.Contributions {
		if c.Verified {
			head = c.OutputHash
		}
	}
	return head
}

// Sealed reports whether final keys were recorded.
func (t *Transcript) Sealed() bool {
	return t.FinalKeys != nil
}

// Clone returns a deep copy.
func (t *Transcript) Clone() *Transcript {
	out := *t
	if t.PreviousVersionHash != nil {
		h := *t.PreviousVersionHash
		out.PreviousVersionHash = &h
	}
	if t.EndTime != nil {
		end := *t.EndTime
		out.EndTime = &end
	}
	if t.FinalKeys != nil {
		keys := *t.FinalKeys
		out.FinalKeys = &keys
	}
	out.Contributions = slices.Clone(t.Contributions)
	out.Skips = slices.Clone(t.Skips)
	out.Attestations = slices.Clone(t.Attestations)
	out.Statistics.CountryDistribution = maps.Clone(t.Statistics.CountryDistribution)
	out.Verification.IndependentAuditors = slices.Clone(t.Verification.IndependentAuditors)
	return &out
}

// Marshal returns the canonical JSON encoding used for publication.
func (t *Transcript) Marshal() ([]byte, error) {
	return json.MarshalIndent(t, "", "  ")
}

// UnmarshalTranscript parses a transcript file.
func UnmarshalTranscript(bz []byte) (*Transcript, error) {
	var t Transcript
	if err := json.Unmarshal(bz, &t); err != nil {
		return nil, fmt.Errorf("failed to decode transcript: %w", err)
	}
	if t.CeremonyID == "" {
		return nil, fmt.Errorf("transcript has no ceremony id")
	}
	return &t, nil
}
