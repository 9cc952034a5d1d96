package types

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Field limits of a contribution record.
const (
	MaxNameLength        = 128
	MaxContactLength     = 256
	MaxFingerprintLength = 128
	MaxRejectionLength   = 512

	// ProofResponseSize is the encoded size of the three update proofs, each
	// a compressed G1 commitment (32 bytes) and G2 proof of knowledge
	// (64 bytes).
	ProofResponseSize = 3 * (32 + 64)
)

// Participant describes a contributor. The fingerprint is a weak reference
// to an identity key held by the participant.
type Participant struct {
	Name        string `json:"name"`
	Contact     string `json:"contact,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Country     string `json:"country,omitempty"`
	IPAddress   string `json:"ip_address,omitempty"`
}

// Validate checks the participant descriptor.
func (p Participant) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("participant name is empty")
	}
	if len(p.Name) > MaxNameLength {
		return fmt.Errorf("participant name longer than %d bytes", MaxNameLength)
	}
	if len(p.Contact) > MaxContactLength {
		return fmt.Errorf("participant contact longer than %d bytes", MaxContactLength)
	}
	if len(p.Fingerprint) > MaxFingerprintLength {
		return fmt.Errorf("participant fingerprint longer than %d bytes", MaxFingerprintLength)
	}
	if p.Country != "" && len(p.Country) != 2 {
		return fmt.Errorf("country must be an ISO 3166-1 alpha-2 code, got %q", truncate(p.Country, 8))
	}
	return nil
}

// ProofData is the serialized update proof. Challenge is the hash of the
// input parameters the proof is bound to; Response carries the
// proofs of knowledge for tau, alpha and beta.
type ProofData struct {
	Challenge string `json:"challenge"`
	Response  string `json:"response"`
}

// ChallengeBytes decodes the hex challenge.
func (p ProofData) ChallengeBytes() ([]byte, error) {
	return hex.DecodeString(p.Challenge)
}

// ResponseBytes decodes the hex response.
func (p ProofData) ResponseBytes() ([]byte, error) {
	return hex.DecodeString(p.Response)
}

// Contribution is the public record of one round.
type Contribution struct {
	Round       uint64      `json:"round"`
	Participant Participant `json:"participant"`
	InputHash   Hash        `json:"input_hash"`
	OutputHash  Hash        `json:"output_hash"`
	Timestamp   time.Time   `json:"timestamp"`
	ProofData   ProofData   `json:"proof_data"`
	Verified    bool        `json:"verified"`
	Rejection   string      `json:"rejection,omitempty"`
}

// ValidateBasic performs stateless checks of a submitted record.
func (c Contribution) ValidateBasic() error {
	if c.Round == 0 {
		return fmt.Errorf("round numbers start at 1")
	}
	if err := c.Participant.Validate(); err != nil {
		return err
	}
	if c.InputHash.IsZero() || c.OutputHash.IsZero() {
		return fmt.Errorf("input and output hashes are required")
	}
	if c.InputHash == c.OutputHash {
		return fmt.Errorf("output hash equals input hash")
	}
	if len(c.ProofData.Challenge) != 2*HashSize {
		return fmt.Errorf("proof challenge must be %d hex characters", 2*HashSize)
	}
	if _, err := c.ProofData.ChallengeBytes(); err != nil {
		return fmt.Errorf("invalid proof challenge: %w", err)
	}
	if len(c.ProofData.Response) != 2*ProofResponseSize {
		return fmt.Errorf("proof response must be %d hex characters, got %d", 2*ProofResponseSize, len(c.ProofData.Response))
	}
	if _, err := c.ProofData.ResponseBytes(); err != nil {
		return fmt.Errorf("invalid proof response: %w", err)
	}
	return nil
}

// Bounded returns a copy with every free-form field cut to its limit, so a
// rejected record of any size is stored at a fixed maximum size.
func (c Contribution) Bounded() Contribution {
	c.Participant.Name = truncate(c.Participant.Name, MaxNameLength)
	c.Participant.Contact = truncate(c.Participant.Contact, MaxContactLength)
	c.Participant.Fingerprint = truncate(c.Participant.Fingerprint, MaxFingerprintLength)
	if len(c.Participant.Country) > 2 {
		c.Participant.Country = ""
	}
	c.ProofData.Challenge = truncate(c.ProofData.Challenge, 2*HashSize)
	c.ProofData.Response = truncate(c.ProofData.Response, 2*ProofResponseSize)
	c.Rejection = truncate(c.Rejection, MaxRejectionLength)
	return c
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
