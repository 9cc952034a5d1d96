package transcript

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cloudflare/circl/sign/ed448"

	"github.com/Steake/BitCell-sub003/x/ceremony/types"
)

const (
	attestationTitle = "BitCell Trusted Setup Ceremony Attestation"
	// signatureContext separates attestation signatures from any other use
	// of the participant's key.
	signatureContext = "bitcell-ceremony/v1/attestation"
)

// Attestation is a participant's statement that they contributed to a round
// and destroyed their secret. It is informational only.
type Attestation struct {
	CeremonyID  string
	Round       uint64
	Participant string
	InputHash   types.Hash
	OutputHash  types.Hash
	Date        time.Time
	Statement   string
}

// NewAttestation prepares the standard statement for a contribution.
func NewAttestation(ceremonyID string, c types.Contribution) Attestation {
	return Attestation{
		CeremonyID:  ceremonyID,
		Round:       c.Round,
		Participant: c.Participant.Name,
		InputHash:   c.InputHash,
		OutputHash:  c.OutputHash,
		Date:        c.Timestamp.UTC(),
		Statement: fmt.Sprintf(
			"I, %s, contributed round %d of ceremony %s. I generated my secret from "+
				"independent entropy sources, applied it once, and destroyed it after "+
				"the contribution was computed. No copy of the secret was kept.",
			c.Participant.Name, c.Round, ceremonyID),
	}
}

// Render returns the canonical text form that gets signed.
func (a Attestation) Render() []byte {
	var buf bytes.Buffer
	fmt.Fprintln(&buf, attestationTitle)
	fmt.Fprintln(&buf)
	fmt.Fprintf(&buf, "Ceremony: %s\n", a.CeremonyID)
	fmt.Fprintf(&buf, "Round: %d\n", a.Round)
	fmt.Fprintf(&buf, "Participant: %s\n", a.Participant)
	fmt.Fprintf(&buf, "Input hash: %s\n", a.InputHash)
	fmt.Fprintf(&buf, "Output hash: %s\n", a.OutputHash)
	fmt.Fprintf(&buf, "Date: %s\n", a.Date.UTC().Format(time.RFC3339))
	fmt.Fprintln(&buf)
	fmt.Fprintln(&buf, "Statement:")
	fmt.Fprintln(&buf, strings.TrimSpace(a.Statement))
	return buf.Bytes()
}

// ParseAttestation reads the text form produced by Render.
func ParseAttestation(data []byte) (*Attestation, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	if !sc.Scan() || strings.TrimSpace(sc.Text()) != attestationTitle {
		return nil, fmt.Errorf("not a ceremony attestation")
	}

	var a Attestation
	fields := map[string]bool{}
	var statement []string
	inStatement := false
	for sc.Scan() {
		line := sc.Text()
		if inStatement {
			statement = append(statement, line)
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		if line == "Statement:" {
			inStatement = true
			continue
		}
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, fmt.Errorf("malformed attestation line %q", line)
		}
		var err error
		switch key {
		case "Ceremony":
			a.CeremonyID = value
		case "Round":
			a.Round, err = strconv.ParseUint(value, 10, 64)
		case "Participant":
			a.Participant = value
		case "Input hash":
			a.InputHash, err = types.ParseHash(value)
		case "Output hash":
			a.OutputHash, err = types.ParseHash(value)
		case "Date":
			a.Date, err = time.Parse(time.RFC3339, value)
		default:
			return nil, fmt.Errorf("unknown attestation field %q", key)
		}
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", strings.ToLower(key), err)
		}
		fields[key] = true
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	for _, k := range []string{"Ceremony", "Round", "Participant", "Input hash", "Output hash", "Date"} {
		if !fields[k] {
			return nil, fmt.Errorf("attestation is missing %q", k)
		}
	}
	a.Statement = strings.TrimSpace(strings.Join(statement, "\n"))
	if a.Statement == "" {
		return nil, fmt.Errorf("attestation has no statement")
	}
	return &a, nil
}

// Matches checks the attestation describes c.
func (a Attestation) Matches(ceremonyID string, c types.Contribution) error {
	switch {
	case a.CeremonyID != ceremonyID:
		return fmt.Errorf("attestation is for ceremony %s", a.CeremonyID)
	case a.Round != c.Round:
		return fmt.Errorf("attestation is for round %d, contribution is round %d", a.Round, c.Round)
	case a.Participant != c.Participant.Name:
		return fmt.Errorf("attestation names %q, contribution is by %q", a.Participant, c.Participant.Name)
	case a.InputHash != c.InputHash || a.OutputHash != c.OutputHash:
		return fmt.Errorf("attestation hashes do not match round %d", c.Round)
	}
	return nil
}

// GenerateSigningKey creates an ed448 key pair for signing attestations.
func GenerateSigningKey(r io.Reader) (ed448.PublicKey, ed448.PrivateKey, error) {
	if r == nil {
		r = rand.Reader
	}
	return ed448.GenerateKey(r)
}

// Sign signs the rendered document.
func Sign(priv ed448.PrivateKey, doc []byte) []byte {
	return ed448.Sign(priv, doc, signatureContext)
}

// VerifySignature checks sig over doc.
func VerifySignature(pub ed448.PublicKey, doc, sig []byte) error {
	if len(pub) != ed448.PublicKeySize {
		return fmt.Errorf("%w: public key must be %d bytes", types.ErrInvalidSignature, ed448.PublicKeySize)
	}
	if len(sig) != ed448.SignatureSize || !ed448.Verify(pub, doc, sig, signatureContext) {
		return types.ErrInvalidSignature
	}
	return nil
}

// Fingerprint identifies a public key in participant records.
func Fingerprint(pub ed448.PublicKey) string {
	return types.HashBytes(pub).String()[:40]
}

// ParsePublicKey decodes a hex public key.
func ParsePublicKey(s string) (ed448.PublicKey, error) {
	bz, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid public key encoding: %w", err)
	}
	if len(bz) != ed448.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed448.PublicKeySize, len(bz))
	}
	return ed448.PublicKey(bz), nil
}

// ParsePrivateKey decodes a hex private key or seed.
func ParsePrivateKey(s string) (ed448.PrivateKey, error) {
	bz, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid private key encoding: %w", err)
	}
	switch len(bz) {
	case ed448.SeedSize:
		return ed448.NewKeyFromSeed(bz), nil
	case ed448.PrivateKeySize:
		return ed448.PrivateKey(bz), nil
	default:
		return nil, fmt.Errorf("private key must be %d or %d bytes, got %d", ed448.SeedSize, ed448.PrivateKeySize, len(bz))
	}
}

// Reference builds the transcript entry for an attestation document.
func Reference(a Attestation, file string, doc []byte, signed bool) types.AttestationRef {
	return types.AttestationRef{
		Round:       a.Round,
		Participant: a.Participant,
		File:        file,
		SHA256:      types.HashBytes(doc),
		Signed:      signed,
	}
}

// Index looks up attestation references by round.
type Index struct {
	byRound map[uint64][]types.AttestationRef
}

// NewIndex indexes a transcript's attestation references.
func NewIndex(t *types.Transcript) *Index {
	idx := &Index{byRound: make(map[uint64][]types.AttestationRef)}
	for _, ref := range t.Attestations {
		idx.byRound[ref.Round] = append(idx.byRound[ref.Round], ref)
	}
	return idx
}

// Lookup returns the attestation of participant for round, if any.
func (idx *Index) Lookup(round uint64, participant string) (types.AttestationRef, bool) {
	for _, ref := range idx.byRound[round] {
		if ref.Participant == participant {
			return ref, true
		}
	}
	return types.AttestationRef{}, false
}

// Unattested lists accepted rounds that have no attestation. Missing
// attestations do not affect verification.
func (idx *Index) Unattested(t *types.Transcript) []uint64 {
	var out []uint64
	for _, c := range t.Accepted() {
		if _, ok := idx.Lookup(c.Round, c.Participant.Name); !ok {
			out = append(out, c.Round)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
