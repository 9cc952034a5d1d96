package setup

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/consensys/gnark-crypto/ecc/bn254"

	"github.com/Steake/BitCell-sub003/x/ceremony/types"
)

const (
	paramsMagic         = "BCPT"
	paramsFormatVersion = uint16(1)
	maxCircuitNameLen   = 64
)

// G1Powers holds the G1 part of a phase-1 structured reference string.
type G1Powers struct {
	Tau      []bn254.G1Affine // [τ⁰]₁, [τ¹]₁, ..., [τ²ᴺ⁻²]₁
	AlphaTau []bn254.G1Affine // [ατ⁰]₁, ..., [ατᴺ⁻¹]₁
	BetaTau  []bn254.G1Affine // [βτ⁰]₁, ..., [βτᴺ⁻¹]₁
}

// G2Powers holds the G2 part of a phase-1 structured reference string.
type G2Powers struct {
	Tau  []bn254.G2Affine // [τ⁰]₂, ..., [τᴺ⁻¹]₂
	Beta bn254.G2Affine   // [β]₂
}

// Parameters is the ceremony state after a given round: the powers of tau
// accumulated over every contribution so far, tagged with the circuit they
// serve. A Parameters value is never modified once published; every
// contribution produces a new value.
type Parameters struct {
	Circuit string
	Round   uint64
	G1      G1Powers
	G2      G2Powers
}

type paramsHeader struct {
	Magic      [4]byte
	Version    uint16
	NameLength uint16
	Round      uint64
	DomainSize uint64
}

// DomainSize returns N, the number of G2 powers.
func (p *Parameters) DomainSize() int {
	return len(p.G2.Tau)
}

// Validate checks the structural shape of the parameters. It does not
// check group membership; the decoder and the verifier do that.
func (p *Parameters) Validate() error {
	if p == nil {
		return fmt.Errorf("%w: nil parameters", types.ErrInvalidParameters)
	}
	if p.Circuit == "" || len(p.Circuit) > maxCircuitNameLen {
		return fmt.Errorf("%w: invalid circuit tag %q", types.ErrInvalidParameters, p.Circuit)
	}
	n := len(p.G2.Tau)
	if n < 2 || n&(n-1) != 0 {
		return fmt.Errorf("%w: domain size %d is not a power of two", types.ErrInvalidParameters, n)
	}
	if len(p.G1.Tau) != 2*n-1 {
		return fmt.Errorf("%w: expected %d G1 tau powers, got %d", types.ErrInvalidParameters, 2*n-1, len(p.G1.Tau))
	}
	if len(p.G1.AlphaTau) != n || len(p.G1.BetaTau) != n {
		return fmt.Errorf("%w: expected %d alpha and beta powers, got %d and %d",
			types.ErrInvalidParameters, n, len(p.G1.AlphaTau), len(p.G1.BetaTau))
	}
	return nil
}

// Clone returns a deep copy of p.
func (p *Parameters) Clone() *Parameters {
	return &Parameters{
		Circuit: p.Circuit,
		Round:   p.Round,
		G1: G1Powers{
			Tau:      append([]bn254.G1Affine(nil), p.G1.Tau...),
			AlphaTau: append([]bn254.G1Affine(nil), p.G1.AlphaTau...),
			BetaTau:  append([]bn254.G1Affine(nil), p.G1.BetaTau...),
		},
		G2: G2Powers{
			Tau:  append([]bn254.G2Affine(nil), p.G2.Tau...),
			Beta: p.G2.Beta,
		},
	}
}

// WriteTo implements io.WriterTo. The encoding is canonical: equal
// parameters always serialize to the same bytes.
func (p *Parameters) WriteTo(w io.Writer) (int64, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}

	hdr := paramsHeader{
		Version:    paramsFormatVersion,
		NameLength: uint16(len(p.Circuit)),
		Round:      p.Round,
		DomainSize: uint64(p.DomainSize()),
	}
	copy(hdr.Magic[:], paramsMagic)
	if err := binary.Write(w, binary.BigEndian, &hdr); err != nil {
		return 0, fmt.Errorf("failed to write parameter header: %w", err)
	}
	n := int64(binary.Size(hdr))
	written, err := io.WriteString(w, p.Circuit)
	n += int64(written)
	if err != nil {
		return n, fmt.Errorf("failed to write circuit tag: %w", err)
	}

	enc := bn254.NewEncoder(w)
	toEncode := []interface{}{
		p.G1.Tau,
		p.G1.AlphaTau,
		p.G1.BetaTau,
		p.G2.Tau,
		&p.G2.Beta,
	}
	for _, v := range toEncode {
		if err := enc.Encode(v); err != nil {
			return n + enc.BytesWritten(), fmt.Errorf("failed to encode parameters: %w", err)
		}
	}
	return n + enc.BytesWritten(), nil
}

// ReadFrom implements io.ReaderFrom. Points are subgroup checked while
// decoding.
func (p *Parameters) ReadFrom(r io.Reader) (int64, error) {
	var hdr paramsHeader
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return 0, fmt.Errorf("%w: failed to read header: %v", types.ErrInvalidParameters, err)
	}
	n := int64(binary.Size(hdr))
	if string(hdr.Magic[:]) != paramsMagic {
		return n, fmt.Errorf("%w: not a parameter file", types.ErrInvalidParameters)
	}
	if hdr.Version != paramsFormatVersion {
		return n, fmt.Errorf("%w: unsupported format version %d", types.ErrInvalidParameters, hdr.Version)
	}
	if hdr.NameLength == 0 || hdr.NameLength > maxCircuitNameLen {
		return n, fmt.Errorf("%w: invalid circuit tag length %d", types.ErrInvalidParameters, hdr.NameLength)
	}
	if hdr.DomainSize < 2 || hdr.DomainSize > types.DomainSizeFor(types.MaxConstraints) {
		return n, fmt.Errorf("%w: invalid domain size %d", types.ErrInvalidParameters, hdr.DomainSize)
	}
	name := make([]byte, hdr.NameLength)
	read, err := io.ReadFull(r, name)
	n += int64(read)
	if err != nil {
		return n, fmt.Errorf("%w: failed to read circuit tag: %v", types.ErrInvalidParameters, err)
	}

	var decoded Parameters
	decoded.Circuit = string(name)
	decoded.Round = hdr.Round

	dec := bn254.NewDecoder(r)
	toDecode := []interface{}{
		&decoded.G1.Tau,
		&decoded.G1.AlphaTau,
		&decoded.G1.BetaTau,
		&decoded.G2.Tau,
		&decoded.G2.Beta,
	}
	for _, v := range toDecode {
		if err := dec.Decode(v); err != nil {
			return n + dec.BytesRead(), fmt.Errorf("%w: failed to decode points: %v", types.ErrInvalidParameters, err)
		}
	}
	n += dec.BytesRead()

	if uint64(decoded.DomainSize()) != hdr.DomainSize {
		return n, fmt.Errorf("%w: header declares domain size %d, body has %d",
			types.ErrInvalidParameters, hdr.DomainSize, decoded.DomainSize())
	}
	if err := decoded.Validate(); err != nil {
		return n, err
	}

	*p = decoded
	return n, nil
}

// Hash returns the SHA-256 content address of the canonical encoding.
func (p *Parameters) Hash() types.Hash {
	h := sha256.New()
	bw := bufio.NewWriterSize(h, 1<<16)
	if _, err := p.WriteTo(bw); err != nil {
		// Invalid parameters have no content address; the zero hash never
		// matches a recorded one.
		return types.Hash{}
	}
	if err := bw.Flush(); err != nil {
		return types.Hash{}
	}
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Size returns the encoded size in bytes.
func (p *Parameters) Size() (int64, error) {
	return p.WriteTo(io.Discard)
}

// UnmarshalParameters decodes parameters from r and rejects trailing data.
func UnmarshalParameters(r io.Reader) (*Parameters, error) {
	br := bufio.NewReaderSize(r, 1<<16)
	var p Parameters
	if _, err := p.ReadFrom(br); err != nil {
		return nil, err
	}
	if _, err := br.ReadByte(); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: trailing data after parameters", types.ErrInvalidParameters)
	}
	return &p, nil
}
