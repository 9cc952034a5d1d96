package setup

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/consensys/gnark-crypto/ecc/bn254/mpcsetup"

	"github.com/Steake/BitCell-sub003/x/ceremony/types"
)

// Domain separation bytes of the three update proofs.
const (
	dstTau   byte = 1
	dstAlpha byte = 2
	dstBeta  byte = 3
)

// Proof shows that a contribution scaled the previous parameters by secrets
// known to the contributor. It holds one proof of knowledge per secret,
// each bound to the hash of the input parameters.
type Proof struct {
	Challenge types.Hash
	Tau       mpcsetup.UpdateProof
	Alpha     mpcsetup.UpdateProof
	Beta      mpcsetup.UpdateProof
}

// Data serializes the proof into the record format.
func (p *Proof) Data() (types.ProofData, error) {
	var buf bytes.Buffer
	for _, u := range []*mpcsetup.UpdateProof{&p.Tau, &p.Alpha, &p.Beta} {
		if _, err := u.WriteTo(&buf); err != nil {
			return types.ProofData{}, fmt.Errorf("failed to encode update proof: %w", err)
		}
	}
	return types.ProofData{
		Challenge: p.Challenge.String(),
		Response:  hex.EncodeToString(buf.Bytes()),
	}, nil
}

// ParseProof decodes proof data from a contribution record.
func ParseProof(d types.ProofData) (*Proof, error) {
	challenge, err := types.ParseHash(d.Challenge)
	if err != nil {
		return nil, fmt.Errorf("%w: challenge: %v", types.ErrInvalidProof, err)
	}
	response, err := d.ResponseBytes()
	if err != nil {
		return nil, fmt.Errorf("%w: response: %v", types.ErrInvalidProof, err)
	}

	p := &Proof{Challenge: challenge}
	r := bytes.NewReader(response)
	for _, u := range []*mpcsetup.UpdateProof{&p.Tau, &p.Alpha, &p.Beta} {
		if _, err := u.ReadFrom(r); err != nil {
			return nil, fmt.Errorf("%w: response: %v", types.ErrInvalidProof, err)
		}
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes in response", types.ErrInvalidProof, r.Len())
	}
	return p, nil
}

// NewRecord builds the public record of a contribution from prev to next.
func NewRecord(prev, next *Parameters, proof *Proof, participant types.Participant, at time.Time) (types.Contribution, error) {
	data, err := proof.Data()
	if err != nil {
		return types.Contribution{}, err
	}
	return types.Contribution{
		Round:       next.Round,
		Participant: participant,
		InputHash:   prev.Hash(),
		OutputHash:  next.Hash(),
		Timestamp:   at.UTC(),
		ProofData:   data,
	}, nil
}
