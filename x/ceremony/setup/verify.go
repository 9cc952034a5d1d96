package setup

import (
	"fmt"
	"runtime"

	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/mpcsetup"
	"golang.org/x/sync/errgroup"

	"github.com/Steake/BitCell-sub003/x/ceremony/types"
)

// VerifyContribution reports whether record describes a valid update from
// prev to next. It never panics; every failure yields false.
func VerifyContribution(prev, next *Parameters, record types.Contribution) bool {
	return CheckContribution(prev, next, record) == nil
}

// CheckContribution is VerifyContribution with the cause of rejection.
// Hash linkage failures wrap ErrChainMismatch, round numbering failures
// wrap ErrOutOfOrderRound and every other failure wraps ErrInvalidProof.
func CheckContribution(prev, next *Parameters, record types.Contribution) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: verification aborted: %v", types.ErrInvalidProof, r)
		}
	}()

	if prev == nil || next == nil {
		return fmt.Errorf("%w: missing parameters", types.ErrInvalidProof)
	}
	if err := prev.Validate(); err != nil {
		return fmt.Errorf("%w: previous parameters: %v", types.ErrInvalidProof, err)
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("%w: new parameters: %v", types.ErrInvalidProof, err)
	}

	prevHash := prev.Hash()
	if prevHash != record.InputHash {
		return fmt.Errorf("%w: input_hash %s does not match previous parameters %s",
			types.ErrChainMismatch, record.InputHash, prevHash)
	}
	if nextHash := next.Hash(); nextHash != record.OutputHash {
		return fmt.Errorf("%w: output_hash %s does not match new parameters %s",
			types.ErrChainMismatch, record.OutputHash, nextHash)
	}
	if next.Round != prev.Round+1 || record.Round != next.Round {
		return fmt.Errorf("%w: record round %d, parameters advance %d -> %d",
			types.ErrOutOfOrderRound, record.Round, prev.Round, next.Round)
	}

	if next.Circuit != prev.Circuit {
		return fmt.Errorf("%w: circuit changed from %s to %s", types.ErrInvalidProof, prev.Circuit, next.Circuit)
	}
	if next.DomainSize() != prev.DomainSize() {
		return fmt.Errorf("%w: domain size changed from %d to %d", types.ErrInvalidProof, prev.DomainSize(), next.DomainSize())
	}

	proof, err := ParseProof(record.ProofData)
	if err != nil {
		return err
	}
	if proof.Challenge != prevHash {
		return fmt.Errorf("%w: proof is bound to %s, not to the previous parameters", types.ErrInvalidProof, proof.Challenge)
	}

	if err := checkPoints(next); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidProof, err)
	}

	challenge := prevHash[:]
	if err := proof.Tau.Verify(challenge, dstTau,
		mpcsetup.ValueUpdate{Previous: prev.G1.Tau[1], Next: next.G1.Tau[1]},
		mpcsetup.ValueUpdate{Previous: prev.G2.Tau[1], Next: next.G2.Tau[1]},
	); err != nil {
		return fmt.Errorf("%w: tau update: %v", types.ErrInvalidProof, err)
	}
	if err := proof.Alpha.Verify(challenge, dstAlpha,
		mpcsetup.ValueUpdate{Previous: prev.G1.AlphaTau[0], Next: next.G1.AlphaTau[0]},
	); err != nil {
		return fmt.Errorf("%w: alpha update: %v", types.ErrInvalidProof, err)
	}
	if err := proof.Beta.Verify(challenge, dstBeta,
		mpcsetup.ValueUpdate{Previous: prev.G1.BetaTau[0], Next: next.G1.BetaTau[0]},
		mpcsetup.ValueUpdate{Previous: prev.G2.Beta, Next: next.G2.Beta},
	); err != nil {
		return fmt.Errorf("%w: beta update: %v", types.ErrInvalidProof, err)
	}

	// Every vector must be a geometric sequence with ratio τ.
	if err := mpcsetup.SameRatioMany(next.G1.Tau, next.G1.AlphaTau, next.G1.BetaTau, next.G2.Tau); err != nil {
		return fmt.Errorf("%w: powers are not consistent: %v", types.ErrInvalidProof, err)
	}
	return nil
}

// checkPoints verifies generators at index 0, and that no element is the
// identity or outside the prime-order subgroup.
func checkPoints(p *Parameters) error {
	_, _, g1, g2 := bn254.Generators()
	if !p.G1.Tau[0].Equal(&g1) {
		return fmt.Errorf("[τ⁰]₁ is not the generator")
	}
	if !p.G2.Tau[0].Equal(&g2) {
		return fmt.Errorf("[τ⁰]₂ is not the generator")
	}

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	checkG1 := func(name string, points []bn254.G1Affine) {
		size := chunkSize(len(points))
		for start := 0; start < len(points); start += size {
			end := min(start+size, len(points))
			g.Go(func() error {
				for i := start; i < end; i++ {
					if points[i].IsInfinity() || !points[i].IsInSubGroup() {
						return fmt.Errorf("%s[%d] is not a valid G1 element", name, i)
					}
				}
				return nil
			})
		}
	}
	checkG1("G1.Tau", p.G1.Tau)
	checkG1("G1.AlphaTau", p.G1.AlphaTau)
	checkG1("G1.BetaTau", p.G1.BetaTau)
	g.Go(func() error {
		for i := range p.G2.Tau {
			if p.G2.Tau[i].IsInfinity() || !p.G2.Tau[i].IsInSubGroup() {
				return fmt.Errorf("G2.Tau[%d] is not a valid G2 element", i)
			}
		}
		if p.G2.Beta.IsInfinity() || !p.G2.Beta.IsInSubGroup() {
			return fmt.Errorf("G2.Beta is not a valid G2 element")
		}
		return nil
	})
	return g.Wait()
}

// VerifyBeaconParameters recomputes the round-0 parameters and compares
// their hash with the recorded one.
func VerifyBeaconParameters(initial types.Hash, computed *Parameters) error {
	if got := computed.Hash(); got != initial {
		return fmt.Errorf("%w: round 0 parameters hash %s, recomputed %s", types.ErrBeaconUnverifiable, initial, got)
	}
	return nil
}
