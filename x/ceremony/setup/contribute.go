package setup

import (
	"context"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/mpcsetup"

	"github.com/Steake/BitCell-sub003/x/ceremony/types"
)

// Contribute applies secret to prev and returns the next parameters with a
// proof of correct update. The secret is consumed whether or not the
// update succeeds; a failed update must be retried with fresh entropy.
func Contribute(ctx context.Context, prev *Parameters, secret *Secret) (*Parameters, *Proof, error) {
	tau, alpha, beta, err := secret.take()
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		tau.SetZero()
		alpha.SetZero()
		beta.SetZero()
	}()

	if err := prev.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", types.ErrUpdateComputation, err)
	}
	if tau.IsZero() || alpha.IsZero() || beta.IsZero() {
		return nil, nil, fmt.Errorf("%w: zero secret scalar", types.ErrUpdateComputation)
	}

	challenge := prev.Hash()
	next := prev.Clone()
	next.Round = prev.Round + 1

	if err := scaleParameters(ctx, next, &tau, &alpha, &beta); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", types.ErrUpdateComputation, err)
	}
	if err := checkNonDegenerate(next); err != nil {
		return nil, nil, err
	}

	// UpdateValues only reads the scalars here; the representations were
	// scaled above.
	proof := &Proof{
		Challenge: challenge,
		Tau:       mpcsetup.UpdateValues(&tau, challenge[:], dstTau),
		Alpha:     mpcsetup.UpdateValues(&alpha, challenge[:], dstAlpha),
		Beta:      mpcsetup.UpdateValues(&beta, challenge[:], dstBeta),
	}
	return next, proof, nil
}

// checkNonDegenerate rejects parameters containing the point at infinity.
func checkNonDegenerate(p *Parameters) error {
	for i := range p.G1.Tau {
		if p.G1.Tau[i].IsInfinity() {
			return fmt.Errorf("%w: [τ^%d]₁ is the identity", types.ErrUpdateComputation, i)
		}
	}
	for i := range p.G1.AlphaTau {
		if p.G1.AlphaTau[i].IsInfinity() || p.G1.BetaTau[i].IsInfinity() {
			return fmt.Errorf("%w: alpha or beta power %d is the identity", types.ErrUpdateComputation, i)
		}
	}
	for i := range p.G2.Tau {
		if p.G2.Tau[i].IsInfinity() {
			return fmt.Errorf("%w: [τ^%d]₂ is the identity", types.ErrUpdateComputation, i)
		}
	}
	if p.G2.Beta.IsInfinity() {
		return fmt.Errorf("%w: [β]₂ is the identity", types.ErrUpdateComputation)
	}
	return nil
}
