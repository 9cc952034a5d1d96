package setup

import (
	"context"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/mpcsetup"

	"github.com/Steake/BitCell-sub003/x/ceremony/types"
)

const beaconDST = types.DomainTag + "/beacon"

// Genesis returns the trivial parameters for a domain of size n, where every
// element is the group generator (τ = α = β = 1).
func Genesis(circuit string, n uint64) (*Parameters, error) {
	if n < 2 || n&(n-1) != 0 {
		return nil, fmt.Errorf("%w: domain size %d is not a power of two", types.ErrInvalidParameters, n)
	}
	_, _, g1, g2 := bn254.Generators()

	p := &Parameters{
		Circuit: circuit,
		G1: G1Powers{
			Tau:      make([]bn254.G1Affine, 2*n-1),
			AlphaTau: make([]bn254.G1Affine, n),
			BetaTau:  make([]bn254.G1Affine, n),
		},
		G2: G2Powers{
			Tau:  make([]bn254.G2Affine, n),
			Beta: g2,
		},
	}
	for i := range p.G1.Tau {
		p.G1.Tau[i] = g1
	}
	for i := uint64(0); i < n; i++ {
		p.G1.AlphaTau[i] = g1
		p.G1.BetaTau[i] = g1
		p.G2.Tau[i] = g2
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// BeaconParameters derives the round-0 parameters for a circuit from a
// random beacon. The derivation is public and deterministic so that any
// auditor can recompute it: the genesis parameters are scaled by τ, α and
// β expanded from the genesis hash and the beacon challenge.
func BeaconParameters(ctx context.Context, circuit types.CircuitSpec, beacon types.RandomBeacon) (*Parameters, error) {
	if err := circuit.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrInvalidParameters, err)
	}
	if err := beacon.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrBeaconUnverifiable, err)
	}

	p, err := Genesis(circuit.Name, circuit.DomainSize())
	if err != nil {
		return nil, err
	}
	genesisHash := p.Hash()

	scalars := mpcsetup.BeaconContributions(genesisHash[:], []byte(beaconDST), beacon.Challenge(), 3)
	defer zeroScalars(scalars)

	if err := scaleParameters(ctx, p, &scalars[0], &scalars[1], &scalars[2]); err != nil {
		return nil, fmt.Errorf("failed to apply beacon: %w", err)
	}
	if err := checkNonDegenerate(p); err != nil {
		return nil, err
	}
	return p, nil
}
