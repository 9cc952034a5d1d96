package setup

import (
	"context"
	"math/big"
	"runtime"

	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"golang.org/x/sync/errgroup"
)

// minChunk keeps tiny domains from spawning a goroutine per point.
const minChunk = 64

// powers returns [1, x, x², ..., xⁿ⁻¹].
func powers(x *fr.Element, n int) []fr.Element {
	out := make([]fr.Element, n)
	if n == 0 {
		return out
	}
	out[0].SetOne()
	for i := 1; i < n; i++ {
		out[i].Mul(&out[i-1], x)
	}
	return out
}

func zeroScalars(s []fr.Element) {
	for i := range s {
		s[i].SetZero()
	}
}

// scaleParameters multiplies every element of p in place:
//
//	G1.Tau[i]      *= τⁱ
//	G1.AlphaTau[i] *= α·τⁱ
//	G1.BetaTau[i]  *= β·τⁱ
//	G2.Tau[i]      *= τⁱ
//	G2.Beta        *= β
func scaleParameters(ctx context.Context, p *Parameters, tau, alpha, beta *fr.Element) error {
	tauPowers := powers(tau, len(p.G1.Tau))
	defer zeroScalars(tauPowers)

	n := p.DomainSize()
	alphaTau := make([]fr.Element, n)
	betaTau := make([]fr.Element, n)
	defer zeroScalars(alphaTau)
	defer zeroScalars(betaTau)
	for i := 0; i < n; i++ {
		alphaTau[i].Mul(&tauPowers[i], alpha)
		betaTau[i].Mul(&tauPowers[i], beta)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	scheduleG1(ctx, g, p.G1.Tau, tauPowers)
	scheduleG1(ctx, g, p.G1.AlphaTau, alphaTau)
	scheduleG1(ctx, g, p.G1.BetaTau, betaTau)
	scheduleG2(ctx, g, p.G2.Tau, tauPowers[:n])
	g.Go(func() error {
		var b big.Int
		beta.BigInt(&b)
		p.G2.Beta.ScalarMultiplication(&p.G2.Beta, &b)
		return nil
	})

	return g.Wait()
}

func chunkSize(n int) int {
	size := n/runtime.GOMAXPROCS(0) + 1
	if size < minChunk {
		size = minChunk
	}
	return size
}

func scheduleG1(ctx context.Context, g *errgroup.Group, points []bn254.G1Affine, scalars []fr.Element) {
	size := chunkSize(len(points))
	for start := 0; start < len(points); start += size {
		end := min(start+size, len(points))
		g.Go(func() error {
			var b big.Int
			for i := start; i < end; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				scalars[i].BigInt(&b)
				points[i].ScalarMultiplication(&points[i], &b)
			}
			b.SetUint64(0)
			return nil
		})
	}
}

func scheduleG2(ctx context.Context, g *errgroup.Group, points []bn254.G2Affine, scalars []fr.Element) {
	size := chunkSize(len(points))
	for start := 0; start < len(points); start += size {
		end := min(start+size, len(points))
		g.Go(func() error {
			var b big.Int
			for i := start; i < end; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				scalars[i].BigInt(&b)
				points[i].ScalarMultiplication(&points[i], &b)
			}
			b.SetUint64(0)
			return nil
		})
	}
}
