// Package beacon verifies random beacons against an external source of
// block hashes.
package beacon

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Steake/BitCell-sub003/x/ceremony/types"
)

// Block is the public value a beacon refers to.
type Block struct {
	Number    uint64
	Hash      types.Hash
	Timestamp time.Time
}

// Source looks up blocks of one chain.
type Source interface {
	Name() string
	BlockByNumber(ctx context.Context, number uint64) (Block, error)
}

// Verifier checks beacons against the sources it knows, selected by the
// beacon's source name.
type Verifier struct {
	sources map[string]Source
}

// NewVerifier returns a verifier over the given sources.
func NewVerifier(sources ...Source) *Verifier {
	v := &Verifier{sources: make(map[string]Source, len(sources))}
	for _, s := range sources {
		v.sources[strings.ToLower(s.Name())] = s
	}
	return v
}

// Sources lists the configured source names.
func (v *Verifier) Sources() []string {
	if v == nil {
		return nil
	}
	names := make([]string, 0, len(v.sources))
	for name := range v.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Verify re-derives the referenced block and checks it matches the beacon.
// Every failure wraps ErrBeaconUnverifiable.
func (v *Verifier) Verify(ctx context.Context, b types.RandomBeacon) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrBeaconUnverifiable, err)
	}
	if v == nil {
		return fmt.Errorf("%w: no beacon lookup configured", types.ErrBeaconUnverifiable)
	}
	src, ok := v.sources[strings.ToLower(b.Source)]
	if !ok {
		return fmt.Errorf("%w: no lookup for source %q", types.ErrBeaconUnverifiable, b.Source)
	}

	blk, err := src.BlockByNumber(ctx, b.BlockNumber)
	if err != nil {
		return fmt.Errorf("%w: lookup of block %d on %s failed: %v", types.ErrBeaconUnverifiable, b.BlockNumber, b.Source, err)
	}
	want, _ := types.ParseHash(b.BlockHash)
	if blk.Hash != want {
		return fmt.Errorf("%w: block %d on %s has hash %s, beacon records %s",
			types.ErrBeaconUnverifiable, b.BlockNumber, b.Source, blk.Hash, want)
	}
	if !blk.Timestamp.IsZero() && !blk.Timestamp.Equal(b.Timestamp) {
		return fmt.Errorf("%w: block %d was produced at %s, beacon records %s",
			types.ErrBeaconUnverifiable, b.BlockNumber, blk.Timestamp.UTC().Format(time.RFC3339), b.Timestamp.UTC().Format(time.RFC3339))
	}
	return nil
}

// CheckNotPremature enforces that the beacon became public strictly after
// the circuit was published.
func CheckNotPremature(circuit types.CircuitSpec, b types.RandomBeacon) error {
	if !b.Timestamp.After(circuit.PublishedAt) {
		return fmt.Errorf("%w: beacon at %s, circuit %s published at %s", types.ErrBeaconPremature,
			b.Timestamp.UTC().Format(time.RFC3339), circuit.Name, circuit.PublishedAt.UTC().Format(time.RFC3339))
	}
	return nil
}
