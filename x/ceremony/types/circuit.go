package types

import (
	"fmt"
	"math/bits"
	"regexp"
	"time"
)

var circuitNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// MaxConstraints bounds the domain size to 2^27 so the 2N-1 tau powers fit
// the 2^28 two-adic subgroup of the BN254 scalar field.
const MaxConstraints = 1 << 27

// CircuitSpec describes the circuit a ceremony produces keys for.
type CircuitSpec struct {
	Name        string    `json:"name"`
	Constraints uint64    `json:"constraints"`
	Version     string    `json:"version,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

// Validate checks the circuit descriptor.
func (c CircuitSpec) Validate() error {
	if !circuitNamePattern.MatchString(c.Name) {
		return fmt.Errorf("invalid circuit name %q", c.Name)
	}
	if c.Constraints == 0 {
		return fmt.Errorf("circuit %s has no constraints", c.Name)
	}
	if c.Constraints > MaxConstraints {
		return fmt.Errorf("circuit %s has %d constraints, maximum is %d", c.Name, c.Constraints, MaxConstraints)
	}
	if c.PublishedAt.IsZero() {
		return fmt.Errorf("circuit %s has no publication time", c.Name)
	}
	return nil
}

// DomainSize returns the evaluation domain size for the circuit: the next
// power of two not smaller than the constraint count, at least 2.
func (c CircuitSpec) DomainSize() uint64 {
	return DomainSizeFor(c.Constraints)
}

// DomainSizeFor returns the power-of-two domain size for n constraints.
func DomainSizeFor(n uint64) uint64 {
	if n <= 2 {
		return 2
	}
	return 1 << bits.Len64(n-1)
}
