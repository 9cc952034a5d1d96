package setup

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash"
	"io"
	"sync"
	"time"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/hkdf"

	"github.com/Steake/BitCell-sub003/x/ceremony/types"
)

// Well-known entropy source labels. Callers may use any other label.
const (
	SourcePhysical       = "physical"
	SourceKeyboardTiming = "keyboard-timing"
	SourceOSRandom       = "os-random"
	SourceHardwareTiming = "hardware-timing"
)

// EntropySample is one labelled input to the mixer. Its quality is unknown.
type EntropySample struct {
	Source string
	Data   []byte
}

// Mixer combines independent entropy samples into the secret scalars of one
// contribution. Extraction is HKDF over BLAKE2b-512 followed by the
// hash-to-field expansion of RFC 9380, both domain separated by ceremony
// and round. The output is uniform as long as one sample carries enough
// min-entropy, whatever the other samples contain.
type Mixer struct {
	// MinSources is the minimum number of distinct non-empty sources.
	MinSources int
	// RequiredSources must each be present with a non-empty sample.
	RequiredSources []string
}

// DefaultMixer requires the OS random source plus at least one other.
func DefaultMixer() Mixer {
	return Mixer{
		MinSources:      2,
		RequiredSources: []string{SourceOSRandom},
	}
}

// MixDomain returns the domain-separation tag for one contribution.
func MixDomain(ceremonyID string, round uint64) string {
	return fmt.Sprintf("%s|%s|%d", types.DomainTag, ceremonyID, round)
}

// Mix derives the contribution secret for (ceremonyID, round). It fails
// with ErrEntropyInsufficient rather than proceed on weaker input.
func (m Mixer) Mix(ceremonyID string, round uint64, samples []EntropySample) (*Secret, error) {
	distinct := make(map[string]bool)
	for _, s := range samples {
		if s.Source == "" {
			return nil, fmt.Errorf("%w: sample without source label", types.ErrEntropyInsufficient)
		}
		if len(s.Data) > 0 {
			distinct[s.Source] = true
		}
	}
	for _, required := range m.RequiredSources {
		if !distinct[required] {
			return nil, fmt.Errorf("%w: required source %q missing or returned an empty sample",
				types.ErrEntropyInsufficient, required)
		}
	}
	minSources := max(m.MinSources, 1)
	if len(distinct) < minSources {
		return nil, fmt.Errorf("%w: %d distinct sources supplied, %d required",
			types.ErrEntropyInsufficient, len(distinct), minSources)
	}

	ikm := encodeSamples(samples)
	defer wipe(ikm)

	domain := MixDomain(ceremonyID, round)
	prk := hkdf.Extract(newBlake2b512, ikm, []byte(domain))
	defer wipe(prk)

	scalars, err := fr.Hash(prk, []byte(domain), 3)
	if err != nil {
		return nil, fmt.Errorf("failed to expand entropy: %w", err)
	}
	defer zeroScalars(scalars)

	return NewSecret(scalars[0], scalars[1], scalars[2])
}

// encodeSamples length-prefixes every label and sample so that distinct
// sample sets never encode to the same bytes. Empty samples are skipped.
func encodeSamples(samples []EntropySample) []byte {
	size := 0
	for _, s := range samples {
		size += 4 + len(s.Source) + 8 + len(s.Data)
	}
	out := make([]byte, 0, size)
	for _, s := range samples {
		if len(s.Data) == 0 {
			continue
		}
		out = binary.BigEndian.AppendUint32(out, uint32(len(s.Source)))
		out = append(out, s.Source...)
		out = binary.BigEndian.AppendUint64(out, uint64(len(s.Data)))
		out = append(out, s.Data...)
	}
	return out
}

func newBlake2b512() hash.Hash {
	h, err := blake2b.New512(nil)
	if err != nil {
		panic(err)
	}
	return h
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// CollectOSRandom reads n bytes from the operating system CSPRNG.
func CollectOSRandom(n int) (EntropySample, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return EntropySample{}, fmt.Errorf("failed to read OS randomness: %w", err)
	}
	return EntropySample{Source: SourceOSRandom, Data: buf}, nil
}

// CollectTimingJitter samples scheduler and clock jitter over rounds short
// busy loops. Each sample contributes the low bits of the elapsed time.
func CollectTimingJitter(rounds int) EntropySample {
	buf := make([]byte, 0, rounds*8)
	var sink uint64
	for i := 0; i < rounds; i++ {
		start := time.Now()
		for j := 0; j < 1000+i%17; j++ {
			sink += uint64(j) * 2654435761
		}
		elapsed := time.Since(start).Nanoseconds()
		buf = binary.LittleEndian.AppendUint64(buf, uint64(elapsed)^sink)
	}
	return EntropySample{Source: SourceHardwareTiming, Data: buf}
}

// ReadSample reads at most limit bytes from r as a sample for source.
func ReadSample(source string, r io.Reader, limit int64) (EntropySample, error) {
	data, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return EntropySample{}, fmt.Errorf("failed to read %s entropy: %w", source, err)
	}
	return EntropySample{Source: source, Data: data}, nil
}

// Secret holds the toxic waste of one contribution: the τ, α and β scalars.
// It can be applied exactly once; the scalars are zeroed when consumed or
// destroyed.
type Secret struct {
	mu       sync.Mutex
	tau      fr.Element
	alpha    fr.Element
	beta     fr.Element
	consumed bool
}

// NewSecret wraps explicit scalars. All three must be non-zero.
func NewSecret(tau, alpha, beta fr.Element) (*Secret, error) {
	if tau.IsZero() || alpha.IsZero() || beta.IsZero() {
		return nil, fmt.Errorf("%w: zero secret scalar, resample entropy", types.ErrUpdateComputation)
	}
	return &Secret{tau: tau, alpha: alpha, beta: beta}, nil
}

// take hands the scalars to the caller and zeroes the secret's own copy.
// The caller is responsible for zeroing what it received.
func (s *Secret) take() (tau, alpha, beta fr.Element, err error) {
	if s == nil {
		return tau, alpha, beta, fmt.Errorf("%w: nil secret", types.ErrUpdateComputation)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consumed {
		return tau, alpha, beta, types.ErrSecretConsumed
	}
	tau, alpha, beta = s.tau, s.alpha, s.beta
	s.destroyLocked()
	return tau, alpha, beta, nil
}

// Destroy zeroes the scalars. It is safe to call more than once.
func (s *Secret) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyLocked()
}

// Consumed reports whether the secret was used or destroyed.
func (s *Secret) Consumed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumed
}

func (s *Secret) destroyLocked() {
	s.tau.SetZero()
	s.alpha.SetZero()
	s.beta.SetZero()
	s.consumed = true
}
