package types

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// HashSize is the size of a content hash in bytes.
const HashSize = sha256.Size

// Hash is a SHA-256 content address. It is encoded as lowercase hex in JSON.
type Hash [HashSize]byte

// HashBytes returns the content hash of b.
func HashBytes(b []byte) Hash {
	return sha256.Sum256(b)
}

// ParseHash decodes a hex hash. Case and an optional 0x prefix are ignored.
func ParseHash(s string) (Hash, error) {
	var h Hash
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	if len(s) != 2*HashSize {
		return h, fmt.Errorf("invalid hash length %d, expected %d hex characters", len(s), 2*HashSize)
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("invalid hash encoding: %w", err)
	}
	return h, nil
}

// MustParseHash is ParseHash for constants in tests and fixtures.
func MustParseHash(s string) Hash {
	h, err := ParseHash(s)
	if err != nil {
		panic(err)
	}
	return h
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

func (h Hash) Bytes() []byte {
	return bytes.Clone(h[:])
}

func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseHash(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
