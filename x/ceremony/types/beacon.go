package types

import (
	"fmt"
	"strings"
	"time"
)

// RandomBeacon references a public value that was unpredictable when the
// ceremony was announced, typically a future block hash.
type RandomBeacon struct {
	Source      string    `json:"source"`
	BlockNumber uint64    `json:"block_number"`
	BlockHash   string    `json:"block_hash"`
	Timestamp   time.Time `json:"timestamp"`
}

// Validate checks the beacon is complete.
func (b RandomBeacon) Validate() error {
	if strings.TrimSpace(b.Source) == "" {
		return fmt.Errorf("beacon source is empty")
	}
	if _, err := ParseHash(b.BlockHash); err != nil {
		return fmt.Errorf("beacon block hash: %w", err)
	}
	if b.Timestamp.IsZero() {
		return fmt.Errorf("beacon timestamp is empty")
	}
	return nil
}

// Challenge returns the canonical bytes the beacon contributes to round 0.
func (b RandomBeacon) Challenge() []byte {
	h, _ := ParseHash(b.BlockHash)
	return []byte(fmt.Sprintf("%s|%s|%d|%s", DomainTag, strings.ToLower(b.Source), b.BlockNumber, h))
}
