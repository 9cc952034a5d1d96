package beacon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/Steake/BitCell-sub003/x/ceremony/types"
)

// StaticSource answers lookups from a fixed list of blocks, for offline
// audits against block data obtained out of band.
type StaticSource struct {
	name   string
	blocks map[uint64]Block
}

// NewStaticSource returns a source that knows the given blocks.
func NewStaticSource(name string, blocks ...Block) *StaticSource {
	s := &StaticSource{name: name, blocks: make(map[uint64]Block, len(blocks))}
	for _, b := range blocks {
		s.blocks[b.Number] = b
	}
	return s
}

// FromBeacon returns a source that vouches for exactly the given beacon.
func FromBeacon(b types.RandomBeacon) (*StaticSource, error) {
	h, err := types.ParseHash(b.BlockHash)
	if err != nil {
		return nil, err
	}
	return NewStaticSource(b.Source, Block{Number: b.BlockNumber, Hash: h, Timestamp: b.Timestamp}), nil
}

// LoadStaticSource reads a JSON list of beacons known to be correct and
// serves all of them under name.
func LoadStaticSource(name, path string) (*StaticSource, error) {
	entries, err := readBlockList(path)
	if err != nil {
		return nil, err
	}
	s := NewStaticSource(name)
	for _, e := range entries {
		if err := s.add(e); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// LoadStaticSources reads a JSON list of beacons known to be correct and
// returns one source per beacon source name, so each entry answers lookups
// for the chain it names.
func LoadStaticSources(path string) ([]*StaticSource, error) {
	entries, err := readBlockList(path)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*StaticSource)
	var sources []*StaticSource
	for _, e := range entries {
		if e.Source == "" {
			return nil, fmt.Errorf("block %d: missing source", e.BlockNumber)
		}
		key := strings.ToLower(e.Source)
		s, ok := byName[key]
		if !ok {
			s = NewStaticSource(e.Source)
			byName[key] = s
			sources = append(sources, s)
		}
		if err := s.add(e); err != nil {
			return nil, err
		}
	}
	return sources, nil
}

func readBlockList(path string) ([]types.RandomBeacon, error) {
	bz, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read block list: %w", err)
	}
	var entries []types.RandomBeacon
	if err := json.Unmarshal(bz, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse block list: %w", err)
	}
	return entries, nil
}

func (s *StaticSource) add(e types.RandomBeacon) error {
	h, err := types.ParseHash(e.BlockHash)
	if err != nil {
		return fmt.Errorf("block %d: %w", e.BlockNumber, err)
	}
	s.blocks[e.BlockNumber] = Block{Number: e.BlockNumber, Hash: h, Timestamp: e.Timestamp}
	return nil
}

func (s *StaticSource) Name() string {
	return s.name
}

func (s *StaticSource) BlockByNumber(_ context.Context, number uint64) (Block, error) {
	b, ok := s.blocks[number]
	if !ok {
		return Block{}, fmt.Errorf("block %d unknown", number)
	}
	return b, nil
}
