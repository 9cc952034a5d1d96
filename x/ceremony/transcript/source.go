package transcript

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Steake/BitCell-sub003/x/ceremony/setup"
	"github.com/Steake/BitCell-sub003/x/ceremony/types"
)

// ParamsSource resolves parameters by content hash.
type ParamsSource interface {
	Parameters(ctx context.Context, hash types.Hash) (*setup.Parameters, error)
}

// DirSource serves the parameter files found in a directory, indexed by
// the SHA-256 of their contents. The index is built on first use.
type DirSource struct {
	dir string

	once  sync.Once
	index map[types.Hash]string
	err   error
}

// NewDirSource returns a source over dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

func (s *DirSource) build() {
	s.index = make(map[types.Hash]string)
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.err = fmt.Errorf("%w: cannot read parameter directory: %v", types.ErrArtifactMissing, err)
		return
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), ".params") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		path := filepath.Join(s.dir, name)
		h, _, err := setup.HashFile(path)
		if err != nil {
			continue
		}
		if _, dup := s.index[h]; !dup {
			s.index[h] = path
		}
	}
}

// Hashes lists the indexed content hashes.
func (s *DirSource) Hashes() ([]types.Hash, error) {
	s.once.Do(s.build)
	if s.err != nil {
		return nil, s.err
	}
	out := make([]types.Hash, 0, len(s.index))
	for h := range s.index {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// Parameters loads the file whose contents hash to hash.
func (s *DirSource) Parameters(ctx context.Context, hash types.Hash) (*setup.Parameters, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.once.Do(s.build)
	if s.err != nil {
		return nil, s.err
	}
	path, ok := s.index[hash]
	if !ok {
		return nil, fmt.Errorf("%w: no parameter file with hash %s in %s", types.ErrArtifactMissing, hash, s.dir)
	}
	p, got, err := setup.LoadParameters(path)
	if err != nil {
		return nil, err
	}
	if got != hash {
		return nil, fmt.Errorf("%w: %s changed on disk", types.ErrArtifactMissing, path)
	}
	return p, nil
}
