package setup

import (
	"bufio"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Steake/BitCell-sub003/x/ceremony/types"
)

// ParamsFileName returns the conventional file name of a round's parameters.
func ParamsFileName(round uint64) string {
	return fmt.Sprintf("round_%04d.params", round)
}

// SaveParameters writes p to path atomically and returns its content hash
// and size.
func SaveParameters(path string, p *Parameters) (types.Hash, int64, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return types.Hash{}, 0, fmt.Errorf("failed to create parameter directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".params-*")
	if err != nil {
		return types.Hash{}, 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	bw := bufio.NewWriterSize(io.MultiWriter(tmp, h), 1<<20)
	n, err := p.WriteTo(bw)
	if err == nil {
		err = bw.Flush()
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return types.Hash{}, 0, fmt.Errorf("failed to write parameters: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return types.Hash{}, 0, fmt.Errorf("failed to set parameter file mode: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return types.Hash{}, 0, fmt.Errorf("failed to move parameters into place: %w", err)
	}

	var sum types.Hash
	copy(sum[:], h.Sum(nil))
	return sum, n, nil
}

// LoadParameters reads parameters from path and returns them with the hash
// of the file contents.
func LoadParameters(path string) (*Parameters, types.Hash, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, types.Hash{}, fmt.Errorf("%w: %s", types.ErrArtifactMissing, path)
		}
		return nil, types.Hash{}, fmt.Errorf("failed to open parameters: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	p, err := UnmarshalParameters(io.TeeReader(f, h))
	if err != nil {
		return nil, types.Hash{}, fmt.Errorf("failed to load %s: %w", path, err)
	}
	var sum types.Hash
	copy(sum[:], h.Sum(nil))
	return p, sum, nil
}

// HashFile streams a file through SHA-256.
func HashFile(path string) (types.Hash, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return types.Hash{}, 0, fmt.Errorf("%w: %s", types.ErrArtifactMissing, path)
		}
		return types.Hash{}, 0, fmt.Errorf("failed to open file for hashing: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return types.Hash{}, 0, fmt.Errorf("failed to read file: %w", err)
	}
	var sum types.Hash
	copy(sum[:], h.Sum(nil))
	return sum, n, nil
}
