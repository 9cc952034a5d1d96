package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cosmossdk.io/log"
	dbm "github.com/cosmos/cosmos-db"

	"github.com/Steake/BitCell-sub003/x/ceremony/setup"
	"github.com/Steake/BitCell-sub003/x/ceremony/transcript"
	"github.com/Steake/BitCell-sub003/x/ceremony/types"
)

// paramsEntry indexes one stored parameter file.
type paramsEntry struct {
	File  string `json:"file"`
	Round uint64 `json:"round"`
	Size  int64  `json:"size"`
}

// Store persists coordinator state. Small records live in a key-value
// database; parameter blobs live in a content-addressed directory tree
// indexed from the database.
type Store struct {
	db        dbm.DB
	paramsDir string
	logger    log.Logger
}

// OpenStore opens the database configured in cfg.
func OpenStore(cfg StorageConfig, logger log.Logger) (*Store, error) {
	backend := dbm.BackendType(cfg.Backend)
	if backend == dbm.GoLevelDBBackend {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := dbm.NewDB(types.StoreKey, backend, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Backend, err)
	}
	return NewStore(db, cfg.ParamsDir, logger)
}

// NewStore wraps an open database.
func NewStore(db dbm.DB, paramsDir string, logger log.Logger) (*Store, error) {
	if err := os.MkdirAll(paramsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create params directory: %w", err)
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Store{db: db, paramsDir: paramsDir, logger: logger.With("module", "store")}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Commit atomically writes a ceremony's state, its transcript draft and,
// when non-nil, a newly published version.
func (s *Store) Commit(state types.State, draft *types.Transcript, version *transcript.Version) error {
	stateBz, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	draftBz, err := json.Marshal(draft)
	if err != nil {
		return fmt.Errorf("failed to encode transcript draft: %w", err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(types.StateKey(state.CeremonyID), stateBz); err != nil {
		return fmt.Errorf("failed to stage state: %w", err)
	}
	if err := batch.Set(types.DraftKey(state.CeremonyID), draftBz); err != nil {
		return fmt.Errorf("failed to stage draft: %w", err)
	}
	if version != nil {
		if err := batch.Set(types.TranscriptKey(state.CeremonyID, version.Number), version.Bytes()); err != nil {
			return fmt.Errorf("failed to stage transcript version: %w", err)
		}
	}
	if err := batch.WriteSync(); err != nil {
		return fmt.Errorf("failed to commit ceremony %s: %w", state.CeremonyID, err)
	}
	return nil
}

// LoadState returns the persisted state of a ceremony.
func (s *Store) LoadState(ceremonyID string) (*types.State, error) {
	bz, err := s.db.Get(types.StateKey(ceremonyID))
	if err != nil {
		return nil, fmt.Errorf("failed to read state: %w", err)
	}
	if bz == nil {
		return nil, fmt.Errorf("%w: %s", types.ErrCeremonyNotFound, ceremonyID)
	}
	var state types.State
	if err := json.Unmarshal(bz, &state); err != nil {
		return nil, fmt.Errorf("failed to decode state of %s: %w", ceremonyID, err)
	}
	return &state, nil
}

// LoadDraft returns the persisted transcript draft of a ceremony.
func (s *Store) LoadDraft(ceremonyID string) (*types.Transcript, error) {
	bz, err := s.db.Get(types.DraftKey(ceremonyID))
	if err != nil {
		return nil, fmt.Errorf("failed to read transcript draft: %w", err)
	}
	if bz == nil {
		return nil, fmt.Errorf("%w: no transcript for %s", types.ErrCeremonyNotFound, ceremonyID)
	}
	var t types.Transcript
	if err := json.Unmarshal(bz, &t); err != nil {
		return nil, fmt.Errorf("failed to decode transcript draft: %w", err)
	}
	return &t, nil
}

// LoadVersions returns every published transcript version, oldest first.
func (s *Store) LoadVersions(ceremonyID string) ([]transcript.Version, error) {
	prefix := types.TranscriptPrefix(ceremonyID)
	it, err := s.db.Iterator(prefix, prefixEnd(prefix))
	if err != nil {
		return nil, fmt.Errorf("failed to iterate transcript versions: %w", err)
	}
	defer it.Close()

	var out []transcript.Version
	for ; it.Valid(); it.Next() {
		number := uint64(len(out)) + 1
		if !bytes.Equal(it.Key(), types.TranscriptKey(ceremonyID, number)) {
			return nil, fmt.Errorf("%w: transcript version %d of %s is missing", types.ErrChainMismatch, number, ceremonyID)
		}
		out = append(out, transcript.NewVersion(number, it.Value()))
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate transcript versions: %w", err)
	}
	return out, nil
}

// CeremonyIDs lists every persisted ceremony.
func (s *Store) CeremonyIDs() ([]string, error) {
	prefix := types.KeyPrefix(types.StateKeyPrefix)
	it, err := s.db.Iterator(prefix, prefixEnd(prefix))
	if err != nil {
		return nil, fmt.Errorf("failed to iterate ceremonies: %w", err)
	}
	defer it.Close()

	var ids []string
	for ; it.Valid(); it.Next() {
		ids = append(ids, strings.TrimPrefix(string(it.Key()), types.StateKeyPrefix))
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("failed to iterate ceremonies: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// PutParameters writes parameters under their content address and indexes
// them. Writing the same parameters twice is a no-op.
func (s *Store) PutParameters(ceremonyID string, p *setup.Parameters) (types.Hash, error) {
	dir := filepath.Join(s.paramsDir, ceremonyID)
	tmpPath := filepath.Join(dir, fmt.Sprintf(".incoming-%s", setup.ParamsFileName(p.Round)))
	hash, size, err := setup.SaveParameters(tmpPath, p)
	if err != nil {
		return types.Hash{}, err
	}
	file := hash.String() + ".params"
	if err := os.Rename(tmpPath, filepath.Join(dir, file)); err != nil {
		_ = os.Remove(tmpPath)
		return types.Hash{}, fmt.Errorf("failed to move parameters into place: %w", err)
	}

	entry, err := json.Marshal(paramsEntry{File: file, Round: p.Round, Size: size})
	if err != nil {
		return types.Hash{}, fmt.Errorf("failed to encode params entry: %w", err)
	}
	if err := s.db.SetSync(types.ParamsKey(ceremonyID, hash), entry); err != nil {
		return types.Hash{}, fmt.Errorf("failed to index parameters: %w", err)
	}
	s.logger.Debug("stored parameters", "ceremony", ceremonyID, "round", p.Round, "hash", hash.String(), "size", size)
	return hash, nil
}

// ParamsPath returns the file holding the parameters with the given hash.
func (s *Store) ParamsPath(ceremonyID string, hash types.Hash) (string, int64, error) {
	bz, err := s.db.Get(types.ParamsKey(ceremonyID, hash))
	if err != nil {
		return "", 0, fmt.Errorf("failed to read params index: %w", err)
	}
	if bz == nil {
		return "", 0, fmt.Errorf("%w: parameters %s of %s", types.ErrArtifactMissing, hash, ceremonyID)
	}
	var entry paramsEntry
	if err := json.Unmarshal(bz, &entry); err != nil {
		return "", 0, fmt.Errorf("failed to decode params entry: %w", err)
	}
	return filepath.Join(s.paramsDir, ceremonyID, entry.File), entry.Size, nil
}

// LoadParameters reads and re-hashes stored parameters.
func (s *Store) LoadParameters(ceremonyID string, hash types.Hash) (*setup.Parameters, error) {
	path, _, err := s.ParamsPath(ceremonyID, hash)
	if err != nil {
		return nil, err
	}
	p, got, err := setup.LoadParameters(path)
	if err != nil {
		return nil, err
	}
	if got != hash {
		return nil, fmt.Errorf("%w: %s no longer hashes to %s", types.ErrArtifactMissing, path, hash)
	}
	return p, nil
}

// Source adapts the store to a transcript parameter source for one ceremony.
func (s *Store) Source(ceremonyID string) transcript.ParamsSource {
	return storeSource{store: s, ceremonyID: ceremonyID}
}

type storeSource struct {
	store      *Store
	ceremonyID string
}

func (s storeSource) Parameters(ctx context.Context, hash types.Hash) (*setup.Parameters, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.store.LoadParameters(s.ceremonyID, hash)
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
