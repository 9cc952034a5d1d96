package setup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/consensys/gnark-crypto/ecc/bn254/kzg"

	"github.com/Steake/BitCell-sub003/x/ceremony/types"
)

// Key artifact file names.
const (
	ProvingKeyFile      = "proving_key.bin"
	VerificationKeyFile = "verification_key.bin"
	FinalParamsFile     = "final_params.bin"
	MetadataFile        = "metadata.json"
	DefaultKeysDir      = "keys"
)

// KeyStorage abstracts key persistence.
type KeyStorage interface {
	Store(ctx context.Context, keyID string, data []byte) error
	Load(ctx context.Context, keyID string) ([]byte, error)
	Delete(ctx context.Context, keyID string) error
	List(ctx context.Context) ([]string, error)
}

// KeyStatus represents the lifecycle status of a key.
type KeyStatus string

const (
	KeyStatusActive     KeyStatus = "active"
	KeyStatusRotating   KeyStatus = "rotating"
	KeyStatusDeprecated KeyStatus = "deprecated"
	KeyStatusRevoked    KeyStatus = "revoked"
)

// KeyMetadata describes the published keys of one circuit.
type KeyMetadata struct {
	Circuit                string          `json:"circuit"`
	Version                string          `json:"version"`
	ProvingKeyHash         string          `json:"proving_key_hash"`
	VerificationKeyHash    string          `json:"verification_key_hash"`
	ProvingKeySize         int64           `json:"proving_key_size"`
	VerificationKeySize    int64           `json:"verification_key_size"`
	NumParticipants        int             `json:"num_participants"`
	CeremonyDate           string          `json:"ceremony_date"`
	CeremonyID             string          `json:"ceremony_id,omitempty"`
	TranscriptHash         string          `json:"transcript_hash,omitempty"`
	IPFSProvingKey         string          `json:"ipfs_proving_key,omitempty"`
	IPFSVerificationKey    string          `json:"ipfs_verification_key,omitempty"`
	ArweaveProvingKey      string          `json:"arweave_proving_key,omitempty"`
	ArweaveVerificationKey string          `json:"arweave_verification_key,omitempty"`
	Status                 KeyStatus       `json:"status,omitempty"`
	Notes                  string          `json:"notes,omitempty"`
	CircuitParameters      json.RawMessage `json:"circuit_parameters,omitempty"`
}

// NewKeyMetadata fills metadata from a derived key pair.
func NewKeyMetadata(circuit types.CircuitSpec, keys *types.FinalKeys, participants int, sealedAt time.Time) KeyMetadata {
	params, _ := json.Marshal(map[string]interface{}{
		"constraints": circuit.Constraints,
		"domain_size": circuit.DomainSize(),
		"curve":       "bn254",
		"params_hash": keys.ParamsHash.String(),
	})
	version := circuit.Version
	if version == "" {
		version = "1"
	}
	return KeyMetadata{
		Circuit:             circuit.Name,
		Version:             version,
		ProvingKeyHash:      keys.ProvingKey.SHA256.String(),
		VerificationKeyHash: keys.VerificationKey.SHA256.String(),
		ProvingKeySize:      keys.ProvingKey.SizeBytes,
		VerificationKeySize: keys.VerificationKey.SizeBytes,
		NumParticipants:     participants,
		CeremonyDate:        sealedAt.UTC().Format("2006-01-02"),
		Status:              KeyStatusActive,
		CircuitParameters:   params,
	}
}

// LoadKeyMetadata reads a metadata file.
func LoadKeyMetadata(path string) (*KeyMetadata, error) {
	bz, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata file: %w", err)
	}
	var m KeyMetadata
	if err := json.Unmarshal(bz, &m); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return &m, nil
}

// Save writes the metadata as indented JSON.
func (m *KeyMetadata) Save(path string) error {
	bz, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if err := os.WriteFile(path, bz, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

// VerifyKeys checks both key files against the recorded hashes.
func (m *KeyMetadata) VerifyKeys(pkPath, vkPath string) error {
	if err := VerifyFileHash(pkPath, m.ProvingKeyHash); err != nil {
		return fmt.Errorf("proving key: %w", err)
	}
	if err := VerifyFileHash(vkPath, m.VerificationKeyHash); err != nil {
		return fmt.Errorf("verification key: %w", err)
	}
	return nil
}

// VerifyFileHash compares the SHA-256 of a file with a hex hash. The
// comparison ignores case.
func VerifyFileHash(path, expected string) error {
	want, err := types.ParseHash(expected)
	if err != nil {
		return fmt.Errorf("%w: recorded hash: %v", types.ErrKeyMismatch, err)
	}
	got, _, err := HashFile(path)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: expected %s, got %s", types.ErrKeyMismatch, want, got)
	}
	return nil
}

// DefaultKeyPaths returns the conventional key locations for a circuit.
func DefaultKeyPaths(circuit string) (pk, vk string) {
	dir := filepath.Join(DefaultKeysDir, circuit)
	return filepath.Join(dir, ProvingKeyFile), filepath.Join(dir, VerificationKeyFile)
}

// KeyID names a key artifact inside a KeyStorage.
func KeyID(circuit, file string) string {
	return circuit + "/" + file
}

// StoreKeys writes the key pair, the final parameters and the metadata of
// a circuit.
func StoreKeys(ctx context.Context, storage KeyStorage, circuit string, kp *FinalKeyPair, final *Parameters, meta KeyMetadata) error {
	pk, err := kp.ProvingKeyBytes()
	if err != nil {
		return err
	}
	vk, err := kp.VerifyingKeyBytes()
	if err != nil {
		return err
	}
	var params bytes.Buffer
	if _, err := final.WriteTo(&params); err != nil {
		return fmt.Errorf("failed to serialize final parameters: %w", err)
	}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	artifacts := []struct {
		file string
		data []byte
	}{
		{ProvingKeyFile, pk},
		{VerificationKeyFile, vk},
		{FinalParamsFile, params.Bytes()},
		{MetadataFile, metaBytes},
	}
	for _, a := range artifacts {
		if err := storage.Store(ctx, KeyID(circuit, a.file), a.data); err != nil {
			return fmt.Errorf("failed to store %s: %w", a.file, err)
		}
	}
	return nil
}

// LoadProvingKey decodes a proving key file.
func LoadProvingKey(path string) (*kzg.ProvingKey, error) {
	bz, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open proving key file: %w", err)
	}
	var pk kzg.ProvingKey
	if _, err := pk.ReadFrom(bytes.NewReader(bz)); err != nil {
		return nil, fmt.Errorf("failed to deserialize proving key: %w", err)
	}
	return &pk, nil
}

// LoadVerifyingKey decodes a verification key file.
func LoadVerifyingKey(path string) (*kzg.VerifyingKey, error) {
	bz, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open verification key file: %w", err)
	}
	var vk kzg.VerifyingKey
	if _, err := vk.ReadFrom(bytes.NewReader(bz)); err != nil {
		return nil, fmt.Errorf("failed to deserialize verification key: %w", err)
	}
	return &vk, nil
}

// FileKeyStorage stores key artifacts below a root directory. Key ids map
// to relative paths.
type FileKeyStorage struct {
	root string
}

// NewFileKeyStorage creates the root directory if needed.
func NewFileKeyStorage(root string) (*FileKeyStorage, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	return &FileKeyStorage{root: root}, nil
}

// Path returns the file backing keyID.
func (s *FileKeyStorage) Path(keyID string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(keyID))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid key id %q", keyID)
	}
	return filepath.Join(s.root, clean), nil
}

func (s *FileKeyStorage) Store(ctx context.Context, keyID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.Path(keyID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return os.Rename(tmp, path)
}

func (s *FileKeyStorage) Load(ctx context.Context, keyID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.Path(keyID)
	if err != nil {
		return nil, err
	}
	bz, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: key %s", types.ErrArtifactMissing, keyID)
	}
	return bz, err
}

func (s *FileKeyStorage) Delete(ctx context.Context, keyID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.Path(keyID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

func (s *FileKeyStorage) List(ctx context.Context) ([]string, error) {
	var ids []string
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		ids = append(ids, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}
