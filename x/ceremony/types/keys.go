package types

import "fmt"

const (
	// ModuleName defines the module name
	ModuleName = "ceremony"

	// StoreKey defines the name of the coordinator database
	StoreKey = ModuleName

	// DomainTag prefixes every domain-separation string used by the ceremony
	DomainTag = "bitcell-ceremony/v1"
)

func KeyPrefix(p string) []byte {
	return []byte(p)
}

const (
	// StateKeyPrefix is the prefix for persisted coordinator state
	StateKeyPrefix = "State/value/"

	// TranscriptKeyPrefix is the prefix for published transcript versions
	TranscriptKeyPrefix = "Transcript/version/"

	// DraftKeyPrefix is the prefix for the unpublished transcript draft
	DraftKeyPrefix = "Transcript/draft/"

	// ParamsKeyPrefix indexes parameter files by content hash
	ParamsKeyPrefix = "Params/hash/"
)

// StateKey returns the store key holding the state of one ceremony.
func StateKey(ceremonyID string) []byte {
	return KeyPrefix(StateKeyPrefix + ceremonyID)
}

// DraftKey returns the store key holding the transcript draft of one ceremony.
func DraftKey(ceremonyID string) []byte {
	return KeyPrefix(DraftKeyPrefix + ceremonyID)
}

// TranscriptKey returns the store key for a published transcript version.
// Versions are zero padded so that iteration order matches version order.
func TranscriptKey(ceremonyID string, version uint64) []byte {
	return append(TranscriptPrefix(ceremonyID), []byte(formatVersion(version))...)
}

// TranscriptPrefix returns the iteration prefix for all versions of one ceremony.
func TranscriptPrefix(ceremonyID string) []byte {
	return KeyPrefix(TranscriptKeyPrefix + ceremonyID + "/")
}

// ParamsKey returns the index key of a parameter file.
func ParamsKey(ceremonyID string, h Hash) []byte {
	return KeyPrefix(ParamsKeyPrefix + ceremonyID + "/" + h.String())
}

func formatVersion(v uint64) string {
	return fmt.Sprintf("%020d", v)
}
