package setup

import (
	"bytes"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/kzg"

	"github.com/Steake/BitCell-sub003/x/ceremony/types"
)

// FinalKeyPair is the key material derived from the last accepted
// parameters: a KZG proving key holding the G1 powers of τ and the matching
// verifying key. Both serialize with the gnark-crypto kzg encoding, which
// gnark's PLONK backend consumes directly. The α and β powers are not part
// of the pair; they stay in the final parameters as the phase-1 input of a
// circuit-specific Groth16 phase 2.
type FinalKeyPair struct {
	ProvingKey   kzg.ProvingKey
	VerifyingKey kzg.VerifyingKey
	ParamsHash   types.Hash
}

// DeriveKeys derives the final key pair. It is deterministic: the same
// parameters always yield byte-identical keys.
func DeriveKeys(final *Parameters) (*FinalKeyPair, error) {
	if err := final.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrFinalizationIncomplete, err)
	}
	if err := checkPoints(final); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrFinalizationIncomplete, err)
	}

	_, _, g1, g2 := bn254.Generators()
	kp := &FinalKeyPair{ParamsHash: final.Hash()}
	kp.ProvingKey.G1 = append([]bn254.G1Affine(nil), final.G1.Tau...)
	kp.VerifyingKey.G1 = g1
	kp.VerifyingKey.G2[0] = g2
	kp.VerifyingKey.G2[1] = final.G2.Tau[1]
	kp.VerifyingKey.Lines[0] = bn254.PrecomputeLines(kp.VerifyingKey.G2[0])
	kp.VerifyingKey.Lines[1] = bn254.PrecomputeLines(kp.VerifyingKey.G2[1])
	return kp, nil
}

// SRS returns the key pair as a KZG structured reference string.
func (k *FinalKeyPair) SRS() *kzg.SRS {
	return &kzg.SRS{Pk: k.ProvingKey, Vk: k.VerifyingKey}
}

// ProvingKeyBytes returns the serialized proving key.
func (k *FinalKeyPair) ProvingKeyBytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := k.ProvingKey.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize proving key: %w", err)
	}
	return buf.Bytes(), nil
}

// VerifyingKeyBytes returns the serialized verification key.
func (k *FinalKeyPair) VerifyingKeyBytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := k.VerifyingKey.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize verification key: %w", err)
	}
	return buf.Bytes(), nil
}

// KeyHashes returns the content hashes and sizes of both keys.
func (k *FinalKeyPair) KeyHashes() (pk, vk types.KeyFile, err error) {
	pkBytes, err := k.ProvingKeyBytes()
	if err != nil {
		return pk, vk, err
	}
	vkBytes, err := k.VerifyingKeyBytes()
	if err != nil {
		return pk, vk, err
	}
	pk = types.KeyFile{File: ProvingKeyFile, SHA256: types.HashBytes(pkBytes), SizeBytes: int64(len(pkBytes))}
	vk = types.KeyFile{File: VerificationKeyFile, SHA256: types.HashBytes(vkBytes), SizeBytes: int64(len(vkBytes))}
	return pk, vk, nil
}

// FinalKeys returns the transcript entry describing this key pair.
func (k *FinalKeyPair) FinalKeys() (*types.FinalKeys, error) {
	pk, vk, err := k.KeyHashes()
	if err != nil {
		return nil, err
	}
	return &types.FinalKeys{ProvingKey: pk, VerificationKey: vk, ParamsHash: k.ParamsHash}, nil
}
