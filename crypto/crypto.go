// Package crypto wraps the node's signature primitive: ECDSA over secp256k1
// with RFC 6979 deterministic nonces and 33-byte compressed public keys, as
// required by spec.md section 6. This is the one black-box collaborator
// spec.md explicitly treats as external; it is implemented here on top of
// the teacher's own dependency family (github.com/btcsuite/btcd) rather than
// hand-rolled, per the "never fall back to the standard library" rule.
package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// PubKeyLen is the size in bytes of a compressed secp256k1 public key.
const PubKeyLen = 33

// PrivateKey is a node's signing identity.
type PrivateKey struct {
	key *btcec.PrivateKey
}

// PublicKey is the 33-byte compressed form of a secp256k1 point, used
// directly as transaction sender/receiver and block coinbase fields.
type PublicKey [PubKeyLen]byte

// GeneratePrivateKey creates a fresh random signing key.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	return &PrivateKey{key: key}, nil
}

// PrivateKeyFromBytes parses a 32-byte scalar, as persisted hex-encoded
// under the privkey/privkey namespace entry.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(b))
	}
	key, _ := btcec.PrivKeyFromBytes(b)
	return &PrivateKey{key: key}, nil
}

// Bytes returns the raw 32-byte scalar, for persistence.
func (k *PrivateKey) Bytes() []byte {
	return k.key.Serialize()
}

// Hex renders the private key's raw scalar as lowercase hex, the form
// persisted under the privkey/privkey namespace entry (spec.md section 6).
func (k *PrivateKey) Hex() string {
	return hex.EncodeToString(k.Bytes())
}

// PrivateKeyFromHex parses a private key from its persisted hex form.
func PrivateKeyFromHex(s string) (*PrivateKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("bad private key hex: %w", err)
	}
	return PrivateKeyFromBytes(b)
}

// Public returns the compressed public key corresponding to k.
func (k *PrivateKey) Public() PublicKey {
	var pk PublicKey
	copy(pk[:], k.key.PubKey().SerializeCompressed())
	return pk
}

// Sign produces a deterministic (RFC 6979) ECDSA signature over data.
func (k *PrivateKey) Sign(data []byte) []byte {
	digest := sha256.Sum256(data)
	sig := ecdsa.Sign(k.key, digest[:])
	return sig.Serialize()
}

// Verify checks a signature produced by Sign against a compressed public
// key and the original (unhashed) data.
func Verify(pub PublicKey, data, sig []byte) bool {
	key, err := btcec.ParsePubKey(pub[:])
	if err != nil {
		return false
	}
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(data)
	return parsed.Verify(digest[:], key)
}

// Hex renders the public key as lowercase hex, used in serialised
// transactions and blocks (spec.md section 3/6).
func (p PublicKey) Hex() string {
	return hex.EncodeToString(p[:])
}

// PublicKeyFromHex parses a compressed public key from its hex form.
func PublicKeyFromHex(s string) (PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PublicKey{}, fmt.Errorf("bad pubkey hex: %w", err)
	}
	if len(b) != PubKeyLen {
		return PublicKey{}, fmt.Errorf("pubkey must be %d bytes, got %d", PubKeyLen, len(b))
	}
	var pk PublicKey
	copy(pk[:], b)
	return pk, nil
}

// IsZero reports whether p is the all-zero placeholder (e.g. genesis
// coinbase, spec.md section 3).
func (p PublicKey) IsZero() bool {
	return p == PublicKey{}
}
