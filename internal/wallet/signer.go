package wallet

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// KeySigner signs ledger messages with a secp256k1 key. The master key signs
// ordinary requests; a derived key signs sweeps out of its deposit address.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address string
}

// NewKeySigner creates a signer for the given key
func NewKeySigner(key *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey).Hex(),
	}
}

// Address returns the signing address
func (s *KeySigner) Address() string {
	return s.address
}

// Sign returns a hex-encoded signature over the keccak digest of payload.
func (s *KeySigner) Sign(payload []byte) (string, error) {
	digest := crypto.Keccak256(payload)
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %w", err)
	}
	return hex.EncodeToString(sig), nil
}
