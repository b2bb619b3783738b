// Package wallet provides deterministic per-user deposit wallet derivation
// from a master key, and access to the signing keys for sweeps.
package wallet

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/token-custody/internal/config"
	"github.com/token-custody/internal/logging"
)

// derivationPathTemplate places each child under its own hardened account
// index. The index comes from a persisted monotonic counter, never from a
// live collection size: counting accounts can change across restarts and
// would collide derivation paths.
const derivationPathTemplate = "m/44'/1729'/%d'/0/0"

// Deriver derives per-user deposit wallets from the master key. Derivation is
// idempotent: key material is persisted on first derivation and loaded on
// every later call.
type Deriver struct {
	masterKey   *ecdsa.PrivateKey
	keystoreDir string
	counterFile string
	passphrase  string
	logger      *logging.Logger

	// scrypt cost parameters for the per-user keystore files; tests lower
	// these to keep key encryption fast.
	scryptN int
	scryptP int

	mu sync.Mutex
}

// NewDeriver loads the master key and prepares the derived keystore
// directory.
func NewDeriver(cfg *config.WalletConfig, logger *logging.Logger) (*Deriver, error) {
	masterKey, err := crypto.LoadECDSA(cfg.MasterKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load master key from %s: %w", cfg.MasterKeyFile, err)
	}
	if err := os.MkdirAll(cfg.DerivedKeystoreDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create keystore directory: %w", err)
	}

	return &Deriver{
		masterKey:   masterKey,
		keystoreDir: cfg.DerivedKeystoreDir,
		counterFile: cfg.CounterFile,
		passphrase:  cfg.KeystorePassphrase,
		logger:      logger,
		scryptN:     keystore.StandardScryptN,
		scryptP:     keystore.StandardScryptP,
	}, nil
}

// PrimaryAddress returns the address of the master key. Sweeps move derived
// funds here, and withdrawals are paid out of it.
func (d *Deriver) PrimaryAddress() string {
	return crypto.PubkeyToAddress(d.masterKey.PublicKey).Hex()
}

// MasterKey returns the master signing key.
func (d *Deriver) MasterKey() *ecdsa.PrivateKey {
	return d.masterKey
}

// EnsureDepositWallet returns the deposit address and key reference for
// userID, deriving and persisting a new keypair on first call. The key file
// is written before the address is returned so a crash cannot leave an
// address in circulation without its signing key.
func (d *Deriver) EnsureDepositWallet(userID string) (address, keyRef string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	keyRef = userID + ".json"
	keyPath := filepath.Join(d.keystoreDir, keyRef)

	if data, err := os.ReadFile(keyPath); err == nil { // #nosec G304 - path is under the keystore dir
		key, err := keystore.DecryptKey(data, d.passphrase)
		if err != nil {
			return "", "", fmt.Errorf("failed to decrypt derived key for %s: %w", userID, err)
		}
		return key.Address.Hex(), keyRef, nil
	} else if !os.IsNotExist(err) {
		return "", "", fmt.Errorf("failed to read derived key for %s: %w", userID, err)
	}

	index, err := d.nextIndex()
	if err != nil {
		return "", "", err
	}

	path, err := accounts.ParseDerivationPath(fmt.Sprintf(derivationPathTemplate, index))
	if err != nil {
		return "", "", fmt.Errorf("invalid derivation path: %w", err)
	}

	childKey, err := deriveChildKey(d.masterKey, path)
	if err != nil {
		return "", "", fmt.Errorf("failed to derive child key for %s: %w", userID, err)
	}

	key := &keystore.Key{
		Id:         uuid.New(),
		Address:    crypto.PubkeyToAddress(childKey.PublicKey),
		PrivateKey: childKey,
	}
	encrypted, err := keystore.EncryptKey(key, d.passphrase, d.scryptN, d.scryptP)
	if err != nil {
		return "", "", fmt.Errorf("failed to encrypt derived key for %s: %w", userID, err)
	}
	if err := os.WriteFile(keyPath, encrypted, 0o600); err != nil {
		return "", "", fmt.Errorf("failed to persist derived key for %s: %w", userID, err)
	}

	d.logger.WithFields(map[string]interface{}{
		"userId":  userID,
		"index":   index,
		"address": key.Address.Hex(),
	}).Info("Derived new deposit wallet")

	return key.Address.Hex(), keyRef, nil
}

// LoadDerivedKey loads and decrypts the key material behind keyRef.
func (d *Deriver) LoadDerivedKey(keyRef string) (*ecdsa.PrivateKey, error) {
	keyPath := filepath.Join(d.keystoreDir, filepath.Base(keyRef))
	data, err := os.ReadFile(keyPath) // #nosec G304 - path is constrained to the keystore dir
	if err != nil {
		return nil, fmt.Errorf("failed to read derived key %s: %w", keyRef, err)
	}
	key, err := keystore.DecryptKey(data, d.passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt derived key %s: %w", keyRef, err)
	}
	return key.PrivateKey, nil
}

// nextIndex advances the persisted derivation counter and returns the new
// value. The counter only moves forward, exactly once per new derivation.
func (d *Deriver) nextIndex() (uint32, error) {
	current := uint64(0)
	data, err := os.ReadFile(d.counterFile) // #nosec G304 - path comes from operator config
	if err != nil {
		if !os.IsNotExist(err) {
			return 0, fmt.Errorf("failed to read derivation counter: %w", err)
		}
	} else {
		current, err = strconv.ParseUint(strings.TrimSpace(string(data)), 10, 32)
		if err != nil {
			return 0, fmt.Errorf("corrupt derivation counter %q: %w", string(data), err)
		}
	}

	next := current + 1
	tmp := d.counterFile + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(next, 10)), 0o600); err != nil {
		return 0, fmt.Errorf("failed to write derivation counter: %w", err)
	}
	if err := os.Rename(tmp, d.counterFile); err != nil {
		return 0, fmt.Errorf("failed to commit derivation counter: %w", err)
	}
	return uint32(next), nil
}

// deriveChildKey walks the derivation path, producing a child secret at each
// component by hashing the parent secret with the component index. If a
// candidate secret falls outside the curve order it is rehashed until valid,
// so derivation stays deterministic for a given master key and path.
func deriveChildKey(master *ecdsa.PrivateKey, path accounts.DerivationPath) (*ecdsa.PrivateKey, error) {
	secret := crypto.FromECDSA(master)
	for _, component := range path {
		var idx [4]byte
		binary.BigEndian.PutUint32(idx[:], component)
		secret = crypto.Keccak256(secret, idx[:])

		for hardening := byte(0); ; hardening++ {
			if key, err := crypto.ToECDSA(secret); err == nil {
				secret = crypto.FromECDSA(key)
				break
			}
			if hardening == 255 {
				return nil, fmt.Errorf("could not derive valid key for component %d", component)
			}
			secret = crypto.Keccak256(secret, []byte{hardening})
		}
	}
	return crypto.ToECDSA(secret)
}
