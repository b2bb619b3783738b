package wallet

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/token-custody/internal/config"
	"github.com/token-custody/internal/logging"
)

func newTestDeriver(t *testing.T) *Deriver {
	t.Helper()

	dir := t.TempDir()
	masterKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	keyFile := filepath.Join(dir, "master.key")
	require.NoError(t, crypto.SaveECDSA(keyFile, masterKey))

	d, err := NewDeriver(&config.WalletConfig{
		MasterKeyFile:      keyFile,
		DerivedKeystoreDir: filepath.Join(dir, "derived"),
		CounterFile:        filepath.Join(dir, "counter"),
		KeystorePassphrase: "test-passphrase",
	}, logging.NewLogger(logging.LevelError, logging.FormatText))
	require.NoError(t, err)

	// Light scrypt keeps key encryption fast in tests
	d.scryptN = keystore.LightScryptN
	d.scryptP = keystore.LightScryptP
	return d
}

func mustPath(t *testing.T, s string) accounts.DerivationPath {
	t.Helper()
	path, err := accounts.ParseDerivationPath(s)
	require.NoError(t, err)
	return path
}

func countKeyFiles(t *testing.T, d *Deriver) int {
	t.Helper()
	entries, err := os.ReadDir(d.keystoreDir)
	require.NoError(t, err)
	return len(entries)
}

func TestEnsureDepositWallet_Idempotent(t *testing.T) {
	d := newTestDeriver(t)

	addr1, ref1, err := d.EnsureDepositWallet("user-1")
	require.NoError(t, err)
	require.NotEmpty(t, addr1)

	addr2, ref2, err := d.EnsureDepositWallet("user-1")
	require.NoError(t, err)

	assert.Equal(t, addr1, addr2)
	assert.Equal(t, ref1, ref2)
	assert.Equal(t, 1, countKeyFiles(t, d), "second derivation must not create another key file")
}

func TestEnsureDepositWallet_DistinctUsersDistinctAddresses(t *testing.T) {
	d := newTestDeriver(t)

	addr1, _, err := d.EnsureDepositWallet("user-1")
	require.NoError(t, err)
	addr2, _, err := d.EnsureDepositWallet("user-2")
	require.NoError(t, err)

	assert.NotEqual(t, addr1, addr2)
	assert.Equal(t, 2, countKeyFiles(t, d))
}

func TestEnsureDepositWallet_CounterIsMonotonic(t *testing.T) {
	d := newTestDeriver(t)

	_, _, err := d.EnsureDepositWallet("user-1")
	require.NoError(t, err)
	data, err := os.ReadFile(d.counterFile)
	require.NoError(t, err)
	assert.Equal(t, "1", string(data))

	// Re-deriving an existing user must not advance the counter
	_, _, err = d.EnsureDepositWallet("user-1")
	require.NoError(t, err)
	data, err = os.ReadFile(d.counterFile)
	require.NoError(t, err)
	assert.Equal(t, "1", string(data))

	_, _, err = d.EnsureDepositWallet("user-2")
	require.NoError(t, err)
	data, err = os.ReadFile(d.counterFile)
	require.NoError(t, err)
	assert.Equal(t, "2", string(data))
}

func TestLoadDerivedKey_MatchesDepositAddress(t *testing.T) {
	d := newTestDeriver(t)

	addr, ref, err := d.EnsureDepositWallet("user-1")
	require.NoError(t, err)

	key, err := d.LoadDerivedKey(ref)
	require.NoError(t, err)
	assert.Equal(t, addr, crypto.PubkeyToAddress(key.PublicKey).Hex())
}

func TestDeriveChildKey_Deterministic(t *testing.T) {
	d := newTestDeriver(t)

	path := mustPath(t, "m/44'/1729'/1'/0/0")
	k1, err := deriveChildKey(d.masterKey, path)
	require.NoError(t, err)
	k2, err := deriveChildKey(d.masterKey, path)
	require.NoError(t, err)
	assert.Equal(t, crypto.FromECDSA(k1), crypto.FromECDSA(k2))

	other := mustPath(t, "m/44'/1729'/2'/0/0")
	k3, err := deriveChildKey(d.masterKey, other)
	require.NoError(t, err)
	assert.NotEqual(t, crypto.FromECDSA(k1), crypto.FromECDSA(k3))
}

func TestKeySigner_SignsDeterministically(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	signer := NewKeySigner(key)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey).Hex(), signer.Address())

	sig1, err := signer.Sign([]byte("payload"))
	require.NoError(t, err)
	sig2, err := signer.Sign([]byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, sig1, sig2)
	assert.NotEmpty(t, sig1)
}
