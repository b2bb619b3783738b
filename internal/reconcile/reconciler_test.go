package reconcile

import (
	"context"
	"crypto/ecdsa"
	goerrors "errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/token-custody/internal/config"
	"github.com/token-custody/internal/errors"
	"github.com/token-custody/internal/ledger"
	"github.com/token-custody/internal/lock"
	"github.com/token-custody/internal/logging"
	"github.com/token-custody/internal/models"
	"github.com/token-custody/internal/retry"
	"github.com/token-custody/internal/storage"
	"github.com/token-custody/internal/types"
)

type fakeKeys struct {
	key     *ecdsa.PrivateKey
	primary string
}

func newFakeKeys(t *testing.T) *fakeKeys {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &fakeKeys{key: key, primary: "0xPRIMARY"}
}

func (k *fakeKeys) LoadDerivedKey(string) (*ecdsa.PrivateKey, error) { return k.key, nil }
func (k *fakeKeys) PrimaryAddress() string                           { return k.primary }

type recordingJournal struct {
	mu     sync.Mutex
	events []*storage.JournalEvent
}

func (j *recordingJournal) Record(_ context.Context, event *storage.JournalEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, event)
	return nil
}

func newTestReconciler(t *testing.T, client ledger.Client) (*Reconciler, storage.AccountStore, *recordingJournal) {
	t.Helper()

	logger := logging.NewLogger(logging.LevelError, logging.FormatText)
	store, err := storage.NewSnapshotStore(filepath.Join(t.TempDir(), "accounts.json"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	journal := &recordingJournal{}
	cfg := &config.LedgerConfig{
		LedgerProcessID: "ledger-proc",
		TokenProcessID:  "token-proc",
		QueryTimeout:    5 * time.Second,
		MutationTimeout: 10 * time.Second,
	}
	r := NewReconciler(client, store, nil, newFakeKeys(t), nil, journal, cfg, 5*time.Second, lock.NewKeyedMutex(), logger)
	r.onChainRetry = retry.FixedDelayConfig(3, time.Millisecond)
	return r, store, journal
}

func seedAccount(t *testing.T, store storage.AccountStore, balance string, syncedAt time.Time) *models.UserAccount {
	t.Helper()
	account := &models.UserAccount{
		UserID:          "u1",
		ProcessID:       "proc-1",
		DepositAddress:  "0xdeposit",
		KeyRef:          "key-u1",
		InternalBalance: mustAmount(t, balance),
		LastSyncedAt:    syncedAt,
	}
	require.NoError(t, store.Upsert(context.Background(), account))
	return account
}

func mustAmount(t *testing.T, display string) types.Amount {
	t.Helper()
	amount, err := types.ParseAmount(display)
	require.NoError(t, err)
	return amount
}

func balanceEnvelope(raw string) *ledger.Result {
	return ledger.EnvelopeResult(map[string]interface{}{"Success": true, "balance": raw})
}

func creditEnvelope(newBalanceRaw string) *ledger.Result {
	return ledger.EnvelopeResult(map[string]interface{}{"Success": true, "NewBalance": newBalanceRaw})
}

func TestReconcileFreshCacheSkipsRemotes(t *testing.T) {
	client := ledger.NewFakeClient()
	r, store, _ := newTestReconciler(t, client)
	seedAccount(t, store, "7", time.Now().UTC())

	summary, err := r.Reconcile(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, summary.FromCache)
	assert.Equal(t, "7", summary.Balance.String())
	assert.Zero(t, client.TotalCalls())
}

func TestReconcileFullPass(t *testing.T) {
	client := ledger.NewFakeClient()
	client.QueueDryRun(types.ActionTokenBalance, ledger.BalanceTagResult("0"))
	client.QueueResult(types.ActionGetBalance, balanceEnvelope("10000000000000000000"))
	r, store, _ := newTestReconciler(t, client)
	seedAccount(t, store, "4", time.Time{})

	summary, err := r.Reconcile(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, summary.FromCache)
	assert.Equal(t, "10", summary.Balance.String())

	saved, err := store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "10", saved.InternalBalance.String())
	assert.False(t, saved.LastSyncedAt.IsZero())

	// The freshly synced account must satisfy a second reconcile from cache
	// with no further remote traffic.
	calls := client.TotalCalls()
	again, err := r.Reconcile(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, again.FromCache)
	assert.Equal(t, summary.Balance.String(), again.Balance.String())
	assert.Equal(t, calls, client.TotalCalls())
}

func TestReconcileDivergenceCredits(t *testing.T) {
	client := ledger.NewFakeClient()
	client.QueueDryRun(types.ActionTokenBalance, ledger.BalanceTagResult("5000000000000000000"))
	client.QueueResult(types.ActionGetBalance, balanceEnvelope("3000000000000000000"))
	client.QueueResult(types.ActionCreditBalance, creditEnvelope("5000000000000000000"))
	r, store, journal := newTestReconciler(t, client)
	seedAccount(t, store, "3", time.Time{})

	summary, err := r.Reconcile(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "5", summary.Balance.String())
	assert.NotEmpty(t, summary.TxRef)

	nonces := client.Nonces(types.ActionCreditBalance)
	require.Len(t, nonces, 1)
	assert.NotEmpty(t, nonces[0])

	require.Len(t, journal.events, 1)
	assert.Equal(t, storage.JournalReconciliation, journal.events[0].Kind)
	assert.Equal(t, "2", journal.events[0].Amount.String())
}

func TestReconcileNoDivergenceWhenInternalCovers(t *testing.T) {
	client := ledger.NewFakeClient()
	client.QueueDryRun(types.ActionTokenBalance, ledger.BalanceTagResult("5000000000000000000"))
	client.QueueResult(types.ActionGetBalance, balanceEnvelope("10000000000000000000"))
	r, store, _ := newTestReconciler(t, client)
	seedAccount(t, store, "10", time.Time{})

	summary, err := r.Reconcile(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "10", summary.Balance.String())
	assert.Zero(t, client.SentCount(types.ActionCreditBalance))
}

func TestReconcileOnChainExhaustionFallsBack(t *testing.T) {
	client := ledger.NewFakeClient()
	client.QueueDryRunError(types.ActionTokenBalance, goerrors.New("gateway unreachable"))
	r, store, _ := newTestReconciler(t, client)
	seedAccount(t, store, "6", time.Time{})

	summary, err := r.Reconcile(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, summary.FromCache)
	assert.Equal(t, "6", summary.Balance.String())

	assert.Equal(t, 3, client.DryRunCount(types.ActionTokenBalance))
	assert.Zero(t, client.SentCount(types.ActionGetBalance), "fallback must not query the ledger")
}

func TestReconcileHonorsAccountLock(t *testing.T) {
	client := ledger.NewFakeClient()
	client.QueueDryRun(types.ActionTokenBalance, ledger.BalanceTagResult("0"))
	client.QueueResult(types.ActionGetBalance, balanceEnvelope("10000000000000000000"))
	r, store, _ := newTestReconciler(t, client)
	seedAccount(t, store, "4", time.Time{})

	// A settlement in flight holds the account lock.
	release := r.locks.Acquire("u1")

	done := make(chan *Summary, 1)
	go func() {
		summary, err := r.Reconcile(context.Background(), "u1")
		assert.NoError(t, err)
		done <- summary
	}()

	// While the lock is held elsewhere the pass must not read the account or
	// touch the remotes, or it could overwrite a balance the settlement has
	// just confirmed.
	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("reconcile ran while the account lock was held")
	default:
	}
	assert.Zero(t, client.TotalCalls())

	release()
	select {
	case summary := <-done:
		assert.Equal(t, "10", summary.Balance.String())
	case <-time.After(time.Second):
		t.Fatal("reconcile did not resume after the lock was released")
	}
}

func TestReconcileUnknownAccount(t *testing.T) {
	client := ledger.NewFakeClient()
	r, _, _ := newTestReconciler(t, client)

	_, err := r.Reconcile(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
	assert.Zero(t, client.TotalCalls())
}

func TestSweepPlainTextSuccess(t *testing.T) {
	client := ledger.NewFakeClient()
	client.QueueResult(types.ActionTokenTransfer, ledger.TextResult("You transferred 5 to 0xPRIMARY"))
	r, store, journal := newTestReconciler(t, client)
	account := seedAccount(t, store, "0", time.Time{})

	txRef, err := r.Sweep(context.Background(), account, mustAmount(t, "5"))
	require.NoError(t, err)
	assert.NotEmpty(t, txRef)

	sent := client.Sent()
	require.Len(t, sent, 1)
	recipient, ok := tagValue(sent[0].Msg, types.TagRecipient)
	require.True(t, ok)
	assert.Equal(t, "0xPRIMARY", recipient)
	quantity, ok := tagValue(sent[0].Msg, types.TagQuantity)
	require.True(t, ok)
	assert.Equal(t, "5000000000000000000", quantity)
	assert.NotEmpty(t, sent[0].SignerAddr, "sweep must be signed with the derived key")

	require.Len(t, journal.events, 1)
	assert.Equal(t, storage.JournalSweep, journal.events[0].Kind)
}

func TestSweepShapeRejection(t *testing.T) {
	client := ledger.NewFakeClient()
	client.QueueResult(types.ActionTokenTransfer, ledger.TextResult("Transfer probably worked"))
	r, store, _ := newTestReconciler(t, client)
	account := seedAccount(t, store, "0", time.Time{})

	_, err := r.Sweep(context.Background(), account, mustAmount(t, "5"))
	require.Error(t, err)
	assert.True(t, errors.IsResponseShape(err))
}

func tagValue(msg *ledger.Message, name string) (string, bool) {
	for _, tag := range msg.Tags {
		if tag.Name == name {
			return tag.Value, true
		}
	}
	return "", false
}
