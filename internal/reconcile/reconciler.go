// Package reconcile keeps the locally cached internal balance aligned with
// the remote ledger and the on-chain deposit wallet. Reconciliation is
// read-mostly: the only mutation it ever issues is a divergence credit when
// the deposit wallet holds more than the ledger has recorded.
package reconcile

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/token-custody/internal/config"
	"github.com/token-custody/internal/errors"
	"github.com/token-custody/internal/ledger"
	"github.com/token-custody/internal/lock"
	"github.com/token-custody/internal/logging"
	"github.com/token-custody/internal/models"
	"github.com/token-custody/internal/retry"
	"github.com/token-custody/internal/storage"
	"github.com/token-custody/internal/types"
	"github.com/token-custody/internal/wallet"
)

const (
	onChainQueryAttempts = 3
	onChainQueryDelay    = 2 * time.Second
)

// KeySource provides signing keys for sweeps
type KeySource interface {
	LoadDerivedKey(keyRef string) (*ecdsa.PrivateKey, error)
	PrimaryAddress() string
}

// Journal receives settlement audit events
type Journal interface {
	Record(ctx context.Context, event *storage.JournalEvent) error
}

// Summary is the outcome of one reconciliation pass
type Summary struct {
	Balance   types.Amount `json:"balance"`
	Message   string       `json:"message"`
	TxRef     string       `json:"txRef,omitempty"`
	FromCache bool         `json:"fromCache"`
}

// Reconciler aligns cached internal balances with the remotes
type Reconciler struct {
	client  ledger.Client
	store   storage.AccountStore
	cache   *storage.BalanceCache
	keys    KeySource
	signer  ledger.Signer
	journal Journal
	cfg     *config.LedgerConfig
	locks   *lock.KeyedMutex
	logger  *logging.Logger

	freshnessWindow time.Duration
	onChainRetry    *retry.RetryConfig
}

// NewReconciler creates a reconciler. cache and journal may be nil. locks is
// the account lock map shared with the provision and settle services so a
// reconciliation pass can never interleave with a settlement on the same
// account.
func NewReconciler(client ledger.Client, store storage.AccountStore, cache *storage.BalanceCache, keys KeySource, signer ledger.Signer, journal Journal, cfg *config.LedgerConfig, freshnessWindow time.Duration, locks *lock.KeyedMutex, logger *logging.Logger) *Reconciler {
	return &Reconciler{
		client:          client,
		store:           store,
		cache:           cache,
		keys:            keys,
		signer:          signer,
		journal:         journal,
		cfg:             cfg,
		locks:           locks,
		logger:          logger,
		freshnessWindow: freshnessWindow,
		onChainRetry:    retry.FixedDelayConfig(onChainQueryAttempts, onChainQueryDelay),
	}
}

// Reconcile refreshes the internal balance for userID and returns it. Fresh
// cached balances short-circuit with zero remote calls. When the on-chain
// query cannot be answered within its retry budget the cached internal
// balance is returned as a degraded, non-fatal result. The pass runs under
// the account lock so it cannot overwrite a concurrent settlement's
// confirmed balance.
func (r *Reconciler) Reconcile(ctx context.Context, userID string) (*Summary, error) {
	if userID == "" {
		return nil, errors.NewValidationError("userId", "must not be empty")
	}

	release := r.locks.Acquire(userID)
	defer release()
	return r.ReconcileLocked(ctx, userID)
}

// ReconcileLocked runs one reconciliation pass for a caller that already
// holds the account lock, such as a settlement in progress.
func (r *Reconciler) ReconcileLocked(ctx context.Context, userID string) (*Summary, error) {
	if userID == "" {
		return nil, errors.NewValidationError("userId", "must not be empty")
	}

	account, err := r.store.Get(ctx, userID)
	if err != nil {
		if err == storage.ErrAccountNotFound {
			return nil, errors.NewAccountNotFoundError(userID)
		}
		return nil, errors.NewPersistenceError("get account", err)
	}

	logger := r.logger.WithField("userId", userID)
	now := time.Now().UTC()

	if cached, ok := r.freshBalance(ctx, account, now); ok {
		return &Summary{
			Balance:   cached,
			Message:   "Balance is up to date.",
			FromCache: true,
		}, nil
	}

	onChain, onChainErr := r.OnChainBalance(ctx, account.DepositAddress)
	if onChainErr != nil {
		logger.WithError(onChainErr).Warn("On-chain balance query exhausted retries, returning cached balance")
		return &Summary{
			Balance:   account.InternalBalance,
			Message:   "On-chain balance is temporarily unavailable; showing last known balance.",
			FromCache: true,
		}, nil
	}

	internal, err := r.internalBalance(ctx, account.ProcessID)
	if err != nil {
		return nil, err
	}
	account.InternalBalance = internal

	summary := &Summary{Message: "Balance reconciled."}

	if onChain.Cmp(internal) > 0 {
		adjustment, err := onChain.Sub(internal)
		if err != nil {
			return nil, err
		}
		newBalance, txRef, err := r.creditAdjustment(ctx, account, adjustment)
		if err != nil {
			return nil, err
		}
		account.InternalBalance = newBalance
		summary.TxRef = txRef
		summary.Message = fmt.Sprintf("Credited %s from deposits.", adjustment.String())

		r.recordEvent(ctx, &storage.JournalEvent{
			UserID: userID,
			Kind:   storage.JournalReconciliation,
			Status: types.StatusCompleted,
			Amount: adjustment,
			TxRef:  txRef,
		})
	}

	account.LastSyncedAt = now
	account.UpdatedAt = now
	if err := r.store.Upsert(ctx, account); err != nil {
		return nil, errors.NewPersistenceError("save account", err)
	}
	r.putCache(ctx, userID, account.InternalBalance, now)

	summary.Balance = account.InternalBalance
	return summary, nil
}

// freshBalance returns the cached balance when it is still inside the
// freshness window.
func (r *Reconciler) freshBalance(ctx context.Context, account *models.UserAccount, now time.Time) (types.Amount, bool) {
	if r.cache != nil {
		if balance, ok, err := r.cache.Get(ctx, account.UserID); err == nil && ok {
			return balance, true
		}
	}
	if account.Fresh(now, r.freshnessWindow) {
		return account.InternalBalance, true
	}
	return types.ZeroAmount(), false
}

// OnChainBalance queries the token contract for the scaled balance of
// address, retrying transient failures under the fixed on-chain policy.
func (r *Reconciler) OnChainBalance(ctx context.Context, address string) (types.Amount, error) {
	var balance types.Amount
	err := retry.Do(ctx, r.onChainRetry, func(ctx context.Context, _ int) error {
		msg := ledger.NewMessage(r.cfg.TokenProcessID, types.ActionTokenBalance).
			WithTag(types.TagTarget, address)
		result, err := r.client.DryRun(ctx, msg)
		if err != nil {
			return err
		}
		balance, err = ledger.BalanceFromTags(result)
		return err
	})
	if err != nil {
		return types.ZeroAmount(), err
	}
	return balance, nil
}

// internalBalance asks the user's ledger process for its recorded balance
func (r *Reconciler) internalBalance(ctx context.Context, processID string) (types.Amount, error) {
	msg := ledger.NewMessage(r.cfg.LedgerProcessID, types.ActionGetBalance).
		WithTag(types.TagProcessID, processID)

	txID, err := r.client.Send(ctx, msg, r.signer)
	if err != nil {
		return types.ZeroAmount(), err
	}
	result, err := r.client.AwaitResult(ctx, r.cfg.LedgerProcessID, txID, r.cfg.MutationTimeout)
	if err != nil {
		return types.ZeroAmount(), err
	}
	envelope, err := ledger.DecodeEnvelope(types.ActionGetBalance, result)
	if err != nil {
		return types.ZeroAmount(), err
	}
	return envelope.BalanceAmount()
}

// creditAdjustment credits the ledger with a deposit-derived adjustment. The
// ledger's confirmed NewBalance becomes the authoritative internal balance.
func (r *Reconciler) creditAdjustment(ctx context.Context, account *models.UserAccount, adjustment types.Amount) (types.Amount, string, error) {
	msg := ledger.NewMessage(r.cfg.LedgerProcessID, types.ActionCreditBalance).
		WithNonce().
		WithData(creditBody(account.ProcessID, adjustment))

	txID, err := r.client.Send(ctx, msg, r.signer)
	if err != nil {
		return types.ZeroAmount(), "", err
	}
	result, err := r.client.AwaitResult(ctx, r.cfg.LedgerProcessID, txID, r.cfg.MutationTimeout)
	if err != nil {
		return types.ZeroAmount(), "", err
	}
	envelope, err := ledger.DecodeEnvelope(types.ActionCreditBalance, result)
	if err != nil {
		return types.ZeroAmount(), "", err
	}
	newBalance, err := envelope.NewBalanceAmount()
	if err != nil {
		return types.ZeroAmount(), "", err
	}
	return newBalance, txID, nil
}

// Sweep moves the full derived-wallet balance of account to the primary
// wallet, signing with the derived key. The transfer is confirmed strictly:
// a reply that matches neither recognized success shape fails the sweep.
func (r *Reconciler) Sweep(ctx context.Context, account *models.UserAccount, amount types.Amount) (string, error) {
	if !amount.IsPositive() {
		return "", errors.NewValidationError("amount", "sweep amount must be positive")
	}

	key, err := r.keys.LoadDerivedKey(account.KeyRef)
	if err != nil {
		return "", fmt.Errorf("failed to load derived key for %s: %w", account.UserID, err)
	}
	signer := wallet.NewKeySigner(key)

	msg := ledger.NewMessage(r.cfg.TokenProcessID, types.ActionTokenTransfer).
		WithTag(types.TagRecipient, r.keys.PrimaryAddress()).
		WithTag(types.TagQuantity, amount.RawString()).
		WithNonce()

	txID, err := r.client.Send(ctx, msg, signer)
	if err != nil {
		return "", err
	}
	result, err := r.client.AwaitResult(ctx, r.cfg.TokenProcessID, txID, r.cfg.MutationTimeout)
	if err != nil {
		return "", err
	}
	if err := ledger.DecodeTransferResult(types.ActionTokenTransfer, result); err != nil {
		return "", err
	}

	r.logger.WithFields(map[string]interface{}{
		"userId": account.UserID,
		"amount": amount.String(),
		"txRef":  txID,
	}).Info("Swept deposit wallet to primary")

	r.recordEvent(ctx, &storage.JournalEvent{
		UserID: account.UserID,
		Kind:   storage.JournalSweep,
		Status: types.StatusCompleted,
		Amount: amount,
		TxRef:  txID,
	})
	return txID, nil
}

// CreditSwept credits the ledger for a completed sweep. A failure here is a
// partial settlement: funds left the derived wallet but the ledger was not
// credited, which callers must surface as needing reconciliation.
func (r *Reconciler) CreditSwept(ctx context.Context, account *models.UserAccount, amount types.Amount) (types.Amount, string, error) {
	return r.creditAdjustment(ctx, account, amount)
}

// InvalidateCache drops the user's cached balance after a mutation
func (r *Reconciler) InvalidateCache(ctx context.Context, userID string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Invalidate(ctx, userID); err != nil {
		r.logger.WithField("userId", userID).WithError(err).Warn("Failed to invalidate balance cache")
	}
}

func (r *Reconciler) putCache(ctx context.Context, userID string, balance types.Amount, syncedAt time.Time) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Put(ctx, userID, balance, syncedAt); err != nil {
		r.logger.WithField("userId", userID).WithError(err).Warn("Failed to update balance cache")
	}
}

func (r *Reconciler) recordEvent(ctx context.Context, event *storage.JournalEvent) {
	if r.journal == nil {
		return
	}
	if err := r.journal.Record(ctx, event); err != nil {
		r.logger.WithError(err).Warn("Failed to record journal event")
	}
}

// creditBody builds the JSON body shared by credit and debit requests
func creditBody(processID string, amount types.Amount) string {
	return fmt.Sprintf(`{"processId":%q,"amount":%q}`, processID, amount.RawString())
}
