// Package settle executes balance-mutating settlements: internal transfers
// between users (tips), on-chain withdrawals, and ledger debits. Every
// settlement runs under per-user locks acquired in sorted order, and every
// partial outcome in which funds moved without a matching ledger update is
// reported distinctly as needing reconciliation.
package settle

import (
	"context"
	"fmt"
	"time"

	"github.com/token-custody/internal/config"
	"github.com/token-custody/internal/errors"
	"github.com/token-custody/internal/ledger"
	"github.com/token-custody/internal/lock"
	"github.com/token-custody/internal/logging"
	"github.com/token-custody/internal/models"
	"github.com/token-custody/internal/reconcile"
	"github.com/token-custody/internal/storage"
	"github.com/token-custody/internal/types"
)

// Provisioner binds users to remote processes
type Provisioner interface {
	EnsureProcess(ctx context.Context, userID string) (*models.UserAccount, error)
}

// Reconciler supplies balance state and sweep execution. ReconcileLocked is
// used because the settler already holds the account locks when it refreshes
// balances.
type Reconciler interface {
	ReconcileLocked(ctx context.Context, userID string) (*reconcile.Summary, error)
	OnChainBalance(ctx context.Context, address string) (types.Amount, error)
	Sweep(ctx context.Context, account *models.UserAccount, amount types.Amount) (string, error)
	CreditSwept(ctx context.Context, account *models.UserAccount, amount types.Amount) (types.Amount, string, error)
	InvalidateCache(ctx context.Context, userID string)
}

// Settler executes settlements against the remote ledger
type Settler struct {
	client      ledger.Client
	store       storage.AccountStore
	provisioner Provisioner
	reconciler  Reconciler
	journal     reconcile.Journal
	signer      ledger.Signer
	cfg         *config.LedgerConfig
	locks       *lock.KeyedMutex
	logger      *logging.Logger
}

// NewSettler creates a settler. journal may be nil. locks is the account
// lock map shared with the provision and reconcile services.
func NewSettler(client ledger.Client, store storage.AccountStore, provisioner Provisioner, reconciler Reconciler, journal reconcile.Journal, signer ledger.Signer, cfg *config.LedgerConfig, locks *lock.KeyedMutex, logger *logging.Logger) *Settler {
	return &Settler{
		client:      client,
		store:       store,
		provisioner: provisioner,
		reconciler:  reconciler,
		journal:     journal,
		signer:      signer,
		cfg:         cfg,
		locks:       locks,
		logger:      logger,
	}
}

// Transfer moves amount from sender to receiver on the internal ledger,
// sweeping the sender's deposit wallet first when it holds funds. The
// spendable balance is internal plus derived on-chain; a shortfall is
// rejected before any mutating remote call.
func (s *Settler) Transfer(ctx context.Context, senderID, receiverID string, amount types.Amount) (*types.SettlementOutcome, error) {
	if err := validateParties(senderID, receiverID); err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, errors.NewValidationError("amount", "must be positive")
	}

	// Provisioning takes each account's lock itself, so it runs before the
	// settlement locks are held and the accounts are reloaded after.
	if _, err := s.provisioner.EnsureProcess(ctx, senderID); err != nil {
		return nil, err
	}
	if _, err := s.provisioner.EnsureProcess(ctx, receiverID); err != nil {
		return nil, err
	}

	release := s.locks.AcquireAll(senderID, receiverID)
	defer release()

	sender, err := s.store.Get(ctx, senderID)
	if err != nil {
		return nil, errors.NewPersistenceError("get sender", err)
	}
	receiver, err := s.store.Get(ctx, receiverID)
	if err != nil {
		return nil, errors.NewPersistenceError("get receiver", err)
	}

	sender, derived, outcome, err := s.prepareSpendable(ctx, sender, amount)
	if err != nil || outcome != nil {
		return outcome, err
	}

	txRef, err := s.transferBalance(ctx, sender.ProcessID, receiver.ProcessID, amount)
	if err != nil {
		s.logger.WithFields(map[string]interface{}{
			"senderId":   senderID,
			"receiverId": receiverID,
			"amount":     amount.String(),
		}).WithError(err).Error("Internal transfer failed")
		return &types.SettlementOutcome{
			Status:  types.StatusFailed,
			Message: "Transfer failed; no funds moved between accounts.",
		}, nil
	}

	now := time.Now().UTC()
	newSenderBalance, err := sender.InternalBalance.Sub(amount)
	if err != nil {
		return nil, err
	}
	sender.InternalBalance = newSenderBalance
	sender.LastSyncedAt = now
	sender.UpdatedAt = now
	receiver.InternalBalance = receiver.InternalBalance.Add(amount)
	receiver.LastSyncedAt = now
	receiver.UpdatedAt = now

	if err := s.store.Upsert(ctx, sender); err != nil {
		return nil, errors.NewPersistenceError("save sender", err)
	}
	if err := s.store.Upsert(ctx, receiver); err != nil {
		return nil, errors.NewPersistenceError("save receiver", err)
	}
	s.reconciler.InvalidateCache(ctx, senderID)
	s.reconciler.InvalidateCache(ctx, receiverID)

	s.recordEvent(ctx, &storage.JournalEvent{
		UserID:       senderID,
		Counterparty: receiverID,
		Kind:         storage.JournalTip,
		Status:       types.StatusCompleted,
		Amount:       amount,
		TxRef:        txRef,
		Detail:       fmt.Sprintf("swept %s from deposit wallet", derived.String()),
	})

	return &types.SettlementOutcome{
		Status:  types.StatusCompleted,
		TxRef:   txRef,
		Message: fmt.Sprintf("Transferred %s.", amount.String()),
	}, nil
}

// Withdraw pays amount from the primary wallet to destination and debits the
// user's internal ledger balance. An on-chain success followed by a debit
// failure is reported as needing reconciliation: the payout happened but the
// recorded balance is stale.
func (s *Settler) Withdraw(ctx context.Context, userID string, amount types.Amount, destination string) (*types.SettlementOutcome, error) {
	if userID == "" {
		return nil, errors.NewValidationError("userId", "must not be empty")
	}
	if destination == "" {
		return nil, errors.NewValidationError("destination", "must not be empty")
	}
	if !amount.IsPositive() {
		return nil, errors.NewValidationError("amount", "must be positive")
	}

	if _, err := s.provisioner.EnsureProcess(ctx, userID); err != nil {
		return nil, err
	}

	release := s.locks.Acquire(userID)
	defer release()

	account, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, errors.NewPersistenceError("get account", err)
	}

	account, _, outcome, err := s.prepareSpendable(ctx, account, amount)
	if err != nil || outcome != nil {
		return outcome, err
	}

	txRef, err := s.payOut(ctx, destination, amount)
	if err != nil {
		s.logger.WithFields(map[string]interface{}{
			"userId":      userID,
			"destination": destination,
			"amount":      amount.String(),
		}).WithError(err).Error("On-chain withdrawal failed")
		return &types.SettlementOutcome{
			Status:  types.StatusFailed,
			Message: "Withdrawal failed; no funds moved.",
		}, nil
	}

	outcome = &types.SettlementOutcome{
		Status:  types.StatusCompleted,
		TxRef:   txRef,
		Message: fmt.Sprintf("Withdrew %s to %s.", amount.String(), destination),
	}

	if err := s.debitAccount(ctx, account, amount); err != nil {
		// Funds already left the primary wallet; the internal balance no
		// longer matches the ledger.
		s.logger.WithField("userId", userID).WithError(err).Error("Debit after withdrawal failed, internal balance is stale")
		outcome.Status = types.StatusNeedsReconciliation
		outcome.Message = fmt.Sprintf("Withdrew %s to %s, but the internal balance could not be debited and is stale pending reconciliation.", amount.String(), destination)
	}
	s.reconciler.InvalidateCache(ctx, userID)

	s.recordEvent(ctx, &storage.JournalEvent{
		UserID: userID,
		Kind:   storage.JournalWithdrawal,
		Status: outcome.Status,
		Amount: amount,
		TxRef:  txRef,
		Detail: destination,
	})
	return outcome, nil
}

// Debit removes amount from the user's internal ledger balance
func (s *Settler) Debit(ctx context.Context, userID string, amount types.Amount) error {
	if !amount.IsPositive() {
		return errors.NewValidationError("amount", "must be positive")
	}

	release := s.locks.Acquire(userID)
	defer release()

	account, err := s.store.Get(ctx, userID)
	if err != nil {
		if err == storage.ErrAccountNotFound {
			return errors.NewAccountNotFoundError(userID)
		}
		return errors.NewPersistenceError("get account", err)
	}
	if err := s.debitAccount(ctx, account, amount); err != nil {
		return err
	}
	s.reconciler.InvalidateCache(ctx, userID)
	return nil
}

// prepareSpendable reconciles the account, checks that internal plus derived
// funds cover amount, and sweeps plus credits the derived balance when
// present. It returns the refreshed account and the swept amount; a non-nil
// outcome is terminal.
func (s *Settler) prepareSpendable(ctx context.Context, account *models.UserAccount, amount types.Amount) (*models.UserAccount, types.Amount, *types.SettlementOutcome, error) {
	userID := account.UserID

	summary, err := s.reconciler.ReconcileLocked(ctx, userID)
	if err != nil {
		return nil, types.ZeroAmount(), nil, err
	}
	internal := summary.Balance

	derived, err := s.reconciler.OnChainBalance(ctx, account.DepositAddress)
	if err != nil {
		s.logger.WithField("userId", userID).WithError(err).Warn("Derived balance unavailable, treating as zero")
		derived = types.ZeroAmount()
	}

	if internal.Add(derived).Cmp(amount) < 0 {
		return nil, types.ZeroAmount(), &types.SettlementOutcome{
			Status: types.StatusRejected,
			Message: fmt.Sprintf("Insufficient funds: balance %s, requested %s.",
				internal.Add(derived).String(), amount.String()),
		}, nil
	}

	// Reload after reconcile so the record being mutated is current
	account, err = s.store.Get(ctx, userID)
	if err != nil {
		return nil, types.ZeroAmount(), nil, errors.NewPersistenceError("get account", err)
	}

	if derived.IsPositive() {
		if _, err := s.reconciler.Sweep(ctx, account, derived); err != nil {
			s.logger.WithField("userId", userID).WithError(err).Error("Sweep failed")
			return nil, types.ZeroAmount(), &types.SettlementOutcome{
				Status:  types.StatusFailed,
				Message: "Deposit sweep failed; no funds moved.",
			}, nil
		}

		newBalance, _, err := s.reconciler.CreditSwept(ctx, account, derived)
		if err != nil {
			// The sweep moved funds out of the derived wallet but the ledger
			// was never credited. This is the severe partial state.
			s.logger.WithField("userId", userID).WithError(err).Error("Credit after sweep failed, account needs reconciliation")
			return nil, types.ZeroAmount(), &types.SettlementOutcome{
				Status:  types.StatusNeedsReconciliation,
				Message: fmt.Sprintf("Deposit of %s was swept but not credited; the account needs reconciliation before settling.", derived.String()),
			}, nil
		}
		account.InternalBalance = newBalance
		if err := s.store.Upsert(ctx, account); err != nil {
			return nil, types.ZeroAmount(), nil, errors.NewPersistenceError("save account", err)
		}
	}

	return account, derived, nil, nil
}

// transferBalance executes the internal ledger transfer
func (s *Settler) transferBalance(ctx context.Context, fromProcessID, toProcessID string, amount types.Amount) (string, error) {
	msg := ledger.NewMessage(s.cfg.LedgerProcessID, types.ActionTransferBalance).
		WithTag(types.TagFromProcessID, fromProcessID).
		WithTag(types.TagToProcessID, toProcessID).
		WithTag(types.TagAmount, amount.RawString()).
		WithNonce()

	txID, err := s.client.Send(ctx, msg, s.signer)
	if err != nil {
		return "", err
	}
	result, err := s.client.AwaitResult(ctx, s.cfg.LedgerProcessID, txID, s.cfg.QueryTimeout)
	if err != nil {
		return "", err
	}
	if _, err := ledger.DecodeEnvelope(types.ActionTransferBalance, result); err != nil {
		return "", err
	}
	return txID, nil
}

// payOut executes an on-chain token transfer out of the primary wallet
func (s *Settler) payOut(ctx context.Context, destination string, amount types.Amount) (string, error) {
	msg := ledger.NewMessage(s.cfg.TokenProcessID, types.ActionTokenTransfer).
		WithTag(types.TagRecipient, destination).
		WithTag(types.TagQuantity, amount.RawString()).
		WithNonce()

	txID, err := s.client.Send(ctx, msg, s.signer)
	if err != nil {
		return "", err
	}
	result, err := s.client.AwaitResult(ctx, s.cfg.TokenProcessID, txID, s.cfg.MutationTimeout)
	if err != nil {
		return "", err
	}
	if err := ledger.DecodeTransferResult(types.ActionTokenTransfer, result); err != nil {
		return "", err
	}
	return txID, nil
}

// debitAccount sends the ledger debit and adopts the confirmed new balance
func (s *Settler) debitAccount(ctx context.Context, account *models.UserAccount, amount types.Amount) error {
	msg := ledger.NewMessage(s.cfg.LedgerProcessID, types.ActionDebitBalance).
		WithNonce().
		WithData(fmt.Sprintf(`{"processId":%q,"amount":%q}`, account.ProcessID, amount.RawString()))

	txID, err := s.client.Send(ctx, msg, s.signer)
	if err != nil {
		return err
	}
	result, err := s.client.AwaitResult(ctx, s.cfg.LedgerProcessID, txID, s.cfg.MutationTimeout)
	if err != nil {
		return err
	}
	envelope, err := ledger.DecodeEnvelope(types.ActionDebitBalance, result)
	if err != nil {
		return err
	}
	newBalance, err := envelope.NewBalanceAmount()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	account.InternalBalance = newBalance
	account.LastSyncedAt = now
	account.UpdatedAt = now
	if err := s.store.Upsert(ctx, account); err != nil {
		return errors.NewPersistenceError("save account", err)
	}
	return nil
}

func (s *Settler) recordEvent(ctx context.Context, event *storage.JournalEvent) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Record(ctx, event); err != nil {
		s.logger.WithError(err).Warn("Failed to record journal event")
	}
}

func validateParties(senderID, receiverID string) error {
	if senderID == "" {
		return errors.NewValidationError("senderId", "must not be empty")
	}
	if receiverID == "" {
		return errors.NewValidationError("receiverId", "must not be empty")
	}
	if senderID == receiverID {
		return errors.NewValidationError("receiverId", "sender and receiver must differ")
	}
	return nil
}
