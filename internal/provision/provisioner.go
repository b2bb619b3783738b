// Package provision implements idempotent remote process provisioning: every
// user identity is bound to exactly one remote ledger child process and one
// derived deposit address, no matter how many times or how concurrently
// provisioning is requested.
package provision

import (
	"context"
	"strings"
	"time"

	"github.com/token-custody/internal/config"
	"github.com/token-custody/internal/errors"
	"github.com/token-custody/internal/ledger"
	"github.com/token-custody/internal/lock"
	"github.com/token-custody/internal/logging"
	"github.com/token-custody/internal/models"
	"github.com/token-custody/internal/storage"
	"github.com/token-custody/internal/types"
)

const (
	// defaultMaxRetries bounds the remote loop. With the initial attempt that
	// is at most six lookups per provisioning call.
	defaultMaxRetries = 5
	defaultRetryDelay = 1 * time.Second
)

// Deriver is the deposit wallet source the provisioner depends on
type Deriver interface {
	EnsureDepositWallet(userID string) (address, keyRef string, err error)
}

// Provisioner binds user identities to remote processes and deposit wallets
type Provisioner struct {
	client  ledger.Client
	store   storage.AccountStore
	deriver Deriver
	signer  ledger.Signer
	cfg     *config.LedgerConfig
	locks   *lock.KeyedMutex
	logger  *logging.Logger

	// maxRetries and retryDelay shape the bounded remote loop; tests shrink
	// the delay.
	maxRetries int
	retryDelay time.Duration
}

// NewProvisioner creates a provisioner with the default retry policy. locks
// is the account lock map shared with the reconcile and settle services.
func NewProvisioner(client ledger.Client, store storage.AccountStore, deriver Deriver, signer ledger.Signer, cfg *config.LedgerConfig, locks *lock.KeyedMutex, logger *logging.Logger) *Provisioner {
	return &Provisioner{
		client:     client,
		store:      store,
		deriver:    deriver,
		signer:     signer,
		cfg:        cfg,
		locks:      locks,
		logger:     logger,
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
	}
}

// EnsureProcess returns the account bound to userID, provisioning it remotely
// if needed. The flow is: local store hit wins; otherwise query the ledger
// for an existing process, spawning a child on a definitive miss. Lookup
// failures, spawn failures, and not-yet-visible registrations all re-enter
// the lookup under one fixed-delay bounded loop. Concurrent calls for the
// same user are serialized.
func (p *Provisioner) EnsureProcess(ctx context.Context, userID string) (*models.UserAccount, error) {
	if userID == "" {
		return nil, errors.NewValidationError("userId", "must not be empty")
	}

	release := p.locks.Acquire(userID)
	defer release()

	account, err := p.store.Get(ctx, userID)
	if err == nil && account.ProcessID != "" {
		return account, nil
	}
	if err != nil && err != storage.ErrAccountNotFound {
		return nil, errors.NewPersistenceError("get account", err)
	}

	logger := p.logger.WithField("userId", userID)

	var (
		processID     string
		remoteAddress string
		address       string
		keyRef        string
		spawned       bool
		lastErr       error
	)

	// Remote failures are folded into the loop: a failed lookup or spawn
	// waits out the fixed delay and re-enters the lookup instead of failing
	// the provisioning call on the first transient error.
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(p.retryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		pid, depositAddr, err := p.lookupProcess(ctx, userID)
		if err != nil {
			lastErr = err
			logger.WithFields(map[string]interface{}{
				"attempt":     attempt,
				"maxAttempts": p.maxRetries,
			}).WithError(err).Warn("Process lookup failed, retrying")
			continue
		}
		if pid != "" {
			processID = pid
			remoteAddress = depositAddr
			break
		}
		if spawned {
			logger.WithFields(map[string]interface{}{
				"attempt":     attempt,
				"maxAttempts": p.maxRetries,
			}).Warn("Spawned process not yet registered, retrying lookup")
			continue
		}

		// The wallet is derived only once a spawn is actually needed; a
		// lookup hit keeps whatever address the ledger has registered.
		if address == "" {
			address, keyRef, err = p.deriver.EnsureDepositWallet(userID)
			if err != nil {
				return nil, err
			}
		}
		// Each spawn attempt carries a fresh nonce so a duplicated delivery
		// cannot create a second child.
		if err := p.spawnChild(ctx, userID, address); err != nil {
			lastErr = err
			logger.WithFields(map[string]interface{}{
				"attempt":     attempt,
				"maxAttempts": p.maxRetries,
			}).WithError(err).Warn("Spawn attempt failed, retrying")
			continue
		}
		spawned = true
	}

	if processID == "" {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, errors.NewAccountNotFoundError(userID)
	}

	switch {
	case remoteAddress == "":
		if address == "" {
			// Lookup hit whose reply carried no registered address; fall
			// back to the locally derived wallet.
			address, keyRef, err = p.deriver.EnsureDepositWallet(userID)
			if err != nil {
				return nil, err
			}
		}
	case address == "":
		// Lookup hit: the registered address is what deposits arrive at, so
		// it wins. The key reference is recovered only when the locally
		// derived key actually controls that address.
		derivedAddr, derivedRef, derr := p.deriver.EnsureDepositWallet(userID)
		if derr == nil && strings.EqualFold(derivedAddr, remoteAddress) {
			keyRef = derivedRef
		} else {
			logger.WithField("depositAddress", remoteAddress).
				Warn("No local key controls the registered deposit address, sweeps disabled until key material is restored")
		}
		address = remoteAddress
	case !strings.EqualFold(remoteAddress, address):
		logger.WithFields(map[string]interface{}{
			"derived":    address,
			"registered": remoteAddress,
		}).Warn("Registered deposit address differs from the derived wallet, keeping the registered address")
		address = remoteAddress
		keyRef = ""
	}

	now := time.Now().UTC()
	account = &models.UserAccount{
		UserID:          userID,
		ProcessID:       processID,
		DepositAddress:  address,
		KeyRef:          keyRef,
		InternalBalance: types.ZeroAmount(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := p.store.Upsert(ctx, account); err != nil {
		return nil, errors.NewPersistenceError("save account", err)
	}

	logger.WithFields(map[string]interface{}{
		"processId":      processID,
		"depositAddress": address,
	}).Info("Provisioned user account")
	return account, nil
}

// lookupProcess asks the ledger for the user's child process and its
// registered deposit address. An empty process ID or a remote rejection both
// read as "not provisioned yet".
func (p *Provisioner) lookupProcess(ctx context.Context, userID string) (processID, depositAddress string, err error) {
	msg := ledger.NewMessage(p.cfg.LedgerProcessID, types.ActionGetUserProcess).
		WithTag(types.TagUserID, userID)

	txID, err := p.client.Send(ctx, msg, p.signer)
	if err != nil {
		return "", "", err
	}
	result, err := p.client.AwaitResult(ctx, p.cfg.LedgerProcessID, txID, p.cfg.QueryTimeout)
	if err != nil {
		return "", "", err
	}

	envelope, err := ledger.DecodeEnvelope(types.ActionGetUserProcess, result)
	if err != nil {
		if errors.IsRemoteRejection(err) {
			return "", "", nil
		}
		return "", "", err
	}
	return envelope.ProcessID, envelope.DepositAddress, nil
}

func (p *Provisioner) spawnChild(ctx context.Context, userID, depositAddress string) error {
	msg := ledger.NewMessage(p.cfg.ParentProcessID, types.ActionSpawnChild).
		WithTag(types.TagUserID, userID).
		WithTag(types.TagDepositAddress, depositAddress).
		WithTag(types.TagScheduler, p.cfg.SchedulerID).
		WithTag(types.TagAuthority, p.cfg.AuthorityID).
		WithNonce()

	txID, err := p.client.Send(ctx, msg, p.signer)
	if err != nil {
		return err
	}
	result, err := p.client.AwaitResult(ctx, p.cfg.ParentProcessID, txID, p.cfg.QueryTimeout)
	if err != nil {
		return err
	}
	if _, err := ledger.DecodeEnvelope(types.ActionSpawnChild, result); err != nil {
		return err
	}
	p.logger.WithField("userId", userID).Info("Spawned child process")
	return nil
}
