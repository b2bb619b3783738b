// Package models provides data structures for custodial accounts.
package models

import (
	"time"

	"github.com/token-custody/internal/types"
)

// UserAccount represents a custodial account for one user identity. ProcessID
// and DepositAddress are assigned exactly once and immutable thereafter.
// InternalBalance is a cache of the remote ledger's state: it must only be
// mutated after a confirmed ledger response, never independently. Accounts
// are never deleted.
type UserAccount struct {
	UserID         string `json:"userId"`
	ProcessID      string `json:"processId"`
	DepositAddress string `json:"depositAddress"`
	// KeyRef names the encrypted key-material file owning the deposit
	// address; it is required to sign sweeps out of that address.
	KeyRef          string       `json:"keyRef"`
	InternalBalance types.Amount `json:"internalBalance"`
	LastSyncedAt    time.Time    `json:"lastSyncedAt"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}

// Fresh reports whether the cached balance is still inside the freshness
// window relative to now.
func (a *UserAccount) Fresh(now time.Time, window time.Duration) bool {
	if a.LastSyncedAt.IsZero() {
		return false
	}
	return now.Sub(a.LastSyncedAt) < window
}

// Clone returns a copy of the account. Stores hand out clones so callers
// cannot mutate cached records without going through Upsert.
func (a *UserAccount) Clone() *UserAccount {
	copied := *a
	return &copied
}
