// Package storage provides account persistence and caching for the custody
// engine.
package storage

import (
	"context"
	"errors"

	"github.com/token-custody/internal/models"
)

// ErrAccountNotFound is returned by Get when no record exists for the user.
var ErrAccountNotFound = errors.New("account not found")

// AccountStore is the durable mapping from user identity to account record.
// It is the sole source of truth for locally cached state; implementations
// must tolerate concurrent callers.
type AccountStore interface {
	// Get returns a copy of the account for userID, or ErrAccountNotFound.
	Get(ctx context.Context, userID string) (*models.UserAccount, error)
	// Upsert stores the account and persists it durably.
	Upsert(ctx context.Context, account *models.UserAccount) error
	// All returns copies of every account.
	All(ctx context.Context) ([]*models.UserAccount, error)
	// Count returns the number of accounts.
	Count(ctx context.Context) (int, error)
	// Close releases any resources held by the store.
	Close() error
}
