package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/token-custody/internal/models"
	"github.com/token-custody/internal/types"
)

// PostgresStore is a transactional AccountStore implementation. It exists so
// deployments can move off the whole-snapshot file store without touching any
// caller: the repository interface is the only contract.
type PostgresStore struct {
	db *PostgresDB
}

// NewPostgresStore creates a Postgres-backed account store
func NewPostgresStore(db *PostgresDB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Get returns the account for userID, or ErrAccountNotFound.
func (s *PostgresStore) Get(ctx context.Context, userID string) (*models.UserAccount, error) {
	query := `
		SELECT user_id, process_id, deposit_address, key_ref,
		       internal_balance_raw, last_synced_at, created_at, updated_at
		FROM accounts
		WHERE user_id = $1
	`
	row := s.db.Pool().QueryRow(ctx, query, userID)
	return scanAccount(row)
}

// Upsert inserts or updates the account. Balance is stored in raw scaled
// units as a numeric string so no precision is lost.
func (s *PostgresStore) Upsert(ctx context.Context, account *models.UserAccount) error {
	now := time.Now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	query := `
		INSERT INTO accounts (
			user_id, process_id, deposit_address, key_ref,
			internal_balance_raw, last_synced_at, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE SET
			process_id = EXCLUDED.process_id,
			internal_balance_raw = EXCLUDED.internal_balance_raw,
			last_synced_at = EXCLUDED.last_synced_at,
			updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.Pool().Exec(ctx, query,
		account.UserID,
		account.ProcessID,
		account.DepositAddress,
		account.KeyRef,
		account.InternalBalance.RawString(),
		account.LastSyncedAt,
		account.CreatedAt,
		account.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert account %s: %w", account.UserID, err)
	}
	return nil
}

// All returns every account ordered by user id.
func (s *PostgresStore) All(ctx context.Context) ([]*models.UserAccount, error) {
	query := `
		SELECT user_id, process_id, deposit_address, key_ref,
		       internal_balance_raw, last_synced_at, created_at, updated_at
		FROM accounts
		ORDER BY user_id
	`
	rows, err := s.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var out []*models.UserAccount
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

// Count returns the number of accounts.
func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count accounts: %w", err)
	}
	return n, nil
}

// Close is a no-op; the shared PostgresDB owns the pool.
func (s *PostgresStore) Close() error {
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.UserAccount, error) {
	var (
		acct       models.UserAccount
		balanceRaw string
	)
	err := row.Scan(
		&acct.UserID,
		&acct.ProcessID,
		&acct.DepositAddress,
		&acct.KeyRef,
		&balanceRaw,
		&acct.LastSyncedAt,
		&acct.CreatedAt,
		&acct.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}

	acct.InternalBalance, err = types.AmountFromRawString(balanceRaw)
	if err != nil {
		return nil, fmt.Errorf("account %s has invalid stored balance: %w", acct.UserID, err)
	}
	return &acct, nil
}
