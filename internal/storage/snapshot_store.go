package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/token-custody/internal/logging"
	"github.com/token-custody/internal/models"
)

// SnapshotStore is a whole-snapshot file-backed AccountStore. The full map is
// loaded into memory once at startup and rewritten to disk in full on every
// mutation. Reads never touch disk. A failed load is fatal to the caller: the
// process must not continue with unknown state. A failed runtime save is
// logged and the in-memory state stays authoritative until the next
// successful persist.
type SnapshotStore struct {
	path     string
	mu       sync.RWMutex
	accounts map[string]*models.UserAccount
	logger   *logging.Logger
}

// NewSnapshotStore loads the snapshot at path, creating an empty one if the
// file does not exist yet.
func NewSnapshotStore(path string, logger *logging.Logger) (*SnapshotStore, error) {
	s := &SnapshotStore{
		path:     path,
		accounts: make(map[string]*models.UserAccount),
		logger:   logger,
	}

	data, err := os.ReadFile(path) // #nosec G304 - path comes from operator config
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read account snapshot %s: %w", path, err)
		}
		if err := s.writeSnapshot(); err != nil {
			return nil, fmt.Errorf("failed to create account snapshot %s: %w", path, err)
		}
		return s, nil
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, &s.accounts); err != nil {
			return nil, fmt.Errorf("corrupt account snapshot %s: %w", path, err)
		}
	}
	for id, acct := range s.accounts {
		if acct.UserID == "" {
			acct.UserID = id
		}
	}
	return s, nil
}

// Get returns a copy of the account for userID.
func (s *SnapshotStore) Get(_ context.Context, userID string) (*models.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[userID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return acct.Clone(), nil
}

// Upsert stores the account and rewrites the snapshot file. Write failures
// are logged, not returned: memory remains authoritative until the next
// successful persist.
func (s *SnapshotStore) Upsert(_ context.Context, account *models.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounts[account.UserID] = account.Clone()
	if err := s.writeSnapshot(); err != nil {
		s.logger.WithError(err).WithField("userId", account.UserID).
			Warn("Account snapshot write failed; in-memory state remains authoritative")
	}
	return nil
}

// All returns copies of every account, ordered by user id.
func (s *SnapshotStore) All(_ context.Context) ([]*models.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.UserAccount, 0, len(s.accounts))
	for _, acct := range s.accounts {
		out = append(out, acct.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// Count returns the number of accounts.
func (s *SnapshotStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts), nil
}

// Close persists the snapshot one final time.
func (s *SnapshotStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeSnapshot()
}

// writeSnapshot rewrites the whole snapshot. The write goes through a temp
// file and rename so a crash mid-write cannot corrupt the previous snapshot.
func (s *SnapshotStore) writeSnapshot() error {
	data, err := json.MarshalIndent(s.accounts, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode accounts: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".accounts-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}
