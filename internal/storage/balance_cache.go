package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/token-custody/internal/types"
)

// BalanceCache caches the last reconciled balance per user so hot read paths
// can answer without re-entering the reconciler. Entries expire after the
// freshness window and are invalidated whenever a settlement touches the
// account. Cache failures are never fatal: callers fall through to a full
// reconciliation.
type BalanceCache struct {
	cache *RedisCache
	ttl   time.Duration
}

// CachedBalance is the stored cache entry
type CachedBalance struct {
	BalanceRaw string    `json:"balanceRaw"`
	SyncedAt   time.Time `json:"syncedAt"`
}

// NewBalanceCache creates a balance cache with the given freshness window
func NewBalanceCache(cache *RedisCache, ttl time.Duration) *BalanceCache {
	return &BalanceCache{cache: cache, ttl: ttl}
}

func balanceKey(userID string) string {
	return "balance:" + userID
}

// Get returns the cached balance for userID, or (zero, false) on a miss.
func (c *BalanceCache) Get(ctx context.Context, userID string) (types.Amount, bool, error) {
	data, err := c.cache.Client().Get(ctx, balanceKey(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return types.ZeroAmount(), false, nil
		}
		return types.ZeroAmount(), false, fmt.Errorf("balance cache read failed: %w", err)
	}

	var entry CachedBalance
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		// A malformed entry is treated as a miss and dropped.
		_ = c.Invalidate(ctx, userID)
		return types.ZeroAmount(), false, nil
	}
	amount, err := types.AmountFromRawString(entry.BalanceRaw)
	if err != nil {
		_ = c.Invalidate(ctx, userID)
		return types.ZeroAmount(), false, nil
	}
	return amount, true, nil
}

// Put stores the reconciled balance with the freshness TTL.
func (c *BalanceCache) Put(ctx context.Context, userID string, balance types.Amount, syncedAt time.Time) error {
	entry := CachedBalance{
		BalanceRaw: balance.RawString(),
		SyncedAt:   syncedAt,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cached balance: %w", err)
	}
	if err := c.cache.Client().Set(ctx, balanceKey(userID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("balance cache write failed: %w", err)
	}
	return nil
}

// Invalidate drops the cached balance for userID.
func (c *BalanceCache) Invalidate(ctx context.Context, userID string) error {
	if err := c.cache.Client().Del(ctx, balanceKey(userID)).Err(); err != nil {
		return fmt.Errorf("balance cache invalidation failed: %w", err)
	}
	return nil
}
