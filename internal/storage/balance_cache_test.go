package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/token-custody/internal/types"
)

func setupBalanceCache(t *testing.T, ttl time.Duration) (*BalanceCache, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewBalanceCache(NewRedisCacheFromClient(client), ttl), mr
}

func TestBalanceCache_MissThenHit(t *testing.T) {
	ctx := context.Background()
	cache, _ := setupBalanceCache(t, 5*time.Second)

	_, ok, err := cache.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, ok)

	amount, err := types.ParseAmount("12.5")
	require.NoError(t, err)
	require.NoError(t, cache.Put(ctx, "user-1", amount, time.Now()))

	got, ok, err := cache.Get(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, amount.Equal(got))
}

func TestBalanceCache_ExpiresAfterFreshnessWindow(t *testing.T) {
	ctx := context.Background()
	cache, mr := setupBalanceCache(t, 5*time.Second)

	amount, err := types.ParseAmount("3")
	require.NoError(t, err)
	require.NoError(t, cache.Put(ctx, "user-1", amount, time.Now()))

	mr.FastForward(6 * time.Second)

	_, ok, err := cache.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBalanceCache_Invalidate(t *testing.T) {
	ctx := context.Background()
	cache, _ := setupBalanceCache(t, time.Minute)

	amount, err := types.ParseAmount("7")
	require.NoError(t, err)
	require.NoError(t, cache.Put(ctx, "user-1", amount, time.Now()))
	require.NoError(t, cache.Invalidate(ctx, "user-1"))

	_, ok, err := cache.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBalanceCache_MalformedEntryIsMiss(t *testing.T) {
	ctx := context.Background()
	cache, mr := setupBalanceCache(t, time.Minute)

	require.NoError(t, mr.Set("balance:user-1", "{broken"))

	_, ok, err := cache.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
