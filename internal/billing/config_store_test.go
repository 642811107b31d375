package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeCache struct {
	mu      sync.Mutex
	data    map[string]string
	readErr error
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string]string)}
}

func (c *fakeCache) Get(_ context.Context, key string) *redis.StringCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return redis.NewStringResult("", c.readErr)
	}
	v, ok := c.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (c *fakeCache) Set(_ context.Context, key string, value any, _ time.Duration) *redis.StatusCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := value.(*LimitConfig).MarshalBinary()
	if err != nil {
		return redis.NewStatusResult("", err)
	}
	c.data[key] = string(b)
	return redis.NewStatusResult("OK", nil)
}

func (c *fakeCache) Del(_ context.Context, keys ...string) *redis.IntCmd {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.data, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

type countingConfigStore struct {
	*MemoryConfigStore
	gets int
}

func (s *countingConfigStore) GetLimitConfig(ctx context.Context, tenantID string) (*LimitConfig, error) {
	s.gets++
	return s.MemoryConfigStore.GetLimitConfig(ctx, tenantID)
}

func TestCachedConfigStore(t *testing.T) {
	ctx := context.Background()
	cfg := chargeConfig()
	ApplyDefaults(cfg)
	backing := &countingConfigStore{MemoryConfigStore: NewMemoryConfigStore(cfg)}
	cache := newFakeCache()
	store := NewCachedConfigStore(backing, cache, time.Minute, zap.NewNop())

	got, err := store.GetLimitConfig(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, int64(200), got.IncludedMinutes)

	got, err = store.GetLimitConfig(ctx, tenant)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(350).Equal(got.OverageUnitPrice))
	assert.Equal(t, 1, backing.gets, "second read is served from cache")

	cfg.IncludedMinutes = 500
	require.NoError(t, store.SaveLimitConfig(ctx, cfg))

	got, err = store.GetLimitConfig(ctx, tenant)
	require.NoError(t, err)
	assert.Equal(t, int64(500), got.IncludedMinutes)
	assert.Equal(t, 2, backing.gets)
}

func TestCachedConfigStore_CacheErrorFallsThrough(t *testing.T) {
	cfg := chargeConfig()
	ApplyDefaults(cfg)
	cache := newFakeCache()
	cache.readErr = errors.New("redis down")
	store := NewCachedConfigStore(NewMemoryConfigStore(cfg), cache, time.Minute, zap.NewNop())

	got, err := store.GetLimitConfig(context.Background(), tenant)
	require.NoError(t, err)
	assert.Equal(t, tenant, got.TenantID)

	_, err = store.GetLimitConfig(context.Background(), "unknown")
	assert.ErrorIs(t, err, ErrConfigNotFound)
}

func TestCachedConfigStore_RejectsInvalidConfig(t *testing.T) {
	store := NewCachedConfigStore(NewMemoryConfigStore(), newFakeCache(), time.Minute, zap.NewNop())

	err := store.SaveLimitConfig(context.Background(), &LimitConfig{TenantID: tenant, Thresholds: []int{90, 80}})
	assert.ErrorIs(t, err, ErrInvalidLimitConfig)
}
