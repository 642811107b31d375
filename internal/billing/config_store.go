package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type PostgresConfigStore struct {
	db DB
}

func NewPostgresConfigStore(db DB) *PostgresConfigStore {
	return &PostgresConfigStore{db: db}
}

func (s *PostgresConfigStore) GetLimitConfig(ctx context.Context, tenantID string) (*LimitConfig, error) {
	query := `
		SELECT tenant_id, included_minutes, overage_unit_price, policy, max_overage_charge, thresholds,
			channels, cooldown_minutes, billing_anchor_day, email_recipients, webhook_url, updated_at
		FROM limit_configs
		WHERE tenant_id = $1
	`
	var c LimitConfig
	err := s.db.QueryRow(ctx, query, tenantID).Scan(
		&c.TenantID, &c.IncludedMinutes, &c.OverageUnitPrice, &c.Policy, &c.MaxOverageCharge, &c.Thresholds,
		&c.Channels, &c.CooldownMinutes, &c.BillingAnchorDay, &c.EmailRecipients, &c.WebhookURL, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConfigNotFound
		}
		return nil, fmt.Errorf("failed to get limit config: %w", err)
	}
	return &c, nil
}

// SaveLimitConfig validates and upserts the tenant config.
func (s *PostgresConfigStore) SaveLimitConfig(ctx context.Context, cfg *LimitConfig) error {
	ApplyDefaults(cfg)
	if err := ValidateLimitConfig(cfg); err != nil {
		return err
	}

	query := `
		INSERT INTO limit_configs (
			tenant_id, included_minutes, overage_unit_price, policy, max_overage_charge, thresholds,
			channels, cooldown_minutes, billing_anchor_day, email_recipients, webhook_url, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
		ON CONFLICT (tenant_id) DO UPDATE SET
			included_minutes = EXCLUDED.included_minutes,
			overage_unit_price = EXCLUDED.overage_unit_price,
			policy = EXCLUDED.policy,
			max_overage_charge = EXCLUDED.max_overage_charge,
			thresholds = EXCLUDED.thresholds,
			channels = EXCLUDED.channels,
			cooldown_minutes = EXCLUDED.cooldown_minutes,
			billing_anchor_day = EXCLUDED.billing_anchor_day,
			email_recipients = EXCLUDED.email_recipients,
			webhook_url = EXCLUDED.webhook_url,
			updated_at = now()
		RETURNING updated_at
	`
	err := s.db.QueryRow(ctx, query,
		cfg.TenantID, cfg.IncludedMinutes, cfg.OverageUnitPrice, cfg.Policy, cfg.MaxOverageCharge, cfg.Thresholds,
		cfg.Channels, cfg.CooldownMinutes, cfg.BillingAnchorDay, nonNil(cfg.EmailRecipients), cfg.WebhookURL,
	).Scan(&cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save limit config: %w", err)
	}
	return nil
}

// Cache is the subset of *redis.Client the config cache needs.
type Cache interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// CachedConfigStore fronts a ConfigStore with Redis. Cache errors fall
// through to the backing store.
type CachedConfigStore struct {
	next   ConfigStore
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedConfigStore(next ConfigStore, cache Cache, ttl time.Duration, logger *zap.Logger) *CachedConfigStore {
	return &CachedConfigStore{next: next, cache: cache, ttl: ttl, logger: logger}
}

func configCacheKey(tenantID string) string {
	return fmt.Sprintf("limits:config:%s", tenantID)
}

func (c *CachedConfigStore) GetLimitConfig(ctx context.Context, tenantID string) (*LimitConfig, error) {
	key := configCacheKey(tenantID)

	var cfg LimitConfig
	err := c.cache.Get(ctx, key).Scan(&cfg)
	if err == nil {
		return &cfg, nil
	} else if err != redis.Nil {
		c.logger.Warn("limit config cache read failed", zap.String("tenant_id", tenantID), zap.Error(err))
	}

	fresh, err := c.next.GetLimitConfig(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Set(ctx, key, fresh, c.ttl).Err(); err != nil {
		c.logger.Warn("limit config cache write failed", zap.String("tenant_id", tenantID), zap.Error(err))
	}
	return fresh, nil
}

func (c *CachedConfigStore) SaveLimitConfig(ctx context.Context, cfg *LimitConfig) error {
	if err := c.next.SaveLimitConfig(ctx, cfg); err != nil {
		return err
	}
	if err := c.cache.Del(ctx, configCacheKey(cfg.TenantID)).Err(); err != nil {
		c.logger.Warn("limit config cache invalidation failed", zap.String("tenant_id", cfg.TenantID), zap.Error(err))
	}
	return nil
}

// MemoryConfigStore keeps configs in process, for tests and local runs.
type MemoryConfigStore struct {
	mu      sync.RWMutex
	configs map[string]LimitConfig
}

func NewMemoryConfigStore(configs ...*LimitConfig) *MemoryConfigStore {
	s := &MemoryConfigStore{configs: make(map[string]LimitConfig)}
	for _, c := range configs {
		s.configs[c.TenantID] = *c
	}
	return s
}

func (s *MemoryConfigStore) GetLimitConfig(_ context.Context, tenantID string) (*LimitConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.configs[tenantID]
	if !ok {
		return nil, ErrConfigNotFound
	}
	return &c, nil
}

func (s *MemoryConfigStore) SaveLimitConfig(_ context.Context, cfg *LimitConfig) error {
	ApplyDefaults(cfg)
	if err := ValidateLimitConfig(cfg); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cfg.UpdatedAt = time.Now()
	s.configs[cfg.TenantID] = *cfg
	return nil
}
