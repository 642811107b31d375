package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Limiter caps usage ingest requests per tenant over a sliding minute.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, requestsPerMinute int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(requestsPerMinute)),
		extratelimit.WithWindow(time.Minute),
	)
	return &Limiter{store: store}
}

// NewWithStore wraps an existing limiter backend.
func NewWithStore(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

func ingestKey(tenantID string) string {
	return fmt.Sprintf("ratelimit:ingest:%s", tenantID)
}

// Allow consumes one request from the tenant's ingest budget.
func (l *Limiter) Allow(ctx context.Context, tenantID string) (bool, error) {
	res, err := l.store.Allow(ctx, ingestKey(tenantID))
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, tenantID string) (*extratelimit.Result, error) {
	return l.store.Status(ctx, ingestKey(tenantID))
}
