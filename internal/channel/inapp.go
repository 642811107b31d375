package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vnmchuo/callmeter/internal/billing"
)

// RedisClient is the subset of *redis.Client the in-app sink needs.
type RedisClient interface {
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRemRangeByRank(ctx context.Context, key string, start, stop int64) *redis.IntCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Notification is what the UI reads from the tenant feed.
type Notification struct {
	AlertID   string    `json:"alert_id"`
	Severity  string    `json:"severity"`
	Threshold int       `json:"threshold"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// InApp writes alerts to a per-tenant Redis sorted set and announces them on
// a pub/sub channel.
type InApp struct {
	rdb     RedisClient
	maxFeed int64
}

func NewInApp(rdb RedisClient) *InApp {
	return &InApp{rdb: rdb, maxFeed: 100}
}

func (c *InApp) Name() string { return billing.ChannelInApp }

func FeedKey(tenantID string) string {
	return fmt.Sprintf("notifications:feed:%s", tenantID)
}

func PubSubChannel(tenantID string) string {
	return fmt.Sprintf("notifications:live:%s", tenantID)
}

func (c *InApp) Deliver(ctx context.Context, alert *billing.Alert) error {
	payload, err := json.Marshal(Notification{
		AlertID:   alert.ID,
		Severity:  string(alert.Severity),
		Threshold: alert.Threshold,
		Message:   alert.Message,
		CreatedAt: alert.CreatedAt,
	})
	if err != nil {
		return err
	}

	key := FeedKey(alert.TenantID)
	member := redis.Z{Score: float64(alert.CreatedAt.UnixMilli()), Member: string(payload)}
	if err := c.rdb.ZAdd(ctx, key, member).Err(); err != nil {
		return fmt.Errorf("failed to add notification: %w", err)
	}
	// Keep only the newest maxFeed entries.
	if err := c.rdb.ZRemRangeByRank(ctx, key, 0, -c.maxFeed-1).Err(); err != nil {
		return fmt.Errorf("failed to trim notification feed: %w", err)
	}
	if err := c.rdb.Publish(ctx, PubSubChannel(alert.TenantID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}
