package seeder

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/vnmchuo/callmeter/internal/auth"
	"github.com/vnmchuo/callmeter/internal/billing"
	"go.uber.org/zap"
)

const (
	DemoAPIKey   = "demo-api-key-12345"
	DemoTenantID = "00000000-0000-0000-0000-000000000001"
)

// DemoLimitConfig is a 1000 minute plan billed at 2.50 per overage minute
// (prices in minor units) and capped at 500.00.
func DemoLimitConfig() *billing.LimitConfig {
	return &billing.LimitConfig{
		TenantID:         DemoTenantID,
		IncludedMinutes:  1000,
		OverageUnitPrice: decimal.NewFromInt(250),
		Policy:           billing.PolicyCharge,
		MaxOverageCharge: decimal.NewFromInt(50000),
		Thresholds:       []int{70, 85, 95, 100},
		Channels:         []string{billing.ChannelInApp},
		CooldownMinutes:  60,
		BillingAnchorDay: 1,
	}
}

// Seed creates the demo API key and, unless the tenant already has one, the
// demo limit config.
func Seed(ctx context.Context, keys auth.Store, configs billing.ConfigStore, logger *zap.Logger) error {
	apiKey := &auth.APIKey{
		TenantID: DemoTenantID,
		KeyHash:  auth.HashKey(DemoAPIKey),
		Scopes:   auth.AllScopes,
		Active:   true,
	}
	if err := keys.Create(ctx, apiKey); err != nil {
		return fmt.Errorf("failed to seed api key: %w", err)
	}

	_, err := configs.GetLimitConfig(ctx, DemoTenantID)
	switch {
	case err == nil:
		logger.Info("demo limit config exists, skipping", zap.String("tenant_id", DemoTenantID))
	case errors.Is(err, billing.ErrConfigNotFound):
		if err := configs.SaveLimitConfig(ctx, DemoLimitConfig()); err != nil {
			return fmt.Errorf("failed to seed limit config: %w", err)
		}
	default:
		return fmt.Errorf("failed to read limit config: %w", err)
	}

	logger.Info("demo tenant seeded",
		zap.String("tenant_id", DemoTenantID),
		zap.String("api_key", DemoAPIKey),
	)
	return nil
}
