package billing

import (
	"context"
	"time"
)

// Store persists periods, transactions and alerts. Every mutation is
// conditional: ApplyUsage on the period version plus the (tenant, source)
// uniqueness of transactions, ClaimAlert on the ratchet plus the
// (tenant, threshold, period start) uniqueness of alerts.
type Store interface {
	GetActivePeriod(ctx context.Context, tenantID string, now time.Time) (*UsagePeriod, error)
	// CreatePeriod returns the existing row when another caller created the
	// same (tenant, start) period first.
	CreatePeriod(ctx context.Context, tenantID string, start, end time.Time) (*UsagePeriod, error)
	// ApplyUsage inserts txn and increments the period in one step. It returns
	// ErrDuplicateUsage when txn.SourceID was already recorded for the tenant
	// and ErrVersionConflict when the period moved past expectedVersion.
	ApplyUsage(ctx context.Context, periodID string, expectedVersion int64, delta UsageDelta, txn *UsageTransaction) (*UsagePeriod, error)
	GetTransaction(ctx context.Context, tenantID, sourceID string) (*UsageTransaction, error)

	// ClaimAlert checks the cooldown, advances the period ratchet and inserts
	// the alert atomically. It returns ErrCooldownActive or ErrAlreadyAlerted
	// and leaves no trace when either applies.
	ClaimAlert(ctx context.Context, claim AlertClaim) (*Alert, error)
	RecordDelivery(ctx context.Context, alertID string, outcome DeliveryOutcome) (*Alert, error)
	GetAlert(ctx context.Context, alertID string) (*Alert, error)
	AcknowledgeAlert(ctx context.Context, alertID, by string, at time.Time) (*Alert, error)
	ListRecentAlerts(ctx context.Context, tenantID string, limit int) ([]*Alert, error)
	ListUndelivered(ctx context.Context, since time.Time, limit int) ([]*Alert, error)
}

// ConfigProvider supplies the tenant usage policy.
type ConfigProvider interface {
	GetLimitConfig(ctx context.Context, tenantID string) (*LimitConfig, error)
}

// ConfigStore is the write side used by tenant admins.
type ConfigStore interface {
	ConfigProvider
	SaveLimitConfig(ctx context.Context, cfg *LimitConfig) error
}
