package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is satisfied by *pgxpool.Pool and pgx.Tx.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const periodColumns = `id, tenant_id, period_start, period_end, included_seconds_used, overage_seconds_used,
	overage_charge_accrued, last_alerted_threshold, blocked, blocked_reason, call_count, version, created_at, updated_at`

func scanPeriod(row pgx.Row) (*UsagePeriod, error) {
	var p UsagePeriod
	err := row.Scan(
		&p.ID, &p.TenantID, &p.PeriodStart, &p.PeriodEnd, &p.IncludedSecondsUsed, &p.OverageSecondsUsed,
		&p.OverageChargeAccrued, &p.LastAlertedThreshold, &p.Blocked, &p.BlockedReason, &p.CallCount, &p.Version,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) GetActivePeriod(ctx context.Context, tenantID string, now time.Time) (*UsagePeriod, error) {
	query := `
		SELECT ` + periodColumns + `
		FROM usage_periods
		WHERE tenant_id = $1 AND period_start <= $2 AND period_end > $2
		ORDER BY period_start DESC
		LIMIT 1
	`
	p, err := scanPeriod(s.db.QueryRow(ctx, query, tenantID, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPeriodNotFound
		}
		return nil, fmt.Errorf("failed to get active period: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) CreatePeriod(ctx context.Context, tenantID string, start, end time.Time) (*UsagePeriod, error) {
	// The no-op DO UPDATE makes RETURNING yield the row a concurrent creator inserted.
	query := `
		INSERT INTO usage_periods (tenant_id, period_start, period_end)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, period_start) DO UPDATE SET tenant_id = EXCLUDED.tenant_id
		RETURNING ` + periodColumns
	p, err := scanPeriod(s.db.QueryRow(ctx, query, tenantID, start, end))
	if err != nil {
		return nil, fmt.Errorf("failed to create period: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) ApplyUsage(ctx context.Context, periodID string, expectedVersion int64, delta UsageDelta, txn *UsageTransaction) (*UsagePeriod, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin usage update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	insert := `
		INSERT INTO usage_transactions (
			id, tenant_id, period_id, source_id, seconds_used, included_seconds, overage_seconds, charge,
			result_included_seconds, result_overage_seconds, result_percent, crossed_limit, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (tenant_id, source_id) DO NOTHING
	`
	tag, err := tx.Exec(ctx, insert,
		txn.ID, txn.TenantID, periodID, txn.SourceID, txn.SecondsUsed, txn.IncludedSeconds, txn.OverageSeconds, txn.Charge,
		txn.ResultIncludedSeconds, txn.ResultOverageSeconds, txn.ResultPercent, txn.CrossedLimit, txn.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert usage transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrDuplicateUsage
	}

	update := `
		UPDATE usage_periods
		SET included_seconds_used = included_seconds_used + $3,
			overage_seconds_used = overage_seconds_used + $4,
			overage_charge_accrued = overage_charge_accrued + $5,
			blocked = $6,
			blocked_reason = $7,
			call_count = call_count + 1,
			version = version + 1,
			updated_at = now()
		WHERE id = $1 AND version = $2
		RETURNING ` + periodColumns
	p, err := scanPeriod(tx.QueryRow(ctx, update,
		periodID, expectedVersion, delta.IncludedSeconds, delta.OverageSeconds, delta.Charge,
		delta.Blocked, delta.BlockedReason,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVersionConflict
		}
		return nil, fmt.Errorf("failed to update period: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit usage update: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) GetTransaction(ctx context.Context, tenantID, sourceID string) (*UsageTransaction, error) {
	query := `
		SELECT id, tenant_id, period_id, source_id, seconds_used, included_seconds, overage_seconds, charge,
			result_included_seconds, result_overage_seconds, result_percent, crossed_limit, created_at
		FROM usage_transactions
		WHERE tenant_id = $1 AND source_id = $2
	`
	var t UsageTransaction
	err := s.db.QueryRow(ctx, query, tenantID, sourceID).Scan(
		&t.ID, &t.TenantID, &t.PeriodID, &t.SourceID, &t.SecondsUsed, &t.IncludedSeconds, &t.OverageSeconds, &t.Charge,
		&t.ResultIncludedSeconds, &t.ResultOverageSeconds, &t.ResultPercent, &t.CrossedLimit, &t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get usage transaction: %w", err)
	}
	return &t, nil
}

const alertColumns = `id, tenant_id, period_id, period_start, threshold, severity, message, usage_percent,
	remaining_minutes, overage_minutes, overage_charge, channels_attempted, channels_confirmed, delivery_errors,
	email_recipients, webhook_url, acknowledged, acknowledged_by, acknowledged_at, created_at`

func scanAlert(row pgx.Row) (*Alert, error) {
	var a Alert
	err := row.Scan(
		&a.ID, &a.TenantID, &a.PeriodID, &a.PeriodStart, &a.Threshold, &a.Severity, &a.Message, &a.UsagePercent,
		&a.RemainingMinutes, &a.OverageMinutes, &a.OverageCharge, &a.ChannelsAttempted, &a.ChannelsConfirmed, &a.DeliveryErrors,
		&a.EmailRecipients, &a.WebhookURL, &a.Acknowledged, &a.AcknowledgedBy, &a.AcknowledgedAt, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) ClaimAlert(ctx context.Context, claim AlertClaim) (*Alert, error) {
	a := claim.Alert
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin alert claim: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialises claims per tenant so the cooldown check and insert cannot interleave.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, a.TenantID); err != nil {
		return nil, fmt.Errorf("failed to lock tenant alerts: %w", err)
	}

	ratchet := `
		UPDATE usage_periods
		SET last_alerted_threshold = $2, updated_at = now()
		WHERE id = $1 AND (last_alerted_threshold IS NULL OR last_alerted_threshold < $2)
	`
	tag, err := tx.Exec(ctx, ratchet, a.PeriodID, a.Threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to advance alert ratchet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrAlreadyAlerted
	}

	var cooling bool
	cooldown := `
		SELECT EXISTS (
			SELECT 1 FROM alerts WHERE tenant_id = $1 AND threshold = $2 AND created_at > $3
		)
	`
	if err := tx.QueryRow(ctx, cooldown, a.TenantID, a.Threshold, claim.CooldownCutoff).Scan(&cooling); err != nil {
		return nil, fmt.Errorf("failed to check alert cooldown: %w", err)
	}
	if cooling {
		return nil, ErrCooldownActive
	}

	insert := `
		INSERT INTO alerts (
			id, tenant_id, period_id, period_start, threshold, severity, message, usage_percent,
			remaining_minutes, overage_minutes, overage_charge, channels_attempted, channels_confirmed,
			delivery_errors, email_recipients, webhook_url, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (tenant_id, threshold, period_start) DO NOTHING
		RETURNING ` + alertColumns
	claimed, err := scanAlert(tx.QueryRow(ctx, insert,
		a.ID, a.TenantID, a.PeriodID, a.PeriodStart, a.Threshold, a.Severity, a.Message, a.UsagePercent,
		a.RemainingMinutes, a.OverageMinutes, a.OverageCharge, nonNil(a.ChannelsAttempted), nonNil(a.ChannelsConfirmed),
		nonNilMap(a.DeliveryErrors), nonNil(a.EmailRecipients), a.WebhookURL, a.CreatedAt,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAlreadyAlerted
		}
		return nil, fmt.Errorf("failed to insert alert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit alert claim: %w", err)
	}
	return claimed, nil
}

func (s *PostgresStore) RecordDelivery(ctx context.Context, alertID string, outcome DeliveryOutcome) (*Alert, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin delivery update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var confirmed []string
	var errs map[string]string
	err = tx.QueryRow(ctx, `SELECT channels_confirmed, delivery_errors FROM alerts WHERE id = $1 FOR UPDATE`, alertID).
		Scan(&confirmed, &errs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAlertNotFound
		}
		return nil, fmt.Errorf("failed to lock alert: %w", err)
	}

	confirmed, errs = mergeDelivery(confirmed, errs, outcome)
	update := `
		UPDATE alerts SET channels_confirmed = $2, delivery_errors = $3
		WHERE id = $1
		RETURNING ` + alertColumns
	a, err := scanAlert(tx.QueryRow(ctx, update, alertID, confirmed, errs))
	if err != nil {
		return nil, fmt.Errorf("failed to record delivery: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit delivery update: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) GetAlert(ctx context.Context, alertID string) (*Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE id = $1`
	a, err := scanAlert(s.db.QueryRow(ctx, query, alertID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAlertNotFound
		}
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) AcknowledgeAlert(ctx context.Context, alertID, by string, at time.Time) (*Alert, error) {
	query := `
		UPDATE alerts
		SET acknowledged = true, acknowledged_by = $2, acknowledged_at = $3
		WHERE id = $1 AND NOT acknowledged
		RETURNING ` + alertColumns
	a, err := scanAlert(s.db.QueryRow(ctx, query, alertID, by, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Either missing or already acknowledged.
			return s.GetAlert(ctx, alertID)
		}
		return nil, fmt.Errorf("failed to acknowledge alert: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) ListRecentAlerts(ctx context.Context, tenantID string, limit int) ([]*Alert, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM alerts
		WHERE tenant_id = $1
		ORDER BY created_at DESC, threshold DESC
		LIMIT $2
	`
	return s.queryAlerts(ctx, query, tenantID, limit)
}

func (s *PostgresStore) ListUndelivered(ctx context.Context, since time.Time, limit int) ([]*Alert, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM alerts
		WHERE NOT acknowledged AND created_at > $1 AND NOT (channels_attempted <@ channels_confirmed)
		ORDER BY created_at DESC
		LIMIT $2
	`
	return s.queryAlerts(ctx, query, since, limit)
}

func (s *PostgresStore) queryAlerts(ctx context.Context, query string, args ...any) ([]*Alert, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating alerts: %w", err)
	}

	return alerts, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
