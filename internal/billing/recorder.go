package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// RecordUsage records secondsUsed for the tenant under the idempotency key
// sourceID. Replays of a recorded sourceID return the original result and do
// not touch the period. A newly crossed alert threshold is dispatched before
// returning; dispatch problems are logged and never fail the call.
func (s *Service) RecordUsage(ctx context.Context, tenantID, sourceID string, secondsUsed int64) (*RecordResult, error) {
	// Usage already happened; a cancelled caller must not leave it half recorded.
	ctx = context.WithoutCancel(ctx)

	ctx, span := s.tracer.Start(ctx, "billing.RecordUsage")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("source_id", sourceID),
		attribute.Int64("seconds_used", secondsUsed),
	)

	if tenantID == "" || sourceID == "" {
		return nil, fmt.Errorf("%w: tenant and source id are required", ErrInvalidUsage)
	}
	if secondsUsed <= 0 {
		return nil, fmt.Errorf("%w: seconds used must be positive, got %d", ErrInvalidUsage, secondsUsed)
	}

	cfg, err := s.loadConfig(ctx, tenantID)
	if err != nil {
		s.metrics.recordUsage("error")
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var committed *UsagePeriod
	var txn *UsageTransaction
	result, err := backoff.Retry(ctx, func() (*RecordResult, error) {
		res, period, t, err := s.recordOnce(ctx, cfg, tenantID, sourceID, secondsUsed)
		if errors.Is(err, ErrVersionConflict) {
			s.metrics.storageConflicts.Inc()
			s.logger.Debug("usage update lost version race, retrying",
				zap.String("tenant_id", tenantID),
				zap.String("source_id", sourceID),
			)
			return nil, err
		}
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		committed, txn = period, t
		return res, nil
	},
		backoff.WithBackOff(s.newBackOff()),
		backoff.WithMaxTries(s.maxAttempts),
	)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrVersionConflict) {
			s.metrics.recordUsage("conflict")
			s.logger.Error("usage update retries exhausted",
				zap.String("tenant_id", tenantID),
				zap.String("source_id", sourceID),
				zap.Error(err),
			)
			return nil, fmt.Errorf("%w: tenant %s source %s after %d attempts", ErrStorageConflict, tenantID, sourceID, s.maxAttempts)
		}
		s.metrics.recordUsage("error")
		return nil, err
	}

	if result.Replayed {
		s.metrics.recordUsage("replayed")
		span.SetAttributes(attribute.Bool("replayed", true))
		return result, nil
	}

	s.metrics.recordUsage("recorded")
	s.metrics.recordMinutes(txn.IncludedSeconds, txn.OverageSeconds)
	s.logger.Info("usage recorded",
		zap.String("tenant_id", tenantID),
		zap.String("source_id", sourceID),
		zap.Int64("seconds", secondsUsed),
		zap.Int64("included_seconds", txn.IncludedSeconds),
		zap.Int64("overage_seconds", txn.OverageSeconds),
		zap.String("charge", txn.Charge.String()),
		zap.String("usage_percent", result.UsagePercent.String()),
	)

	if threshold, ok := DetectThreshold(cfg.Thresholds, result.UsagePercent, committed.LastAlertedThreshold); ok {
		dispatched, err := s.dispatch(ctx, cfg, committed, threshold)
		if err != nil {
			s.logger.Error("alert dispatch failed",
				zap.String("tenant_id", tenantID),
				zap.Int("threshold", threshold),
				zap.Error(err),
			)
		} else {
			result.Alert = dispatched
		}
	}

	return result, nil
}

// recordOnce performs one optimistic attempt against the period version read
// at its start.
func (s *Service) recordOnce(ctx context.Context, cfg *LimitConfig, tenantID, sourceID string, secondsUsed int64) (*RecordResult, *UsagePeriod, *UsageTransaction, error) {
	if res, err := s.replay(ctx, tenantID, sourceID); !errors.Is(err, ErrTransactionNotFound) {
		return res, nil, nil, err
	}

	now := s.now()
	period, err := s.resolvePeriod(ctx, cfg, tenantID, now)
	if err != nil {
		return nil, nil, nil, err
	}

	delta, next := splitUsage(cfg, period, secondsUsed)
	txn := &UsageTransaction{
		ID:                    uuid.New().String(),
		TenantID:              tenantID,
		PeriodID:              period.ID,
		SourceID:              sourceID,
		SecondsUsed:           secondsUsed,
		IncludedSeconds:       delta.IncludedSeconds,
		OverageSeconds:        delta.OverageSeconds,
		Charge:                delta.Charge,
		ResultIncludedSeconds: next.IncludedSecondsUsed,
		ResultOverageSeconds:  next.OverageSecondsUsed,
		ResultPercent:         usagePercent(cfg, next.IncludedSecondsUsed),
		CrossedLimit:          !limitReached(cfg, period) && limitReached(cfg, next),
		CreatedAt:             now,
	}

	updated, err := s.store.ApplyUsage(ctx, period.ID, period.Version, delta, txn)
	if errors.Is(err, ErrDuplicateUsage) {
		// A concurrent delivery of the same event won the insert.
		res, err := s.replay(ctx, tenantID, sourceID)
		return res, nil, nil, err
	}
	if err != nil {
		return nil, nil, nil, err
	}

	return resultFromTransaction(txn), updated, txn, nil
}

func (s *Service) replay(ctx context.Context, tenantID, sourceID string) (*RecordResult, error) {
	existing, err := s.store.GetTransaction(ctx, tenantID, sourceID)
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to look up usage transaction: %w", err)
	}
	res := resultFromTransaction(existing)
	res.Replayed = true
	return res, nil
}

// splitUsage routes usage into the remaining allotment first and the rest
// into overage, then prices the overage under the charge cap. Overage minutes
// are always counted in full even when the cap absorbs their charge.
func splitUsage(cfg *LimitConfig, period *UsagePeriod, secondsUsed int64) (UsageDelta, *UsagePeriod) {
	included := min(secondsUsed, remainingIncludedSeconds(cfg, period.IncludedSecondsUsed))
	overage := secondsUsed - included
	charge := capCharge(cfg, period.OverageChargeAccrued, overageCharge(cfg, overage))

	next := *period
	next.IncludedSecondsUsed += included
	next.OverageSecondsUsed += overage
	next.OverageChargeAccrued = period.OverageChargeAccrued.Add(charge)
	next.CallCount++

	check := Evaluate(cfg, &next)
	delta := UsageDelta{
		IncludedSeconds: included,
		OverageSeconds:  overage,
		Charge:          charge,
		Blocked:         check.Decision == DecisionBlock,
		BlockedReason:   check.Reason,
	}
	next.Blocked = delta.Blocked
	next.BlockedReason = delta.BlockedReason
	return delta, &next
}

// limitReached reports whether usage has reached the 100% line, which for a
// zero allotment means any usage at all.
func limitReached(cfg *LimitConfig, p *UsagePeriod) bool {
	total := cfg.includedSeconds()
	if total <= 0 {
		return p.OverageSecondsUsed > 0
	}
	return p.IncludedSecondsUsed >= total
}

// CurrentPeriod returns the tenant's active period, ErrPeriodNotFound if no
// usage was recorded in the current window yet.
func (s *Service) CurrentPeriod(ctx context.Context, tenantID string) (*UsagePeriod, error) {
	return s.store.GetActivePeriod(ctx, tenantID, s.now())
}
