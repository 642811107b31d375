package billing

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Evaluate decides whether a new usage attempt may proceed given the current
// period. It only reads its arguments.
//
// The allotment counts as exhausted once included usage reaches it; a zero
// allotment is exhausted from the start.
func Evaluate(cfg *LimitConfig, p *UsagePeriod) *CheckResult {
	remaining := remainingIncludedSeconds(cfg, p.IncludedSecondsUsed)
	res := &CheckResult{
		Decision:                 DecisionPermit,
		Policy:                   cfg.Policy,
		UsagePercent:             usagePercent(cfg, p.IncludedSecondsUsed),
		IncludedMinutes:          cfg.IncludedMinutes,
		RemainingIncludedMinutes: secondsToMinutes(remaining),
		OverageMinutesUsed:       p.OverageMinutesUsed(),
		OverageChargeAccrued:     p.OverageChargeAccrued,
		MaxOverageCharge:         cfg.MaxOverageCharge,
	}

	if remaining > 0 {
		return res
	}

	switch cfg.Policy {
	case PolicyBlock:
		res.Decision = DecisionBlock
		res.Reason = fmt.Sprintf("included minutes exhausted (%s of %d used); policy blocks further usage",
			p.IncludedMinutesUsed().StringFixed(2), cfg.IncludedMinutes)
	case PolicyCharge:
		if cfg.HasCap() && p.OverageChargeAccrued.GreaterThanOrEqual(cfg.MaxOverageCharge) {
			res.Decision = DecisionBlock
			res.Reason = fmt.Sprintf("overage charge cap reached (%s of %s accrued)",
				p.OverageChargeAccrued.StringFixed(2), cfg.MaxOverageCharge.StringFixed(2))
		} else {
			res.Decision = DecisionCharge
		}
	}
	return res
}

// CheckLimit is the pre-check a caller runs before starting metered activity.
// It never creates or mutates a period; no active period means no usage yet.
func (s *Service) CheckLimit(ctx context.Context, tenantID string) (*CheckResult, error) {
	ctx, span := s.tracer.Start(ctx, "billing.CheckLimit")
	defer span.End()
	span.SetAttributes(attribute.String("tenant_id", tenantID))

	cfg, err := s.loadConfig(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	period, err := s.store.GetActivePeriod(ctx, tenantID, s.now())
	if err != nil {
		if !errors.Is(err, ErrPeriodNotFound) {
			return nil, fmt.Errorf("failed to get active period: %w", err)
		}
		period = &UsagePeriod{TenantID: tenantID}
	}

	res := Evaluate(cfg, period)
	s.metrics.limitChecks.WithLabelValues(string(res.Decision)).Inc()
	span.SetAttributes(attribute.String("decision", string(res.Decision)))
	if res.Decision == DecisionBlock {
		s.logger.Info("usage blocked",
			zap.String("tenant_id", tenantID),
			zap.String("reason", res.Reason),
		)
	}
	return res, nil
}
