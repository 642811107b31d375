package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DispatchAlert raises the alert for threshold against the tenant's current
// period. RecordUsage calls the same path with the period it just committed;
// this entry point exists for manual re-dispatch and skips rungs the period
// has not reached.
func (s *Service) DispatchAlert(ctx context.Context, tenantID string, threshold int) (*DispatchResult, error) {
	cfg, err := s.loadConfig(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !inLadder(cfg.Thresholds, threshold) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidThreshold, threshold)
	}

	period, err := s.store.GetActivePeriod(ctx, tenantID, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to get active period: %w", err)
	}
	// Only crossed rungs may move the ratchet.
	if !thresholdReached(cfg, period.IncludedSecondsUsed, threshold) {
		s.metrics.alertSkips.WithLabelValues(SkipNotReached).Inc()
		return &DispatchResult{Threshold: threshold, SkipReason: SkipNotReached}, nil
	}
	return s.dispatch(ctx, cfg, period, threshold)
}

// dispatch claims the (tenant, threshold, period) alert and fans it out. The
// figures in the alert come from period exactly as passed in.
func (s *Service) dispatch(ctx context.Context, cfg *LimitConfig, period *UsagePeriod, threshold int) (*DispatchResult, error) {
	ctx, span := s.tracer.Start(ctx, "billing.DispatchAlert")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", period.TenantID),
		attribute.Int("threshold", threshold),
	)

	now := s.now()
	alert := newAlert(cfg, period, threshold, enabledChannels(cfg), now)

	claimed, err := s.store.ClaimAlert(ctx, AlertClaim{
		Alert:          alert,
		CooldownCutoff: now.Add(-cfg.Cooldown()),
	})
	switch {
	case errors.Is(err, ErrCooldownActive):
		s.metrics.alertSkips.WithLabelValues(SkipCooldownActive).Inc()
		return &DispatchResult{Threshold: threshold, SkipReason: SkipCooldownActive}, nil
	case errors.Is(err, ErrAlreadyAlerted):
		s.metrics.alertSkips.WithLabelValues(SkipAlreadyAlerted).Inc()
		return &DispatchResult{Threshold: threshold, SkipReason: SkipAlreadyAlerted}, nil
	case err != nil:
		return nil, fmt.Errorf("failed to claim alert: %w", err)
	}
	s.metrics.alerts.WithLabelValues(string(claimed.Severity)).Inc()

	outcome := s.deliver(ctx, claimed, claimed.ChannelsAttempted)
	updated, err := s.store.RecordDelivery(ctx, claimed.ID, outcome)
	if err != nil {
		// The alert exists; the redelivery worker picks up unconfirmed channels.
		s.logger.Error("failed to record alert delivery",
			zap.String("alert_id", claimed.ID),
			zap.Error(err),
		)
		updated = claimed
		updated.ChannelsConfirmed = outcome.Confirmed
		updated.DeliveryErrors = outcome.Failed
	}

	s.logger.Info("usage alert dispatched",
		zap.String("tenant_id", period.TenantID),
		zap.String("alert_id", updated.ID),
		zap.Int("threshold", threshold),
		zap.String("severity", string(updated.Severity)),
		zap.Strings("confirmed", updated.ChannelsConfirmed),
		zap.Int("failed", len(outcome.Failed)),
	)

	return &DispatchResult{
		Threshold:  threshold,
		Dispatched: true,
		Alert:      updated,
		Failures:   outcome.Failed,
	}, nil
}

func newAlert(cfg *LimitConfig, period *UsagePeriod, threshold int, channels []string, now time.Time) *Alert {
	percent := usagePercent(cfg, period.IncludedSecondsUsed)
	remaining := secondsToMinutes(remainingIncludedSeconds(cfg, period.IncludedSecondsUsed))
	overage := period.OverageMinutesUsed()

	return &Alert{
		ID:                uuid.New().String(),
		TenantID:          period.TenantID,
		PeriodID:          period.ID,
		PeriodStart:       period.PeriodStart,
		Threshold:         threshold,
		Severity:          SeverityFor(threshold),
		Message:           alertMessage(threshold, percent, remaining, overage, period.OverageChargeAccrued),
		UsagePercent:      percent,
		RemainingMinutes:  remaining,
		OverageMinutes:    overage,
		OverageCharge:     period.OverageChargeAccrued,
		ChannelsAttempted: channels,
		ChannelsConfirmed: []string{},
		EmailRecipients:   cfg.EmailRecipients,
		WebhookURL:        cfg.WebhookURL,
		CreatedAt:         now,
	}
}

func enabledChannels(cfg *LimitConfig) []string {
	seen := make(map[string]bool, len(cfg.Channels))
	var out []string
	for _, c := range cfg.Channels {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// deliver calls every named channel concurrently, each under its own
// timeout, and gathers the outcome. A failing channel never stops the others.
func (s *Service) deliver(ctx context.Context, alert *Alert, names []string) DeliveryOutcome {
	errs := make([]error, len(names))

	var g errgroup.Group
	for i, name := range names {
		g.Go(func() error {
			ch, ok := s.channels[name]
			if !ok {
				errs[i] = fmt.Errorf("channel %q is not configured", name)
				return nil
			}

			cctx, cancel := context.WithTimeout(ctx, s.channelTimeout)
			defer cancel()

			start := time.Now()
			errs[i] = ch.Deliver(cctx, alert)
			s.metrics.recordDelivery(name, errs[i] == nil, time.Since(start).Seconds())
			return nil
		})
	}
	_ = g.Wait()

	outcome := DeliveryOutcome{Confirmed: []string{}, Failed: map[string]string{}}
	for i, name := range names {
		if errs[i] == nil {
			outcome.Confirmed = append(outcome.Confirmed, name)
			continue
		}
		outcome.Failed[name] = errs[i].Error()
		s.logger.Warn("alert channel delivery failed",
			zap.String("alert_id", alert.ID),
			zap.String("channel", name),
			zap.Error(errs[i]),
		)
	}
	return outcome
}

// RedeliverPending retries channels of recent unacknowledged alerts that were
// attempted but never confirmed. It returns the number of channels confirmed.
func (s *Service) RedeliverPending(ctx context.Context, window time.Duration, limit int) (int, error) {
	alerts, err := s.store.ListUndelivered(ctx, s.now().Add(-window), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list undelivered alerts: %w", err)
	}

	confirmed := 0
	for _, a := range alerts {
		pending := a.PendingChannels()
		if len(pending) == 0 {
			continue
		}
		outcome := s.deliver(ctx, a, pending)
		if _, err := s.store.RecordDelivery(ctx, a.ID, outcome); err != nil {
			s.logger.Error("failed to record redelivery",
				zap.String("alert_id", a.ID),
				zap.Error(err),
			)
			continue
		}
		confirmed += len(outcome.Confirmed)
	}
	return confirmed, nil
}

func (s *Service) AcknowledgeAlert(ctx context.Context, alertID, by string) (*Alert, error) {
	if by == "" {
		return nil, fmt.Errorf("acknowledging user is required")
	}
	alert, err := s.store.AcknowledgeAlert(ctx, alertID, by, s.now())
	if err != nil {
		return nil, err
	}
	s.logger.Info("alert acknowledged",
		zap.String("alert_id", alertID),
		zap.String("by", by),
	)
	return alert, nil
}

func (s *Service) GetAlert(ctx context.Context, alertID string) (*Alert, error) {
	return s.store.GetAlert(ctx, alertID)
}

const (
	defaultAlertListLimit = 20
	maxAlertListLimit     = 100
)

// ListRecentAlerts returns the tenant's alerts, newest first.
func (s *Service) ListRecentAlerts(ctx context.Context, tenantID string, limit int) ([]*Alert, error) {
	if limit <= 0 {
		limit = defaultAlertListLimit
	}
	if limit > maxAlertListLimit {
		limit = maxAlertListLimit
	}
	return s.store.ListRecentAlerts(ctx, tenantID, limit)
}
