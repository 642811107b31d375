package billing

import (
	"errors"
	"fmt"
	"time"
)

var knownChannels = map[string]bool{
	ChannelInApp:   true,
	ChannelEmail:   true,
	ChannelWebhook: true,
}

// DefaultThresholds is the ladder applied when a tenant config has none.
var DefaultThresholds = []int{70, 85, 95, 100}

// ValidateLimitConfig rejects malformed configs at write time. All problems
// are reported together, each as a *ValidationError.
func ValidateLimitConfig(cfg *LimitConfig) error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.TenantID == "" {
		add("tenant_id", "is required")
	}
	if cfg.IncludedMinutes < 0 {
		add("included_minutes", "must be >= 0")
	}
	if cfg.OverageUnitPrice.IsNegative() {
		add("overage_unit_price", "must be >= 0")
	}
	if cfg.MaxOverageCharge.IsNegative() {
		add("max_overage_charge", "must be >= 0")
	}
	switch cfg.Policy {
	case PolicyBlock, PolicyCharge, PolicyNotifyOnly:
	default:
		add("policy", "unknown policy mode %q", cfg.Policy)
	}
	for i, t := range cfg.Thresholds {
		if t <= 0 || t > 100 {
			add("thresholds", "threshold %d must be in (0,100]", t)
		}
		if i > 0 && t <= cfg.Thresholds[i-1] {
			add("thresholds", "thresholds must be strictly increasing")
			break
		}
	}
	for _, ch := range cfg.Channels {
		if !knownChannels[ch] {
			add("channels", "unknown channel %q", ch)
		}
	}
	if cfg.CooldownMinutes < 0 {
		add("cooldown_minutes", "must be >= 0")
	}
	if cfg.BillingAnchorDay < 0 || cfg.BillingAnchorDay > 28 {
		add("billing_anchor_day", "must be between 1 and 28")
	}

	return errors.Join(errs...)
}

// ApplyDefaults fills optional fields left empty by the tenant admin.
func ApplyDefaults(cfg *LimitConfig) {
	if cfg.Policy == "" {
		cfg.Policy = PolicyNotifyOnly
	}
	if len(cfg.Thresholds) == 0 {
		cfg.Thresholds = append([]int(nil), DefaultThresholds...)
	}
	if len(cfg.Channels) == 0 {
		cfg.Channels = []string{ChannelInApp}
	}
	if cfg.BillingAnchorDay == 0 {
		cfg.BillingAnchorDay = 1
	}
}

// BillingWindow returns the monthly window containing now, starting on the
// configured anchor day at 00:00 UTC.
func BillingWindow(cfg *LimitConfig, now time.Time) (time.Time, time.Time, error) {
	day := cfg.BillingAnchorDay
	if day == 0 {
		day = 1
	}
	if day < 1 || day > 28 {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: billing anchor day %d", ErrPeriodUnresolvable, day)
	}

	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), day, 0, 0, 0, 0, time.UTC)
	if now.Before(start) {
		start = start.AddDate(0, -1, 0)
	}
	return start, start.AddDate(0, 1, 0), nil
}
