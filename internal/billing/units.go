package billing

import (
	"github.com/shopspring/decimal"
)

const chargeScale = 6

var (
	sixty   = decimal.NewFromInt(60)
	hundred = decimal.NewFromInt(100)
)

// secondsToMinutes converts without rounding up.
func secondsToMinutes(seconds int64) decimal.Decimal {
	return decimal.NewFromInt(seconds).Div(sixty)
}

// usagePercent is included usage over the allotment, 0 when nothing is included.
// It is truncated, never rounded up, so a ladder rung compares as reached only
// once usage is actually there.
func usagePercent(cfg *LimitConfig, includedSecondsUsed int64) decimal.Decimal {
	total := cfg.includedSeconds()
	if total <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(includedSecondsUsed).Mul(hundred).Div(decimal.NewFromInt(total)).Truncate(4)
}

// thresholdReached compares in whole seconds: used*100 >= threshold*total.
func thresholdReached(cfg *LimitConfig, includedSecondsUsed int64, threshold int) bool {
	total := cfg.includedSeconds()
	if total <= 0 {
		return false
	}
	return includedSecondsUsed*100 >= int64(threshold)*total
}

func remainingIncludedSeconds(cfg *LimitConfig, includedSecondsUsed int64) int64 {
	remaining := cfg.includedSeconds() - includedSecondsUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// overageCharge prices overage seconds at the per-minute unit price.
func overageCharge(cfg *LimitConfig, overageSeconds int64) decimal.Decimal {
	if overageSeconds <= 0 {
		return decimal.Zero
	}
	return cfg.OverageUnitPrice.Mul(decimal.NewFromInt(overageSeconds)).Div(sixty).Round(chargeScale)
}

// capCharge clamps raw so that accrued+result never exceeds the configured cap.
func capCharge(cfg *LimitConfig, accrued, raw decimal.Decimal) decimal.Decimal {
	if !cfg.HasCap() {
		return raw
	}
	headroom := cfg.MaxOverageCharge.Sub(accrued)
	if !headroom.IsPositive() {
		return decimal.Zero
	}
	return decimal.Min(raw, headroom)
}
