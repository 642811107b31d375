package billing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DetectThreshold returns the highest ladder value reached by percent that is
// above lastAlerted. Skipped rungs are not reported separately.
func DetectThreshold(ladder []int, percent decimal.Decimal, lastAlerted *int) (int, bool) {
	for i := len(ladder) - 1; i >= 0; i-- {
		t := ladder[i]
		if lastAlerted != nil && t <= *lastAlerted {
			return 0, false
		}
		if percent.GreaterThanOrEqual(decimal.NewFromInt(int64(t))) {
			return t, true
		}
	}
	return 0, false
}

func inLadder(ladder []int, threshold int) bool {
	for _, t := range ladder {
		if t == threshold {
			return true
		}
	}
	return false
}

func SeverityFor(threshold int) Severity {
	switch {
	case threshold >= 100:
		return SeverityCritical
	case threshold >= 85:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// alertMessage renders the fixed per-severity copy. Charges are minor units
// and are printed in major units assuming 100 minor units each.
func alertMessage(threshold int, percent, remaining, overageMinutes, overageCharge decimal.Decimal) string {
	switch SeverityFor(threshold) {
	case SeverityCritical:
		return fmt.Sprintf("Included call minutes exhausted (%s%% used). %s overage minutes recorded this period, %s in overage charges.",
			percent.Truncate(1).String(), overageMinutes.StringFixed(1), overageCharge.Div(hundred).StringFixed(2))
	case SeverityWarning:
		return fmt.Sprintf("Usage warning: %s%% of included call minutes used, %s minutes remain this period.",
			percent.Truncate(1).String(), remaining.StringFixed(1))
	default:
		return fmt.Sprintf("You have used %s%% of your included call minutes. %s minutes remain this period.",
			percent.Truncate(1).String(), remaining.StringFixed(1))
	}
}
