package billing

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

type PolicyMode string

const (
	PolicyBlock      PolicyMode = "block"
	PolicyCharge     PolicyMode = "charge"
	PolicyNotifyOnly PolicyMode = "notify_only"
)

// Channel names a tenant can enable in LimitConfig.Channels.
const (
	ChannelInApp   = "in_app"
	ChannelEmail   = "email"
	ChannelWebhook = "webhook"
)

// LimitConfig is the per-tenant usage policy. Prices and charges are in minor
// currency units, assumed to be hundredths of the major unit when rendered.
type LimitConfig struct {
	TenantID         string          `json:"tenant_id"`
	IncludedMinutes  int64           `json:"included_minutes"`
	OverageUnitPrice decimal.Decimal `json:"overage_unit_price"` // per minute
	Policy           PolicyMode      `json:"policy"`
	MaxOverageCharge decimal.Decimal `json:"max_overage_charge"` // 0 = unlimited
	Thresholds       []int           `json:"thresholds"`
	Channels         []string        `json:"channels"`
	CooldownMinutes  int             `json:"cooldown_minutes"`
	BillingAnchorDay int             `json:"billing_anchor_day"`
	EmailRecipients  []string        `json:"email_recipients,omitempty"`
	WebhookURL       string          `json:"webhook_url,omitempty"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (c *LimitConfig) MarshalBinary() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (c *LimitConfig) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, c)
}

func (c *LimitConfig) HasCap() bool {
	return c.MaxOverageCharge.IsPositive()
}

func (c *LimitConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMinutes) * time.Minute
}

func (c *LimitConfig) includedSeconds() int64 {
	return c.IncludedMinutes * 60
}

// UsagePeriod is the single mutable usage row per tenant and billing window.
// Usage is accumulated in seconds so that included+overage is exact.
type UsagePeriod struct {
	ID                   string          `json:"id"`
	TenantID             string          `json:"tenant_id"`
	PeriodStart          time.Time       `json:"period_start"`
	PeriodEnd            time.Time       `json:"period_end"`
	IncludedSecondsUsed  int64           `json:"included_seconds_used"`
	OverageSecondsUsed   int64           `json:"overage_seconds_used"`
	OverageChargeAccrued decimal.Decimal `json:"overage_charge_accrued"`
	LastAlertedThreshold *int            `json:"last_alerted_threshold,omitempty"`
	Blocked              bool            `json:"blocked"`
	BlockedReason        string          `json:"blocked_reason,omitempty"`
	CallCount            int64           `json:"call_count"`
	Version              int64           `json:"version"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

func (p *UsagePeriod) IncludedMinutesUsed() decimal.Decimal {
	return secondsToMinutes(p.IncludedSecondsUsed)
}

func (p *UsagePeriod) OverageMinutesUsed() decimal.Decimal {
	return secondsToMinutes(p.OverageSecondsUsed)
}

func (p *UsagePeriod) Contains(t time.Time) bool {
	return !t.Before(p.PeriodStart) && t.Before(p.PeriodEnd)
}

// UsageDelta is the increment ApplyUsage adds to a period.
type UsageDelta struct {
	IncludedSeconds int64
	OverageSeconds  int64
	Charge          decimal.Decimal
	Blocked         bool
	BlockedReason   string
}

// UsageTransaction is the immutable audit record of one usage event. The
// Result* fields snapshot what RecordUsage returned so replays are identical.
type UsageTransaction struct {
	ID                    string          `json:"id"`
	TenantID              string          `json:"tenant_id"`
	PeriodID              string          `json:"period_id"`
	SourceID              string          `json:"source_id"`
	SecondsUsed           int64           `json:"seconds_used"`
	IncludedSeconds       int64           `json:"included_seconds"`
	OverageSeconds        int64           `json:"overage_seconds"`
	Charge                decimal.Decimal `json:"charge"`
	ResultIncludedSeconds int64           `json:"result_included_seconds"`
	ResultOverageSeconds  int64           `json:"result_overage_seconds"`
	ResultPercent         decimal.Decimal `json:"result_percent"`
	CrossedLimit          bool            `json:"crossed_limit"`
	CreatedAt             time.Time       `json:"created_at"`
}

// RecordResult is returned by RecordUsage.
type RecordResult struct {
	TransactionID       string          `json:"transaction_id"`
	PeriodID            string          `json:"period_id"`
	IncludedMinutesUsed decimal.Decimal `json:"included_minutes_used"`
	OverageMinutesUsed  decimal.Decimal `json:"overage_minutes_used"`
	UsagePercent        decimal.Decimal `json:"usage_percent"`
	Charge              decimal.Decimal `json:"charge"`
	CrossedLimit        bool            `json:"crossed_limit"`
	Replayed            bool            `json:"replayed"`
	Alert               *DispatchResult `json:"alert,omitempty"`
}

func resultFromTransaction(txn *UsageTransaction) *RecordResult {
	return &RecordResult{
		TransactionID:       txn.ID,
		PeriodID:            txn.PeriodID,
		IncludedMinutesUsed: secondsToMinutes(txn.ResultIncludedSeconds),
		OverageMinutesUsed:  secondsToMinutes(txn.ResultOverageSeconds),
		UsagePercent:        txn.ResultPercent,
		Charge:              txn.Charge,
		CrossedLimit:        txn.CrossedLimit,
	}
}

type Decision string

const (
	DecisionPermit Decision = "permit"
	DecisionCharge Decision = "charge"
	DecisionBlock  Decision = "block"
)

// CheckResult is returned by CheckLimit. Reason is always set for DecisionBlock.
type CheckResult struct {
	Decision                 Decision        `json:"decision"`
	Reason                   string          `json:"reason,omitempty"`
	Policy                   PolicyMode      `json:"policy"`
	UsagePercent             decimal.Decimal `json:"usage_percent"`
	IncludedMinutes          int64           `json:"included_minutes"`
	RemainingIncludedMinutes decimal.Decimal `json:"remaining_included_minutes"`
	OverageMinutesUsed       decimal.Decimal `json:"overage_minutes_used"`
	OverageChargeAccrued     decimal.Decimal `json:"overage_charge_accrued"`
	MaxOverageCharge         decimal.Decimal `json:"max_overage_charge"`
}

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one threshold notification. It is created once per
// (tenant, threshold, period) and only its delivery and acknowledgement
// fields change afterwards.
type Alert struct {
	ID                string            `json:"id"`
	TenantID          string            `json:"tenant_id"`
	PeriodID          string            `json:"period_id"`
	PeriodStart       time.Time         `json:"period_start"`
	Threshold         int               `json:"threshold"`
	Severity          Severity          `json:"severity"`
	Message           string            `json:"message"`
	UsagePercent      decimal.Decimal   `json:"usage_percent"`
	RemainingMinutes  decimal.Decimal   `json:"remaining_minutes"`
	OverageMinutes    decimal.Decimal   `json:"overage_minutes"`
	OverageCharge     decimal.Decimal   `json:"overage_charge"`
	ChannelsAttempted []string          `json:"channels_attempted"`
	ChannelsConfirmed []string          `json:"channels_confirmed"`
	DeliveryErrors    map[string]string `json:"delivery_errors,omitempty"`
	EmailRecipients   []string          `json:"email_recipients,omitempty"`
	WebhookURL        string            `json:"webhook_url,omitempty"`
	Acknowledged      bool              `json:"acknowledged"`
	AcknowledgedBy    string            `json:"acknowledged_by,omitempty"`
	AcknowledgedAt    *time.Time        `json:"acknowledged_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

// PendingChannels returns the attempted channels not yet confirmed.
func (a *Alert) PendingChannels() []string {
	confirmed := make(map[string]bool, len(a.ChannelsConfirmed))
	for _, c := range a.ChannelsConfirmed {
		confirmed[c] = true
	}
	var pending []string
	for _, c := range a.ChannelsAttempted {
		if !confirmed[c] {
			pending = append(pending, c)
		}
	}
	return pending
}

// AlertClaim is the atomic cooldown check, ratchet advance and alert insert.
type AlertClaim struct {
	Alert          *Alert
	CooldownCutoff time.Time
}

// DeliveryOutcome is the result of one fan-out over channels.
type DeliveryOutcome struct {
	Confirmed []string
	Failed    map[string]string
}

// DispatchResult is returned by DispatchAlert.
type DispatchResult struct {
	Threshold  int               `json:"threshold"`
	Dispatched bool              `json:"dispatched"`
	SkipReason string            `json:"skip_reason,omitempty"`
	Alert      *Alert            `json:"alert,omitempty"`
	Failures   map[string]string `json:"failures,omitempty"`
}

// Skip reasons reported in DispatchResult.
const (
	SkipCooldownActive = "cooldown_active"
	SkipAlreadyAlerted = "already_alerted"
	SkipNotReached     = "not_reached"
)
