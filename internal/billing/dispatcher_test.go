package billing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type slowChannel struct {
	name  string
	delay time.Duration
}

func (c *slowChannel) Name() string { return c.name }

func (c *slowChannel) Deliver(ctx context.Context, _ *Alert) error {
	select {
	case <-time.After(c.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestDispatch_PartialDelivery(t *testing.T) {
	cfg := chargeConfig()
	cfg.Channels = []string{ChannelInApp, ChannelEmail, ChannelWebhook}
	email := &fakeChannel{name: ChannelEmail, err: errors.New("smtp 451")}
	h := newHarness(t, cfg, WithChannels(email))

	res, err := h.svc.RecordUsage(context.Background(), tenant, "call-1", minutes(150))
	require.NoError(t, err)
	require.NotNil(t, res.Alert)

	a := res.Alert.Alert
	assert.Equal(t, []string{ChannelInApp, ChannelEmail, ChannelWebhook}, a.ChannelsAttempted)
	assert.Equal(t, []string{ChannelInApp}, a.ChannelsConfirmed)
	assert.Contains(t, a.DeliveryErrors[ChannelEmail], "smtp 451")
	assert.Contains(t, a.DeliveryErrors[ChannelWebhook], "not configured")
	assert.Len(t, res.Alert.Failures, 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.deliveries.WithLabelValues(ChannelEmail, "failure")))
}

func TestDispatch_SlowChannelTimesOutAlone(t *testing.T) {
	cfg := chargeConfig()
	cfg.Channels = []string{ChannelInApp, ChannelWebhook}
	h := newHarness(t, cfg,
		WithChannels(&slowChannel{name: ChannelWebhook, delay: time.Second}),
		WithChannelTimeout(20*time.Millisecond),
	)

	res, err := h.svc.RecordUsage(context.Background(), tenant, "call-1", minutes(150))
	require.NoError(t, err)
	require.NotNil(t, res.Alert)
	assert.Equal(t, []string{ChannelInApp}, res.Alert.Alert.ChannelsConfirmed)
	assert.Contains(t, res.Alert.Failures[ChannelWebhook], context.DeadlineExceeded.Error())
}

func TestDispatchAlert_ConcurrentClaimsCreateOneAlert(t *testing.T) {
	// Reach 90% under a ladder that does not alert, then widen the ladder.
	cfg := chargeConfig()
	cfg.Thresholds = []int{100}
	h := newHarness(t, cfg)
	ctx := context.Background()

	_, err := h.svc.RecordUsage(ctx, tenant, "call-1", minutes(180))
	require.NoError(t, err)
	cfg.Thresholds = []int{70, 85, 95, 100}
	require.NoError(t, h.configs.SaveLimitConfig(ctx, cfg))

	const n = 16
	var dispatched atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.svc.DispatchAlert(ctx, tenant, 85)
			if assert.NoError(t, err) && res.Dispatched {
				dispatched.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), dispatched.Load())
	alerts, err := h.svc.ListRecentAlerts(ctx, tenant, 0)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, 85, alerts[0].Threshold)
	assert.Equal(t, 1, h.inApp.count())

	res, err := h.svc.DispatchAlert(ctx, tenant, 70)
	require.NoError(t, err)
	assert.False(t, res.Dispatched)
	assert.Equal(t, SkipAlreadyAlerted, res.SkipReason)
}

func TestDispatchAlert_CooldownAcrossPeriods(t *testing.T) {
	cfg := chargeConfig()
	cfg.CooldownMinutes = 60
	h := newHarness(t, cfg)
	ctx := context.Background()

	h.clock.Set(time.Date(2026, 10, 31, 23, 30, 0, 0, time.UTC))
	res, err := h.svc.RecordUsage(ctx, tenant, "oct-1", minutes(190))
	require.NoError(t, err)
	require.NotNil(t, res.Alert)
	assert.True(t, res.Alert.Dispatched)

	h.clock.Set(time.Date(2026, 11, 1, 0, 10, 0, 0, time.UTC))
	res, err = h.svc.RecordUsage(ctx, tenant, "nov-1", minutes(190))
	require.NoError(t, err)
	require.NotNil(t, res.Alert)
	assert.False(t, res.Alert.Dispatched)
	assert.Equal(t, SkipCooldownActive, res.Alert.SkipReason)

	period, err := h.svc.CurrentPeriod(ctx, tenant)
	require.NoError(t, err)
	assert.Nil(t, period.LastAlertedThreshold, "a skipped alert does not advance the ratchet")

	h.clock.Set(time.Date(2026, 11, 1, 1, 0, 0, 0, time.UTC))
	res, err = h.svc.RecordUsage(ctx, tenant, "nov-2", 60)
	require.NoError(t, err)
	require.NotNil(t, res.Alert)
	assert.True(t, res.Alert.Dispatched)
	assert.Equal(t, 95, res.Alert.Threshold)
}

func TestDispatchAlert_Validation(t *testing.T) {
	h := newHarness(t, chargeConfig())
	ctx := context.Background()

	_, err := h.svc.DispatchAlert(ctx, tenant, 42)
	assert.ErrorIs(t, err, ErrInvalidThreshold)

	_, err = h.svc.DispatchAlert(ctx, tenant, 70)
	assert.ErrorIs(t, err, ErrPeriodNotFound)
}

func TestDispatchAlert_SkipsUnreachedThreshold(t *testing.T) {
	h := newHarness(t, chargeConfig())
	ctx := context.Background()

	_, err := h.svc.RecordUsage(ctx, tenant, "call-1", minutes(10))
	require.NoError(t, err)

	res, err := h.svc.DispatchAlert(ctx, tenant, 100)
	require.NoError(t, err)
	assert.False(t, res.Dispatched)
	assert.Equal(t, SkipNotReached, res.SkipReason)

	period, err := h.svc.CurrentPeriod(ctx, tenant)
	require.NoError(t, err)
	assert.Nil(t, period.LastAlertedThreshold)

	// The real crossing still fires.
	rec, err := h.svc.RecordUsage(ctx, tenant, "call-2", minutes(140))
	require.NoError(t, err)
	require.NotNil(t, rec.Alert)
	assert.True(t, rec.Alert.Dispatched)
	assert.Equal(t, 70, rec.Alert.Threshold)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.alertSkips.WithLabelValues(SkipNotReached)))
}

func TestRedeliverPending(t *testing.T) {
	cfg := chargeConfig()
	cfg.Channels = []string{ChannelInApp, ChannelEmail}
	email := &fakeChannel{name: ChannelEmail, err: errors.New("smtp down")}
	h := newHarness(t, cfg, WithChannels(email))
	ctx := context.Background()

	res, err := h.svc.RecordUsage(ctx, tenant, "call-1", minutes(150))
	require.NoError(t, err)
	alertID := res.Alert.Alert.ID

	n, err := h.svc.RedeliverPending(ctx, time.Hour, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	email.setErr(nil)
	n, err = h.svc.RedeliverPending(ctx, time.Hour, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, h.inApp.count(), "confirmed channels are not repeated")

	a, err := h.svc.GetAlert(ctx, alertID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{ChannelInApp, ChannelEmail}, a.ChannelsConfirmed)
	assert.Empty(t, a.DeliveryErrors)

	n, err = h.svc.RedeliverPending(ctx, time.Hour, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestAcknowledgeAlert(t *testing.T) {
	h := newHarness(t, chargeConfig())
	ctx := context.Background()

	res, err := h.svc.RecordUsage(ctx, tenant, "call-1", minutes(150))
	require.NoError(t, err)
	id := res.Alert.Alert.ID

	_, err = h.svc.AcknowledgeAlert(ctx, id, "")
	assert.Error(t, err)

	a, err := h.svc.AcknowledgeAlert(ctx, id, "ops@example.com")
	require.NoError(t, err)
	assert.True(t, a.Acknowledged)
	assert.Equal(t, "ops@example.com", a.AcknowledgedBy)
	require.NotNil(t, a.AcknowledgedAt)

	again, err := h.svc.AcknowledgeAlert(ctx, id, "someone-else")
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", again.AcknowledgedBy)

	_, err = h.svc.AcknowledgeAlert(ctx, "missing", "ops")
	assert.ErrorIs(t, err, ErrAlertNotFound)
}

func TestListRecentAlerts_Limit(t *testing.T) {
	h := newHarness(t, chargeConfig())
	ctx := context.Background()

	_, err := h.svc.RecordUsage(ctx, tenant, "a", minutes(150))
	require.NoError(t, err)
	_, err = h.svc.RecordUsage(ctx, tenant, "b", minutes(25))
	require.NoError(t, err)
	_, err = h.svc.RecordUsage(ctx, tenant, "c", minutes(25))
	require.NoError(t, err)

	alerts, err := h.svc.ListRecentAlerts(ctx, tenant, 2)
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	assert.Equal(t, 100, alerts[0].Threshold)
	assert.Equal(t, 85, alerts[1].Threshold)

	other, err := h.svc.ListRecentAlerts(ctx, "other-tenant", 10)
	require.NoError(t, err)
	assert.Empty(t, other)
}
