package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"github.com/vnmchuo/callmeter/internal/billing"
)

type webhookPayload struct {
	Event            string    `json:"event"`
	AlertID          string    `json:"alert_id"`
	TenantID         string    `json:"tenant_id"`
	Threshold        int       `json:"threshold"`
	Severity         string    `json:"severity"`
	Message          string    `json:"message"`
	UsagePercent     string    `json:"usage_percent"`
	RemainingMinutes string    `json:"remaining_minutes"`
	OverageMinutes   string    `json:"overage_minutes"`
	OverageCharge    string    `json:"overage_charge"`
	PeriodStart      time.Time `json:"period_start"`
	CreatedAt        time.Time `json:"created_at"`
}

// Webhook posts alerts as JSON to the tenant URL. Each destination host has
// its own circuit breaker so one dead endpoint stops costing a timeout per alert.
type Webhook struct {
	client *http.Client

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewWebhook(client *http.Client) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Webhook{
		client:   client,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (c *Webhook) Name() string { return billing.ChannelWebhook }

func (c *Webhook) breaker(host string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	cb, ok := c.breakers[host]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "webhook:" + host,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
		c.breakers[host] = cb
	}
	return cb
}

func (c *Webhook) Deliver(ctx context.Context, alert *billing.Alert) error {
	if alert.WebhookURL == "" {
		return errors.New("no webhook url configured")
	}
	u, err := url.Parse(alert.WebhookURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid webhook url %q", alert.WebhookURL)
	}

	body, err := json.Marshal(webhookPayload{
		Event:            "usage.threshold_crossed",
		AlertID:          alert.ID,
		TenantID:         alert.TenantID,
		Threshold:        alert.Threshold,
		Severity:         string(alert.Severity),
		Message:          alert.Message,
		UsagePercent:     alert.UsagePercent.String(),
		RemainingMinutes: alert.RemainingMinutes.String(),
		OverageMinutes:   alert.OverageMinutes.String(),
		OverageCharge:    alert.OverageCharge.String(),
		PeriodStart:      alert.PeriodStart,
		CreatedAt:        alert.CreatedAt,
	})
	if err != nil {
		return err
	}

	_, err = c.breaker(u.Host).Execute(func() (interface{}, error) {
		return nil, c.post(ctx, alert.WebhookURL, alert.ID, body)
	})
	return err
}

func (c *Webhook) post(ctx context.Context, target, alertID string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, "POST", target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Callmeter-Event", "usage.threshold_crossed")
	req.Header.Set("X-Callmeter-Alert-ID", alertID)
	req.Header.Set("X-Callmeter-Delivery-ID", uuid.New().String())

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
