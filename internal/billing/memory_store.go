package billing

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process Store with the same uniqueness and
// compare-and-swap rules as PostgresStore. It backs tests and local runs.
type MemoryStore struct {
	mu sync.Mutex

	periods      map[string]*UsagePeriod
	transactions map[string]*UsageTransaction // tenant/source
	alerts       map[string]*Alert
	alertKeys    map[string]string // tenant/threshold/period start -> alert id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		periods:      make(map[string]*UsagePeriod),
		transactions: make(map[string]*UsageTransaction),
		alerts:       make(map[string]*Alert),
		alertKeys:    make(map[string]string),
	}
}

func txnKey(tenantID, sourceID string) string {
	return tenantID + "/" + sourceID
}

func alertKey(a *Alert) string {
	return fmt.Sprintf("%s/%d/%s", a.TenantID, a.Threshold, a.PeriodStart.UTC().Format(time.RFC3339Nano))
}

func (s *MemoryStore) GetActivePeriod(_ context.Context, tenantID string, now time.Time) (*UsagePeriod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.periods {
		if p.TenantID == tenantID && p.Contains(now) {
			return copyPeriod(p), nil
		}
	}
	return nil, ErrPeriodNotFound
}

func (s *MemoryStore) CreatePeriod(_ context.Context, tenantID string, start, end time.Time) (*UsagePeriod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.periods {
		if p.TenantID == tenantID && p.PeriodStart.Equal(start) {
			return copyPeriod(p), nil
		}
	}
	now := time.Now()
	p := &UsagePeriod{
		ID:                   uuid.New().String(),
		TenantID:             tenantID,
		PeriodStart:          start,
		PeriodEnd:            end,
		OverageChargeAccrued: decimal.Zero,
		Version:              1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	s.periods[p.ID] = p
	return copyPeriod(p), nil
}

func (s *MemoryStore) ApplyUsage(_ context.Context, periodID string, expectedVersion int64, delta UsageDelta, txn *UsageTransaction) (*UsagePeriod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transactions[txnKey(txn.TenantID, txn.SourceID)]; ok {
		return nil, ErrDuplicateUsage
	}
	p, ok := s.periods[periodID]
	if !ok {
		return nil, ErrPeriodNotFound
	}
	if p.Version != expectedVersion {
		return nil, ErrVersionConflict
	}

	p.IncludedSecondsUsed += delta.IncludedSeconds
	p.OverageSecondsUsed += delta.OverageSeconds
	p.OverageChargeAccrued = p.OverageChargeAccrued.Add(delta.Charge)
	p.Blocked = delta.Blocked
	p.BlockedReason = delta.BlockedReason
	p.CallCount++
	p.Version++
	p.UpdatedAt = time.Now()

	stored := *txn
	s.transactions[txnKey(txn.TenantID, txn.SourceID)] = &stored
	return copyPeriod(p), nil
}

func (s *MemoryStore) GetTransaction(_ context.Context, tenantID, sourceID string) (*UsageTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transactions[txnKey(tenantID, sourceID)]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	out := *t
	return &out, nil
}

func (s *MemoryStore) ClaimAlert(_ context.Context, claim AlertClaim) (*Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := claim.Alert
	p, ok := s.periods[a.PeriodID]
	if !ok {
		return nil, ErrPeriodNotFound
	}
	if p.LastAlertedThreshold != nil && *p.LastAlertedThreshold >= a.Threshold {
		return nil, ErrAlreadyAlerted
	}
	if _, ok := s.alertKeys[alertKey(a)]; ok {
		return nil, ErrAlreadyAlerted
	}
	for _, existing := range s.alerts {
		if existing.TenantID == a.TenantID && existing.Threshold == a.Threshold && existing.CreatedAt.After(claim.CooldownCutoff) {
			return nil, ErrCooldownActive
		}
	}

	threshold := a.Threshold
	p.LastAlertedThreshold = &threshold
	p.UpdatedAt = time.Now()

	stored := copyAlert(a)
	s.alerts[stored.ID] = stored
	s.alertKeys[alertKey(stored)] = stored.ID
	return copyAlert(stored), nil
}

func (s *MemoryStore) RecordDelivery(_ context.Context, alertID string, outcome DeliveryOutcome) (*Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[alertID]
	if !ok {
		return nil, ErrAlertNotFound
	}
	a.ChannelsConfirmed, a.DeliveryErrors = mergeDelivery(a.ChannelsConfirmed, a.DeliveryErrors, outcome)
	return copyAlert(a), nil
}

func (s *MemoryStore) GetAlert(_ context.Context, alertID string) (*Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[alertID]
	if !ok {
		return nil, ErrAlertNotFound
	}
	return copyAlert(a), nil
}

func (s *MemoryStore) AcknowledgeAlert(_ context.Context, alertID, by string, at time.Time) (*Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[alertID]
	if !ok {
		return nil, ErrAlertNotFound
	}
	if !a.Acknowledged {
		a.Acknowledged = true
		a.AcknowledgedBy = by
		a.AcknowledgedAt = &at
	}
	return copyAlert(a), nil
}

func (s *MemoryStore) ListRecentAlerts(_ context.Context, tenantID string, limit int) ([]*Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Alert
	for _, a := range s.alerts {
		if a.TenantID == tenantID {
			out = append(out, copyAlert(a))
		}
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListUndelivered(_ context.Context, since time.Time, limit int) ([]*Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Alert
	for _, a := range s.alerts {
		if !a.Acknowledged && a.CreatedAt.After(since) && len(a.PendingChannels()) > 0 {
			out = append(out, copyAlert(a))
		}
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// mergeDelivery adds newly confirmed channels and replaces the recorded
// error of every channel in the outcome.
func mergeDelivery(confirmed []string, errs map[string]string, outcome DeliveryOutcome) ([]string, map[string]string) {
	merged := slices.Clone(confirmed)
	next := make(map[string]string, len(errs))
	for k, v := range errs {
		next[k] = v
	}
	for _, c := range outcome.Confirmed {
		if !slices.Contains(merged, c) {
			merged = append(merged, c)
		}
		delete(next, c)
	}
	for c, msg := range outcome.Failed {
		next[c] = msg
	}
	if merged == nil {
		merged = []string{}
	}
	return merged, next
}

func sortNewestFirst(alerts []*Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		if alerts[i].CreatedAt.Equal(alerts[j].CreatedAt) {
			return alerts[i].Threshold > alerts[j].Threshold
		}
		return alerts[i].CreatedAt.After(alerts[j].CreatedAt)
	})
}

func copyPeriod(p *UsagePeriod) *UsagePeriod {
	out := *p
	if p.LastAlertedThreshold != nil {
		t := *p.LastAlertedThreshold
		out.LastAlertedThreshold = &t
	}
	return &out
}

func copyAlert(a *Alert) *Alert {
	out := *a
	out.ChannelsAttempted = slices.Clone(a.ChannelsAttempted)
	out.ChannelsConfirmed = slices.Clone(a.ChannelsConfirmed)
	out.EmailRecipients = slices.Clone(a.EmailRecipients)
	if a.DeliveryErrors != nil {
		out.DeliveryErrors = make(map[string]string, len(a.DeliveryErrors))
		for k, v := range a.DeliveryErrors {
			out.DeliveryErrors[k] = v
		}
	}
	if a.AcknowledgedAt != nil {
		t := *a.AcknowledgedAt
		out.AcknowledgedAt = &t
	}
	return &out
}
