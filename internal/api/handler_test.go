package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/vnmchuo/callmeter/internal/auth"
	"github.com/vnmchuo/callmeter/internal/billing"
	"github.com/vnmchuo/callmeter/pkg/ratelimit"
	extratelimit "github.com/vnmchuo/ratelimiter"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// Mock Limiter Store
type mockLimiterStore struct {
	allowed bool
	err     error
}

func (m *mockLimiterStore) AllowN(ctx context.Context, key string, n int) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

func (m *mockLimiterStore) Status(ctx context.Context, key string) (*extratelimit.Result, error) {
	return &extratelimit.Result{Allowed: m.allowed}, m.err
}

// fakeAuth stands in for the API key middleware.
func fakeAuth(tenantID string, scopes ...string) auth.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := auth.WithTenantID(r.Context(), tenantID)
			ctx = auth.WithScopes(ctx, scopes...)
			ctx = auth.WithAPIKeyID(ctx, "key-1")
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type testEnv struct {
	svc     *billing.Service
	configs *billing.MemoryConfigStore
	handler *Handler
}

func setupTest(limiterAllowed bool) *testEnv {
	configs := billing.NewMemoryConfigStore()
	configs.SaveLimitConfig(context.Background(), &billing.LimitConfig{
		TenantID:         "tenant-1",
		IncludedMinutes:  100,
		OverageUnitPrice: decimal.NewFromInt(300),
		Policy:           billing.PolicyCharge,
	})
	svc := billing.NewService(billing.NewMemoryStore(), configs)
	limiter := ratelimit.NewWithStore(&mockLimiterStore{allowed: limiterAllowed})
	tracer := noop.NewTracerProvider().Tracer("test")

	return &testEnv{
		svc:     svc,
		configs: configs,
		handler: NewHandler(svc, configs, limiter, tracer, zap.NewNop()),
	}
}

func (e *testEnv) router(tenantID string, scopes ...string) http.Handler {
	if scopes == nil {
		scopes = auth.AllScopes
	}
	return NewRouter(e.handler, fakeAuth(tenantID, scopes...), prometheus.NewRegistry())
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHandleRecordUsage(t *testing.T) {
	env := setupTest(true)
	r := env.router("tenant-1")
	body := map[string]interface{}{"source_id": "call-1", "seconds_used": 3600}

	w := do(t, r, "POST", "/v1/usage", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var res billing.RecordResult
	json.Unmarshal(w.Body.Bytes(), &res)
	if !res.IncludedMinutesUsed.Equal(decimal.NewFromInt(60)) {
		t.Errorf("Expected 60 included minutes, got %s", res.IncludedMinutesUsed)
	}
	if res.Replayed {
		t.Error("first record must not be a replay")
	}

	w = do(t, r, "POST", "/v1/usage", body)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 on replay, got %d", w.Code)
	}
	json.Unmarshal(w.Body.Bytes(), &res)
	if !res.Replayed {
		t.Error("Expected replayed result")
	}
}

func TestHandleRecordUsage_RateLimited(t *testing.T) {
	env := setupTest(false)

	w := do(t, env.router("tenant-1"), "POST", "/v1/usage", map[string]interface{}{"source_id": "call-1", "seconds_used": 60})
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Expected Retry-After header")
	}
}

func TestHandleRecordUsage_BadInput(t *testing.T) {
	env := setupTest(true)
	r := env.router("tenant-1")

	tests := []struct {
		name string
		body interface{}
	}{
		{"invalid json", `{invalid json}`},
		{"zero seconds", map[string]interface{}{"source_id": "call-1", "seconds_used": 0}},
		{"missing source", map[string]interface{}{"seconds_used": 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, r, "POST", "/v1/usage", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d", w.Code)
			}
		})
	}
}

func TestHandleCheckLimit(t *testing.T) {
	env := setupTest(true)
	r := env.router("tenant-1")

	do(t, r, "POST", "/v1/usage", map[string]interface{}{"source_id": "call-1", "seconds_used": 120 * 60})

	w := do(t, r, "GET", "/v1/limits/check", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var res billing.CheckResult
	json.Unmarshal(w.Body.Bytes(), &res)
	if res.Decision != billing.DecisionCharge {
		t.Errorf("Expected charge decision, got %s", res.Decision)
	}
	if !res.OverageMinutesUsed.Equal(decimal.NewFromInt(20)) {
		t.Errorf("Expected 20 overage minutes, got %s", res.OverageMinutesUsed)
	}

	w = do(t, env.router("tenant-unknown"), "GET", "/v1/limits/check", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for tenant without config, got %d", w.Code)
	}
}

func TestHandleCurrentPeriod(t *testing.T) {
	env := setupTest(true)
	r := env.router("tenant-1")

	w := do(t, r, "GET", "/v1/usage/period", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("Expected 404 before any usage, got %d", w.Code)
	}

	do(t, r, "POST", "/v1/usage", map[string]interface{}{"source_id": "call-1", "seconds_used": 90})
	w = do(t, r, "GET", "/v1/usage/period", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var res struct {
		TenantID            string          `json:"tenant_id"`
		IncludedSecondsUsed int64           `json:"included_seconds_used"`
		IncludedMinutesUsed decimal.Decimal `json:"included_minutes_used"`
	}
	json.Unmarshal(w.Body.Bytes(), &res)
	if res.TenantID != "tenant-1" || res.IncludedSecondsUsed != 90 {
		t.Errorf("unexpected period %+v", res)
	}
	if !res.IncludedMinutesUsed.Equal(decimal.RequireFromString("1.5")) {
		t.Errorf("Expected 1.5 minutes, got %s", res.IncludedMinutesUsed)
	}
}

func TestHandleAlerts_ListAndAcknowledge(t *testing.T) {
	env := setupTest(true)
	r := env.router("tenant-1")

	w := do(t, r, "POST", "/v1/usage", map[string]interface{}{"source_id": "call-1", "seconds_used": 90 * 60})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", w.Code)
	}

	w = do(t, r, "GET", "/v1/alerts?limit=5", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var list struct {
		Alerts []*billing.Alert `json:"alerts"`
	}
	json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Alerts) != 1 || list.Alerts[0].Threshold != 85 {
		t.Fatalf("Expected one 85%% alert, got %+v", list.Alerts)
	}
	id := list.Alerts[0].ID

	w = do(t, env.router("tenant-2"), "POST", "/v1/alerts/"+id+"/ack", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for another tenant's alert, got %d", w.Code)
	}

	w = do(t, r, "POST", "/v1/alerts/"+id+"/ack", map[string]string{"by": "ops@example.com"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var acked billing.Alert
	json.Unmarshal(w.Body.Bytes(), &acked)
	if !acked.Acknowledged || acked.AcknowledgedBy != "ops@example.com" {
		t.Errorf("unexpected ack %+v", acked)
	}

	w = do(t, r, "GET", "/v1/alerts?limit=zero", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad limit, got %d", w.Code)
	}
}

func TestHandleDispatchAlert(t *testing.T) {
	env := setupTest(true)
	r := env.router("tenant-1")

	w := do(t, r, "POST", "/v1/alerts/dispatch", map[string]int{"threshold": 42})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for threshold outside ladder, got %d", w.Code)
	}

	do(t, r, "POST", "/v1/usage", map[string]interface{}{"source_id": "call-1", "seconds_used": 75 * 60})
	w = do(t, r, "POST", "/v1/alerts/dispatch", map[string]int{"threshold": 70})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var res billing.DispatchResult
	json.Unmarshal(w.Body.Bytes(), &res)
	if res.Dispatched || res.SkipReason != billing.SkipAlreadyAlerted {
		t.Errorf("Expected already alerted skip, got %+v", res)
	}

	w = do(t, r, "POST", "/v1/alerts/dispatch", map[string]int{"threshold": 95})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	res = billing.DispatchResult{}
	json.Unmarshal(w.Body.Bytes(), &res)
	if res.Dispatched || res.SkipReason != billing.SkipNotReached {
		t.Errorf("Expected not reached skip at 75%%, got %+v", res)
	}
}

func TestHandleLimitConfig(t *testing.T) {
	env := setupTest(true)
	r := env.router("tenant-1")

	w := do(t, r, "PUT", "/v1/limits/config", map[string]interface{}{
		"included_minutes": -5,
		"policy":           "sometimes",
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("Expected 422, got %d", w.Code)
	}
	var invalid struct {
		Fields []fieldError `json:"fields"`
	}
	json.Unmarshal(w.Body.Bytes(), &invalid)
	if len(invalid.Fields) != 2 {
		t.Errorf("Expected 2 field errors, got %+v", invalid.Fields)
	}

	w = do(t, r, "PUT", "/v1/limits/config", map[string]interface{}{
		"tenant_id":          "someone-else",
		"included_minutes":   500,
		"overage_unit_price": "250",
		"policy":             "block",
		"thresholds":         []int{50, 90},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	cfg, err := env.configs.GetLimitConfig(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("config not saved: %v", err)
	}
	if cfg.IncludedMinutes != 500 || cfg.Policy != billing.PolicyBlock {
		t.Errorf("unexpected config %+v", cfg)
	}
	if _, err := env.configs.GetLimitConfig(context.Background(), "someone-else"); err == nil {
		t.Error("tenant id in the body must be ignored")
	}

	w = do(t, r, "GET", "/v1/limits/config", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"policy":"block"`) {
		t.Errorf("unexpected config read %d %s", w.Code, w.Body.String())
	}
}

func TestRouter_ScopesAndProbes(t *testing.T) {
	env := setupTest(true)

	w := do(t, env.router("tenant-1", auth.ScopeAlertsRead), "POST", "/v1/usage", map[string]interface{}{"source_id": "x", "seconds_used": 1})
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 without usage scope, got %d", w.Code)
	}

	r := env.router("tenant-1")
	if w := do(t, r, "GET", "/healthz", nil); w.Code != http.StatusOK {
		t.Errorf("Expected healthz 200, got %d", w.Code)
	}
	if w := do(t, r, "GET", "/metrics", nil); w.Code != http.StatusOK {
		t.Errorf("Expected metrics 200, got %d", w.Code)
	}
}

func TestHandler_Unauthorized(t *testing.T) {
	env := setupTest(true)
	req := httptest.NewRequest("GET", "/v1/limits/check", nil)
	w := httptest.NewRecorder()

	env.handler.HandleCheckLimit(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}
