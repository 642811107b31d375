package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/vnmchuo/callmeter/internal/auth"
	"github.com/vnmchuo/callmeter/internal/billing"
	"github.com/vnmchuo/callmeter/pkg/ratelimit"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Meter is the part of billing.Service the HTTP surface calls.
type Meter interface {
	RecordUsage(ctx context.Context, tenantID, sourceID string, secondsUsed int64) (*billing.RecordResult, error)
	CheckLimit(ctx context.Context, tenantID string) (*billing.CheckResult, error)
	CurrentPeriod(ctx context.Context, tenantID string) (*billing.UsagePeriod, error)
	DispatchAlert(ctx context.Context, tenantID string, threshold int) (*billing.DispatchResult, error)
	AcknowledgeAlert(ctx context.Context, alertID, by string) (*billing.Alert, error)
	GetAlert(ctx context.Context, alertID string) (*billing.Alert, error)
	ListRecentAlerts(ctx context.Context, tenantID string, limit int) ([]*billing.Alert, error)
}

type Handler struct {
	meter   Meter
	configs billing.ConfigStore
	limiter *ratelimit.Limiter
	tracer  trace.Tracer
	logger  *zap.Logger
}

func NewHandler(meter Meter, configs billing.ConfigStore, limiter *ratelimit.Limiter, tracer trace.Tracer, logger *zap.Logger) *Handler {
	return &Handler{
		meter:   meter,
		configs: configs,
		limiter: limiter,
		tracer:  tracer,
		logger:  logger,
	}
}

type recordUsageRequest struct {
	SourceID    string `json:"source_id"`
	SecondsUsed int64  `json:"seconds_used"`
}

type dispatchRequest struct {
	Threshold int `json:"threshold"`
}

type ackRequest struct {
	By string `json:"by"`
}

type periodResponse struct {
	*billing.UsagePeriod
	IncludedMinutesUsed decimal.Decimal `json:"included_minutes_used"`
	OverageMinutesUsed  decimal.Decimal `json:"overage_minutes_used"`
}

type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (h *Handler) HandleRecordUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	var req recordUsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	ctx, span := h.tracer.Start(ctx, "api.record_usage")
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("request_id", auth.GetRequestID(ctx)),
		attribute.String("source_id", req.SourceID),
	)

	allowed, err := h.limiter.Allow(ctx, tenantID)
	if err != nil || !allowed {
		if err != nil {
			h.logger.Warn("ingest rate limiter failed", zap.String("tenant_id", tenantID), zap.Error(err))
		}
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": "60s",
		})
		return
	}

	res, err := h.meter.RecordUsage(ctx, tenantID, req.SourceID, req.SecondsUsed)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (h *Handler) HandleCheckLimit(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	res, err := h.meter.CheckLimit(r.Context(), tenantID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) HandleCurrentPeriod(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	p, err := h.meter.CurrentPeriod(r.Context(), tenantID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, periodResponse{
		UsagePeriod:         p,
		IncludedMinutesUsed: p.IncludedMinutesUsed(),
		OverageMinutesUsed:  p.OverageMinutesUsed(),
	})
}

func (h *Handler) HandleListAlerts(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	alerts, err := h.meter.ListRecentAlerts(r.Context(), tenantID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if alerts == nil {
		alerts = []*billing.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tenant_id": tenantID,
		"alerts":    alerts,
	})
}

func (h *Handler) HandleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	alertID := chi.URLParam(r, "id")

	var req ackRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
	}
	if req.By == "" {
		req.By = "api_key:" + auth.GetAPIKeyID(ctx)
	}

	// Another tenant's alert is reported as missing.
	existing, err := h.meter.GetAlert(ctx, alertID)
	if err == nil && existing.TenantID != tenantID {
		err = billing.ErrAlertNotFound
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	alert, err := h.meter.AcknowledgeAlert(ctx, alertID, req.By)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (h *Handler) HandleDispatchAlert(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	res, err := h.meter.DispatchAlert(r.Context(), tenantID, req.Threshold)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) HandleGetLimitConfig(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}
	cfg, err := h.configs.GetLimitConfig(r.Context(), tenantID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *Handler) HandlePutLimitConfig(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(w, r)
	if !ok {
		return
	}

	var cfg billing.LimitConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	cfg.TenantID = tenantID

	if err := h.configs.SaveLimitConfig(r.Context(), &cfg); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.logger.Info("limit config updated",
		zap.String("tenant_id", tenantID),
		zap.Int64("included_minutes", cfg.IncludedMinutes),
		zap.String("policy", string(cfg.Policy)),
	)
	writeJSON(w, http.StatusOK, &cfg)
}

func (h *Handler) tenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID := auth.GetTenantID(r.Context())
	if tenantID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return "", false
	}
	return tenantID, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, billing.ErrInvalidLimitConfig):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":  "invalid limit config",
			"fields": fieldErrors(err),
		})
	case errors.Is(err, billing.ErrInvalidUsage), errors.Is(err, billing.ErrInvalidThreshold):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, billing.ErrPeriodUnresolvable), errors.Is(err, billing.ErrConfigNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no limit config for tenant"})
	case errors.Is(err, billing.ErrPeriodNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no usage in the current period"})
	case errors.Is(err, billing.ErrAlertNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "alert not found"})
	case errors.Is(err, billing.ErrStorageConflict):
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusConflict, map[string]string{"error": "concurrent update, retry"})
	default:
		h.logger.Error("request failed",
			zap.String("request_id", auth.GetRequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func fieldErrors(err error) []fieldError {
	var out []fieldError
	var walk func(error)
	walk = func(e error) {
		switch x := e.(type) {
		case *billing.ValidationError:
			out = append(out, fieldError{Field: x.Field, Message: x.Message})
		case interface{ Unwrap() []error }:
			for _, inner := range x.Unwrap() {
				walk(inner)
			}
		case interface{ Unwrap() error }:
			walk(x.Unwrap())
		}
	}
	walk(err)
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
