package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrKeyNotFound = errors.New("api key not found")

// Scopes granted to API keys.
const (
	ScopeUsageWrite  = "usage:write"
	ScopeLimitsRead  = "limits:read"
	ScopeLimitsWrite = "limits:write"
	ScopeAlertsRead  = "alerts:read"
	ScopeAlertsWrite = "alerts:write"
)

var AllScopes = []string{ScopeUsageWrite, ScopeLimitsRead, ScopeLimitsWrite, ScopeAlertsRead, ScopeAlertsWrite}

type APIKey struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	KeyHash   string    `json:"key_hash"`
	Scopes    []string  `json:"scopes"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (a *APIKey) MarshalBinary() ([]byte, error) {
	return json.Marshal(a)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (a *APIKey) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, a)
}

func (a *APIKey) HasScope(scope string) bool {
	return slices.Contains(a.Scopes, scope)
}

type Store interface {
	GetByKey(ctx context.Context, key string) (*APIKey, error)
	Create(ctx context.Context, apiKey *APIKey) error
	Revoke(ctx context.Context, keyID string) error
}

// Cache is the subset of *redis.Client used for key lookups.
type Cache interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

type Middleware func(next http.Handler) http.Handler

type contextKey string

const (
	tenantIDKey  contextKey = "tenant_id"
	apiKeyIDKey  contextKey = "api_key_id"
	scopesKey    contextKey = "scopes"
	requestIDKey contextKey = "request_id"
)

const cacheTTL = 5 * time.Minute

func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

func NewMiddleware(store Store, cache Cache, logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}
			ctx = WithRequestID(ctx, requestID)
			w.Header().Set("X-Request-ID", requestID)

			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			key := strings.TrimPrefix(authHeader, "Bearer ")
			cacheKey := fmt.Sprintf("auth:%s", HashKey(key))

			var apiKey APIKey
			err := cache.Get(ctx, cacheKey).Scan(&apiKey)
			if err == nil {
				next.ServeHTTP(w, r.WithContext(withKey(ctx, &apiKey)))
				return
			}
			if !errors.Is(err, redis.Nil) {
				logger.Warn("api key cache read failed", zap.Error(err))
			}

			found, err := store.GetByKey(ctx, key)
			if err != nil {
				if errors.Is(err, ErrKeyNotFound) {
					writeError(w, http.StatusUnauthorized, "invalid api key")
					return
				}
				logger.Error("api key lookup failed", zap.String("request_id", requestID), zap.Error(err))
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}

			if err := cache.Set(ctx, cacheKey, found, cacheTTL).Err(); err != nil {
				logger.Warn("api key cache write failed", zap.Error(err))
			}
			next.ServeHTTP(w, r.WithContext(withKey(ctx, found)))
		})
	}
}

// RequireScope rejects requests whose key lacks scope. It must run after the
// authentication middleware.
func RequireScope(scope string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !slices.Contains(GetScopes(r.Context()), scope) {
				writeError(w, http.StatusForbidden, "missing scope "+scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func withKey(ctx context.Context, k *APIKey) context.Context {
	ctx = context.WithValue(ctx, tenantIDKey, k.TenantID)
	ctx = context.WithValue(ctx, apiKeyIDKey, k.ID)
	return context.WithValue(ctx, scopesKey, k.Scopes)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Helpers to extract from context
func GetTenantID(ctx context.Context) string {
	if id, ok := ctx.Value(tenantIDKey).(string); ok {
		return id
	}
	return ""
}

func GetAPIKeyID(ctx context.Context) string {
	if id, ok := ctx.Value(apiKeyIDKey).(string); ok {
		return id
	}
	return ""
}

func GetScopes(ctx context.Context) []string {
	if s, ok := ctx.Value(scopesKey).([]string); ok {
		return s
	}
	return nil
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Helpers for testing
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

func WithScopes(ctx context.Context, scopes ...string) context.Context {
	return context.WithValue(ctx, scopesKey, scopes)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func WithAPIKeyID(ctx context.Context, apiKeyID string) context.Context {
	return context.WithValue(ctx, apiKeyIDKey, apiKeyID)
}
