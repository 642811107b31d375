package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// Channel delivers an alert over one medium. Deliver must not modify the alert.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, alert *Alert) error
}

// Service is the metering core: usage recording, policy checks, threshold
// detection and alert dispatch. It holds no per-tenant state; all shared
// state lives behind Store.
type Service struct {
	store    Store
	configs  ConfigProvider
	channels map[string]Channel
	logger   *zap.Logger
	tracer   trace.Tracer
	metrics  *Metrics
	now      func() time.Time

	maxAttempts    uint
	initialBackoff time.Duration
	channelTimeout time.Duration
}

type Option func(*Service)

func WithChannels(channels ...Channel) Option {
	return func(s *Service) {
		for _, c := range channels {
			s.channels[c.Name()] = c
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) { s.tracer = tracer }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRetry bounds the attempts made when the period version moves underneath
// a usage update.
func WithRetry(maxAttempts uint, initialBackoff time.Duration) Option {
	return func(s *Service) {
		s.maxAttempts = maxAttempts
		s.initialBackoff = initialBackoff
	}
}

// WithChannelTimeout caps a single channel delivery.
func WithChannelTimeout(d time.Duration) Option {
	return func(s *Service) { s.channelTimeout = d }
}

func NewService(store Store, configs ConfigProvider, opts ...Option) *Service {
	s := &Service{
		store:          store,
		configs:        configs,
		channels:       make(map[string]Channel),
		logger:         zap.NewNop(),
		tracer:         noop.NewTracerProvider().Tracer("billing"),
		now:            time.Now,
		maxAttempts:    3,
		initialBackoff: 50 * time.Millisecond,
		channelTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	return s
}

func (s *Service) loadConfig(ctx context.Context, tenantID string) (*LimitConfig, error) {
	cfg, err := s.configs.GetLimitConfig(ctx, tenantID)
	if err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			return nil, fmt.Errorf("%w: no limit config for tenant %s", ErrPeriodUnresolvable, tenantID)
		}
		return nil, fmt.Errorf("failed to load limit config: %w", err)
	}
	return cfg, nil
}

// resolvePeriod returns the tenant's period for now, creating it when the
// previous one has ended or none exists yet.
func (s *Service) resolvePeriod(ctx context.Context, cfg *LimitConfig, tenantID string, now time.Time) (*UsagePeriod, error) {
	period, err := s.store.GetActivePeriod(ctx, tenantID, now)
	if err == nil {
		return period, nil
	}
	if !errors.Is(err, ErrPeriodNotFound) {
		return nil, fmt.Errorf("failed to get active period: %w", err)
	}

	start, end, err := BillingWindow(cfg, now)
	if err != nil {
		return nil, err
	}
	period, err = s.store.CreatePeriod(ctx, tenantID, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to create period: %w", err)
	}
	s.logger.Info("usage period opened",
		zap.String("tenant_id", tenantID),
		zap.String("period_id", period.ID),
		zap.Time("start", start),
		zap.Time("end", end),
	)
	return period, nil
}

func (s *Service) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initialBackoff
	b.MaxInterval = 20 * s.initialBackoff
	return b
}
