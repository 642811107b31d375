package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/vnmchuo/callmeter/config"
	"github.com/vnmchuo/callmeter/internal/api"
	"github.com/vnmchuo/callmeter/internal/auth"
	"github.com/vnmchuo/callmeter/internal/billing"
	"github.com/vnmchuo/callmeter/internal/channel"
	"github.com/vnmchuo/callmeter/internal/logger"
	"github.com/vnmchuo/callmeter/internal/migrations"
	"github.com/vnmchuo/callmeter/internal/seeder"
	"github.com/vnmchuo/callmeter/internal/telemetry"
	"github.com/vnmchuo/callmeter/internal/worker"
	"github.com/vnmchuo/callmeter/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init logger
	lg := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	defer lg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Init telemetry
	shutdownTracer, err := telemetry.InitTracer(ctx, cfg)
	if err != nil {
		lg.Fatal("failed to init tracer", zap.Error(err))
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(sctx); err != nil {
			lg.Warn("failed to shut down tracer provider", zap.Error(err))
		}
	}()

	// 4. Apply migrations if RUN_MIGRATIONS=true
	if cfg.RunMigrations {
		if err := migrations.Up(cfg.PostgresDSN, lg); err != nil {
			lg.Fatal("failed to apply migrations", zap.Error(err))
		}
	}

	// 5. Connect PostgreSQL
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		lg.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		lg.Fatal("failed to ping postgres", zap.Error(err))
	}
	lg.Info("postgres connected")

	// 6. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		lg.Fatal("failed to ping redis", zap.Error(err))
	}
	lg.Info("redis connected")

	// 7. Init auth
	authStore := auth.NewPostgresStore(pool)
	authMiddleware := auth.NewMiddleware(authStore, rdb, lg.Named("auth"))

	// 8. Init billing stores
	store := billing.NewPostgresStore(pool)
	configs := billing.NewCachedConfigStore(billing.NewPostgresConfigStore(pool), rdb, cfg.ConfigCacheTTL, lg.Named("config"))

	// 9. Init metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// 10. Init alert channels
	channels := []billing.Channel{
		channel.NewInApp(rdb),
		channel.NewWebhook(nil),
	}
	if cfg.SMTPHost != "" {
		channels = append(channels, channel.NewEmail(channel.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		}))
	} else {
		lg.Warn("SMTP_HOST not set, email alerts will fail delivery")
	}

	// 11. Init metering service
	tracer := otel.GetTracerProvider().Tracer(telemetry.ServiceName)
	svc := billing.NewService(store, configs,
		billing.WithChannels(channels...),
		billing.WithLogger(lg.Named("billing")),
		billing.WithTracer(tracer),
		billing.WithMetrics(billing.NewMetrics(reg)),
		billing.WithRetry(cfg.StorageMaxAttempts, 50*time.Millisecond),
		billing.WithChannelTimeout(cfg.ChannelTimeout),
	)

	// 12. Seed demo tenant if RUN_SEED=true
	if cfg.RunSeed {
		if err := seeder.Seed(ctx, authStore, configs, lg.Named("seeder")); err != nil {
			lg.Error("seeding failed", zap.Error(err))
		}
	}

	// 13. Start redelivery worker
	redelivery := worker.NewRedeliveryWorker(svc, worker.Config{
		Interval: cfg.RedeliveryInterval,
		Window:   cfg.RedeliveryWindow,
	}, lg.Named("worker"))
	go redelivery.Run(ctx)

	// 14. Init HTTP surface
	limiter := ratelimit.NewLimiter(rdb, cfg.IngestRateLimitRPM)
	handler := api.NewHandler(svc, configs, limiter, tracer, lg.Named("api"))

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(handler, authMiddleware, reg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		lg.Info("callmeter starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatal("server error", zap.Error(err))
		}
	}()

	// 15. Graceful shutdown
	<-ctx.Done()
	lg.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		lg.Error("forced shutdown", zap.Error(err))
		os.Exit(1)
	}
	lg.Info("server stopped")
}
