package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/punchamoorthee/tgpay/internal/api"
	"github.com/punchamoorthee/tgpay/internal/config"
	"github.com/punchamoorthee/tgpay/internal/gateway"
	"github.com/punchamoorthee/tgpay/internal/jobs"
	"github.com/punchamoorthee/tgpay/internal/notify"
	"github.com/punchamoorthee/tgpay/internal/ratelimit"
	"github.com/punchamoorthee/tgpay/internal/service"
	"github.com/punchamoorthee/tgpay/internal/store"
	"github.com/punchamoorthee/tgpay/pkg/rabbitmq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
)

func main() {
	// .env is optional; real deployments inject the environment.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("cannot load config: %v", err)
	}
	logger := newLogger(cfg.Env)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Store
	var (
		st          store.Store
		snapshotter jobs.Snapshotter
	)
	switch cfg.StoreDriver {
	case "postgres":
		pg, err := store.NewPostgresStore(ctx, cfg.DBSource)
		if err != nil {
			log.Fatalf("Unable to connect to database: %v", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			log.Fatalf("Schema migration failed: %v", err)
		}
		st = pg
	default:
		mem := store.NewMemoryStore()
		if cfg.SnapshotPath != "" {
			if err := mem.LoadSnapshot(cfg.SnapshotPath); err != nil {
				log.Fatalf("Unable to load snapshot: %v", err)
			}
			snapshotter = mem
		}
		st = mem
	}
	defer st.Close()
	logger.Info("store ready", "driver", cfg.StoreDriver)

	gw := gateway.NewClient(gateway.Config{
		BaseURL:         cfg.GatewayBaseURL,
		TerminalKey:     cfg.GatewayTerminalKey,
		Password:        cfg.GatewayPassword,
		Timeout:         cfg.GatewayTimeout,
		MinorUnits:      cfg.GatewayMinorUnits,
		SuccessURL:      cfg.PaymentSuccessURL,
		FailURL:         cfg.PaymentFailURL,
		NotificationURL: cfg.PaymentNotificationURL,
	}, logger)

	// Notifications
	sinks := notify.Multi{notify.LogNotifier{Logger: logger}}
	if cfg.TelegramBotToken != "" {
		sinks = append(sinks, notify.NewTelegramNotifier(cfg.TelegramAPIURL, cfg.TelegramBotToken))
	}
	if cfg.RabbitMQURL != "" {
		producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
		if err != nil {
			logger.Warn("rabbitmq producer unavailable; payment events will not be published", "error", err)
		} else {
			defer producer.Close()
			sinks = append(sinks, notify.QueueNotifier{Publisher: producer, Exchange: cfg.EventsExchange})
			logger.Info("rabbitmq producer connected", "exchange", cfg.EventsExchange)
		}
	}
	dispatcher := notify.NewDispatcher(sinks, 4, 256, 10*time.Second, logger)

	payments := service.NewPaymentService(st, gw, dispatcher, cfg.MinTopUpAmount, logger)
	reconciler := service.NewReconciler(st, gw.Signer(), cfg.GatewayTerminalKey, cfg.GatewayMinorUnits, dispatcher, logger)
	accounts := service.NewAccountService(st, logger)

	limiter := newLimiter(ctx, cfg, logger)

	scheduler := jobs.NewScheduler(jobs.New(st, snapshotter, jobs.Config{
		PruneSchedule:    cfg.PruneSchedule,
		AuditRetention:   cfg.AuditRetention,
		SnapshotSchedule: cfg.SnapshotSchedule,
		SnapshotPath:     cfg.SnapshotPath,
	}, logger.With("component", "jobs")), logger)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Unable to schedule jobs: %v", err)
	}

	handler := api.NewHandler(payments, reconciler, accounts, limiter, logger)
	router := api.NewRouter(handler, []byte(cfg.AdminJWTSecret))

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "Idempotency-Key"},
	}).Handler(router)

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           corsHandler,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("ListenAndServe error: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown started")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
	scheduler.Stop()
	dispatcher.Close()
	logger.Info("shutdown complete")
}

func newLogger(env string) *slog.Logger {
	if env == "production" {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// newLimiter prefers the shared Redis window and falls back to a
// per-process bucket when Redis is absent or unreachable.
func newLimiter(ctx context.Context, cfg config.Config, logger *slog.Logger) ratelimit.Limiter {
	if cfg.RateLimitPerMinute <= 0 {
		logger.Warn("payment rate limiting disabled", "env", "RATE_LIMIT_PER_MINUTE")
		return nil
	}
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return ratelimit.NewLocalLimiter(cfg.RateLimitPerMinute)
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("invalid REDIS_URL; using in-process rate limiter", "error", err)
		return ratelimit.NewLocalLimiter(cfg.RateLimitPerMinute)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable; using in-process rate limiter", "error", err)
		client.Close()
		return ratelimit.NewLocalLimiter(cfg.RateLimitPerMinute)
	}
	logger.Info("redis rate limiter connected")
	return ratelimit.NewRedisLimiter(client, "tgpay:ratelimit:topup", cfg.RateLimitPerMinute, time.Minute)
}
