package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/veraproof/backend/internal/api"
	"github.com/veraproof/backend/internal/auth"
	"github.com/veraproof/backend/internal/branding"
	"github.com/veraproof/backend/internal/config"
	"github.com/veraproof/backend/internal/database"
	"github.com/veraproof/backend/internal/forensics"
	"github.com/veraproof/backend/internal/fusion"
	"github.com/veraproof/backend/internal/metrics"
	"github.com/veraproof/backend/internal/ratelimit"
	"github.com/veraproof/backend/internal/session"
	"github.com/veraproof/backend/internal/storage"
	"github.com/veraproof/backend/internal/verify"
	"github.com/veraproof/backend/internal/webhooks"
)

func main() {
	configPath := flag.String("config", "", "path to config YAML")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Server.Env == "development" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("starting veraproof backend", "env", cfg.Server.Env, "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database. Missing in development means pure in-memory operation;
	// production requires it.
	var db *database.Client
	if cfg.Database.URL != "" {
		db, err = database.Connect(ctx, cfg.Database.URL, logger)
		if err != nil {
			logger.Error("database connection failed", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := db.Bootstrap(ctx); err != nil {
			// Schema bootstrap is idempotent and best-effort; a locked-down
			// role applies migrations out of band.
			logger.Warn("schema bootstrap failed", "error", err)
		}
	} else if cfg.Server.Env == "production" {
		logger.Error("DATABASE_URL is required in production")
		os.Exit(1)
	}

	// Session store: Postgres with optional in-memory fallback, or plain
	// memory without a database.
	var store session.Store
	switch {
	case db != nil && cfg.Database.AllowMemoryFallback:
		store = session.NewFallbackStore(session.NewPostgresStore(db, logger), logger)
	case db != nil:
		store = session.NewPostgresStore(db, logger)
	default:
		logger.Warn("no database configured, sessions are in-memory only")
		store = session.NewMemoryStore()
	}
	session.StartReaper(ctx, store, time.Minute, logger)

	// Artifact storage.
	var sink storage.ArtifactSink
	if cfg.Storage.SupabaseURL != "" && db != nil {
		supa, err := storage.NewSupabaseSink(cfg.Storage.SupabaseURL, cfg.Storage.ServiceKey,
			cfg.Storage.Bucket, db, cfg.Storage.AllowDegraded, logger)
		if err != nil {
			logger.Error("storage init failed", "error", err)
			os.Exit(1)
		}
		supa.StartRetentionReaper(ctx, time.Hour)
		sink = supa
	} else {
		logger.Warn("no storage backend configured, artifacts are in-memory only")
		sink = storage.NewMemorySink()
	}

	// Rate limiting: Redis-backed window when available, per-process
	// otherwise.
	var window ratelimit.Window
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, using in-process rate window", "error", err)
			window = ratelimit.NewMemoryWindow()
		} else {
			window = ratelimit.NewRedisWindow(rdb)
		}
	} else {
		window = ratelimit.NewMemoryWindow()
	}
	ratelimit.StartSweeper(ctx, window, time.Minute, 5*time.Minute, logger)

	m := metrics.New(prometheus.DefaultRegisterer)

	var quota *ratelimit.QuotaManager
	if db != nil {
		quota = ratelimit.NewQuotaManager(db, cfg.Quota.FailOpen, func(a ratelimit.QuotaAlert) {
			logger.Warn("quota threshold crossed",
				"tenant_id", a.TenantID, "percentage", a.Percentage,
				"usage", a.Usage, "quota", a.Quota)
		}, logger)
		quota.StartResetJob(ctx, time.Hour)
	}

	gate := ratelimit.NewGate(window, gateQuota(quota),
		cfg.RateLimit.MaxConcurrentSessions, cfg.RateLimit.APIRatePerMinute, logger)

	// Webhooks.
	var registry *webhooks.Registry
	var emitter webhooks.Emitter
	if db != nil {
		registry = webhooks.NewRegistry(db, logger)
		dispatcher := webhooks.NewDispatcher(registry, cfg.Webhooks.Workers, m.WebhookDeliveries, logger)
		emitter = dispatcher
		if cfg.Webhooks.CloudProject != "" {
			cloud, err := webhooks.NewCloudDispatcher(registry, cfg.Webhooks.CloudProject,
				cfg.Webhooks.CloudLocation, cfg.Webhooks.CloudQueue, dispatcher, logger)
			if err != nil {
				logger.Warn("cloud tasks unavailable, delivering in-process", "error", err)
			} else {
				emitter = cloud
			}
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			emitter.Shutdown(sctx)
		}()
	}

	// Scoring pipeline.
	analyzer := fusion.NewAnalyzer(cfg.Verification.FraudThreshold)
	var classifier forensics.Classifier
	if cfg.Classifier.UseMock || cfg.Classifier.Endpoint == "" {
		classifier = forensics.NewMockClassifier()
	} else {
		classifier = forensics.NewHTTPClassifier(cfg.Classifier.Endpoint,
			time.Duration(cfg.Classifier.TimeoutSeconds)*time.Second, logger)
	}

	// Auth. JWT is always on; user and key management need the database.
	tokens := auth.NewTokenManager(cfg.JWT.Secret,
		time.Duration(cfg.JWT.ExpirationHours)*time.Hour,
		time.Duration(cfg.JWT.RefreshExpirationDays)*24*time.Hour)
	var users *auth.Manager
	var apiKeys *auth.APIKeyManager
	var brandingMgr *branding.Manager
	var billing *api.Billing
	if db != nil {
		users = auth.NewManager(db, tokens, logger)
		apiKeys = auth.NewAPIKeyManager(db, logger)
		brandingMgr = branding.NewManager(db, sink, logger)
		billing = api.NewBilling(db, api.MockPaymentProvider{}, logger)
	}

	verifyHandler := verify.NewHandler(store, gate, sink, analyzer, classifier,
		emitter, brandingMgr, m, verify.Options{
			MinSamples:         cfg.Verification.MinSamples,
			AllowSyntheticFlow: cfg.Verification.AllowSyntheticFlow,
			ClassifierTimeout:  time.Duration(cfg.Classifier.TimeoutSeconds) * time.Second,
			ExtensionPeriod:    time.Duration(cfg.Session.ExtensionMinutes) * time.Minute,
			RetentionDays:      cfg.Storage.ArtifactRetentionDays,
		}, logger)

	server := api.NewServer(db, store, sink, gate, quota, users, tokens, apiKeys,
		brandingMgr, registry, emitter, verifyHandler, billing, m, api.Options{
			SessionExpiration: time.Duration(cfg.Session.ExpirationMinutes) * time.Minute,
			SignedURLTTL:      time.Duration(cfg.Storage.SignedURLExpirationSecs) * time.Second,
			VerificationURL:   cfg.Frontend.VerificationURL,
			CORSOrigins:       cfg.Server.CORSOrigins,
		}, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(":" + cfg.Server.Port)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(sctx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
	logger.Info("server stopped")
}

// gateQuota adapts a possibly-nil QuotaManager; without a database every
// session is admitted.
func gateQuota(q *ratelimit.QuotaManager) ratelimit.QuotaConsumer {
	if q != nil {
		return q
	}
	return allowAll{}
}

type allowAll struct{}

func (allowAll) Consume(ctx context.Context, tenantID string) error { return nil }
