package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/caarlos0/env/v11"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/visionspark/backend/pkg/api"
	"github.com/visionspark/backend/pkg/billing"
	billingprom "github.com/visionspark/backend/pkg/billing/metrics/prometheus"
	"github.com/visionspark/backend/pkg/billing/playstore"
	"github.com/visionspark/backend/pkg/entitlement"
	zerologadapter "github.com/visionspark/backend/pkg/entitlement/logger/zerolog"
	prommetrics "github.com/visionspark/backend/pkg/entitlement/metrics/prometheus"
	"github.com/visionspark/backend/pkg/notify"
	fsstore "github.com/visionspark/backend/storage/firestore"
	"github.com/visionspark/backend/storage/memory"
	pgstore "github.com/visionspark/backend/storage/postgres"
)

type config struct {
	ListenAddr      string        `env:"LISTEN_ADDR" envDefault:":8080"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	// StorageBackend selects the profile store: memory, firestore or postgres.
	StorageBackend    string `env:"STORAGE_BACKEND" envDefault:"memory"`
	PostgresDSN       string `env:"POSTGRES_DSN"`
	FirestoreProject  string `env:"FIRESTORE_PROJECT"`
	FirestoreProfiles string `env:"FIRESTORE_PROFILES_COLLECTION"`
	FirestoreFailures string `env:"FIRESTORE_FAILURES_COLLECTION"`

	PlayPackageName    string            `env:"PLAY_PACKAGE_NAME"`
	PlayServiceAccount string            `env:"PLAY_SERVICE_ACCOUNT_EMAIL"`
	PlayPrivateKeyPEM  string            `env:"PLAY_PRIVATE_KEY_PEM"`
	PlayTierMapping    map[string]string `env:"PLAY_TIER_MAPPING" envDefault:"monthly_30_generations:monthly_30,monthly_unlimited_generations:monthly_unlimited"`

	ImageProviderURL string        `env:"IMAGE_PROVIDER_URL"`
	ImageProviderKey string        `env:"IMAGE_PROVIDER_API_KEY"`
	ImageTimeout     time.Duration `env:"IMAGE_PROVIDER_TIMEOUT" envDefault:"120s"`

	WebhookURL         string        `env:"OPERATOR_WEBHOOK_URL"`
	RedisAddr          string        `env:"REDIS_ADDR"`
	RedisPassword      string        `env:"REDIS_PASSWORD"`
	NotifyMinInterval  time.Duration `env:"NOTIFY_MIN_INTERVAL" envDefault:"5m"`
	RequestTimeout     time.Duration `env:"REQUEST_TIMEOUT" envDefault:"150s"`
	MetricsNamespace   string        `env:"METRICS_NAMESPACE" envDefault:"visionspark"`
	GenerationLimit    int           `env:"FREE_GENERATION_LIMIT" envDefault:"3"`
	EnhancementLimit   int           `env:"FREE_ENHANCEMENT_LIMIT" envDefault:"4"`
	UserIDHeader       string        `env:"USER_ID_HEADER" envDefault:"X-User-Id"`
	UserTimezoneHeader string        `env:"USER_TIMEZONE_HEADER" envDefault:"X-User-Timezone"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zl := zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("service", "visionspark-backend").Logger()
	logger := zerologadapter.NewLogger(zl)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	entMetrics := prommetrics.NewMetrics(registry, cfg.MetricsNamespace)
	billMetrics := billingprom.NewMetrics(registry, cfg.MetricsNamespace)

	store, failures, cleanup, err := buildStorage(ctx, cfg, zl)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer cleanup()

	resolver := entitlement.NewResolver(entitlement.Config{
		Tiers:            entitlement.DefaultTiers(),
		GenerationLimit:  cfg.GenerationLimit,
		EnhancementLimit: cfg.EnhancementLimit,
		Logger:           logger,
		Metrics:          entMetrics,
	})
	engine, err := entitlement.NewEngine(store, resolver)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	notifier, err := buildNotifier(cfg, logger, zl)
	if err != nil {
		return fmt.Errorf("notifier: %w", err)
	}

	reconciler, err := buildReconciler(cfg, store, failures, notifier, logger, billMetrics)
	if err != nil {
		return fmt.Errorf("reconciler: %w", err)
	}

	var submitter api.Submitter
	if cfg.ImageProviderURL != "" {
		submitter = newImageProvider(cfg.ImageProviderURL, cfg.ImageProviderKey, cfg.ImageTimeout, logger)
	}

	handler, err := api.NewHandler(api.Config{
		GetUserID:   func(r *http.Request) string { return r.Header.Get(cfg.UserIDHeader) },
		GetTimezone: func(r *http.Request) string { return r.Header.Get(cfg.UserTimezoneHeader) },
		Engine:      engine,
		Reconciler:  reconciler,
		Submitter:   submitter,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("handler: %w", err)
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Use(chimiddleware.Timeout(cfg.RequestTimeout))
	router.Use(requestLogger(zl))

	router.Post("/v1/consume", handler.ConsumeUnit)
	router.Get("/v1/usage", handler.UsageStatus)
	router.Post("/v1/purchases/validate", handler.ValidatePurchase)
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		zl.Info().Str("addr", cfg.ListenAddr).Str("storage", cfg.StorageBackend).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		zl.Info().Msg("shutting down")
		return server.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func buildStorage(ctx context.Context, cfg config, zl zerolog.Logger) (entitlement.ProfileStore, entitlement.FailureSink, func(), error) {
	switch cfg.StorageBackend {
	case "memory":
		s := memory.New()
		return s, s, func() {}, nil

	case "postgres":
		pgCfg := pgstore.DefaultConfig()
		pgCfg.ConnectionString = cfg.PostgresDSN
		s, err := pgstore.New(ctx, pgCfg)
		if err != nil {
			return nil, nil, nil, err
		}
		return s, s, s.Close, nil

	case "firestore":
		if cfg.FirestoreProject == "" {
			return nil, nil, nil, fmt.Errorf("FIRESTORE_PROJECT is required for the firestore backend")
		}
		client, err := firestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, nil, nil, err
		}
		s, err := fsstore.New(client, fsstore.Config{
			ProfilesCollection: cfg.FirestoreProfiles,
			FailuresCollection: cfg.FirestoreFailures,
		})
		if err != nil {
			_ = client.Close()
			return nil, nil, nil, err
		}
		return s, s, func() {
			if err := client.Close(); err != nil {
				zl.Warn().Err(err).Msg("closing firestore client")
			}
		}, nil

	default:
		return nil, nil, nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

func buildNotifier(cfg config, logger entitlement.Logger, zl zerolog.Logger) (billing.OperatorNotifier, error) {
	if cfg.WebhookURL == "" {
		return &notify.Noop{}, nil
	}

	var limiter *notify.SendLimiter
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		var err error
		limiter, err = notify.NewSendLimiter(client, cfg.NotifyMinInterval, logger)
		if err != nil {
			return nil, err
		}
	} else {
		zl.Warn().Msg("operator webhook configured without redis; notifications are not rate limited")
	}

	return notify.NewWebhook(cfg.WebhookURL, nil, logger, limiter)
}

func buildReconciler(cfg config, store entitlement.ProfileStore, failures entitlement.FailureSink, notifier billing.OperatorNotifier, logger entitlement.Logger, metrics billing.Metrics) (*billing.Reconciler, error) {
	if cfg.PlayPackageName == "" || cfg.PlayServiceAccount == "" || cfg.PlayPrivateKeyPEM == "" {
		// Purchase validation stays off until Play credentials are provided;
		// the handler answers 503 for validate-purchase in that case.
		return nil, nil
	}

	provider, err := playstore.New(playstore.Config{
		PackageName:         cfg.PlayPackageName,
		ServiceAccountEmail: cfg.PlayServiceAccount,
		PrivateKeyPEM:       cfg.PlayPrivateKeyPEM,
		Logger:              logger,
		Metrics:             metrics,
	})
	if err != nil {
		return nil, err
	}

	return billing.NewReconciler(provider, store, failures, notifier, billing.Config{
		TierMapping: cfg.PlayTierMapping,
		Logger:      logger,
		Metrics:     metrics,
	})
}

func requestLogger(zl zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			zl.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Str("request_id", chimiddleware.GetReqID(r.Context())).
				Msg("request")
		})
	}
}
