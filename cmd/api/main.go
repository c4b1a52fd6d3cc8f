package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketplace-wallet/internal/audit"
	"marketplace-wallet/internal/auth"
	"marketplace-wallet/internal/config"
	"marketplace-wallet/internal/dispatch"
	"marketplace-wallet/internal/domain"
	"marketplace-wallet/internal/events"
	"marketplace-wallet/internal/httpapi"
	"marketplace-wallet/internal/metrics"
	"marketplace-wallet/internal/reconcile"
	"marketplace-wallet/internal/reporting"
	"marketplace-wallet/internal/store"
	"marketplace-wallet/internal/wallet"
	"marketplace-wallet/internal/withdrawal"
	"marketplace-wallet/pkg/logger"
	"marketplace-wallet/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := config.LoadEnvFile(); err != nil {
		slog.Error("env file load failed", "err", err)
		os.Exit(1)
	}
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env, cfg.App.LogLevel)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	if cfg.DB.AutoMigrate {
		if err := store.Migrate(rootCtx, db); err != nil {
			log.Error("migration failed", "err", err)
			os.Exit(1)
		}
		log.Info("schema applied")
	}

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	m := metrics.New()

	// Post-commit side effects (events, audit) run on this pool, never inside a ledger transaction.
	dispatcher := dispatch.New(dispatch.Config{
		Workers:     cfg.Dispatch.Workers,
		QueueSize:   cfg.Dispatch.QueueSize,
		MaxAttempts: cfg.Dispatch.MaxAttempts,
	}, log, m)

	publisher, err := newPublisher(cfg.Events, rdb)
	if err != nil {
		log.Error("event sink init failed", "err", err)
		os.Exit(1)
	}
	emitter := events.NewEmitter(dispatcher, publisher)

	ledger := store.NewPostgres(db, cfg.DB.LockTimeout)

	walletSvc := wallet.NewService(ledger, cfg.Wallet.Currency,
		wallet.WithEvents(emitter),
		wallet.WithMetrics(m),
	)
	withdrawalSvc := withdrawal.NewService(ledger, walletSvc, withdrawal.Config{
		Currency:     cfg.Wallet.Currency,
		Min:          cfg.Wallet.WithdrawalMin,
		KYCThreshold: cfg.Wallet.KYCThreshold,
		DailyCap:     cfg.Wallet.DailyCap,
		WeeklyCap:    cfg.Wallet.WeeklyCap,
	}, withdrawal.WithEvents(emitter), withdrawal.WithMetrics(m))

	auditSvc := audit.NewService(audit.NewPostgresRepo(db), dispatcher)
	adapter := reconcile.NewAdapter(walletSvc,
		reconcile.WithPayouts(withdrawalSvc),
		reconcile.WithOrders(reconcile.EventOrderMarker{Events: emitter}),
		reconcile.WithAudit(auditSvc),
		reconcile.WithMetrics(m),
	)

	httpClient := &http.Client{Timeout: 15 * time.Second}
	handlers := httpapi.Handlers{
		Auth:        authManager,
		Wallet:      walletSvc,
		Withdrawals: withdrawalSvc,
		Reconcile:   adapter,
		Reporting:   reporting.NewService(ledger, cfg.Wallet.Currency),
		Verifiers: map[domain.Provider]reconcile.Verifier{
			domain.ProviderPaystack:    reconcile.NewPaystackVerifier(cfg.Providers.PaystackBaseURL, cfg.Providers.PaystackSecretKey, httpClient),
			domain.ProviderFlutterwave: reconcile.NewFlutterwaveVerifier(cfg.Providers.FlutterwaveBaseURL, cfg.Providers.FlutterwaveSecretKey, httpClient),
		},
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log, "/healthz", "/readyz", "/metrics"))
	r.Use(httpapi.RequestMetrics(m))

	registerRoutes(r, routeDeps{
		handlers: handlers,
		webhooks: httpapi.Webhooks{
			Adapter:               adapter,
			Metrics:               m,
			PaystackSecretKey:     cfg.Providers.PaystackSecretKey,
			FlutterwaveSecretHash: cfg.Providers.FlutterwaveSecretHash,
		},
		authMW:  auth.RequireAccessToken(authManager),
		metrics: m,
		limiter: httpapi.RedisSlots{RDB: rdb, Limit: cfg.Providers.WebhookConcurrency, TTL: 30 * time.Second},
		db:      db,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env, "events", cfg.Events.Sink)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	// Drain queued events and audit records before closing their sinks.
	if err := dispatcher.Close(shutdownCtx); err != nil {
		log.Error("dispatcher drain failed", "err", err)
	}
	if err := publisher.Close(); err != nil {
		log.Error("event sink close failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}

func newPublisher(cfg config.EventsConfig, rdb *redis.Client) (events.Publisher, error) {
	switch cfg.Sink {
	case "", "none":
		return events.Nop{}, nil
	case "redis":
		return events.NewRedisPublisher(rdb, cfg.RedisChannel), nil
	case "kafka":
		return events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic), nil
	default:
		return nil, fmt.Errorf("unknown event sink %q", cfg.Sink)
	}
}
