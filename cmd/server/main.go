package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/communitywatch/response-core/internal/audit"
	"github.com/communitywatch/response-core/internal/config"
	"github.com/communitywatch/response-core/internal/counter"
	"github.com/communitywatch/response-core/internal/database"
	"github.com/communitywatch/response-core/internal/engine"
	"github.com/communitywatch/response-core/internal/escalation"
	"github.com/communitywatch/response-core/internal/event"
	"github.com/communitywatch/response-core/internal/metrics"
	"github.com/communitywatch/response-core/internal/notification"
	"github.com/communitywatch/response-core/internal/override"
	"github.com/communitywatch/response-core/internal/ratelimit"
	"github.com/communitywatch/response-core/internal/scheduler"
	"github.com/communitywatch/response-core/internal/server"
	"github.com/communitywatch/response-core/internal/syncer"
)

const serviceName = "response-core"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogging(cfg)
	logger.Info("Starting response core",
		"service", serviceName,
		"environment", cfg.Environment)

	db, err := database.Connect(cfg.Database)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := database.RunMigrations(cfg.Database); err != nil {
		logger.Error("Failed to run database migrations", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	defer redisClient.Close()

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	auditPublisher := event.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topics.AuditEvents, logger)
	defer auditPublisher.Close()
	escalationPublisher := event.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topics.IncidentEscalated, logger)
	defer escalationPublisher.Close()
	auditSink := audit.NewLogger(logger, auditPublisher)

	// Repositories
	incidentRepo := database.NewIncidentRepository(db, logger)
	ruleRepo := database.NewRuleRepository(db, logger)
	syncRepo := database.NewSyncRepository(db, logger)

	// Admission control
	var counterStore counter.Store
	var flagStore override.FlagStore
	var sessionStore syncer.SessionStore
	if cfg.RateLimit.Store == "memory" {
		counterStore = counter.NewMemoryStore()
		flagStore = override.NewMemoryFlagStore()
		sessionStore = syncer.NewMemorySessionStore(cfg.Sync.SessionTTL)
	} else {
		counterStore = counter.NewRedisStore(redisClient, cfg.RateLimit.StoreTimeout, logger)
		flagStore = override.NewRedisFlagStore(redisClient, cfg.RateLimit.StoreTimeout)
		sessionStore = syncer.NewRedisSessionStore(redisClient, cfg.Sync.SessionTTL, cfg.RateLimit.StoreTimeout)
	}

	steadyTable, burstTable, err := ratelimit.NewTables(cfg.RateLimit)
	if err != nil {
		logger.Error("Failed to build rate limit tables", "error", err)
		os.Exit(1)
	}
	rateLimiter := ratelimit.NewLimiter(ratelimit.NamespaceRate, counterStore, steadyTable, logger, collector, auditSink)
	burstLimiter := ratelimit.NewLimiter(ratelimit.NamespaceBurst, counterStore, burstTable, logger, collector, auditSink)
	roleResolver := override.NewStaticRoleResolver(cfg.Override.PrivilegedUsers)
	overrideRegistry := override.NewRegistry(flagStore, roleResolver, cfg.Override.DefaultTTL, cfg.Override.MaxTTL, logger, collector, auditSink)
	gate := ratelimit.NewGate(overrideRegistry, rateLimiter, burstLimiter, logger, collector, auditSink)

	// Outbound delivery
	notificationMgr := notification.NewManager(cfg.Notifications, logger, collector)

	// Escalation and sync
	escalationEngine := escalation.NewEngine(ruleRepo, incidentRepo, notificationMgr, escalationPublisher, logger, collector, auditSink)
	reconciler := syncer.NewReconciler(sessionStore, syncRepo, cfg.Sync.InactivityTimeout, cfg.Sync.MaxBatchItems, logger, collector, auditSink)

	core := engine.New(gate, overrideRegistry, escalationEngine, reconciler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notificationMgr.Start(ctx)

	taskScheduler := scheduler.NewScheduler(logger)
	sweepSchedule := fmt.Sprintf("@every %s", cfg.Escalation.SweepInterval)
	if err := taskScheduler.Register(ctx, sweepSchedule, scheduler.NewEscalationSweepHandler(escalationEngine, cfg.Escalation.SweepTimeout, logger)); err != nil {
		logger.Error("Failed to register escalation sweep", "error", err)
		os.Exit(1)
	}
	if err := taskScheduler.Register(ctx, "@every 5m", scheduler.NewSessionExpiryHandler(reconciler, logger)); err != nil {
		logger.Error("Failed to register session expiry", "error", err)
		os.Exit(1)
	}
	taskScheduler.Start()

	httpServer := server.NewServer(cfg.Server.HTTPPort, core, registry, logger, map[string]server.ReadinessCheck{
		"database": func(ctx context.Context) error { return db.PingContext(ctx) },
		"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
	})

	errChan := make(chan error, 1)
	go func() {
		errChan <- httpServer.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig)
	case err := <-errChan:
		if err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shut down HTTP server", "error", err)
	}
	taskScheduler.Stop()
	cancel()
	notificationMgr.Stop()

	logger.Info("Response core stopped")
}

func setupLogging(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler).With("service", serviceName)
}
