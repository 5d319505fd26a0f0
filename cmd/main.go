package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"posbridge/internal/audit"
	"posbridge/internal/bootstrap"
	"posbridge/internal/broker"
	"posbridge/internal/config"
	cronpkg "posbridge/internal/cron"
	"posbridge/internal/dedup"
	"posbridge/internal/handler"
	"posbridge/internal/payment"
	"posbridge/internal/pkg/telegram"
	"posbridge/internal/router"
)

func main() {
	// --- Logger ---
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if hasArg("--bootstrap-db") {
		if err := runDBBootstrap(logger, hasArg("--seed-demo")); err != nil {
			logger.Fatal("Database bootstrap failed", zap.Error(err))
		}
		logger.Info("Database bootstrap completed")
		return
	}

	// --- Config ---
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}
	if cfg.Server.Env == "development" {
		if devLogger, err := zap.NewDevelopment(); err == nil {
			logger = devLogger
		}
	}

	// --- Session broker and gateway ---
	sessions := broker.New(broker.Options{ReuseFailedOrderID: cfg.Payment.ReuseFailedOrderID}, logger)
	gateway, err := payment.NewCMIGateway(cfg.Gateway, sessions, logger)
	if err != nil {
		logger.Fatal("Failed to configure payment gateway", zap.Error(err))
	}

	// --- Audit trail ---
	auditStore, err := audit.Open(cfg.Audit.Dir, cfg.Audit.TTL, logger)
	if err != nil {
		logger.Fatal("Failed to open audit store", zap.Error(err))
	}
	defer auditStore.Close()

	// --- Report dedup (Redis with in-memory fallback) ---
	reported, dedupErr := dedup.New(
		cfg.Redis.Addr,
		cfg.Redis.Pass,
		cfg.Redis.DB,
		"posbridge:reported",
		24*time.Hour,
	)
	if dedupErr != nil {
		logger.Warn("Redis unavailable for report dedup, using in-memory fallback", zap.Error(dedupErr))
	}

	// --- Telegram notifications (direct Bot API client) ---
	notifier := telegram.NewNotifier(cfg.Telegram.Token, cfg.Telegram.ChatID, "", logger)

	// --- Echo ---
	e := echo.New()
	e.HideBanner = true

	paymentHandler := handler.NewPaymentHandler(gateway, sessions, auditStore, notifier, reported, handler.PaymentConfig{
		PublicURL:      cfg.App.PublicURL,
		DeepLinkScheme: cfg.App.DeepLinkScheme,
		Version:        cfg.Server.Version,
		TestMode:       cfg.Gateway.TestMode,
	}, logger)

	// --- Routes ---
	router.Setup(e, paymentHandler, logger, cfg.Payment.RateLimitPerSecond)

	// --- Cron Scheduler ---
	scheduler := cronpkg.New(sessions, auditStore, notifier, cfg.Payment.SessionTTL, logger)
	if err := scheduler.Start(); err != nil {
		logger.Fatal("Failed to start scheduler", zap.Error(err))
	}

	// --- Start Server ---
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	go func() {
		logger.Info("Starting payment server",
			zap.String("addr", addr),
			zap.String("gateway", gateway.Endpoint()),
			zap.Bool("test_mode", cfg.Gateway.TestMode),
		)
		if err := e.Start(addr); err != nil {
			logger.Info("Server stopped", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")

	// Stop cron
	ctx := scheduler.Stop()
	<-ctx.Done()

	// Stop HTTP server
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

func hasArg(name string) bool {
	for _, arg := range os.Args[1:] {
		if arg == name {
			return true
		}
	}
	return false
}

func runDBBootstrap(logger *zap.Logger, demo bool) error {
	dbCfg, err := config.LoadDatabaseOnly()
	if err != nil {
		return err
	}
	db, err := config.NewDatabase(dbCfg)
	if err != nil {
		return err
	}
	if err := bootstrap.MigrateAndSeed(db, demo); err != nil {
		return err
	}
	logger.Info("Schema migration completed", zap.Bool("demo_orders", demo))
	return nil
}
