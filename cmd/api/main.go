package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/keyfort/server/internal/auth"
	"github.com/keyfort/server/internal/codestore"
	"github.com/keyfort/server/internal/config"
	"github.com/keyfort/server/internal/db"
	httphandler "github.com/keyfort/server/internal/http"
	"github.com/keyfort/server/internal/http/handlers"
	"github.com/keyfort/server/internal/repo"
	"github.com/keyfort/server/internal/seclog"

	_ "github.com/lib/pq"
)

func main() {
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()

	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer database.Close()

	if err := runMigrations(database); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}

	userRepo := repo.NewUserRepo(database)
	profileRepo := repo.NewProfileRepo(database)

	// Process-local credential tracker: login PINs keyed by user ID, unlock
	// codes keyed by email. Restarts discard all outstanding codes and events.
	pins := codestore.New(cfg.LockoutDuration)
	unlocks := codestore.New(cfg.LockoutDuration)
	events := seclog.New(seclog.Options{
		Retention:          cfg.EventRetention,
		MaxDistinctIPs:     cfg.SuspiciousMaxIPs,
		MaxFailuresPerHour: cfg.SuspiciousMaxFailures,
	})

	jwtService := auth.NewJWTService(cfg.JWTSecret, cfg.AccessTokenTTL)
	authService := auth.NewService(
		userRepo, pins, unlocks, events, jwtService,
		codestore.Policy{
			Length:      cfg.LoginPinLength,
			TTL:         cfg.LoginPinTTL,
			MaxAttempts: cfg.LoginPinMaxAttempts,
		},
		codestore.Policy{
			Length:      cfg.UnlockCodeLength,
			TTL:         cfg.UnlockCodeTTL,
			MaxAttempts: cfg.UnlockCodeMaxAttempts,
		},
		logger,
	)

	authHandler := handlers.NewAuthHandler(authService, logger, cfg.DebugPinInResponse)
	profileHandler := handlers.NewProfileHandler(profileRepo, logger)
	adminHandler := handlers.NewAdminHandler(pins, events, logger)

	router := httphandler.NewRouter(authHandler, profileHandler, adminHandler, jwtService, userRepo)

	// Scheduled sweep; read-time expiry checks stay the correctness guarantee.
	sweeper := cron.New()
	_, err = sweeper.AddFunc(cfg.CleanupSchedule, func() {
		removed := pins.CleanupExpired() + unlocks.CleanupExpired()
		trimmed := events.CleanupExpired()
		logger.Info("cleanup sweep finished",
			zap.Int("codes_removed", removed),
			zap.Int("events_trimmed", trimmed))
	})
	if err != nil {
		logger.Fatal("invalid cleanup schedule", zap.String("schedule", cfg.CleanupSchedule), zap.Error(err))
	}
	sweeper.Start()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	<-sweeper.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exited")
}

// runMigrations runs database migrations using goose
func runMigrations(database *sql.DB) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	migrationDir := "internal/db/migrations"
	if info, err := os.Stat(migrationDir); err != nil || !info.IsDir() {
		return fmt.Errorf("migrations directory not found (run from the repo root)")
	}

	if err := goose.Up(database, migrationDir); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
