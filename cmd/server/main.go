package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"sendfiles/internal/server/api"
	"sendfiles/internal/server/auth"
	"sendfiles/internal/server/config"
	"sendfiles/internal/server/database"
	"sendfiles/internal/server/notify"
	"sendfiles/internal/server/quota"
	"sendfiles/internal/server/ratelimit"
	"sendfiles/internal/server/scan"
	"sendfiles/internal/server/service"
	"sendfiles/internal/server/session"
	"sendfiles/internal/server/storage"

	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.Load()

	// Structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	slog.Info("configuration loaded",
		"port", cfg.Port,
		"storage_path", cfg.StoragePath,
		"scratch_path", cfg.ScratchPath,
		"max_file_size", cfg.MaxFileSize,
		"monthly_quota", cfg.MonthlyQuota,
		"session_ttl", cfg.SessionTTL,
		"redis", cfg.RedisURL != "",
	)

	// Connect to database
	ctx := context.Background()
	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Run migrations
	if err := db.RunMigrations(ctx); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("database migrations complete")

	// Initialize storage
	store := storage.NewFileSystemStore(cfg.StoragePath)
	if err := store.EnsureDir(); err != nil {
		slog.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}
	scratch := storage.NewScratchDir(cfg.ScratchPath)
	if err := scratch.EnsureDir(); err != nil {
		slog.Error("failed to initialize scratch space", "error", err)
		os.Exit(1)
	}
	slog.Info("file storage initialized", "path", cfg.StoragePath, "scratch", cfg.ScratchPath)

	// Session state and counters live in Redis when configured so that
	// several instances can share them.
	var (
		sessions session.Store
		locks    session.Locker
		counter  ratelimit.Counter
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid redis url", "error", err)
			os.Exit(1)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		sessions = session.NewRedisStore(client, cfg.SessionTTL)
		locks = session.NewRedisLocker(client, session.DefaultLockLease)
		counter = ratelimit.NewRedisCounter(client, "ratelimit:", cfg.RateLimitWindow)
		slog.Info("connected to redis")
	} else {
		sessions = session.NewMemoryStore(cfg.SessionTTL)
		counter = ratelimit.NewMemoryCounter(cfg.RateLimitWindow)
	}

	// Initialize repository and services
	repo := database.NewRepository(db)
	guard := quota.NewGuard(repo, cfg.MonthlyQuota)
	dispatcher := notify.NewDispatcher(notify.NewLogNotifier(cfg.BaseURL))

	finalizer := service.NewFinalizer(repo, sessions, store, guard, counter)
	uploads := service.NewUploadService(repo, sessions, scratch, storage.NewChunkWriter(nil), locks, guard, finalizer, cfg.MaxFileSize)
	transfers := service.NewTransferService(repo, store, guard, scan.NewClamAV(cfg.ClamscanPath), dispatcher, counter, service.TransferOptions{
		BaseURL:       cfg.BaseURL,
		DefaultExpiry: cfg.DefaultExpiry,
		MaxExpiryDays: cfg.MaxExpiryDays,
	})

	// Start cleanup service
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	cleanup := storage.NewCleanupService(repo, store, scratch, sessions, cfg.SessionTTL, cfg.CleanupInterval)
	cleanup.Start(cleanupCtx)

	// Setup HTTP router
	handler := api.NewHandler(transfers, map[string]api.HealthCheck{
		"database": db.HealthCheck,
		"sessions": sessions.Ping,
	})
	e := api.SetupRouter(handler, api.NewTusHandler(uploads, cfg.BaseURL), api.RouterConfig{
		Verifier:  auth.NewVerifier(cfg.JWTSecret),
		Counter:   counter,
		RateLimit: cfg.RateLimitMax,
	})

	// Start server in a goroutine
	go func() {
		addr := fmt.Sprintf(":%s", cfg.Port)
		slog.Info("starting server", "addr", addr, "base_url", cfg.BaseURL)
		if err := e.Start(addr); err != nil {
			slog.Info("server stopped", "reason", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutting down", "signal", sig)

	// Stop accepting new requests, finish in-flight with 30s timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	// Stop cleanup service and drain pending notifications
	cleanupCancel()
	cleanup.Wait()
	dispatcher.Wait()

	slog.Info("server exited cleanly")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
