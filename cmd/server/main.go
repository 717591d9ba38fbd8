package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fireflycloud/fireflycloud/internal/api"
	"github.com/fireflycloud/fireflycloud/internal/auth"
	"github.com/fireflycloud/fireflycloud/internal/config"
	"github.com/fireflycloud/fireflycloud/internal/database"
	"github.com/fireflycloud/fireflycloud/internal/files"
	"github.com/fireflycloud/fireflycloud/internal/logging"
	"github.com/fireflycloud/fireflycloud/internal/metrics"
	"github.com/fireflycloud/fireflycloud/internal/models"
	"github.com/fireflycloud/fireflycloud/internal/mounts"
	"github.com/fireflycloud/fireflycloud/internal/quota"
	"github.com/fireflycloud/fireflycloud/internal/storage"
	"github.com/fireflycloud/fireflycloud/internal/storage/backends"
	"github.com/fireflycloud/fireflycloud/internal/tokens"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("FireflyCloud server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("database", cfg.DatabaseDriver))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		logging.Fatal("database connection failed", zap.Error(err))
	}
	defer database.Close(db)
	if err := database.Migrate(db); err != nil {
		logging.Fatal("migration failed", zap.Error(err))
	}

	strategies := storage.NewStrategyStore(db)
	if _, created, err := strategies.EnsureDefault(ctx, cfg.LocalStoragePath); err != nil {
		logging.Fatal("failed to ensure default storage strategy", zap.Error(err))
	} else if created {
		logging.Info("auto-created default storage strategy",
			zap.String("strategy_id", models.DefaultStrategyID),
			zap.String("root", cfg.LocalStoragePath))
	}

	registry := storage.NewRegistry(strategies, backends.Construct)
	if err := registry.Load(ctx); err != nil {
		logging.Fatal("storage registry init failed", zap.Error(err))
	}
	defer registry.Close()

	stats := storage.NewStatsCache(registry, cfg.StatsCacheTTL)
	mountStore := mounts.NewStore(db)
	quotaStore := quota.NewStore(db)
	rateLimiter := quota.NewRateLimiter()
	authenticator := auth.New(cfg.JWTSecret)

	fileService := files.NewService(files.NewStore(db), mounts.NewResolver(mountStore),
		registry, stats, quotaStore, files.Config{ProxyDownloads: cfg.ProxyDownloads})
	tokenService := tokens.NewService(db, fileService, tokens.Config{
		TTL:          cfg.DownloadTokenTTL,
		MaxUsage:     cfg.DownloadTokenMaxUsage,
		PickupSecret: []byte(cfg.PickupCodeSecret),
	})

	srv := api.NewServer(api.Deps{
		Files:       fileService,
		Tokens:      tokenService,
		Strategies:  strategies,
		Registry:    registry,
		Stats:       stats,
		Mounts:      mountStore,
		Quotas:      quotaStore,
		RateLimiter: rateLimiter,
		Auth:        authenticator,
	}, api.Config{
		PublicBaseURL:    cfg.PublicBaseURL,
		MaxUploadSize:    cfg.MaxUploadSize,
		RetryMaxAttempts: cfg.RetryMaxAttempts,
	})

	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	useTLS := cfg.TLSCertFile != "" && cfg.TLSKeyFile != ""
	if useTLS {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()

		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		if err := httpServer.Shutdown(sctx); err != nil {
			logging.Warn("graceful shutdown incomplete", zap.Error(err))
		}
		metricsServer.Close()
	}()

	// Expired download tokens can never be redeemed again.
	go func() {
		ticker := time.NewTicker(cfg.TokenPurgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := tokenService.PurgeExpired(ctx)
				if err != nil {
					logging.Error("download token purge failed", zap.Error(err))
				} else if n > 0 {
					logging.Info("purged expired download tokens", zap.Int64("count", n))
				}
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rateLimiter.Cleanup(24 * time.Hour)
			}
		}
	}()

	if useTLS {
		logging.Info("server listening (TLS 1.3)",
			zap.String("addr", cfg.ListenAddr),
			zap.String("cert", cfg.TLSCertFile))
		if err := httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile); !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal("server error", zap.Error(err))
		}
	} else {
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal("server error", zap.Error(err))
		}
	}
	<-stopped
	logging.Info("server stopped")
}
