// filevault server
//
// Features:
// - Prometheus metrics & structured logging (zap)
// - Multi-backend storage (local, OneDrive, S3, WebDAV, Google Drive)
// - Chunked resumable uploads
// - URL download tasks via an external fetcher
// - SSE task progress stream
// - Signed time-limited file links
package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/filevault/filevault/internal/account"
	"github.com/filevault/filevault/internal/api"
	"github.com/filevault/filevault/internal/config"
	"github.com/filevault/filevault/internal/events"
	"github.com/filevault/filevault/internal/fetch"
	"github.com/filevault/filevault/internal/logging"
	"github.com/filevault/filevault/internal/metadata/postgres"
	"github.com/filevault/filevault/internal/metrics"
	"github.com/filevault/filevault/internal/signing"
	"github.com/filevault/filevault/internal/storage"
	"github.com/filevault/filevault/internal/storage/factory"
	"github.com/filevault/filevault/internal/storage/local"
	"github.com/filevault/filevault/internal/tasks"
	"github.com/filevault/filevault/internal/thumbs"
	"github.com/filevault/filevault/internal/upload"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("filevault server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize PostgreSQL
	logging.Info("connecting to PostgreSQL...")
	metaStore, err := postgres.New(cfg.DatabaseURL)
	if err != nil {
		logging.Fatal("database connection failed", zap.Error(err))
	}
	defer metaStore.Close()

	// Run migrations
	migrationsDir := findMigrationsDir()
	if migrationsDir != "" {
		logging.Info("running migrations...", zap.String("dir", migrationsDir))
		if err := metaStore.Migrate(migrationsDir); err != nil {
			logging.Fatal("migration failed", zap.Error(err))
		}
	}

	// Account registry + storage manager
	accountStore := account.NewStore(metaStore.DB())
	settingsStore := account.NewSettingsStore(metaStore.DB())

	localProvider, err := local.New(cfg.UploadDir)
	if err != nil {
		logging.Fatal("local storage init failed", zap.Error(err))
	}

	manager := storage.NewManager(accountStore, factory.Build, localProvider)
	if err := manager.Init(ctx); err != nil {
		logging.Fatal("storage manager init failed", zap.Error(err))
	}
	defer manager.Close()

	// SSE broadcaster
	broadcaster := events.NewBroadcaster()

	// Chunked upload sessions + reaper
	sessions, err := upload.NewStore(cfg.ChunkDir, cfg.SessionTTL)
	if err != nil {
		logging.Fatal("upload session store init failed", zap.Error(err))
	}
	sessions.StartReaper(ctx, cfg.ReaperInterval)

	// Thumbnails
	thumbGen, err := thumbs.NewGenerator(cfg.ThumbDir)
	if err != nil {
		logging.Fatal("thumbnail generator init failed", zap.Error(err))
	}

	// External fetcher + download task queue
	fetcher := fetch.New(cfg.FetcherBin, cfg.FetchProbeTimeout)
	pipeline := tasks.NewPipeline(fetcher, manager, metaStore, thumbGen, broadcaster, cfg.FetchDir)
	queue := tasks.NewQueue(cfg.FetchConcurrency, cfg.TaskHistorySize, pipeline.Run, broadcaster)
	queue.Start(ctx)
	logging.Info("download task queue started",
		zap.Int("concurrency", cfg.FetchConcurrency),
		zap.String("fetcher", cfg.FetcherBin))

	// Signed URLs
	signer := signing.New(cfg.URLSigningSecret, cfg.SignedURLTTL)

	// Create API server
	srv := api.NewServer(metaStore, accountStore, settingsStore, manager, sessions, queue,
		signer, thumbGen, broadcaster, cfg)

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	// Start HTTP(S) server
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	useTLS := cfg.TLSCertFile != "" && cfg.TLSKeyFile != ""
	if useTLS {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
		metricsServer.Close()
		queue.Wait()
	}()

	if useTLS {
		logging.Info("server listening (TLS 1.3)",
			zap.String("addr", cfg.ListenAddr),
			zap.String("cert", cfg.TLSCertFile))
		if err := httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	} else {
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	}
}

func findMigrationsDir() string {
	candidates := []string{
		"migrations",
		"../migrations",
	}

	exe, _ := os.Executable()
	if exe != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "migrations"))
	}

	for _, dir := range candidates {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return ""
}
