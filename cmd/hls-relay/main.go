package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.etcd.io/bbolt"

	"github.com/alorle/hls-relay/circuitbreaker"
	"github.com/alorle/hls-relay/config"
	"github.com/alorle/hls-relay/internal/adapter/driven"
	"github.com/alorle/hls-relay/internal/adapter/driver"
	"github.com/alorle/hls-relay/internal/application"
	"github.com/alorle/hls-relay/internal/download"
	"github.com/alorle/hls-relay/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	// Create structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	logger.Info("starting hls-relay", cfg.LogAttrs()...)

	// Open BoltDB
	db, err := bbolt.Open(cfg.Storage.DBPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("error closing database: %v", err)
		}
	}()

	// Create driven adapters (repositories and external services)
	taskRepo, err := driven.NewTaskBoltDBRepository(db)
	if err != nil {
		log.Fatalf("failed to create task repository: %v", err)
	}

	breakers := circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: cfg.Proxy.CircuitBreaker.FailureThreshold,
		Timeout:          cfg.Proxy.CircuitBreaker.Timeout,
		HalfOpenRequests: cfg.Proxy.CircuitBreaker.HalfOpenRequests,
		IsFailure:        driven.IsBreakerFailure,
		OnStateChange: func(host string, from, to circuitbreaker.State) {
			metrics.SetCircuitBreakerState(host, to.String())
		},
		Logger: logger,
	})

	upstream := driven.NewUpstreamHTTPAdapter(driven.UpstreamHTTPConfig{
		Timeout:        cfg.Proxy.UpstreamTimeout,
		UserAgent:      cfg.Proxy.UserAgent,
		BytesPerSecond: int64(cfg.Proxy.BandwidthLimit),
		MaxBodyBytes:   int64(cfg.Proxy.MaxBodySize),
	}, breakers, logger)

	manifestCache := driven.NewManifestMemoryCache(cfg.Proxy.ManifestCacheTTL)

	transcoder := driven.NewFFmpegTranscoder(driven.FFmpegConfig{
		Path:        cfg.Download.FFmpegPath,
		GracePeriod: cfg.Download.FFmpegGracePeriod,
	}, logger)
	if err := transcoder.Ping(context.Background()); err != nil {
		logger.Warn("downloads will fail until ffmpeg is installed", "error", err)
	}

	// Create application services
	downloadManager := application.NewDownloadManager(application.DownloadConfig{
		MaxConcurrent:    cfg.Download.MaxConcurrent,
		MaxRetries:       cfg.Download.MaxRetries,
		RetryDelay:       cfg.Download.RetryDelay,
		Timeout:          cfg.Download.Timeout,
		DefaultOutputDir: cfg.Download.OutputDir,
		ProxyBaseURL:     cfg.ProxyBaseURL(),
		ProxyBasePath:    cfg.Proxy.BasePath,
		FileExtension:    cfg.Download.FileExtension,
		GCInterval:       cfg.Download.GCInterval,
		MaxTaskAge:       cfg.Download.MaxTaskAge,
	}, transcoder, taskRepo, logger)

	downloadManager.Subscribe(func(s download.Snapshot) {
		if s.Status.IsTerminal() {
			logger.Debug("download finished", "task_id", s.ID, "status", s.Status, "file", s.FilePath, "error", s.Error)
		}
	})

	if err := downloadManager.Restore(context.Background()); err != nil {
		logger.Error("failed to restore downloads", "error", err)
	}

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	go downloadManager.Run(runCtx)

	proxyService := application.NewProxyService(upstream, manifestCache, downloadManager, cfg.Proxy.BasePath, logger)
	healthService := application.NewHealthService(taskRepo, transcoder)

	// Create HTTP handlers
	proxyHandler := driver.NewProxyHTTPHandler(proxyService, logger)
	downloadHandler := driver.NewDownloadHTTPHandler(downloadManager)
	healthHandler := driver.NewHealthHTTPHandler(healthService)

	// Register API routes
	apiMux := http.NewServeMux()
	apiMux.Handle("/downloads", downloadHandler)
	apiMux.Handle("/downloads/", downloadHandler)
	apiMux.Handle("/health", healthHandler)

	// Root router: proxy endpoint, REST API under /api/, metrics
	rootMux := http.NewServeMux()
	rootMux.Handle(cfg.Proxy.BasePath+"/", proxyHandler)
	rootMux.Handle("/api/", http.StripPrefix("/api", apiMux))
	rootMux.Handle("/metrics", promhttp.Handler())

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      driver.WithRequestLogging(rootMux, logger),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, shutting down gracefully")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	// Transcoders read through the proxy, so stop them before the server.
	stopRun()
	downloadManager.Shutdown()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}
