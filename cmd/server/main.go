// Package main is the entry point for the CountLens server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/clf21/countlens/internal/analysis"
	"github.com/clf21/countlens/internal/api"
	"github.com/clf21/countlens/internal/cache"
	"github.com/clf21/countlens/internal/config"
	"github.com/clf21/countlens/internal/dataset"
	"github.com/clf21/countlens/internal/render"
	"github.com/clf21/countlens/internal/service"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting countlens server", zap.Int("port", cfg.Server.Port))

	// Initialize cache manager (shared across all datasets)
	cacheManager, err := cache.NewManager(cache.Config{
		PlotCacheSizeMB:  cfg.Cache.PlotSizeMB,
		PlotTTL:          time.Duration(cfg.Cache.PlotTTLMinutes) * time.Minute,
		PayloadCacheSize: cfg.Cache.PayloadEntries,
	})
	if err != nil {
		logger.Fatal("failed to initialize cache", zap.Error(err))
	}
	defer cacheManager.Close()

	// Initialize scatter renderer (shared across all datasets)
	renderer := render.NewScatterRenderer(render.Config{
		Width:       cfg.Plot.Width,
		Height:      cfg.Plot.Height,
		PointRadius: cfg.Plot.PointRadius,
	})

	// Initialize job manager for DE jobs (SQLite persistence)
	jobManager, err := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.DE.Workers,
		SQLitePath:    cfg.DE.DBPath,
		RetentionDays: cfg.DE.RetentionDays,
		QueueSize:     cfg.DE.QueueSize,
		CleanupPeriod: 1 * time.Hour,
	})
	if err != nil {
		logger.Fatal("failed to initialize job manager", zap.Error(err))
	}
	jobManager.SetLogger(logger)
	logger.Info("de job manager ready",
		zap.Int("workers", cfg.DE.Workers),
		zap.Int("retention_days", cfg.DE.RetentionDays),
		zap.String("sqlite", cfg.DE.DBPath))

	// Initialize dataset registry
	datasetIDs := cfg.Data.DatasetIDs()
	registry := api.NewDatasetRegistry(cfg.Data.DefaultDataset, datasetIDs, cfg.Server.Title)

	logger.Info("initializing datasets",
		zap.Int("count", len(datasetIDs)),
		zap.String("default", cfg.Data.DefaultDataset))

	// Load each dataset and build its analysis service
	loader := dataset.NewLoader()
	loader.SetLogger(logger)
	for _, datasetID := range datasetIDs {
		dsCfg := cfg.Data.Datasets[datasetID]

		ds, err := loader.Load(dsCfg.SamplesPath, dsCfg.CountsPath)
		if err != nil {
			logger.Fatal("failed to load dataset",
				zap.String("dataset", datasetID), zap.Error(err))
		}

		logger.Info("dataset loaded",
			zap.String("dataset", datasetID),
			zap.Int("samples", ds.Matrix.NSamples()),
			zap.Int("genes", ds.Matrix.NGenes()))

		engine := analysis.NewEngine(ds, analysis.Options{
			TopVarianceGenes: cfg.Analysis.TopVarianceGenes,
			MaxComponents:    cfg.Analysis.MaxComponents,
			DEChunkSize:      cfg.DE.ChunkSize,
		})

		svc := service.NewAnalysisService(service.AnalysisServiceConfig{
			DatasetID: datasetID,
			Title:     dsCfg.Title,
			Dataset:   ds,
			Engine:    engine,
			Cache:     cacheManager,
			Renderer:  renderer,
			DEStore:   jobManager.Store(),
		})
		svc.SetLogger(logger)
		registry.Register(datasetID, svc)
	}

	// Wire up DE service as job executor
	deService := service.NewDEService(registry)
	deService.SetLogger(logger)
	jobManager.Executor = deService.ExecuteDEJob

	jobManager.Start()
	defer jobManager.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Registry:    registry,
		CORSOrigins: cfg.Server.CORSOrigins,
		JobManager:  jobManager,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
