package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/liliang-cn/graphdoc/internal/api"
	"github.com/liliang-cn/graphdoc/internal/api/chat"
	"github.com/liliang-cn/graphdoc/internal/config"
	"github.com/liliang-cn/graphdoc/internal/engine"
	"github.com/liliang-cn/graphdoc/internal/extract"
	"github.com/liliang-cn/graphdoc/internal/repository"
	"github.com/liliang-cn/graphdoc/internal/service"
)

var (
	configPath = flag.String("config", "", "Path to config file")
)

func main() {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Initialize database (knowledge bases, documents, jobs, sessions)
	db, err := repository.NewDB(cfg.Database.Path)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	// Initialize repositories
	kbRepo := repository.NewKBRepository(db)
	docRepo := repository.NewDocumentRepository(db)
	jobRepo := repository.NewJobRepository(db)
	sessionRepo := repository.NewSessionRepository(db)

	// The engine owns extraction, embedding and graph construction; we
	// only talk to it over HTTP.
	engineClient := engine.NewHTTPClient(cfg.Engine.BaseURL, cfg.Engine.APIKey)

	// Initialize services
	registry := service.NewRegistry(kbRepo, engineClient, cfg.Storage.Workspaces, logger)

	sessions := service.NewSessionStore(sessionRepo, cfg.Session, logger)
	sessions.StartSweeper()
	defer sessions.Close()

	jobs := service.NewJobManager(
		jobRepo,
		docRepo,
		registry,
		engineClient,
		service.ExtractorFunc(extract.Text),
		service.SplitterFunc(extract.Split),
		cfg.Ingest,
		logger,
	)
	defer jobs.Close()
	registry.SetJobCounter(jobs)

	documents := service.NewDocumentService(docRepo, registry, jobs, cfg.Ingest, cfg.Storage.Uploads, logger)
	gateway := service.NewGateway(sessions, registry, engineClient, cfg.Engine, logger)

	// Setup router
	handler := api.NewHandler(registry, documents, jobs, sessions, gateway, engineClient)
	chatController := chat.NewController(sessions, registry, gateway, logger)
	router := api.SetupRouter(handler, chatController, api.RouterConfig{
		APIKey:       cfg.Admin.APIKey,
		AllowOrigins: []string{"*"},
	})

	// Create HTTP server. No WriteTimeout: chat streams and exports can
	// legitimately outlive any fixed deadline.
	srv := &http.Server{
		Addr:        cfg.Address(),
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Starting GraphDoc server",
			zap.String("address", cfg.Address()),
			zap.String("engine", cfg.Engine.BaseURL),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server stopped")
}
