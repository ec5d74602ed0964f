package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/che57/eli-test-scanner/internal/api"
	"github.com/che57/eli-test-scanner/internal/config"
	"github.com/che57/eli-test-scanner/internal/qr"
	mongorepo "github.com/che57/eli-test-scanner/internal/repository/mongo"
	"github.com/che57/eli-test-scanner/internal/service"
	"github.com/che57/eli-test-scanner/internal/storage"

	"github.com/gin-gonic/gin"
)

func main() {
	log.Println("Starting ELI Test Strip Scanner server...")

	// --- Configuration ---
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("FATAL: Could not load config: %v", err)
	}
	log.Println("Configuration loaded.")

	// --- Database Connection ---
	dbClient, err := mongorepo.ConnectDB(cfg.Database.URI)
	if err != nil {
		log.Fatalf("FATAL: Could not connect to MongoDB: %v", err)
	}
	defer func() {
		log.Println("Disconnecting MongoDB...")
		if err := mongorepo.DisconnectDB(dbClient); err != nil {
			log.Printf("ERROR: Failed to disconnect MongoDB: %v", err)
		}
	}()
	appDB := dbClient.Database(cfg.Database.Name)
	log.Println("Database connection established.")

	// --- Ensure Indexes ---
	// The unique sparse qrCode index is the authoritative duplicate guard,
	// so index creation failure is fatal rather than a warning.
	indexCtx, indexCancel := context.WithTimeout(context.Background(), 1*time.Minute)
	defer indexCancel()
	if err := mongorepo.EnsureSubmissionIndexes(indexCtx, appDB.Collection("test_strip_submissions")); err != nil {
		log.Fatalf("FATAL: Could not create submission indexes: %v", err)
	}
	log.Println("Database indexes ensured.")

	// --- Storage Directories ---
	for _, dir := range []string{cfg.Uploads.RawDir, cfg.Uploads.ThumbnailsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("FATAL: Could not create upload directory %s: %v", dir, err)
		}
	}

	// --- Optional S3 Mirror ---
	var mirror storage.FileStorage
	if cfg.S3.Enabled() {
		mirror, err = storage.NewS3Storage(cfg.S3)
		if err != nil {
			log.Fatalf("FATAL: Failed to initialize S3 storage: %v", err)
		}
	} else {
		log.Println("S3 mirror disabled; images stay on the local filesystem.")
	}

	// --- Repositories and Services ---
	submissionRepo := mongorepo.NewMongoSubmissionRepository(appDB)
	extractor := qr.NewExtractor()
	uploadService := service.NewUploadService(submissionRepo, extractor, service.UploadConfig{
		ThumbnailsDir: cfg.Uploads.ThumbnailsDir,
	}, mirror)
	historyService := service.NewHistoryService(submissionRepo, mirror)

	// --- Gin Engine and Routes ---
	router := gin.Default() // Includes Logger and Recovery middleware
	router.MaxMultipartMemory = cfg.Uploads.MaxFileSize
	api.SetupRoutes(router, uploadService, historyService, cfg.Uploads)

	// --- Start HTTP Server ---
	server := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server listening on %s", cfg.Server.Address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("FATAL: Server failed: %v", err)
		}
	}()

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("ERROR: Server forced to shutdown: %v", err)
	}
	log.Println("Server exited.")
}
