package api

import (
	"net/http"

	"github.com/che57/eli-test-scanner/internal/config"
	"github.com/che57/eli-test-scanner/internal/service"

	"github.com/gin-gonic/gin"
)

func SetupRoutes(
	router *gin.Engine,
	uploadService service.UploadService,
	historyService service.HistoryService,
	uploads config.UploadsConfig,
) {
	submissionHandler := NewSubmissionHandler(uploadService, historyService, uploads.RawDir, uploads.MaxFileSize)

	// Liveness signal the mobile client polls every 30s, including while the
	// backend is known-down, so recovery is detected promptly.
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	testStrips := router.Group("/test-strips")
	{
		testStrips.POST("/upload", submissionHandler.Upload)
		testStrips.GET("/list", submissionHandler.List)
		testStrips.GET("/:id", submissionHandler.GetByID)
	}

	// Thumbnails are public under a fixed prefix; only the basename is ever
	// exposed, never the filesystem path.
	router.Static("/uploads/thumbnails", uploads.ThumbnailsDir)
}
