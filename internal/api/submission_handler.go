package api

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/che57/eli-test-scanner/internal/repository"
	"github.com/che57/eli-test-scanner/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// JPEG files start with FF D8 FF regardless of what the client declared.
var jpegMagic = []byte{0xFF, 0xD8, 0xFF}

var allowedMimeTypes = map[string]bool{
	"image/jpeg": true,
	"image/jpg":  true,
}

type SubmissionHandler struct {
	uploadService  service.UploadService
	historyService service.HistoryService
	rawDir         string
	maxFileSize    int64
}

func NewSubmissionHandler(uploadService service.UploadService, historyService service.HistoryService, rawDir string, maxFileSize int64) *SubmissionHandler {
	return &SubmissionHandler{
		uploadService:  uploadService,
		historyService: historyService,
		rawDir:         rawDir,
		maxFileSize:    maxFileSize,
	}
}

// Upload accepts a single JPEG under the multipart field "image", stores it
// under the raw directory, and runs the processing pipeline.
func (h *SubmissionHandler) Upload(c *gin.Context) {
	// Guard the whole request body, not just the file part.
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxFileSize+1024)

	file, err := c.FormFile("image")
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "No image file provided")
		return
	}
	if file.Size > h.maxFileSize {
		abortWithError(c, http.StatusBadRequest, fmt.Sprintf("File exceeds the %d byte limit", h.maxFileSize))
		return
	}
	contentType := file.Header.Get("Content-Type")
	if !allowedMimeTypes[contentType] {
		abortWithError(c, http.StatusBadRequest, fmt.Sprintf("Only JPG/JPEG files are allowed. Received: %s", contentType))
		return
	}

	if err := os.MkdirAll(h.rawDir, 0o755); err != nil {
		log.Printf("ERROR: Failed to ensure raw upload dir %s: %v", h.rawDir, err)
		abortWithError(c, http.StatusInternalServerError, "Failed to store upload")
		return
	}

	ext := strings.ToLower(filepath.Ext(file.Filename))
	if ext == "" {
		ext = ".jpg"
	}
	storedName := fmt.Sprintf("%d-%s%s", time.Now().UnixMilli(), uuid.NewString()[:8], ext)
	storedPath := filepath.Join(h.rawDir, storedName)
	if err := c.SaveUploadedFile(file, storedPath); err != nil {
		log.Printf("ERROR: Failed to save upload to %s: %v", storedPath, err)
		abortWithError(c, http.StatusInternalServerError, "Failed to store upload")
		return
	}

	// The declared content type can lie; check the magic bytes on disk.
	if !isJPEGFile(storedPath) {
		_ = os.Remove(storedPath)
		abortWithError(c, http.StatusBadRequest, "Uploaded file is not a valid JPEG image")
		return
	}

	result, err := h.uploadService.ProcessUpload(c.Request.Context(), storedPath, file.Filename, file.Size, contentType)
	if err != nil {
		// No submission record owns the file when the pipeline failed.
		_ = os.Remove(storedPath)

		var dup *repository.DuplicateCodeError
		switch {
		case errors.As(err, &dup):
			abortWithError(c, http.StatusConflict, dup.Error())
		case errors.Is(err, service.ErrImageInvalid):
			abortWithError(c, http.StatusBadRequest, err.Error())
		default:
			log.Printf("ERROR: Upload processing failed: %v", err)
			abortWithError(c, http.StatusInternalServerError, "Failed to process upload")
		}
		return
	}

	c.JSON(http.StatusOK, result)
}

// List returns a page of submission summaries, newest first.
func (h *SubmissionHandler) List(c *gin.Context) {
	page, ok := positiveIntQuery(c, "page", 1)
	if !ok {
		return
	}
	limit, ok := positiveIntQuery(c, "limit", 10)
	if !ok {
		return
	}

	result, err := h.historyService.List(c.Request.Context(), page, limit)
	if err != nil {
		log.Printf("ERROR: Failed to list submissions: %v", err)
		abortWithError(c, http.StatusInternalServerError, "Failed to retrieve submissions")
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetByID returns the full detail record for one submission.
func (h *SubmissionHandler) GetByID(c *gin.Context) {
	id, err := primitive.ObjectIDFromHex(c.Param("id"))
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "Invalid submission ID format")
		return
	}

	detail, err := h.historyService.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			abortWithError(c, http.StatusNotFound, "Submission not found")
			return
		}
		log.Printf("ERROR: Failed to fetch submission %s: %v", id.Hex(), err)
		abortWithError(c, http.StatusInternalServerError, "Failed to retrieve submission")
		return
	}
	c.JSON(http.StatusOK, detail)
}

func positiveIntQuery(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 1 {
		abortWithError(c, http.StatusBadRequest, fmt.Sprintf("Query parameter %q must be a positive integer", name))
		return 0, false
	}
	return value, true
}

func isJPEGFile(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	header := make([]byte, len(jpegMagic))
	if _, err := io.ReadFull(f, header); err != nil {
		return false
	}
	for i := range jpegMagic {
		if header[i] != jpegMagic[i] {
			return false
		}
	}
	return true
}

func abortWithError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}
