package service

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/che57/eli-test-scanner/internal/domain"
	"github.com/che57/eli-test-scanner/internal/qr"
	"github.com/che57/eli-test-scanner/internal/repository"
	"github.com/che57/eli-test-scanner/internal/storage"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
)

// --- Error Definitions ---
var (
	// ErrImageInvalid covers images that fail to decode or fall outside the
	// accepted dimension range. Wrapped errors add the specific reason.
	ErrImageInvalid = errors.New("invalid image file")
)

const (
	minImageDim = 100   // smaller cannot hold a legible code
	maxImageDim = 10000 // resource-abuse guard

	thumbnailSize    = 200
	thumbnailQuality = 80
)

// Characters outside this set are replaced before the original basename is
// embedded in a thumbnail filename, preventing path traversal.
var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// ImageMetadata echoes what the server observed about the uploaded file.
type ImageMetadata struct {
	Size       int64  `json:"size"`
	Dimensions string `json:"dimensions"`
	MimeType   string `json:"mimeType"`
	Extension  string `json:"extension"`
}

// UploadResult is returned to the client after a submission is persisted.
type UploadResult struct {
	ID             string        `json:"id"`
	Status         string        `json:"status"`
	QRCode         *string       `json:"qrCode"`
	QRCodeValid    bool          `json:"qrCodeValid"`
	ProcessedAt    time.Time     `json:"processedAt"`
	IsExpired      bool          `json:"isExpired"`
	ExpirationYear *int          `json:"expirationYear"`
	ImageMetadata  ImageMetadata `json:"imageMetadata"`
}

// UploadService runs the upload processing pipeline.
type UploadService interface {
	// ProcessUpload validates the stored raw image, generates a thumbnail,
	// extracts and validates the QR code, rejects duplicates, and persists
	// exactly one Submission. The record is written all-or-nothing; there is
	// no partial lifecycle.
	ProcessUpload(ctx context.Context, originalPath, filename string, size int64, mimeType string) (*UploadResult, error)
}

// UploadConfig carries the storage roots the pipeline writes under. Passing
// it explicitly (rather than reading the environment at package init) lets
// tests run several pipelines with different roots.
type UploadConfig struct {
	ThumbnailsDir string
}

// uploadService implements the UploadService interface.
type uploadService struct {
	repo      repository.SubmissionRepository
	extractor *qr.Extractor
	cfg       UploadConfig
	mirror    storage.FileStorage // optional; nil disables mirroring
}

// NewUploadService creates a new instance of uploadService. mirror may be nil.
func NewUploadService(repo repository.SubmissionRepository, extractor *qr.Extractor, cfg UploadConfig, mirror storage.FileStorage) UploadService {
	return &uploadService{
		repo:      repo,
		extractor: extractor,
		cfg:       cfg,
		mirror:    mirror,
	}
}

func (s *uploadService) ProcessUpload(ctx context.Context, originalPath, filename string, size int64, mimeType string) (*UploadResult, error) {
	// 1. Decode and validate dimensions. This precedes extraction so an
	// unreadable or out-of-range image never reaches the decoder.
	img, err := imaging.Open(originalPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageInvalid, err)
	}
	width, height := img.Bounds().Dx(), img.Bounds().Dy()
	if width < minImageDim || height < minImageDim {
		return nil, fmt.Errorf("%w: image dimensions too small (minimum %dx%d pixels)", ErrImageInvalid, minImageDim, minImageDim)
	}
	if width > maxImageDim || height > maxImageDim {
		return nil, fmt.Errorf("%w: image dimensions too large (maximum %dx%d pixels)", ErrImageInvalid, maxImageDim, maxImageDim)
	}
	dimensions := fmt.Sprintf("%dx%d", width, height)

	// 2. Thumbnail generation is best effort. A failed write is logged and
	// processing continues; the submission still records the QR outcome.
	// The thumbnail is written (and mirrored) at this point, so later
	// failures must remove both copies: no record owns them, and the local
	// one sits under the publicly served thumbnails directory.
	thumbnailPath := s.writeThumbnail(ctx, img, filename)
	discardThumbnail := func() {
		if thumbnailPath == nil {
			return
		}
		if err := os.Remove(*thumbnailPath); err != nil {
			log.Printf("ERROR: Failed to remove thumbnail %s: %v", *thumbnailPath, err)
		}
		if s.mirror != nil {
			key := "thumbnails/" + filepath.Base(*thumbnailPath)
			if err := s.mirror.DeleteObject(ctx, key); err != nil {
				log.Printf("ERROR: Failed to remove mirrored thumbnail %s: %v", key, err)
			}
		}
	}

	// 3. QR extraction runs on the full-resolution original.
	extraction := s.extractor.Extract(originalPath)
	if extraction.Err != nil {
		log.Printf("ERROR: QR extraction failed for %s: %v", originalPath, extraction.Err)
	}

	// 4. Store the normalized form when valid, otherwise the raw code as
	// observed. An invalid raw code is kept because it helps debug format
	// and duplicate issues.
	var codeToStore *string
	if extraction.Valid {
		codeToStore = &extraction.Normalized
	} else if extraction.Raw != "" {
		codeToStore = &extraction.Raw
	}

	// 5. Duplicate pre-check. This is the fast path that names the
	// conflicting record; the unique index in the repository remains the
	// authoritative guard against concurrent uploads of the same code.
	if codeToStore != nil {
		existing, err := s.repo.GetByQRCode(ctx, *codeToStore)
		switch {
		case err == nil:
			discardThumbnail()
			return nil, &repository.DuplicateCodeError{Code: *codeToStore, ExistingID: existing.ID}
		case errors.Is(err, repository.ErrNotFound):
			// code unused, proceed
		default:
			discardThumbnail()
			return nil, err
		}
	}

	// 6. Persist the submission in full.
	submission := &domain.Submission{
		QRCode:            codeToStore,
		OriginalImagePath: originalPath,
		ThumbnailPath:     thumbnailPath,
		ImageSize:         size,
		ImageDimensions:   dimensions,
		Status:            domain.StatusProcessed,
		ErrorMessage:      extractionErrorMessage(extraction),
	}
	if _, err := s.repo.Create(ctx, submission); err != nil {
		discardThumbnail()
		return nil, err
	}

	// 7. Respond with the persisted record plus the extraction outcome and
	// echoed image metadata.
	if mimeType == "" {
		mimeType = "image/jpg"
	}
	if s.mirror != nil {
		s.mirrorObject(ctx, "raw/"+filepath.Base(originalPath), mimeType, originalPath)
	}
	var expirationYear *int
	if extraction.Valid {
		year := extraction.ExpirationYear
		expirationYear = &year
	}
	return &UploadResult{
		ID:             submission.ID.Hex(),
		Status:         submission.Status,
		QRCode:         submission.QRCode,
		QRCodeValid:    extraction.Valid,
		ProcessedAt:    submission.CreatedAt,
		IsExpired:      extraction.IsExpired,
		ExpirationYear: expirationYear,
		ImageMetadata: ImageMetadata{
			Size:       size,
			Dimensions: dimensions,
			MimeType:   mimeType,
			Extension:  strings.ToLower(filepath.Ext(filename)),
		},
	}, nil
}

// writeThumbnail renders a 200x200 JPEG thumbnail under a sanitized,
// collision-resistant filename and returns its path, or nil when generation
// failed. Failures never abort the pipeline.
func (s *uploadService) writeThumbnail(ctx context.Context, img image.Image, filename string) *string {
	safeBase := unsafeFilenameChars.ReplaceAllString(filepath.Base(filename), "_")
	thumbName := fmt.Sprintf("thumb-%d-%s-%s", time.Now().UnixMilli(), uuid.NewString()[:8], safeBase)
	thumbPath := filepath.Join(s.cfg.ThumbnailsDir, thumbName)

	if err := os.MkdirAll(s.cfg.ThumbnailsDir, 0o755); err != nil {
		log.Printf("ERROR: Failed to ensure thumbnails dir %s: %v", s.cfg.ThumbnailsDir, err)
		return nil
	}

	thumb := imaging.Thumbnail(img, thumbnailSize, thumbnailSize, imaging.Lanczos)
	out, err := os.Create(thumbPath)
	if err != nil {
		log.Printf("ERROR: Failed to create thumbnail %s: %v", thumbPath, err)
		return nil
	}
	defer out.Close()
	// Always encode JPEG regardless of the source extension so the public
	// thumbnail route serves a single predictable format.
	if err := imaging.Encode(out, thumb, imaging.JPEG, imaging.JPEGQuality(thumbnailQuality)); err != nil {
		log.Printf("ERROR: Failed to encode thumbnail %s: %v", thumbPath, err)
		_ = os.Remove(thumbPath)
		return nil
	}

	if s.mirror != nil {
		s.mirrorObject(ctx, "thumbnails/"+thumbName, "image/jpeg", thumbPath)
	}
	return &thumbPath
}

// mirrorObject copies a local file to the configured object store. Mirroring
// is best effort; a failed copy only logs.
func (s *uploadService) mirrorObject(ctx context.Context, objectKey, contentType, localPath string) {
	f, err := os.Open(localPath)
	if err != nil {
		log.Printf("ERROR: Failed to open %s for mirroring: %v", localPath, err)
		return
	}
	defer f.Close()
	if err := s.mirror.UploadObject(ctx, objectKey, contentType, f); err != nil {
		log.Printf("ERROR: Failed to mirror %s to object storage: %v", objectKey, err)
	}
}

// extractionErrorMessage maps an extraction outcome to the stored diagnostic.
// A valid code clears the message entirely.
func extractionErrorMessage(extraction qr.Result) *string {
	if extraction.Valid {
		return nil
	}
	var msg string
	switch {
	case extraction.Raw != "":
		msg = "Invalid QR code format"
	case extraction.Err != nil:
		msg = extraction.Err.Error()
	default:
		msg = "QR code not found"
	}
	return &msg
}
