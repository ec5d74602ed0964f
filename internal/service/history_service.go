package service

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/che57/eli-test-scanner/internal/domain"
	"github.com/che57/eli-test-scanner/internal/qr"
	"github.com/che57/eli-test-scanner/internal/repository"
	"github.com/che57/eli-test-scanner/internal/storage"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Public URL prefix thumbnails are served under. Listings expose only the
// basename below this prefix, never the filesystem path.
const thumbnailURLPrefix = "/uploads/thumbnails/"

const (
	defaultPage  = 1
	defaultLimit = 10
)

// SubmissionSummary is one row of the paginated history listing.
type SubmissionSummary struct {
	ID             string    `json:"id"`
	QRCode         *string   `json:"qrCode"`
	Status         string    `json:"status"`
	ThumbnailURL   string    `json:"thumbnailUrl"`
	CreatedAt      time.Time `json:"createdAt"`
	IsExpired      bool      `json:"isExpired"`
	ExpirationYear *int      `json:"expirationYear"`
}

// SubmissionDetail extends the summary with the fields only the detail view shows.
type SubmissionDetail struct {
	SubmissionSummary
	OriginalImagePath string  `json:"originalImagePath"`
	OriginalImageURL  *string `json:"originalImageUrl,omitempty"`
	ImageSize         int64   `json:"imageSize"`
	ImageDimensions   string  `json:"imageDimensions"`
	ErrorMessage      *string `json:"errorMessage"`
}

// SubmissionPage wraps a listing with its echoed pagination values.
type SubmissionPage struct {
	Submissions []SubmissionSummary `json:"submissions"`
	Page        int                 `json:"page"`
	Limit       int                 `json:"limit"`
}

// HistoryService reads back persisted submissions with derived expiration
// fields. Expiration is recomputed at read time because the current year
// changes while stored codes do not.
type HistoryService interface {
	List(ctx context.Context, page, limit int) (*SubmissionPage, error)
	// GetByID returns repository.ErrNotFound on a miss; a miss is a valid
	// empty result, not an internal failure.
	GetByID(ctx context.Context, id primitive.ObjectID) (*SubmissionDetail, error)
}

// historyService implements the HistoryService interface.
type historyService struct {
	repo   repository.SubmissionRepository
	mirror storage.FileStorage // optional; nil disables presigned URLs
}

// NewHistoryService creates a new instance of historyService. mirror may be nil.
func NewHistoryService(repo repository.SubmissionRepository, mirror storage.FileStorage) HistoryService {
	return &historyService{repo: repo, mirror: mirror}
}

func (s *historyService) List(ctx context.Context, page, limit int) (*SubmissionPage, error) {
	if page < 1 {
		page = defaultPage
	}
	if limit < 1 {
		limit = defaultLimit
	}

	skip := int64(page-1) * int64(limit)
	results, err := s.repo.List(ctx, skip, int64(limit))
	if err != nil {
		return nil, err
	}

	// Paging beyond the end yields an empty page, not an error.
	summaries := make([]SubmissionSummary, 0, len(results))
	for i := range results {
		summaries = append(summaries, mapToSummary(&results[i]))
	}
	return &SubmissionPage{Submissions: summaries, Page: page, Limit: limit}, nil
}

func (s *historyService) GetByID(ctx context.Context, id primitive.ObjectID) (*SubmissionDetail, error) {
	submission, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	detail := &SubmissionDetail{
		SubmissionSummary: mapToSummary(submission),
		OriginalImagePath: submission.OriginalImagePath,
		ImageSize:         submission.ImageSize,
		ImageDimensions:   submission.ImageDimensions,
		ErrorMessage:      submission.ErrorMessage,
	}
	// When the object-store mirror is configured the detail view also carries
	// a time-limited direct download URL for the original. A presign failure
	// only logs; the local path remains the record of truth.
	if s.mirror != nil && submission.OriginalImagePath != "" {
		key := "raw/" + filepath.Base(submission.OriginalImagePath)
		url, err := s.mirror.GeneratePresignedDownloadURL(ctx, key, storage.DefaultPresignedURLExpiry)
		if err != nil {
			log.Printf("ERROR: Failed to presign download for %s: %v", key, err)
		} else {
			detail.OriginalImageURL = &url
		}
	}
	return detail, nil
}

func mapToSummary(submission *domain.Submission) SubmissionSummary {
	summary := SubmissionSummary{
		ID:        submission.ID.Hex(),
		QRCode:    submission.QRCode,
		Status:    submission.Status,
		CreatedAt: submission.CreatedAt,
	}
	if submission.ThumbnailPath != nil && *submission.ThumbnailPath != "" {
		summary.ThumbnailURL = thumbnailURLPrefix + filepath.Base(*submission.ThumbnailPath)
	}
	if submission.QRCode != nil {
		if year, expired := qr.CheckExpiration(*submission.QRCode); year != 0 {
			summary.ExpirationYear = &year
			summary.IsExpired = expired
		}
	}
	return summary
}
