package repository

import (
	"context"
	"fmt"

	"github.com/che57/eli-test-scanner/internal/domain"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Error constants for the repository layer
var (
	ErrNotFound     = RepositoryError("not found")
	ErrCreateFailed = RepositoryError("create failed")
)

// RepositoryError helps distinguish repository errors
type RepositoryError string

func (e RepositoryError) Error() string {
	return string(e)
}

// DuplicateCodeError reports that a submission with the same QR code already
// exists. It carries the conflicting record's id so the boundary can tell the
// client which earlier submission owns the code.
type DuplicateCodeError struct {
	Code       string
	ExistingID primitive.ObjectID
}

func (e *DuplicateCodeError) Error() string {
	return fmt.Sprintf("QR code already exists (ID: %s)", e.ExistingID.Hex())
}

// SubmissionRepository defines the interface for interacting with submission data.
type SubmissionRepository interface {
	// Create inserts the submission and returns its generated id. A unique
	// index on qrCode is the authoritative duplicate guard; a collision is
	// returned as *DuplicateCodeError.
	Create(ctx context.Context, submission *domain.Submission) (primitive.ObjectID, error)
	GetByID(ctx context.Context, id primitive.ObjectID) (*domain.Submission, error)
	// GetByQRCode returns ErrNotFound when no submission carries the code;
	// that is a valid empty result, not a failure.
	GetByQRCode(ctx context.Context, code string) (*domain.Submission, error)
	// List returns up to limit submissions ordered by creation time
	// descending, skipping the first skip records.
	List(ctx context.Context, skip, limit int64) ([]domain.Submission, error)
}
