package domain

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// StatusProcessed is the only status the synchronous pipeline ever writes.
// A submission either persists fully or the upload fails before any record
// exists, so intermediate states are never observable.
const StatusProcessed = "processed"

// Submission stores the outcome of processing one uploaded test strip photo.
// The record is written once, in full, and is read-only afterwards.
type Submission struct {
	ID primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	// QRCode holds the normalized code when validation passed, or the raw
	// code exactly as read when it did not. Absent when no code was decoded.
	// Unique (sparse index) across all submissions when present.
	QRCode            *string   `bson:"qrCode,omitempty" json:"qrCode"`
	OriginalImagePath string    `bson:"originalImagePath" json:"-"`
	ThumbnailPath     *string   `bson:"thumbnailPath,omitempty" json:"-"`
	ImageSize         int64     `bson:"imageSize" json:"imageSize"`
	ImageDimensions   string    `bson:"imageDimensions" json:"imageDimensions"` // "WxH"
	Status            string    `bson:"status" json:"status"`
	// ErrorMessage explains a missing or invalid code; nil when QRCode holds
	// a valid code. Mutually exclusive with a valid QRCode.
	ErrorMessage *string   `bson:"errorMessage,omitempty" json:"errorMessage"`
	CreatedAt    time.Time `bson:"createdAt" json:"createdAt"`
}
