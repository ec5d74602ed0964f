package mongo

import (
	"context"
	"errors"
	"time"

	"github.com/che57/eli-test-scanner/internal/domain"
	"github.com/che57/eli-test-scanner/internal/repository"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const submissionCollectionName = "test_strip_submissions"

// mongoSubmissionRepository implements repository.SubmissionRepository
type mongoSubmissionRepository struct {
	collection *mongo.Collection
}

// NewMongoSubmissionRepository creates a new Submission repository backed by MongoDB.
func NewMongoSubmissionRepository(db *mongo.Database) repository.SubmissionRepository {
	return &mongoSubmissionRepository{
		collection: db.Collection(submissionCollectionName),
	}
}

// Create inserts a new submission record. The unique sparse index on qrCode
// (see EnsureSubmissionIndexes) is the authoritative duplicate guard: when
// two concurrent uploads carry the same code, the loser's insert fails here
// even though both may have passed the service-level pre-check.
func (r *mongoSubmissionRepository) Create(ctx context.Context, submission *domain.Submission) (primitive.ObjectID, error) {
	if submission.OriginalImagePath == "" {
		return primitive.NilObjectID, errors.New("submission requires originalImagePath")
	}

	submission.ID = primitive.NewObjectID()
	if submission.CreatedAt.IsZero() {
		submission.CreatedAt = time.Now().UTC()
	}

	result, err := r.collection.InsertOne(ctx, submission)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) && submission.QRCode != nil {
			dup := &repository.DuplicateCodeError{Code: *submission.QRCode}
			// Resolve the winner's id so the caller can report which record
			// already owns the code.
			if existing, lookupErr := r.GetByQRCode(ctx, *submission.QRCode); lookupErr == nil {
				dup.ExistingID = existing.ID
			}
			return primitive.NilObjectID, dup
		}
		return primitive.NilObjectID, err
	}

	insertedID, ok := result.InsertedID.(primitive.ObjectID)
	if !ok {
		return primitive.NilObjectID, repository.ErrCreateFailed
	}
	return insertedID, nil
}

// GetByID retrieves a submission by its ID.
func (r *mongoSubmissionRepository) GetByID(ctx context.Context, id primitive.ObjectID) (*domain.Submission, error) {
	var submission domain.Submission
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&submission)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &submission, nil
}

// GetByQRCode retrieves the submission carrying the given (already
// canonicalized) code, or ErrNotFound when the code is unused.
func (r *mongoSubmissionRepository) GetByQRCode(ctx context.Context, code string) (*domain.Submission, error) {
	var submission domain.Submission
	err := r.collection.FindOne(ctx, bson.M{"qrCode": code}).Decode(&submission)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &submission, nil
}

// List returns submissions ordered by creation time descending.
func (r *mongoSubmissionRepository) List(ctx context.Context, skip, limit int64) ([]domain.Submission, error) {
	findOptions := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}}).
		SetSkip(skip).
		SetLimit(limit)

	cursor, err := r.collection.Find(ctx, bson.M{}, findOptions)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var submissions []domain.Submission
	if err := cursor.All(ctx, &submissions); err != nil {
		return nil, err
	}
	return submissions, nil
}

// EnsureSubmissionIndexes creates necessary indexes for the submissions collection.
func EnsureSubmissionIndexes(ctx context.Context, collection *mongo.Collection) error {
	indexes := []mongo.IndexModel{
		{
			// Sparse because qrCode is absent when no code was decoded;
			// uniqueness must only bind when a code is present.
			Keys:    bson.D{{Key: "qrCode", Value: 1}},
			Options: options.Index().SetUnique(true).SetSparse(true),
		},
		{
			// Listings sort on createdAt descending.
			Keys:    bson.D{{Key: "createdAt", Value: -1}},
			Options: options.Index(),
		},
	}

	_, err := collection.Indexes().CreateMany(ctx, indexes)
	return err
}
