// Package store holds the two narrow adapter contracts the upload
// service depends on, with DynamoDB and S3 implementations.
package store

import (
	"context"
	"time"

	"github.com/blobvault/uploads-service/health"
	"github.com/blobvault/uploads-service/models"
)

// UploadStore is durable key-value persistence of one Upload record per
// upload. UpdateConditional is the optimistic-concurrency primitive:
// the write only lands if the stored version still equals the version
// the caller read.
type UploadStore interface {
	Put(ctx context.Context, upload models.Upload) error
	Get(ctx context.Context, uploadID string) (*models.Upload, error)
	UpdateConditional(ctx context.Context, upload models.Upload, expectedVersion int64) error
	UpdateStatus(ctx context.Context, uploadID string, status models.UploadStatus, progress float64, completedAt *time.Time) error
	ListByOwner(ctx context.Context, ownerID string) ([]models.Upload, error)

	health.ReadinessCheck
}

// ObjectStore drives the blob store's multipart-upload protocol.
type ObjectStore interface {
	OpenSession(ctx context.Context, location, contentType string) (string, error)
	AuthorizePart(ctx context.Context, location, sessionID string, partNumber int32) (string, error)
	ListParts(ctx context.Context, location, sessionID string) ([]models.Part, error)
	Finalize(ctx context.Context, location, sessionID string, parts []models.Part) error

	health.ReadinessCheck
}
