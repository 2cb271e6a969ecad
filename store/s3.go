package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"

	"github.com/blobvault/uploads-service/models"
	"github.com/blobvault/uploads-service/retries"
)

// S3API is the slice of the S3 client the object store uses.
type S3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Presigner issues time-bounded upload URLs for single parts.
type Presigner interface {
	PresignUploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

type S3ObjectStoreImpl struct {
	client     S3API
	presigner  Presigner
	bucketName string
	presignTTL time.Duration
}

func NewS3ObjectStoreImpl(client S3API, presigner Presigner, bucketName string, presignTTL time.Duration) *S3ObjectStoreImpl {
	return &S3ObjectStoreImpl{
		client:     client,
		presigner:  presigner,
		bucketName: bucketName,
		presignTTL: presignTTL,
	}
}

func (s *S3ObjectStoreImpl) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	return retries.Retry(
		ctx,
		retries.HealthAttempts,
		retries.HealthBaseDelay,
		func() error {
			_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
				Bucket: aws.String(s.bucketName),
			})
			return err
		},
		retries.IsRetriableDbError,
	)
}

func (s *S3ObjectStoreImpl) Name() string {
	return "ObjectStore[s3]"
}

// OpenSession starts a multipart upload session for the target key.
func (s *S3ObjectStoreImpl) OpenSession(ctx context.Context, location, contentType string) (string, error) {
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:               aws.String(s.bucketName),
		Key:                  aws.String(location),
		ContentType:          aws.String(contentType),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	})
	if err != nil {
		log.Error().Err(err).Str("location", location).Msg("failed to create multipart upload")
		return "", fmt.Errorf("create multipart upload: %w", err)
	}

	log.Debug().Str("location", location).Str("session_id", *out.UploadId).Msg("multipart session opened")
	return *out.UploadId, nil
}

// AuthorizePart returns a presigned URL scoped to exactly one part of
// the open session.
func (s *S3ObjectStoreImpl) AuthorizePart(ctx context.Context, location, sessionID string, partNumber int32) (string, error) {
	presigned, err := s.presigner.PresignUploadPart(
		ctx,
		&s3.UploadPartInput{
			Bucket:     aws.String(s.bucketName),
			Key:        aws.String(location),
			UploadId:   aws.String(sessionID),
			PartNumber: aws.Int32(partNumber),
		},
		s3.WithPresignExpires(s.presignTTL),
	)
	if err != nil {
		log.Error().Err(err).Str("location", location).Int32("part_number", partNumber).Msg("failed to presign upload part")
		return "", fmt.Errorf("presign part %d: %w", partNumber, err)
	}

	return presigned.URL, nil
}

// ListParts returns the parts the store has actually received, in
// ascending part-number order. Used for reconciliation, not on the hot
// path.
func (s *S3ObjectStoreImpl) ListParts(ctx context.Context, location, sessionID string) ([]models.Part, error) {
	out, err := s.client.ListParts(ctx, &s3.ListPartsInput{
		Bucket:   aws.String(s.bucketName),
		Key:      aws.String(location),
		UploadId: aws.String(sessionID),
	})
	if err != nil {
		log.Error().Err(err).Str("location", location).Msg("failed to list parts")
		return nil, fmt.Errorf("list parts: %w", err)
	}

	parts := make([]models.Part, 0, len(out.Parts))
	for _, p := range out.Parts {
		part := models.Part{}
		if p.PartNumber != nil {
			part.PartNumber = *p.PartNumber
		}
		if p.ETag != nil {
			part.PartTag = *p.ETag
		}
		parts = append(parts, part)
	}

	sort.Slice(parts, func(i, j int) bool {
		return parts[i].PartNumber < parts[j].PartNumber
	})

	return parts, nil
}

// Finalize assembles the uploaded parts into the final object. The
// protocol requires ascending part numbers, so the slice is sorted
// before submission regardless of completion order.
func (s *S3ObjectStoreImpl) Finalize(ctx context.Context, location, sessionID string, parts []models.Part) error {
	ordered := make([]models.Part, len(parts))
	copy(ordered, parts)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].PartNumber < ordered[j].PartNumber
	})

	completed := make([]types.CompletedPart, 0, len(ordered))
	for _, p := range ordered {
		completed = append(completed, types.CompletedPart{
			PartNumber: aws.Int32(p.PartNumber),
			ETag:       aws.String(p.PartTag),
		})
	}

	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.bucketName),
		Key:      aws.String(location),
		UploadId: aws.String(sessionID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: completed,
		},
	})
	if err != nil {
		log.Error().Err(err).Str("location", location).Str("session_id", sessionID).Msg("failed to complete multipart upload")
		return fmt.Errorf("complete multipart upload: %w", err)
	}

	log.Info().Str("location", location).Str("session_id", sessionID).Int("parts", len(completed)).Msg("multipart upload completed")
	return nil
}
