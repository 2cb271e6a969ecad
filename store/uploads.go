package store

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/blobvault/uploads-service/apperrors"
	"github.com/blobvault/uploads-service/models"
	"github.com/blobvault/uploads-service/retries"
)

// DynamoDBAPI is the slice of the DynamoDB client the store uses.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

type DynamoDbUploadStoreImpl struct {
	client    DynamoDBAPI
	tableName string
}

func NewDynamoDbUploadStoreImpl(client DynamoDBAPI, tableName string) *DynamoDbUploadStoreImpl {
	return &DynamoDbUploadStoreImpl{
		client:    client,
		tableName: tableName,
	}
}

func (s *DynamoDbUploadStoreImpl) IsReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	return retries.Retry(
		ctx,
		retries.HealthAttempts,
		retries.HealthBaseDelay,
		func() error {
			_, err := s.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
				TableName: aws.String(s.tableName),
			})
			return err
		},
		retries.IsRetriableDbError,
	)
}

func (s *DynamoDbUploadStoreImpl) Name() string {
	return "UploadStore[dynamodb]"
}

// Put persists a brand-new record. The condition rejects a second write
// under the same upload id.
func (s *DynamoDbUploadStoreImpl) Put(ctx context.Context, upload models.Upload) error {
	item, err := attributevalue.MarshalMap(upload)
	if err != nil {
		return err
	}

	return retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
				TableName:           aws.String(s.tableName),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(upload_id)"),
			})
			return err
		},
		retries.IsRetriableDbError,
	)
}

// Get reads the full record with a strongly consistent read; the result
// feeds a read-modify-write cycle and must not be stale.
func (s *DynamoDbUploadStoreImpl) Get(ctx context.Context, uploadID string) (*models.Upload, error) {
	var upload models.Upload

	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
				TableName: aws.String(s.tableName),
				Key: map[string]types.AttributeValue{
					"upload_id": &types.AttributeValueMemberS{Value: uploadID},
				},
				ConsistentRead: aws.Bool(true),
			})
			if err != nil {
				return err
			}

			if out.Item == nil {
				return apperrors.ErrUploadNotFound
			}

			return attributevalue.UnmarshalMap(out.Item, &upload)
		},
		retries.IsRetriableDbError,
	)
	if err != nil {
		return nil, err
	}

	return &upload, nil
}

// UpdateConditional overwrites the record only if its stored version
// still equals expectedVersion, bumping the version by one. A losing
// writer gets ErrStateConflict and must re-read.
func (s *DynamoDbUploadStoreImpl) UpdateConditional(ctx context.Context, upload models.Upload, expectedVersion int64) error {
	upload.Version = expectedVersion + 1

	item, err := attributevalue.MarshalMap(upload)
	if err != nil {
		return err
	}

	err = retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
				TableName:           aws.String(s.tableName),
				Item:                item,
				ConditionExpression: aws.String("version = :v"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":v": &types.AttributeValueMemberN{Value: formatInt(expectedVersion)},
				},
			})
			return err
		},
		retries.IsRetriableDbError,
	)

	var condFailed *types.ConditionalCheckFailedException
	if errors.As(err, &condFailed) {
		return apperrors.ErrStateConflict
	}
	return err
}

// UpdateStatus is the partial, separate write for status transitions.
// It never touches the chunk set.
func (s *DynamoDbUploadStoreImpl) UpdateStatus(ctx context.Context, uploadID string, status models.UploadStatus, progress float64, completedAt *time.Time) error {
	update := "SET #st = :s, progress = :p, updated_at = :u ADD version :one"
	values := map[string]types.AttributeValue{
		":s":   &types.AttributeValueMemberS{Value: status.String()},
		":p":   &types.AttributeValueMemberN{Value: formatFloat(progress)},
		":u":   &types.AttributeValueMemberS{Value: time.Now().UTC().Format(time.RFC3339Nano)},
		":one": &types.AttributeValueMemberN{Value: "1"},
	}
	if completedAt != nil {
		update = "SET #st = :s, progress = :p, updated_at = :u, completed_at = :c ADD version :one"
		values[":c"] = &types.AttributeValueMemberS{Value: completedAt.UTC().Format(time.RFC3339Nano)}
	}

	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
				TableName: aws.String(s.tableName),
				Key: map[string]types.AttributeValue{
					"upload_id": &types.AttributeValueMemberS{Value: uploadID},
				},
				UpdateExpression:          aws.String(update),
				ConditionExpression:       aws.String("attribute_exists(upload_id)"),
				ExpressionAttributeNames:  map[string]string{"#st": "status"},
				ExpressionAttributeValues: values,
			})
			return err
		},
		retries.IsRetriableDbError,
	)

	var condFailed *types.ConditionalCheckFailedException
	if errors.As(err, &condFailed) {
		return apperrors.ErrUploadNotFound
	}
	return err
}

func (s *DynamoDbUploadStoreImpl) ListByOwner(ctx context.Context, ownerID string) ([]models.Upload, error) {
	var uploads []models.Upload

	err := retries.Retry(
		ctx,
		retries.DefaultAttempts,
		retries.DefaultBaseDelay,
		func() error {
			out, err := s.client.Query(ctx, &dynamodb.QueryInput{
				TableName:              aws.String(s.tableName),
				IndexName:              aws.String("owner_id-index"),
				KeyConditionExpression: aws.String("owner_id = :o"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":o": &types.AttributeValueMemberS{Value: ownerID},
				},
			})
			if err != nil {
				return err
			}
			return attributevalue.UnmarshalListOfMaps(out.Items, &uploads)
		},
		retries.IsRetriableDbError,
	)
	if err != nil {
		return nil, err
	}

	return uploads, nil
}
