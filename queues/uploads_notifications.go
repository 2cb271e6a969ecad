// Package queues publishes upload-completion events for downstream
// consumers (analysis workers, catalog builders). Publishing is best
// effort: a failure is logged and never fails the upload itself.
package queues

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog/log"

	"github.com/blobvault/uploads-service/models"
)

type Notifier interface {
	PublishUploadCompleted(ctx context.Context, evt models.UploadCompletedEvent) error
}

// SQSAPI is the slice of the SQS client the publisher uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

type SQSNotifierImpl struct {
	client   SQSAPI
	queueUrl string
}

func NewSQSNotifierImpl(client SQSAPI, queueUrl string) *SQSNotifierImpl {
	return &SQSNotifierImpl{
		client:   client,
		queueUrl: queueUrl,
	}
}

func (n *SQSNotifierImpl) PublishUploadCompleted(ctx context.Context, evt models.UploadCompletedEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(n.queueUrl),
		MessageBody: aws.String(string(body)),
	}
	if strings.HasSuffix(n.queueUrl, ".fifo") {
		input.MessageGroupId = aws.String(evt.UploadID)
		input.MessageDeduplicationId = aws.String(evt.UploadID)
	}

	if _, err := n.client.SendMessage(ctx, input); err != nil {
		log.Error().Err(err).Str("upload_id", evt.UploadID).Msg("failed to publish upload completed event")
		return err
	}

	log.Info().Str("upload_id", evt.UploadID).Msg("upload completed event published")
	return nil
}

// NullNotifier drops events; used when no queue is configured.
type NullNotifier struct{}

func NewNullNotifier() *NullNotifier { return &NullNotifier{} }

func (*NullNotifier) PublishUploadCompleted(context.Context, models.UploadCompletedEvent) error {
	return nil
}
