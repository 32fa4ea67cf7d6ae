package queueadapter

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// SQSQueue adapts github.com/aws/aws-sdk-go-v2/service/sqs to the Queue
// interface. Grounded on original_source/src/queue/monitor.py's QueueMonitor
// (receive_message/delete_message/change_message_visibility) and on
// kedacore-keda's go.mod, which pulls in the same SDK module for SQS-backed
// queue polling.
type SQSQueue struct {
	client      *sqs.Client
	queueURL    string
	waitSeconds int32
}

// NewSQSQueue builds an SQS-backed Queue for the given queue URL and AWS
// region, loading credentials the standard SDK way (environment, shared
// config, or instance role).
func NewSQSQueue(ctx context.Context, queueURL, region string, waitSeconds int) (*SQSQueue, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return &SQSQueue{
		client:      sqs.NewFromConfig(cfg),
		queueURL:    queueURL,
		waitSeconds: int32(waitSeconds),
	}, nil
}

func (q *SQSQueue) Receive(ctx context.Context, maxMessages int) ([]Message, error) {
	if maxMessages > 10 {
		maxMessages = 10 // SQS hard cap per receive call
	}
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: int32(maxMessages),
		WaitTimeSeconds:     q.waitSeconds,
		VisibilityTimeout:   300,
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return nil, fmt.Errorf("receiving sqs messages: %w", err)
	}

	messages := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		messages = append(messages, Message{
			ID:            aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Body:          []byte(aws.ToString(m.Body)),
		})
	}
	return messages, nil
}

func (q *SQSQueue) Delete(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("deleting sqs message: %w", err)
	}
	return nil
}

func (q *SQSQueue) ChangeVisibility(ctx context.Context, receiptHandle string, seconds int) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: int32(seconds),
	})
	if err != nil {
		return fmt.Errorf("changing sqs message visibility: %w", err)
	}
	return nil
}
