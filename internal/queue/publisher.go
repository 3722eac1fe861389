// Package queue publishes subscription lifecycle events to SQS for the
// notification and analytics consumers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"membership/internal/config"
	"membership/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// LifecyclePublisher sends LifecycleMessages to the lifecycle events queue.
// Messages for the same subscription share a group ID so FIFO queues keep
// them in order; standard queues ignore the attribute.
type LifecyclePublisher struct {
	client   SQSSender
	queueURL string
	fifo     bool
	logger   *slog.Logger
}

// NewLifecyclePublisher creates a publisher for awsCfg.LifecycleQueueURL.
func NewLifecyclePublisher(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *LifecyclePublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LifecyclePublisher{
		client:   client,
		queueURL: awsCfg.LifecycleQueueURL,
		fifo:     strings.HasSuffix(awsCfg.LifecycleQueueURL, ".fifo"),
		logger:   logger,
	}
}

// Publish serializes msg and sends it to the queue.
func (p *LifecyclePublisher) Publish(ctx context.Context, msg types.LifecycleMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal LifecycleMessage: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(msg.Type)),
			},
		},
	}
	if p.fifo {
		input.MessageGroupId = aws.String(msg.SubscriptionID)
		input.MessageDeduplicationId = aws.String(msg.EventID)
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send LifecycleMessage to %s: %w", p.queueURL, err)
	}

	p.logger.InfoContext(ctx, "lifecycle event published",
		"event_id", msg.EventID,
		"event_type", string(msg.Type),
		"subscription_id", msg.SubscriptionID,
		"user_id", msg.UserID,
	)
	return nil
}

// LogPublisher writes lifecycle events to the log instead of a queue. Used in
// local mode and when no queue URL is configured.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

// Publish logs msg.
func (p *LogPublisher) Publish(ctx context.Context, msg types.LifecycleMessage) error {
	p.logger.InfoContext(ctx, "lifecycle event (not queued)",
		"event_id", msg.EventID,
		"event_type", string(msg.Type),
		"subscription_id", msg.SubscriptionID,
		"user_id", msg.UserID,
		"status", string(msg.Status),
	)
	return nil
}
