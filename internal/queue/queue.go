// Package queue is the asynchronous event intake. The producer enqueues
// NotificationEvents on SQS; the consumer long-polls the queue and hands
// each event to the dispatch orchestrator. Synchronous HTTP dispatch
// remains the default path; the queue exists for callers that want
// fire-and-forget submission.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/apperr"
	"github.com/beaconhq/beacon/internal/dispatch"
)

// Config holds SQS intake configuration.
type Config struct {
	Region   string
	QueueURL string
}

// message is the wire envelope around one NotificationEvent.
type message struct {
	Event      dispatch.NotificationEvent `json:"event"`
	EnqueuedAt int64                      `json:"enqueued_at"`
}

// Producer enqueues events for asynchronous dispatch.
type Producer struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Producer{
		client:   sqs.NewFromConfig(awsCfg),
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// Enqueue sends one event to SQS. Returns the message ID for tracking.
func (p *Producer) Enqueue(ctx context.Context, ev dispatch.NotificationEvent) (string, error) {
	body, err := json.Marshal(message{Event: ev, EnqueuedAt: time.Now().UnixNano()})
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		p.logger.Error("failed to send message to sqs",
			zap.Error(err),
			zap.String("event", ev.EventType),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}

// Publisher is the orchestrator surface the consumer needs.
type Publisher interface {
	PublishEvent(ctx context.Context, ev dispatch.NotificationEvent) error
}

// Consumer long-polls the queue and dispatches events.
type Consumer struct {
	client    *sqs.Client
	queueURL  string
	publisher Publisher
	logger    *zap.Logger
}

func NewConsumer(ctx context.Context, cfg Config, publisher Publisher, logger *zap.Logger) (*Consumer, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Consumer{
		client:    sqs.NewFromConfig(awsCfg),
		queueURL:  cfg.QueueURL,
		publisher: publisher,
		logger:    logger,
	}, nil
}

// Run polls until ctx is cancelled. Events from different users have no
// ordering guarantee, so each message dispatches independently.
func (c *Consumer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			c.logger.Info("sqs consumer stopping")
			return
		}

		msg, receipt, err := c.receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("sqs receive failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if msg == nil {
			continue
		}

		c.process(ctx, msg, receipt)
	}
}

func (c *Consumer) receive(ctx context.Context) (*message, string, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   60,
	}

	result, err := c.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, "", fmt.Errorf("sqs receive failed: %w", err)
	}

	if len(result.Messages) == 0 {
		return nil, "", nil
	}

	raw := result.Messages[0]

	var msg message
	if err := json.Unmarshal([]byte(aws.ToString(raw.Body)), &msg); err != nil {
		c.logger.Error("failed to unmarshal message", zap.Error(err))
		// poison message, drop it rather than loop forever
		c.delete(ctx, aws.ToString(raw.ReceiptHandle))
		return nil, "", nil
	}

	return &msg, aws.ToString(raw.ReceiptHandle), nil
}

func (c *Consumer) process(ctx context.Context, msg *message, receipt string) {
	err := c.publisher.PublishEvent(ctx, msg.Event)
	if err != nil {
		c.logger.Error("queued event dispatch failed",
			zap.String("event", msg.Event.EventType),
			zap.String("user_id", msg.Event.UserID.String()),
			zap.Error(err),
		)
		// unknown event or user will never succeed; delete instead of
		// letting SQS redeliver
		if apperr.IsKind(err, apperr.KindNotFound) || apperr.IsKind(err, apperr.KindValidation) {
			c.delete(ctx, receipt)
		}
		return
	}

	c.delete(ctx, receipt)
}

func (c *Consumer) delete(ctx context.Context, receipt string) {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receipt),
	}
	if _, err := c.client.DeleteMessage(ctx, input); err != nil {
		c.logger.Error("sqs delete failed", zap.Error(err))
	}
}
