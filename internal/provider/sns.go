package provider

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/apperr"
	"github.com/beaconhq/beacon/internal/db"
)

// SNSProvider sends SMS via AWS SNS direct publish.
type SNSProvider struct {
	client *sns.Client
	logger *zap.Logger
}

type SNSConfig struct {
	Region string
}

func NewSNSProvider(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSProvider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}
	return &SNSProvider{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

func (p *SNSProvider) Name() string        { return "sns" }
func (p *SNSProvider) Channel() db.Channel { return db.ChannelSMS }

func (p *SNSProvider) Send(ctx context.Context, user *db.User, content string, meta Meta) error {
	if user.Phone == "" {
		return apperr.New(apperr.KindValidation, "user %s has no phone number", user.ID)
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(user.Phone),
		Message:     aws.String(content),
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		return apperr.Wrap(apperr.KindProvider, err, "sns publish failed")
	}

	p.logger.Info("SMS sent via SNS",
		zap.String("user_id", user.ID.String()),
		zap.String("event", meta.EventSlug),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}
