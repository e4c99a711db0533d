package provider

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/apperr"
	"github.com/beaconhq/beacon/internal/db"
)

// SESProvider sends email via AWS SES.
type SESProvider struct {
	client *ses.Client
	from   string
	logger *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
}

func NewSESProvider(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESProvider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &SESProvider{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

func (p *SESProvider) Name() string        { return "ses" }
func (p *SESProvider) Channel() db.Channel { return db.ChannelEmail }

func (p *SESProvider) Send(ctx context.Context, user *db.User, content string, meta Meta) error {
	if user.Email == "" {
		return apperr.New(apperr.KindValidation, "user %s has no email address", user.ID)
	}

	subject := meta.Title
	if subject == "" {
		subject = "Notification"
	}

	input := &ses.SendEmailInput{
		Source: aws.String(p.from),
		Destination: &types.Destination{
			ToAddresses: []string{user.Email},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(content),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := p.client.SendEmail(ctx, input)
	if err != nil {
		return apperr.Wrap(apperr.KindProvider, err, "ses send failed")
	}

	p.logger.Info("email sent via SES",
		zap.String("user_id", user.ID.String()),
		zap.String("event", meta.EventSlug),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}
