package provider

import (
	"context"

	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/db"
)

// LogProvider logs deliveries instead of sending them. Used in development
// environments where no AWS credentials are configured.
type LogProvider struct {
	channel db.Channel
	logger  *zap.Logger
}

func NewLogProvider(channel db.Channel, logger *zap.Logger) *LogProvider {
	return &LogProvider{channel: channel, logger: logger}
}

func (p *LogProvider) Name() string        { return "log" }
func (p *LogProvider) Channel() db.Channel { return p.channel }

func (p *LogProvider) Send(_ context.Context, user *db.User, content string, meta Meta) error {
	p.logger.Info("delivery (log provider)",
		zap.String("channel", string(p.channel)),
		zap.String("user_id", user.ID.String()),
		zap.String("event", meta.EventSlug),
		zap.String("content", content),
	)
	return nil
}
