// Package dispatch turns application events into per-channel deliveries.
// The orchestrator resolves the event and target user, handles the in-app
// channel first (it is authoritative for persistence), then fans out to
// the user's preferred channels sequentially. Channel failures are
// isolated: each preferred channel with a template ends up with exactly
// one delivery status row, sent or failed.
package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/apperr"
	"github.com/beaconhq/beacon/internal/db"
	"github.com/beaconhq/beacon/internal/event"
	"github.com/beaconhq/beacon/internal/metrics"
	"github.com/beaconhq/beacon/internal/provider"
	"github.com/beaconhq/beacon/internal/template"
)

// NotificationEvent is the intake payload for one publish.
type NotificationEvent struct {
	EventType string         `json:"eventType"`
	UserID    uuid.UUID      `json:"userID"`
	Payload   map[string]any `json:"payload"`
}

// Store is the subset of the repository the orchestrator needs.
type Store interface {
	GetUser(ctx context.Context, userID uuid.UUID) (*db.User, error)
	GetUserPreference(ctx context.Context, userID uuid.UUID) (*db.Preference, error)
	SavePreference(ctx context.Context, pref *db.Preference) error
	CreateNotification(ctx context.Context, notif *db.Notification) error
	UpsertDeliveryStatus(ctx context.Context, status *db.DeliveryStatus) error
}

// Presence reports whether a user currently holds a live connection.
// The push itself rides the notifications insert trigger: the changefeed
// listener is the only component that emits to sockets, so a row reaches
// each connected user exactly once no matter which process inserted it.
type Presence interface {
	IsUserConnected(userID uuid.UUID) bool
}

// inAppProviderName is recorded on in-app delivery status rows.
const inAppProviderName = "socket"

// outboundChannels fixes the dispatch order so delivery status writes
// stay deterministic regardless of how the preference row lists them.
var outboundChannels = []db.Channel{db.ChannelEmail, db.ChannelSMS}

type Orchestrator struct {
	events    *event.Registry
	templates template.Source
	providers *provider.Registry
	store     Store
	presence  Presence
	logger    *zap.Logger

	// default provider name per channel, empty falls back to the
	// registry's last-registered default
	providerNames map[db.Channel]string
}

func NewOrchestrator(
	events *event.Registry,
	templates template.Source,
	providers *provider.Registry,
	store Store,
	presence Presence,
	providerNames map[db.Channel]string,
	logger *zap.Logger,
) *Orchestrator {
	if providerNames == nil {
		providerNames = map[db.Channel]string{}
	}
	return &Orchestrator{
		events:        events,
		templates:     templates,
		providers:     providers,
		store:         store,
		presence:      presence,
		providerNames: providerNames,
		logger:        logger,
	}
}

// PublishEvent runs the full dispatch for one event. Channels are
// processed sequentially so delivery status writes stay deterministic.
// An error return means nothing beyond the failed step happened: unknown
// event, unknown user, or an in-app failure (in-app is authoritative).
// Per-channel provider and validation failures never surface here.
func (o *Orchestrator) PublishEvent(ctx context.Context, ev NotificationEvent) error {
	start := time.Now()

	cfg, err := o.events.Find(ev.EventType)
	if err != nil {
		return err
	}

	user, err := o.store.GetUser(ctx, ev.UserID)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "load user %s", ev.UserID)
	}
	if user == nil {
		return apperr.New(apperr.KindNotFound, "user not found: %s", ev.UserID)
	}

	metrics.RecordEventPublished(cfg.Slug)

	if cfg.HasTemplate(db.ChannelInApp) {
		if err := o.dispatchInApp(ctx, cfg, user, ev.Payload); err != nil {
			return err
		}
	}

	pref, err := o.store.GetUserPreference(ctx, user.ID)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "load preference for %s", user.ID)
	}
	if pref == nil {
		o.createDefaultPreference(ctx, user.ID)
		o.logger.Info("no channel preference, in-app only",
			zap.String("user_id", user.ID.String()),
			zap.String("event", cfg.Slug),
		)
		metrics.RecordDispatchDuration(cfg.Slug, time.Since(start))
		return nil
	}

	for _, channel := range outboundChannels {
		if !cfg.HasTemplate(channel) || !pref.HasChannel(channel) {
			continue
		}
		o.dispatchChannel(ctx, cfg, user, channel, ev.Payload)
	}

	metrics.RecordDispatchDuration(cfg.Slug, time.Since(start))
	return nil
}

// dispatchInApp renders and persists the in-app notification. The insert
// trigger raises the changefeed, which pushes the row to live sockets;
// the delivery status only records whether the user was connected at
// insert time. Any failure here aborts the whole publish.
func (o *Orchestrator) dispatchInApp(ctx context.Context, cfg *event.Config, user *db.User, payload map[string]any) error {
	content, err := o.renderChannel(cfg, db.ChannelInApp, payload)
	if err != nil {
		return err
	}

	notif := &db.Notification{
		UserID:      user.ID,
		Title:       cfg.Title,
		Content:     content,
		Category:    cfg.Category,
		MessageType: cfg.MessageType,
		Action:      cfg.ActionButtons,
		Metadata:    payload,
	}
	if err := o.store.CreateNotification(ctx, notif); err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "persist notification")
	}

	status := db.StatusPending
	if o.presence.IsUserConnected(user.ID) {
		status = db.StatusDelivered
	}
	o.recordStatus(ctx, cfg, &db.DeliveryStatus{
		UserID:         user.ID,
		NotificationID: &notif.ID,
		Channel:        db.ChannelInApp,
		Provider:       inAppProviderName,
		Status:         status,
	})

	return nil
}

// dispatchChannel handles one outbound channel end to end. Failures are
// recorded as a failed delivery status and never returned.
func (o *Orchestrator) dispatchChannel(ctx context.Context, cfg *event.Config, user *db.User, channel db.Channel, payload map[string]any) {
	providerName := o.providerNames[channel]

	content, err := o.renderChannel(cfg, channel, payload)
	if err != nil {
		o.recordFailure(ctx, cfg, user.ID, channel, providerName, err)
		return
	}

	p, err := o.providers.Resolve(channel, providerName)
	if err != nil {
		o.recordFailure(ctx, cfg, user.ID, channel, providerName, err)
		return
	}

	meta := provider.Meta{EventSlug: cfg.Slug, Title: cfg.Title}
	if err := p.Send(ctx, user, content, meta); err != nil {
		o.logger.Warn("channel delivery failed",
			zap.String("user_id", user.ID.String()),
			zap.String("event", cfg.Slug),
			zap.String("channel", string(channel)),
			zap.Error(err),
		)
		o.recordFailure(ctx, cfg, user.ID, channel, p.Name(), err)
		return
	}

	o.recordStatus(ctx, cfg, &db.DeliveryStatus{
		UserID:   user.ID,
		Channel:  channel,
		Provider: p.Name(),
		Status:   db.StatusSent,
	})
}

// renderChannel loads, parses, validates, and renders one channel's
// template. Validation runs before any side effect.
func (o *Orchestrator) renderChannel(cfg *event.Config, channel db.Channel, payload map[string]any) (string, error) {
	raw, err := o.templates.Load(channel, cfg.Templates[channel])
	if err != nil {
		return "", err
	}

	parsed, err := template.Parse(raw)
	if err != nil {
		return "", err
	}
	if err := parsed.Validate(payload); err != nil {
		return "", err
	}

	return parsed.Render(payload), nil
}

func (o *Orchestrator) recordFailure(ctx context.Context, cfg *event.Config, userID uuid.UUID, channel db.Channel, providerName string, cause error) {
	o.recordStatus(ctx, cfg, &db.DeliveryStatus{
		UserID:   userID,
		Channel:  channel,
		Provider: providerName,
		Status:   db.StatusFailed,
		Metadata: map[string]any{"error": cause.Error()},
	})
}

// recordStatus writes the delivery bookkeeping row. A write failure is
// logged, not propagated; it must not abort sibling channels.
func (o *Orchestrator) recordStatus(ctx context.Context, cfg *event.Config, status *db.DeliveryStatus) {
	if err := o.store.UpsertDeliveryStatus(ctx, status); err != nil {
		o.logger.Error("failed to record delivery status",
			zap.String("user_id", status.UserID.String()),
			zap.String("channel", string(status.Channel)),
			zap.Error(err),
		)
	}
	metrics.RecordDelivery(string(status.Channel), status.Provider, status.Status)
}

// createDefaultPreference persists an empty channel set so later reads
// are stable. Best effort.
func (o *Orchestrator) createDefaultPreference(ctx context.Context, userID uuid.UUID) {
	pref := &db.Preference{UserID: userID, Channels: []db.Channel{}}
	if err := o.store.SavePreference(ctx, pref); err != nil {
		o.logger.Warn("failed to create default preference",
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
	}
}
