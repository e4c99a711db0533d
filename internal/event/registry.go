// Package event holds the static catalog of notification events. The
// catalog is immutable after startup; dispatch looks events up by slug.
package event

import (
	"fmt"

	"github.com/beaconhq/beacon/internal/apperr"
	"github.com/beaconhq/beacon/internal/db"
)

// Category constants
const (
	CategoryAccount  = "account"
	CategoryActivity = "activity"
	CategoryPayments = "payments"
	CategorySystem   = "system"
)

// Message type constants
const (
	TypeInfo    = "info"
	TypeSuccess = "success"
	TypeWarning = "warning"
	TypeError   = "error"
)

// Config describes one class of application event and the template each
// channel renders for it. At least one channel template must be present.
type Config struct {
	Slug          string
	Title         string
	Description   string
	Category      string
	MessageType   string
	Templates     map[db.Channel]string
	ActionButtons []db.ActionButton
}

// HasTemplate reports whether the event configures a template for the channel.
func (c *Config) HasTemplate(channel db.Channel) bool {
	_, ok := c.Templates[channel]
	return ok
}

// Registry is the slug-keyed event catalog.
type Registry struct {
	bySlug map[string]*Config
}

// NewRegistry validates the catalog and builds the lookup index.
func NewRegistry(events []Config) (*Registry, error) {
	bySlug := make(map[string]*Config, len(events))

	for i := range events {
		ev := &events[i]

		if ev.Slug == "" {
			return nil, fmt.Errorf("event %d: empty slug", i)
		}
		if _, exists := bySlug[ev.Slug]; exists {
			return nil, fmt.Errorf("duplicate event slug: %s", ev.Slug)
		}
		if len(ev.Templates) == 0 {
			return nil, fmt.Errorf("event %s: no channel templates configured", ev.Slug)
		}
		for channel := range ev.Templates {
			if !channel.Valid() {
				return nil, fmt.Errorf("event %s: unknown channel %q", ev.Slug, channel)
			}
		}

		bySlug[ev.Slug] = ev
	}

	return &Registry{bySlug: bySlug}, nil
}

// Find looks an event up by slug.
func (r *Registry) Find(slug string) (*Config, error) {
	ev, ok := r.bySlug[slug]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "event not found: %s", slug)
	}
	return ev, nil
}

// Len returns the number of registered events.
func (r *Registry) Len() int {
	return len(r.bySlug)
}

// Defaults is the built-in event catalog.
func Defaults() []Config {
	return []Config{
		{
			Slug:        "welcome_signup",
			Title:       "Welcome aboard",
			Description: "Sent when a user signs up for the first time",
			Category:    CategoryAccount,
			MessageType: TypeSuccess,
			Templates: map[db.Channel]string{
				db.ChannelInApp: "welcome_signup",
				db.ChannelEmail: "welcome_signup",
			},
			ActionButtons: []db.ActionButton{
				{Type: "redirect", Label: "Complete your profile", Route: "/profile"},
			},
		},
		{
			Slug:        "password_reset",
			Title:       "Password reset requested",
			Category:    CategoryAccount,
			MessageType: TypeWarning,
			Templates: map[db.Channel]string{
				db.ChannelEmail: "password_reset",
			},
		},
		{
			Slug:        "payment_released",
			Title:       "Payment released",
			Category:    CategoryPayments,
			MessageType: TypeSuccess,
			Templates: map[db.Channel]string{
				db.ChannelInApp: "payment_released",
				db.ChannelEmail: "payment_released",
				db.ChannelSMS:   "payment_released",
			},
			ActionButtons: []db.ActionButton{
				{Type: "redirect", Label: "View payout", Route: "/payments"},
			},
		},
		{
			Slug:        "security_alert",
			Title:       "Security alert",
			Category:    CategorySystem,
			MessageType: TypeError,
			Templates: map[db.Channel]string{
				db.ChannelInApp: "security_alert",
				db.ChannelSMS:   "security_alert",
			},
			ActionButtons: []db.ActionButton{
				{Type: "api_call", Label: "Review activity", Method: "POST", Endpoint: "/api/security/review"},
			},
		},
		{
			Slug:        "weekly_summary",
			Title:       "Your weekly summary",
			Category:    CategoryActivity,
			MessageType: TypeInfo,
			Templates: map[db.Channel]string{
				db.ChannelEmail: "weekly_summary",
			},
		},
	}
}
