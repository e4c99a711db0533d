package db

import (
	"time"

	"github.com/google/uuid"
)

// Channel is one delivery medium. The set is closed.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelInApp Channel = "in-app"
)

// Valid reports whether c is one of the known channels.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelInApp:
		return true
	}
	return false
}

// Delivery status constants
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// User is the identity/contact record resolved before dispatch.
type User struct {
	ID    uuid.UUID `json:"id"`
	Email string    `json:"email"`
	Phone string    `json:"phone"`
}

// Preference holds the channels a user opted into. The in-app channel is
// implicit and never stored.
type Preference struct {
	UserID    uuid.UUID `json:"user_id"`
	Channels  []Channel `json:"channels"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasChannel reports whether the preference includes the given channel.
func (p *Preference) HasChannel(c Channel) bool {
	for _, ch := range p.Channels {
		if ch == c {
			return true
		}
	}
	return false
}

// ActionButton is a call-to-action attached to an in-app notification.
// Type is either "redirect" (Route set) or "api_call" (Method/Endpoint set).
type ActionButton struct {
	Type     string `json:"type"`
	Label    string `json:"label"`
	Route    string `json:"route,omitempty"`
	Method   string `json:"method,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
}

// Notification is a persisted in-app notification.
type Notification struct {
	ID          uuid.UUID      `json:"id"`
	UserID      uuid.UUID      `json:"user_id"`
	Title       string         `json:"title"`
	Content     string         `json:"content"`
	Category    string         `json:"category"`
	MessageType string         `json:"message_type"`
	Action      []ActionButton `json:"action,omitempty"`
	Read        bool           `json:"read"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// DeliveryStatus records the outcome of one channel-dispatch attempt.
// NotificationID is set for the in-app channel only; external channels are
// keyed by user.
type DeliveryStatus struct {
	ID             uuid.UUID      `json:"id"`
	UserID         uuid.UUID      `json:"user_id"`
	NotificationID *uuid.UUID     `json:"notification_id,omitempty"`
	Channel        Channel        `json:"channel"`
	Provider       string         `json:"provider"`
	Status         string         `json:"status"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ListOptions controls in-app notification queries.
type ListOptions struct {
	Limit      int
	Offset     int
	UnreadOnly bool
}
