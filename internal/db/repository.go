package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Repository implements the identity, preference, notification and
// delivery-status stores over Postgres.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// GetUser retrieves a user's identity/contact record.
// Returns (nil, nil) when the user does not exist.
func (r *Repository) GetUser(ctx context.Context, userID uuid.UUID) (*User, error) {
	query := `
		SELECT id, email, phone
		FROM users
		WHERE id = $1
	`

	var user User
	err := r.db.Pool().QueryRow(ctx, query, userID).Scan(
		&user.ID,
		&user.Email,
		&user.Phone,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}

	return &user, nil
}

// GetUserPreference retrieves a user's channel preference.
// Returns (nil, nil) when no preference is stored.
func (r *Repository) GetUserPreference(ctx context.Context, userID uuid.UUID) (*Preference, error) {
	query := `
		SELECT user_id, channels, created_at, updated_at
		FROM notification_preferences
		WHERE user_id = $1
	`

	var pref Preference
	var channels []string
	err := r.db.Pool().QueryRow(ctx, query, userID).Scan(
		&pref.UserID,
		&channels,
		&pref.CreatedAt,
		&pref.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("query preference: %w", err)
	}

	pref.Channels = make([]Channel, 0, len(channels))
	for _, ch := range channels {
		pref.Channels = append(pref.Channels, Channel(ch))
	}

	return &pref, nil
}

// SavePreference upserts a user's channel preference.
func (r *Repository) SavePreference(ctx context.Context, pref *Preference) error {
	query := `
		INSERT INTO notification_preferences (user_id, channels)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE
		SET channels = EXCLUDED.channels, updated_at = NOW()
		RETURNING created_at, updated_at
	`

	channels := make([]string, 0, len(pref.Channels))
	for _, ch := range pref.Channels {
		channels = append(channels, string(ch))
	}

	err := r.db.Pool().QueryRow(ctx, query, pref.UserID, channels).
		Scan(&pref.CreatedAt, &pref.UpdatedAt)
	if err != nil {
		r.logger.Error("failed to save preference",
			zap.Error(err),
			zap.String("user_id", pref.UserID.String()),
		)
		return fmt.Errorf("upsert preference: %w", err)
	}

	r.logger.Info("preference saved",
		zap.String("user_id", pref.UserID.String()),
		zap.Strings("channels", channels),
	)

	return nil
}

// CreateNotification inserts a new in-app notification.
func (r *Repository) CreateNotification(ctx context.Context, notif *Notification) error {
	query := `
		INSERT INTO notifications (
			id, user_id, title, content, category, message_type,
			action, read, metadata
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
		RETURNING created_at, updated_at
	`

	if notif.ID == uuid.Nil {
		notif.ID = uuid.New()
	}

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		notif.ID,
		notif.UserID,
		notif.Title,
		notif.Content,
		notif.Category,
		notif.MessageType,
		notif.Action,
		notif.Read,
		notif.Metadata,
	).Scan(&notif.CreatedAt, &notif.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", notif.ID.String()),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	r.logger.Info("notification created",
		zap.String("notification_id", notif.ID.String()),
		zap.String("user_id", notif.UserID.String()),
		zap.String("category", notif.Category),
	)

	return nil
}

// MarkAsRead marks a single notification as read.
func (r *Repository) MarkAsRead(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE notifications
		SET read = TRUE, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("mark as read: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification not found: %s", id)
	}

	return nil
}

// MarkAllAsRead marks every unread notification for the user as read.
func (r *Repository) MarkAllAsRead(ctx context.Context, userID uuid.UUID) error {
	query := `
		UPDATE notifications
		SET read = TRUE, updated_at = NOW()
		WHERE user_id = $1 AND read = FALSE
	`

	if _, err := r.db.Pool().Exec(ctx, query, userID); err != nil {
		return fmt.Errorf("mark all as read: %w", err)
	}

	return nil
}

// GetUserInAppNotifications lists a user's notifications, newest first.
func (r *Repository) GetUserInAppNotifications(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]*Notification, error) {
	query := `
		SELECT id, user_id, title, content, category, message_type,
			action, read, metadata, created_at, updated_at
		FROM notifications
		WHERE user_id = $1 AND ($2::bool = FALSE OR read = FALSE)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`

	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	rows, err := r.db.Pool().Query(ctx, query, userID, opts.UnreadOnly, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		var notif Notification
		err := rows.Scan(
			&notif.ID,
			&notif.UserID,
			&notif.Title,
			&notif.Content,
			&notif.Category,
			&notif.MessageType,
			&notif.Action,
			&notif.Read,
			&notif.Metadata,
			&notif.CreatedAt,
			&notif.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, &notif)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, nil
}

// GetUnreadCount returns the number of unread notifications for the user.
func (r *Repository) GetUnreadCount(ctx context.Context, userID uuid.UUID) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM notifications
		WHERE user_id = $1 AND read = FALSE
	`

	var count int
	if err := r.db.Pool().QueryRow(ctx, query, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}

	return count, nil
}

// UpsertDeliveryStatus records the outcome of one channel-dispatch attempt.
// The row is keyed by (user, channel, notification); a repeat attempt for
// the same key overwrites provider, status and metadata.
func (r *Repository) UpsertDeliveryStatus(ctx context.Context, status *DeliveryStatus) error {
	query := `
		INSERT INTO notification_delivery_status (
			id, user_id, notification_id, channel, provider, status, metadata
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)
		ON CONFLICT (user_id, channel, COALESCE(notification_id, '00000000-0000-0000-0000-000000000000'::uuid))
		DO UPDATE SET
			provider = EXCLUDED.provider,
			status = EXCLUDED.status,
			metadata = EXCLUDED.metadata,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`

	if status.ID == uuid.Nil {
		status.ID = uuid.New()
	}

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		status.ID,
		status.UserID,
		status.NotificationID,
		string(status.Channel),
		status.Provider,
		status.Status,
		status.Metadata,
	).Scan(&status.CreatedAt, &status.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to upsert delivery status",
			zap.Error(err),
			zap.String("user_id", status.UserID.String()),
			zap.String("channel", string(status.Channel)),
		)
		return fmt.Errorf("upsert delivery status: %w", err)
	}

	r.logger.Info("delivery status recorded",
		zap.String("user_id", status.UserID.String()),
		zap.String("channel", string(status.Channel)),
		zap.String("provider", status.Provider),
		zap.String("status", status.Status),
	)

	return nil
}
