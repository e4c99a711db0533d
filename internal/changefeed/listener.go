// Package changefeed is the sole path from notification rows to live
// sockets. It listens on the Postgres notify channel raised by the
// notifications insert trigger, so every insert, whether from this
// process's orchestrator, another instance, or a batch job sharing the
// database, reaches each connected user exactly once.
package changefeed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/metrics"
)

// channelName matches the pg_notify channel used by the insert trigger.
const channelName = "beacon_notifications"

// reconnectDelay paces retries after a dropped listen connection.
const reconnectDelay = 5 * time.Second

// Pusher is the connection manager surface the listener needs.
type Pusher interface {
	SendToUser(userID uuid.UUID, event string, payload any) bool
}

// payload mirrors the JSON built by the insert trigger.
type payload struct {
	ID          uuid.UUID `json:"id"`
	UserID      uuid.UUID `json:"user_id"`
	Title       string    `json:"title"`
	Content     string    `json:"content"`
	Category    string    `json:"category"`
	MessageType string    `json:"message_type"`
	CreatedAt   string    `json:"created_at"`
}

type Listener struct {
	pool   *pgxpool.Pool
	pusher Pusher
	logger *zap.Logger
}

func NewListener(pool *pgxpool.Pool, pusher Pusher, logger *zap.Logger) *Listener {
	return &Listener{pool: pool, pusher: pusher, logger: logger}
}

// Run blocks listening for insert notifications until ctx is cancelled.
// Connection failures are retried; the feed is best-effort and losing a
// notification only means the user sees it on next pending fetch.
func (l *Listener) Run(ctx context.Context) {
	for {
		if err := l.listen(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Warn("changefeed listener disconnected", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+channelName); err != nil {
		return err
	}

	l.logger.Info("changefeed listening", zap.String("channel", channelName))

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		l.handle(notification.Payload)
	}
}

func (l *Listener) handle(raw string) {
	var p payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		l.logger.Warn("malformed changefeed payload", zap.Error(err))
		return
	}

	delivered := l.pusher.SendToUser(p.UserID, "notification", p)
	metrics.RecordPush(p.Category, delivered)
	l.logger.Debug("changefeed push",
		zap.String("user_id", p.UserID.String()),
		zap.String("notification_id", p.ID.String()),
		zap.Bool("delivered", delivered),
	)
}
