// Package realtime tracks live socket connections per user and pushes
// in-app notifications to them. A user may hold several connections at
// once (multiple tabs or devices); the manager enforces a per-user cap,
// disconnects sockets that never authenticate, and sweeps connections
// old enough to be presumed abandoned.
package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/db"
	"github.com/beaconhq/beacon/internal/metrics"
)

// Socket protocol event names.
const (
	EventAuthenticated        = "authenticated"
	EventUnauthorized         = "unauthorized"
	EventConnectionLimit      = "connection_limit"
	EventNotification         = "notification"
	EventPendingNotifications = "pending_notifications"
	EventServerDisconnect     = "server_disconnect"
)

// Socket is one live transport connection. Implementations must be safe
// for concurrent Emit calls.
type Socket interface {
	ID() string
	Emit(event string, data any) error
	Close() error
}

// PendingFetcher loads the unread in-app notifications pushed to a
// socket right after it authenticates.
type PendingFetcher interface {
	GetUserInAppNotifications(ctx context.Context, userID uuid.UUID, opts db.ListOptions) ([]*db.Notification, error)
}

// Config controls connection lifecycle limits.
type Config struct {
	MaxConnectionsPerUser int
	AuthTimeout           time.Duration
	StaleThreshold        time.Duration
	SweepInterval         time.Duration
}

type connection struct {
	socket      Socket
	userID      uuid.UUID
	connectedAt time.Time
	metadata    map[string]any
	rooms       map[string]bool
}

// Manager owns the connection indices. All mutations happen under one
// mutex: authentication, disconnect, eviction, and the stale sweep can
// each fire from independent goroutines.
type Manager struct {
	cfg     Config
	logger  *zap.Logger
	pending PendingFetcher

	mu sync.Mutex
	// byUser keeps each user's connections ordered oldest-first so
	// eviction can pop from the front.
	byUser   map[uuid.UUID][]*connection
	bySocket map[string]*connection
	// unauthenticated sockets awaiting an authenticate message
	awaiting map[string]*time.Timer
}

func NewManager(cfg Config, pending PendingFetcher, logger *zap.Logger) *Manager {
	if cfg.MaxConnectionsPerUser <= 0 {
		cfg.MaxConnectionsPerUser = 5
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 30 * time.Second
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 8 * time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 60 * time.Second
	}

	return &Manager{
		cfg:      cfg,
		logger:   logger,
		pending:  pending,
		byUser:   make(map[uuid.UUID][]*connection),
		bySocket: make(map[string]*connection),
		awaiting: make(map[string]*time.Timer),
	}
}

// HandleConnect registers a new unauthenticated socket and arms its
// authentication timeout. A socket that never authenticates is
// force-disconnected when the timer fires.
func (m *Manager) HandleConnect(socket Socket) {
	id := socket.ID()

	m.mu.Lock()
	m.awaiting[id] = time.AfterFunc(m.cfg.AuthTimeout, func() {
		m.authTimeout(socket)
	})
	m.mu.Unlock()

	m.logger.Debug("socket connected", zap.String("socket_id", id))
}

func (m *Manager) authTimeout(socket Socket) {
	id := socket.ID()

	m.mu.Lock()
	_, stillWaiting := m.awaiting[id]
	delete(m.awaiting, id)
	m.mu.Unlock()

	if !stillWaiting {
		return
	}

	m.logger.Info("socket failed to authenticate in time", zap.String("socket_id", id))
	socket.Emit(EventServerDisconnect, map[string]any{"reason": "authentication timeout"})
	socket.Close()
}

// Authenticate promotes a socket to the authenticated index. An empty
// user ID is rejected with an unauthorized event and a disconnect. When
// the user goes over the connection cap the oldest connections are
// evicted. Pending unread notifications are pushed best-effort.
func (m *Manager) Authenticate(ctx context.Context, socket Socket, rawUserID string, metadata map[string]any) {
	id := socket.ID()

	userID, err := uuid.Parse(rawUserID)
	if rawUserID == "" || err != nil {
		m.logger.Info("socket authentication rejected",
			zap.String("socket_id", id),
			zap.String("user_id", rawUserID),
		)
		socket.Emit(EventUnauthorized, map[string]any{"message": "authentication requires a valid userId"})
		m.mu.Lock()
		m.cancelAuthTimer(id)
		m.mu.Unlock()
		socket.Close()
		return
	}

	conn := &connection{
		socket:      socket,
		userID:      userID,
		connectedAt: time.Now(),
		metadata:    metadata,
		rooms:       map[string]bool{userRoom(userID): true},
	}

	m.mu.Lock()
	m.cancelAuthTimer(id)
	m.byUser[userID] = append(m.byUser[userID], conn)
	m.bySocket[id] = conn

	var evicted []*connection
	if over := len(m.byUser[userID]) - m.cfg.MaxConnectionsPerUser; over > 0 {
		evicted = m.byUser[userID][:over]
		m.byUser[userID] = m.byUser[userID][over:]
		for _, old := range evicted {
			delete(m.bySocket, old.socket.ID())
		}
	}
	count := len(m.byUser[userID])
	m.updateGauges()
	m.mu.Unlock()

	for _, old := range evicted {
		m.logger.Info("evicting oldest connection over cap",
			zap.String("user_id", userID.String()),
			zap.String("socket_id", old.socket.ID()),
		)
		old.socket.Emit(EventConnectionLimit, map[string]any{
			"message": "connection limit reached, oldest connection closed",
		})
		old.socket.Close()
		metrics.RecordConnectionEvicted("connection_limit")
	}

	socket.Emit(EventAuthenticated, map[string]any{
		"success":         true,
		"connectionCount": count,
	})

	m.logger.Info("socket authenticated",
		zap.String("socket_id", id),
		zap.String("user_id", userID.String()),
		zap.Int("connection_count", count),
	)

	m.pushPending(ctx, socket, userID)
}

// cancelAuthTimer stops the pending auth timeout. Caller must hold the lock.
func (m *Manager) cancelAuthTimer(socketID string) {
	if timer, ok := m.awaiting[socketID]; ok {
		timer.Stop()
		delete(m.awaiting, socketID)
	}
}

func (m *Manager) pushPending(ctx context.Context, socket Socket, userID uuid.UUID) {
	if m.pending == nil {
		return
	}

	notifs, err := m.pending.GetUserInAppNotifications(ctx, userID, db.ListOptions{UnreadOnly: true})
	if err != nil {
		m.logger.Warn("failed to load pending notifications",
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
		return
	}
	if len(notifs) == 0 {
		return
	}

	if err := socket.Emit(EventPendingNotifications, notifs); err != nil {
		m.logger.Warn("failed to push pending notifications",
			zap.String("user_id", userID.String()),
			zap.Error(err),
		)
	}
}

// JoinRoom subscribes an authenticated socket to an additional room.
func (m *Manager) JoinRoom(socketID, room string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.bySocket[socketID]
	if !ok {
		return
	}
	conn.rooms[room] = true
}

// HandleDisconnect drops a socket from both indices. Safe to call for
// sockets that never authenticated.
func (m *Manager) HandleDisconnect(socketID string) {
	m.mu.Lock()
	m.cancelAuthTimer(socketID)

	conn, ok := m.bySocket[socketID]
	if ok {
		delete(m.bySocket, socketID)
		m.removeFromUser(conn)
		m.updateGauges()
	}
	m.mu.Unlock()

	if ok {
		m.logger.Debug("socket disconnected",
			zap.String("socket_id", socketID),
			zap.String("user_id", conn.userID.String()),
		)
	}
}

// removeFromUser drops conn from its user's ordered list. Caller must
// hold the lock.
func (m *Manager) removeFromUser(conn *connection) {
	conns := m.byUser[conn.userID]
	for i, c := range conns {
		if c == conn {
			conns = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(conns) == 0 {
		delete(m.byUser, conn.userID)
	} else {
		m.byUser[conn.userID] = conns
	}
}

// SendToUser emits an event to every live connection of the user.
// Returns true iff at least one connection existed; there is no queueing
// for offline users.
func (m *Manager) SendToUser(userID uuid.UUID, event string, payload any) bool {
	m.mu.Lock()
	conns := append([]*connection(nil), m.byUser[userID]...)
	m.mu.Unlock()

	if len(conns) == 0 {
		return false
	}

	for _, conn := range conns {
		if err := conn.socket.Emit(event, payload); err != nil {
			m.logger.Warn("emit failed",
				zap.String("socket_id", conn.socket.ID()),
				zap.String("event", event),
				zap.Error(err),
			)
		}
	}
	return true
}

// SendToRoom emits an event to every socket subscribed to the room.
// Every authenticated socket starts in its own user room; additional
// memberships come from JoinRoom. Returns how many sockets were reached.
func (m *Manager) SendToRoom(room, event string, payload any) int {
	m.mu.Lock()
	var conns []*connection
	for _, conn := range m.bySocket {
		if conn.rooms[room] {
			conns = append(conns, conn)
		}
	}
	m.mu.Unlock()

	for _, conn := range conns {
		if err := conn.socket.Emit(event, payload); err != nil {
			m.logger.Warn("room emit failed",
				zap.String("socket_id", conn.socket.ID()),
				zap.String("room", room),
				zap.Error(err),
			)
		}
	}
	return len(conns)
}

// BroadcastToAll emits an event to every authenticated connection,
// optionally skipping one user.
func (m *Manager) BroadcastToAll(event string, payload any, exceptUserID *uuid.UUID) {
	m.mu.Lock()
	conns := make([]*connection, 0, len(m.bySocket))
	for _, conn := range m.bySocket {
		if exceptUserID != nil && conn.userID == *exceptUserID {
			continue
		}
		conns = append(conns, conn)
	}
	m.mu.Unlock()

	for _, conn := range conns {
		if err := conn.socket.Emit(event, payload); err != nil {
			m.logger.Warn("broadcast emit failed",
				zap.String("socket_id", conn.socket.ID()),
				zap.Error(err),
			)
		}
	}
}

// DisconnectUser force-closes every connection of a user and returns
// how many were closed.
func (m *Manager) DisconnectUser(userID uuid.UUID, reason string) int {
	m.mu.Lock()
	conns := m.byUser[userID]
	delete(m.byUser, userID)
	for _, conn := range conns {
		delete(m.bySocket, conn.socket.ID())
	}
	m.updateGauges()
	m.mu.Unlock()

	for _, conn := range conns {
		conn.socket.Emit(EventServerDisconnect, map[string]any{"reason": reason})
		conn.socket.Close()
	}

	return len(conns)
}

func (m *Manager) IsUserConnected(userID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byUser[userID]) > 0
}

func (m *Manager) GetActiveUsersCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byUser)
}

func (m *Manager) GetActiveConnectionsCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bySocket)
}

// RunSweeper periodically removes connections older than the staleness
// threshold. Covers clients whose disconnect event was lost.
func (m *Manager) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepStale()
		}
	}
}

func (m *Manager) sweepStale() {
	cutoff := time.Now().Add(-m.cfg.StaleThreshold)

	// Snapshot stale connections under the lock, then emit and close
	// outside it.
	m.mu.Lock()
	var stale []*connection
	for _, conn := range m.bySocket {
		if conn.connectedAt.Before(cutoff) {
			stale = append(stale, conn)
		}
	}
	for _, conn := range stale {
		delete(m.bySocket, conn.socket.ID())
		m.removeFromUser(conn)
	}
	if len(stale) > 0 {
		m.updateGauges()
	}
	m.mu.Unlock()

	for _, conn := range stale {
		m.logger.Info("closing stale connection",
			zap.String("socket_id", conn.socket.ID()),
			zap.String("user_id", conn.userID.String()),
			zap.Duration("age", time.Since(conn.connectedAt)),
		)
		conn.socket.Emit(EventServerDisconnect, map[string]any{"reason": "stale connection"})
		conn.socket.Close()
		metrics.RecordConnectionEvicted("stale")
	}
}

// updateGauges refreshes the presence gauges. Caller must hold the lock.
func (m *Manager) updateGauges() {
	metrics.SetActiveConnections(len(m.bySocket))
	metrics.SetActiveUsers(len(m.byUser))
}

func userRoom(userID uuid.UUID) string {
	return "user:" + userID.String()
}
