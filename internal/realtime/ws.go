package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second

	maxMessageSize = 8 * 1024
)

// clientMessage is the inbound socket protocol frame.
type clientMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type authPayload struct {
	UserID   string         `json:"userId"`
	Metadata map[string]any `json:"metadata"`
}

type joinRoomPayload struct {
	Room string `json:"room"`
}

// serverMessage is the outbound socket protocol frame.
type serverMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// wsSocket adapts one gorilla websocket connection to the Socket
// interface. Writes are funneled through a buffered channel so Emit is
// safe from any goroutine.
type wsSocket struct {
	id     string
	conn   *websocket.Conn
	send   chan serverMessage
	logger *zap.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSSocket(conn *websocket.Conn, logger *zap.Logger) *wsSocket {
	return &wsSocket{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan serverMessage, 32),
		logger: logger,
		closed: make(chan struct{}),
	}
}

func (s *wsSocket) ID() string { return s.id }

func (s *wsSocket) Emit(event string, data any) error {
	select {
	case <-s.closed:
		return websocket.ErrCloseSent
	default:
	}

	msg := serverMessage{Event: event, Data: data}
	select {
	case s.send <- msg:
		return nil
	default:
		// slow consumer, drop the frame rather than block dispatch
		s.logger.Warn("socket send buffer full, dropping frame",
			zap.String("socket_id", s.id),
			zap.String("event", event),
		)
		return nil
	}
}

func (s *wsSocket) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
	return nil
}

func (s *wsSocket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.closed:
			// flush frames queued before Close; the manager emits its
			// final protocol event immediately before closing
			for {
				select {
				case msg := <-s.send:
					s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := s.conn.WriteJSON(msg); err != nil {
						return
					}
				default:
					s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					s.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

// WSHandler upgrades HTTP requests and drives the socket protocol
// against the connection manager.
type WSHandler struct {
	manager  *Manager
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewWSHandler(manager *Manager, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		manager: manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	socket := newWSSocket(conn, h.logger)
	h.manager.HandleConnect(socket)

	go socket.writePump()
	go h.readPump(socket)
}

func (h *WSHandler) readPump(socket *wsSocket) {
	defer func() {
		socket.Close()
		h.manager.HandleDisconnect(socket.ID())
	}()

	socket.conn.SetReadLimit(maxMessageSize)
	socket.conn.SetReadDeadline(time.Now().Add(pongWait))
	socket.conn.SetPongHandler(func(string) error {
		socket.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg clientMessage
		if err := socket.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error",
					zap.String("socket_id", socket.ID()),
					zap.Error(err),
				)
			}
			return
		}

		switch msg.Event {
		case "authenticate":
			var payload authPayload
			if err := json.Unmarshal(msg.Data, &payload); err != nil {
				socket.Emit(EventUnauthorized, map[string]any{"message": "malformed authenticate payload"})
				return
			}
			// the request context dies when ServeHTTP returns; the
			// pending-notification fetch needs to outlive it
			h.manager.Authenticate(context.Background(), socket, payload.UserID, payload.Metadata)

		case "joinRoom":
			var payload joinRoomPayload
			if err := json.Unmarshal(msg.Data, &payload); err != nil || payload.Room == "" {
				continue
			}
			h.manager.JoinRoom(socket.ID(), payload.Room)

		default:
			h.logger.Debug("unknown socket event",
				zap.String("socket_id", socket.ID()),
				zap.String("event", msg.Event),
			)
		}
	}
}
