// Package api exposes the notification HTTP surface: in-app notification
// reads, read-state updates, preference management, and event submission.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/apperr"
	"github.com/beaconhq/beacon/internal/db"
	"github.com/beaconhq/beacon/internal/dispatch"
	"github.com/beaconhq/beacon/internal/redis"
)

// NotificationStore is the repository surface the handlers need.
type NotificationStore interface {
	GetUserInAppNotifications(ctx context.Context, userID uuid.UUID, opts db.ListOptions) ([]*db.Notification, error)
	GetUnreadCount(ctx context.Context, userID uuid.UUID) (int, error)
	MarkAsRead(ctx context.Context, id uuid.UUID) error
	MarkAllAsRead(ctx context.Context, userID uuid.UUID) error
	GetUserPreference(ctx context.Context, userID uuid.UUID) (*db.Preference, error)
	SavePreference(ctx context.Context, pref *db.Preference) error
}

// Publisher runs the dispatch for one submitted event.
type Publisher interface {
	PublishEvent(ctx context.Context, ev dispatch.NotificationEvent) error
}

// Enqueuer is the optional asynchronous intake.
type Enqueuer interface {
	Enqueue(ctx context.Context, ev dispatch.NotificationEvent) (string, error)
}

// Presence reports live-connection stats for the health endpoint.
type Presence interface {
	GetActiveUsersCount() int
	GetActiveConnectionsCount() int
}

// SendEventRequest is the body of POST /send-event.
type SendEventRequest struct {
	EventType string         `json:"eventType"`
	UserID    string         `json:"userID"`
	Payload   map[string]any `json:"payload"`
}

// PreferenceRequest is the body of POST /preferences/{userID}.
type PreferenceRequest struct {
	Channels []db.Channel `json:"channels"`
}

// ErrorResponse is the problem+json error body.
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for the API handlers.
type Handler struct {
	logger      *zap.Logger
	store       NotificationStore
	publisher   Publisher
	presence    Presence
	idempotency *redis.IdempotencyService // nil if Redis not configured
	enqueuer    Enqueuer                  // nil if SQS not configured
}

func NewHandler(logger *zap.Logger, store NotificationStore, publisher Publisher, presence Presence) *Handler {
	return &Handler{
		logger:    logger,
		store:     store,
		publisher: publisher,
		presence:  presence,
	}
}

// WithIdempotency enables Idempotency-Key handling on event submission.
func (h *Handler) WithIdempotency(svc *redis.IdempotencyService) *Handler {
	h.idempotency = svc
	return h
}

// WithEnqueuer switches event submission to asynchronous intake.
func (h *Handler) WithEnqueuer(e Enqueuer) *Handler {
	h.enqueuer = e
	return h
}

// ListNotifications handles GET /api/notifications/user/{userID}.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.parseID(w, r, "userID")
	if !ok {
		return
	}

	opts := db.ListOptions{Limit: 10}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			opts.Limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			opts.Offset = o
		}
	}
	opts.UnreadOnly = r.URL.Query().Get("unreadOnly") == "true"

	notifs, err := h.store.GetUserInAppNotifications(r.Context(), userID, opts)
	if err != nil {
		h.logger.Error("failed to list notifications",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":   notifs,
		"count":  len(notifs),
		"limit":  opts.Limit,
		"offset": opts.Offset,
	})
}

// UnreadCount handles GET /api/notifications/user/{userID}/unread.
func (h *Handler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.parseID(w, r, "userID")
	if !ok {
		return
	}

	count, err := h.store.GetUnreadCount(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to count unread notifications",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to count unread notifications", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int{"unreadCount": count})
}

// MarkRead handles POST /api/notifications/read/{notificationID}.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	notifID, ok := h.parseID(w, r, "notificationID")
	if !ok {
		return
	}

	if err := h.store.MarkAsRead(r.Context(), notifID); err != nil {
		h.logger.Warn("failed to mark notification read",
			zap.Error(err),
			zap.String("notification_id", notifID.String()),
		)
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// MarkAllRead handles POST /api/notifications/read-all/{userID}.
func (h *Handler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.parseID(w, r, "userID")
	if !ok {
		return
	}

	if err := h.store.MarkAllAsRead(r.Context(), userID); err != nil {
		h.logger.Error("failed to mark all notifications read",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to mark notifications read", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// GetPreference handles GET /api/notifications/preferences/{userID}.
func (h *Handler) GetPreference(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.parseID(w, r, "userID")
	if !ok {
		return
	}

	pref, err := h.store.GetUserPreference(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to load preference",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load preference", "")
		return
	}
	if pref == nil {
		// implicit default: in-app only
		pref = &db.Preference{UserID: userID, Channels: []db.Channel{}}
	}

	h.writeJSON(w, http.StatusOK, pref)
}

// SavePreference handles POST /api/notifications/preferences/{userID}.
func (h *Handler) SavePreference(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.parseID(w, r, "userID")
	if !ok {
		return
	}

	var req PreferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	for _, ch := range req.Channels {
		if !ch.Valid() {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel",
				"channels must be one of: email, sms, in-app")
			return
		}
	}

	pref := &db.Preference{UserID: userID, Channels: req.Channels}
	if err := h.store.SavePreference(r.Context(), pref); err != nil {
		h.logger.Error("failed to save preference",
			zap.Error(err),
			zap.String("user_id", userID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to save preference", "")
		return
	}

	h.writeJSON(w, http.StatusOK, pref)
}

// SendEvent handles POST /api/notifications/send-event. Supports
// deduplication via the Idempotency-Key header and, when an enqueuer is
// configured, asynchronous intake.
func (h *Handler) SendEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req SendEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.EventType == "" || req.UserID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields",
			"eventType and userID are required")
		return
	}

	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid userID", "userID must be a valid UUID")
		return
	}

	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, req.UserID, idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cached != nil {
			w.Header().Set("X-Idempotency-Replayed", "true")
			h.writeJSON(w, cached.StatusCode, map[string]any{"success": true})
			return
		}
	}

	ev := dispatch.NotificationEvent{
		EventType: req.EventType,
		UserID:    userID,
		Payload:   req.Payload,
	}

	status := http.StatusOK
	if h.enqueuer != nil {
		msgID, err := h.enqueuer.Enqueue(ctx, ev)
		if err != nil {
			h.logger.Error("failed to enqueue event",
				zap.Error(err),
				zap.String("event", req.EventType),
			)
			h.writeError(w, http.StatusInternalServerError, "enqueue_error", "Failed to enqueue event", "")
			return
		}
		h.logger.Info("event enqueued",
			zap.String("event", req.EventType),
			zap.String("sqs_message_id", msgID),
		)
		status = http.StatusAccepted
	} else {
		if err := h.publisher.PublishEvent(ctx, ev); err != nil {
			h.writePublishError(w, req.EventType, err)
			return
		}
	}

	if idempotencyKey != "" && h.idempotency != nil {
		result := &redis.IdempotencyResult{
			EventType:  req.EventType,
			StatusCode: status,
		}
		if err := h.idempotency.Store(ctx, req.UserID, idempotencyKey, result, redis.IdempotencyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	h.writeJSON(w, status, map[string]any{"success": true})
}

// Health handles GET /health with live presence stats.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"activeUsers":       h.presence.GetActiveUsersCount(),
		"activeConnections": h.presence.GetActiveConnectionsCount(),
	})
}

func (h *Handler) writePublishError(w http.ResponseWriter, eventType string, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("event dispatch failed",
			zap.String("event", eventType),
			zap.Error(err),
		)
		h.writeError(w, status, "dispatch_error", "Failed to dispatch event", "")
		return
	}

	errType := "invalid_request"
	if apperr.IsKind(err, apperr.KindNotFound) {
		errType = "not_found"
	}
	h.writeError(w, status, errType, "Failed to dispatch event", err.Error())
}

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid "+param, param+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
