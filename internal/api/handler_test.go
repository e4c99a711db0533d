package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/apperr"
	"github.com/beaconhq/beacon/internal/db"
	"github.com/beaconhq/beacon/internal/dispatch"
	"github.com/beaconhq/beacon/internal/redis"
)

var errDatabase = errors.New("database error")

// MockStore is a fake repository for handler tests.
type MockStore struct {
	notifications []*db.Notification
	pref          *db.Preference
	unread        int

	listCalled     bool
	unreadCalled   bool
	markCalled     bool
	markAllCalled  bool
	getPrefCalled  bool
	savePrefCalled bool

	savedPref  *db.Preference
	shouldFail bool
}

func (m *MockStore) GetUserInAppNotifications(_ context.Context, _ uuid.UUID, opts db.ListOptions) ([]*db.Notification, error) {
	m.listCalled = true
	if m.shouldFail {
		return nil, errDatabase
	}
	if opts.UnreadOnly {
		var unread []*db.Notification
		for _, n := range m.notifications {
			if !n.Read {
				unread = append(unread, n)
			}
		}
		return unread, nil
	}
	return m.notifications, nil
}

func (m *MockStore) GetUnreadCount(_ context.Context, _ uuid.UUID) (int, error) {
	m.unreadCalled = true
	if m.shouldFail {
		return 0, errDatabase
	}
	return m.unread, nil
}

func (m *MockStore) MarkAsRead(_ context.Context, id uuid.UUID) error {
	m.markCalled = true
	if m.shouldFail {
		return errDatabase
	}
	for _, n := range m.notifications {
		if n.ID == id {
			n.Read = true
			return nil
		}
	}
	return errors.New("notification not found")
}

func (m *MockStore) MarkAllAsRead(_ context.Context, _ uuid.UUID) error {
	m.markAllCalled = true
	if m.shouldFail {
		return errDatabase
	}
	for _, n := range m.notifications {
		n.Read = true
	}
	return nil
}

func (m *MockStore) GetUserPreference(_ context.Context, _ uuid.UUID) (*db.Preference, error) {
	m.getPrefCalled = true
	if m.shouldFail {
		return nil, errDatabase
	}
	return m.pref, nil
}

func (m *MockStore) SavePreference(_ context.Context, pref *db.Preference) error {
	m.savePrefCalled = true
	if m.shouldFail {
		return errDatabase
	}
	m.savedPref = pref
	return nil
}

// MockPublisher is a fake orchestrator.
type MockPublisher struct {
	publishCalled bool
	lastEvent     dispatch.NotificationEvent
	err           error
}

func (m *MockPublisher) PublishEvent(_ context.Context, ev dispatch.NotificationEvent) error {
	m.publishCalled = true
	m.lastEvent = ev
	return m.err
}

// MockPresence fakes connection-manager stats.
type MockPresence struct {
	users, conns int
}

func (m *MockPresence) GetActiveUsersCount() int       { return m.users }
func (m *MockPresence) GetActiveConnectionsCount() int { return m.conns }

func newTestHandler(store *MockStore, pub *MockPublisher) *Handler {
	return NewHandler(zap.NewNop(), store, pub, &MockPresence{users: 2, conns: 3})
}

func newRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Get("/api/notifications/user/{userID}", h.ListNotifications)
	r.Get("/api/notifications/user/{userID}/unread", h.UnreadCount)
	r.Post("/api/notifications/read/{notificationID}", h.MarkRead)
	r.Post("/api/notifications/read-all/{userID}", h.MarkAllRead)
	r.Get("/api/notifications/preferences/{userID}", h.GetPreference)
	r.Post("/api/notifications/preferences/{userID}", h.SavePreference)
	r.Post("/api/notifications/send-event", h.SendEvent)
	r.Get("/health", h.Health)
	return r
}

func TestListNotifications(t *testing.T) {
	userID := uuid.New()
	store := &MockStore{notifications: []*db.Notification{
		{ID: uuid.New(), UserID: userID, Title: "one"},
		{ID: uuid.New(), UserID: userID, Title: "two", Read: true},
	}}
	router := newRouter(newTestHandler(store, &MockPublisher{}))

	req := httptest.NewRequest("GET", "/api/notifications/user/"+userID.String(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !store.listCalled {
		t.Error("store not called")
	}

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if body["count"].(float64) != 2 {
		t.Errorf("count = %v, want 2", body["count"])
	}
}

func TestListNotificationsUnreadOnly(t *testing.T) {
	userID := uuid.New()
	store := &MockStore{notifications: []*db.Notification{
		{ID: uuid.New(), UserID: userID, Title: "one"},
		{ID: uuid.New(), UserID: userID, Title: "two", Read: true},
	}}
	router := newRouter(newTestHandler(store, &MockPublisher{}))

	req := httptest.NewRequest("GET", "/api/notifications/user/"+userID.String()+"?unreadOnly=true", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["count"].(float64) != 1 {
		t.Errorf("count = %v, want 1", body["count"])
	}
}

func TestListNotificationsInvalidUserID(t *testing.T) {
	router := newRouter(newTestHandler(&MockStore{}, &MockPublisher{}))

	req := httptest.NewRequest("GET", "/api/notifications/user/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("content type = %s", ct)
	}
}

func TestUnreadCount(t *testing.T) {
	store := &MockStore{unread: 7}
	router := newRouter(newTestHandler(store, &MockPublisher{}))

	req := httptest.NewRequest("GET", "/api/notifications/user/"+uuid.NewString()+"/unread", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]int
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["unreadCount"] != 7 {
		t.Errorf("unreadCount = %d, want 7", body["unreadCount"])
	}
}

func TestMarkRead(t *testing.T) {
	notifID := uuid.New()
	store := &MockStore{notifications: []*db.Notification{{ID: notifID}}}
	router := newRouter(newTestHandler(store, &MockPublisher{}))

	req := httptest.NewRequest("POST", "/api/notifications/read/"+notifID.String(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !store.notifications[0].Read {
		t.Error("notification not marked read")
	}
}

func TestMarkReadUnknownNotification(t *testing.T) {
	router := newRouter(newTestHandler(&MockStore{}, &MockPublisher{}))

	req := httptest.NewRequest("POST", "/api/notifications/read/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestMarkAllRead(t *testing.T) {
	userID := uuid.New()
	store := &MockStore{notifications: []*db.Notification{
		{ID: uuid.New(), UserID: userID},
		{ID: uuid.New(), UserID: userID},
	}}
	router := newRouter(newTestHandler(store, &MockPublisher{}))

	req := httptest.NewRequest("POST", "/api/notifications/read-all/"+userID.String(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !store.markAllCalled {
		t.Error("store not called")
	}
}

func TestGetPreference(t *testing.T) {
	userID := uuid.New()
	store := &MockStore{pref: &db.Preference{
		UserID:   userID,
		Channels: []db.Channel{db.ChannelEmail},
	}}
	router := newRouter(newTestHandler(store, &MockPublisher{}))

	req := httptest.NewRequest("GET", "/api/notifications/preferences/"+userID.String(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var pref db.Preference
	json.Unmarshal(rec.Body.Bytes(), &pref)
	if len(pref.Channels) != 1 || pref.Channels[0] != db.ChannelEmail {
		t.Errorf("channels = %v", pref.Channels)
	}
}

func TestGetPreferenceDefaultsWhenMissing(t *testing.T) {
	router := newRouter(newTestHandler(&MockStore{}, &MockPublisher{}))

	req := httptest.NewRequest("GET", "/api/notifications/preferences/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var pref db.Preference
	json.Unmarshal(rec.Body.Bytes(), &pref)
	if len(pref.Channels) != 0 {
		t.Errorf("expected empty default channels, got %v", pref.Channels)
	}
}

func TestSavePreference(t *testing.T) {
	userID := uuid.New()
	store := &MockStore{}
	router := newRouter(newTestHandler(store, &MockPublisher{}))

	body := bytes.NewBufferString(`{"channels":["email","sms"]}`)
	req := httptest.NewRequest("POST", "/api/notifications/preferences/"+userID.String(), body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if store.savedPref == nil || len(store.savedPref.Channels) != 2 {
		t.Errorf("saved preference = %+v", store.savedPref)
	}
}

func TestSavePreferenceRejectsUnknownChannel(t *testing.T) {
	store := &MockStore{}
	router := newRouter(newTestHandler(store, &MockPublisher{}))

	body := bytes.NewBufferString(`{"channels":["fax"]}`)
	req := httptest.NewRequest("POST", "/api/notifications/preferences/"+uuid.NewString(), body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if store.savePrefCalled {
		t.Error("invalid preference must not be saved")
	}
}

func TestSendEvent(t *testing.T) {
	pub := &MockPublisher{}
	router := newRouter(newTestHandler(&MockStore{}, pub))

	userID := uuid.New()
	body := bytes.NewBufferString(`{"eventType":"welcome_signup","userID":"` + userID.String() + `","payload":{"name":"Ada"}}`)
	req := httptest.NewRequest("POST", "/api/notifications/send-event", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if !pub.publishCalled {
		t.Fatal("publisher not called")
	}
	if pub.lastEvent.EventType != "welcome_signup" || pub.lastEvent.UserID != userID {
		t.Errorf("unexpected event: %+v", pub.lastEvent)
	}
	if pub.lastEvent.Payload["name"] != "Ada" {
		t.Errorf("payload not carried: %v", pub.lastEvent.Payload)
	}
}

func TestSendEventMissingFields(t *testing.T) {
	pub := &MockPublisher{}
	router := newRouter(newTestHandler(&MockStore{}, pub))

	body := bytes.NewBufferString(`{"payload":{}}`)
	req := httptest.NewRequest("POST", "/api/notifications/send-event", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if pub.publishCalled {
		t.Error("publisher must not be called")
	}
}

func TestSendEventUnknownEvent(t *testing.T) {
	pub := &MockPublisher{err: apperr.New(apperr.KindNotFound, "event not found: bogus")}
	router := newRouter(newTestHandler(&MockStore{}, pub))

	body := bytes.NewBufferString(`{"eventType":"bogus","userID":"` + uuid.NewString() + `","payload":{}}`)
	req := httptest.NewRequest("POST", "/api/notifications/send-event", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404: %s", rec.Code, rec.Body.String())
	}
}

func TestSendEventValidationError(t *testing.T) {
	pub := &MockPublisher{err: apperr.New(apperr.KindValidation, "missing required template variables: name")}
	router := newRouter(newTestHandler(&MockStore{}, pub))

	body := bytes.NewBufferString(`{"eventType":"welcome_signup","userID":"` + uuid.NewString() + `","payload":{}}`)
	req := httptest.NewRequest("POST", "/api/notifications/send-event", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestSendEventInternalError(t *testing.T) {
	pub := &MockPublisher{err: apperr.Wrap(apperr.KindInternal, errDatabase, "persist notification")}
	router := newRouter(newTestHandler(&MockStore{}, pub))

	body := bytes.NewBufferString(`{"eventType":"welcome_signup","userID":"` + uuid.NewString() + `","payload":{}}`)
	req := httptest.NewRequest("POST", "/api/notifications/send-event", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	// internal details must not leak
	var resp ErrorResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Detail != "" {
		t.Errorf("detail leaked: %q", resp.Detail)
	}
}

type mockEnqueuer struct {
	called bool
	err    error
}

func (m *mockEnqueuer) Enqueue(_ context.Context, _ dispatch.NotificationEvent) (string, error) {
	m.called = true
	return "msg-1", m.err
}

func TestSendEventAsyncIntake(t *testing.T) {
	pub := &MockPublisher{}
	enq := &mockEnqueuer{}
	h := newTestHandler(&MockStore{}, pub).WithEnqueuer(enq)
	router := newRouter(h)

	body := bytes.NewBufferString(`{"eventType":"welcome_signup","userID":"` + uuid.NewString() + `","payload":{}}`)
	req := httptest.NewRequest("POST", "/api/notifications/send-event", body)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if !enq.called {
		t.Error("enqueuer not called")
	}
	if pub.publishCalled {
		t.Error("synchronous publish must be skipped when enqueuer configured")
	}
}

func TestHealth(t *testing.T) {
	router := newRouter(newTestHandler(&MockStore{}, &MockPublisher{}))

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "ok" {
		t.Errorf("status = %v", body["status"])
	}
	if body["activeUsers"].(float64) != 2 || body["activeConnections"].(float64) != 3 {
		t.Errorf("presence stats = %v", body)
	}
}

func setupTestIdempotency(t *testing.T) (*redis.IdempotencyService, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}

	host, portStr, _ := net.SplitHostPort(mr.Addr())
	port, _ := strconv.Atoi(portStr)
	client, err := redis.New(context.Background(), redis.Config{Host: host, Port: port}, zap.NewNop())
	if err != nil {
		mr.Close()
		t.Fatalf("failed to connect to miniredis: %v", err)
	}

	return redis.NewIdempotencyService(client, zap.NewNop()), func() {
		client.Close()
		mr.Close()
	}
}

func TestSendEventIdempotencyReplay(t *testing.T) {
	svc, cleanup := setupTestIdempotency(t)
	defer cleanup()

	pub := &MockPublisher{}
	h := newTestHandler(&MockStore{}, pub).WithIdempotency(svc)
	router := newRouter(h)

	payload := `{"eventType":"welcome_signup","userID":"` + uuid.NewString() + `","payload":{}}`

	req := httptest.NewRequest("POST", "/api/notifications/send-event", bytes.NewBufferString(payload))
	req.Header.Set("Idempotency-Key", "key-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if !pub.publishCalled {
		t.Fatal("first request must publish")
	}

	pub.publishCalled = false
	req = httptest.NewRequest("POST", "/api/notifications/send-event", bytes.NewBufferString(payload))
	req.Header.Set("Idempotency-Key", "key-1")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("replay status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-Idempotency-Replayed") != "true" {
		t.Error("missing replay header")
	}
	if pub.publishCalled {
		t.Error("replayed request must not publish again")
	}
}
