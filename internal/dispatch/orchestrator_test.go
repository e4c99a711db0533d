package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/beaconhq/beacon/internal/apperr"
	"github.com/beaconhq/beacon/internal/db"
	"github.com/beaconhq/beacon/internal/event"
	"github.com/beaconhq/beacon/internal/provider"
	"github.com/beaconhq/beacon/internal/template"
)

type mockStore struct {
	user *db.User
	pref *db.Preference

	getUserErr error
	getPrefErr error
	createErr  error

	createdNotifs  []*db.Notification
	savedPrefs     []*db.Preference
	statuses       []*db.DeliveryStatus
	upsertCalled   int
	createCalled   int
	savePrefCalled int
}

func (m *mockStore) GetUser(_ context.Context, _ uuid.UUID) (*db.User, error) {
	return m.user, m.getUserErr
}

func (m *mockStore) GetUserPreference(_ context.Context, _ uuid.UUID) (*db.Preference, error) {
	return m.pref, m.getPrefErr
}

func (m *mockStore) SavePreference(_ context.Context, pref *db.Preference) error {
	m.savePrefCalled++
	m.savedPrefs = append(m.savedPrefs, pref)
	return nil
}

func (m *mockStore) CreateNotification(_ context.Context, notif *db.Notification) error {
	m.createCalled++
	if m.createErr != nil {
		return m.createErr
	}
	notif.ID = uuid.New()
	m.createdNotifs = append(m.createdNotifs, notif)
	return nil
}

func (m *mockStore) UpsertDeliveryStatus(_ context.Context, status *db.DeliveryStatus) error {
	m.upsertCalled++
	m.statuses = append(m.statuses, status)
	return nil
}

func (m *mockStore) statusFor(channel db.Channel) *db.DeliveryStatus {
	for _, s := range m.statuses {
		if s.Channel == channel {
			return s
		}
	}
	return nil
}

type mockPresence struct {
	connected bool
	queries   int
}

func (m *mockPresence) IsUserConnected(_ uuid.UUID) bool {
	m.queries++
	return m.connected
}

type mockProvider struct {
	name    string
	channel db.Channel
	sendErr error

	sent     int
	lastUser *db.User
	lastBody string
}

func (m *mockProvider) Name() string        { return m.name }
func (m *mockProvider) Channel() db.Channel { return m.channel }

func (m *mockProvider) Send(_ context.Context, user *db.User, content string, _ provider.Meta) error {
	m.sent++
	m.lastUser = user
	m.lastBody = content
	return m.sendErr
}

func testEvents(t *testing.T) *event.Registry {
	t.Helper()
	reg, err := event.NewRegistry([]event.Config{
		{
			Slug:        "order_shipped",
			Title:       "Order shipped",
			Category:    event.CategoryActivity,
			MessageType: event.TypeInfo,
			Templates: map[db.Channel]string{
				db.ChannelInApp: "order_shipped",
				db.ChannelEmail: "order_shipped",
				db.ChannelSMS:   "order_shipped",
			},
			ActionButtons: []db.ActionButton{
				{Type: "redirect", Label: "Track", Route: "/orders"},
			},
		},
		{
			Slug:  "invoice_ready",
			Title: "Invoice ready",
			Templates: map[db.Channel]string{
				db.ChannelEmail: "invoice_ready",
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func testTemplates() template.MapSource {
	return template.MapSource{
		"in-app/order_shipped": "Your order {{order_id}} is on its way",
		"email/order_shipped":  "Hi {{name}}, order {{order_id}} shipped.",
		"sms/order_shipped":    "Order {{order_id}} shipped.",
		"email/invoice_ready":  "Invoice {{invoice_id}} is ready.",
	}
}

type fixture struct {
	orch     *Orchestrator
	store    *mockStore
	presence *mockPresence
	email    *mockProvider
	sms      *mockProvider
	userID   uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	userID := uuid.New()
	store := &mockStore{
		user: &db.User{ID: userID, Email: "a@example.com", Phone: "+15550001111"},
		pref: &db.Preference{UserID: userID, Channels: []db.Channel{db.ChannelEmail, db.ChannelSMS}},
	}
	presence := &mockPresence{connected: true}
	email := &mockProvider{name: "ses", channel: db.ChannelEmail}
	sms := &mockProvider{name: "sns", channel: db.ChannelSMS}

	providers := provider.NewRegistry()
	providers.Register(email)
	providers.Register(sms)

	orch := NewOrchestrator(
		testEvents(t),
		testTemplates(),
		providers,
		store,
		presence,
		map[db.Channel]string{db.ChannelEmail: "ses", db.ChannelSMS: "sns"},
		zap.NewNop(),
	)

	return &fixture{orch: orch, store: store, presence: presence, email: email, sms: sms, userID: userID}
}

func fullPayload() map[string]any {
	return map[string]any{"name": "Ada", "order_id": "A-100"}
}

func TestPublishEventUnknownSlug(t *testing.T) {
	f := newFixture(t)

	err := f.orch.PublishEvent(context.Background(), NotificationEvent{
		EventType: "no_such_event", UserID: f.userID, Payload: fullPayload(),
	})

	if !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if f.store.createCalled != 0 || f.email.sent != 0 {
		t.Error("no side effects expected for unknown event")
	}
}

func TestPublishEventUnknownUser(t *testing.T) {
	f := newFixture(t)
	f.store.user = nil

	err := f.orch.PublishEvent(context.Background(), NotificationEvent{
		EventType: "order_shipped", UserID: f.userID, Payload: fullPayload(),
	})

	if !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if f.store.createCalled != 0 || f.email.sent != 0 {
		t.Error("no side effects expected for unknown user")
	}
}

func TestPublishEventHappyPath(t *testing.T) {
	f := newFixture(t)

	err := f.orch.PublishEvent(context.Background(), NotificationEvent{
		EventType: "order_shipped", UserID: f.userID, Payload: fullPayload(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if f.store.createCalled != 1 {
		t.Errorf("notifications created = %d, want 1", f.store.createCalled)
	}
	notif := f.store.createdNotifs[0]
	if notif.Content != "Your order A-100 is on its way" {
		t.Errorf("unexpected in-app content: %q", notif.Content)
	}
	if notif.Title != "Order shipped" {
		t.Errorf("unexpected title: %q", notif.Title)
	}
	if len(notif.Action) != 1 || notif.Action[0].Label != "Track" {
		t.Errorf("action buttons not carried: %+v", notif.Action)
	}

	if f.presence.queries != 1 {
		t.Errorf("presence queried %d times, want 1", f.presence.queries)
	}

	if f.email.sent != 1 || f.sms.sent != 1 {
		t.Errorf("providers sent email=%d sms=%d, want 1 each", f.email.sent, f.sms.sent)
	}
	if f.email.lastBody != "Hi Ada, order A-100 shipped." {
		t.Errorf("unexpected email body: %q", f.email.lastBody)
	}

	// one status per channel: in-app + email + sms
	if len(f.store.statuses) != 3 {
		t.Fatalf("statuses = %d, want 3", len(f.store.statuses))
	}
	if s := f.store.statusFor(db.ChannelInApp); s == nil || s.Status != db.StatusDelivered || s.Provider != "socket" {
		t.Errorf("in-app status = %+v", s)
	}
	if s := f.store.statusFor(db.ChannelEmail); s == nil || s.Status != db.StatusSent {
		t.Errorf("email status = %+v", s)
	}
	if s := f.store.statusFor(db.ChannelSMS); s == nil || s.Status != db.StatusSent {
		t.Errorf("sms status = %+v", s)
	}
}

func TestPublishEventInAppPendingWhenOffline(t *testing.T) {
	f := newFixture(t)
	f.presence.connected = false

	err := f.orch.PublishEvent(context.Background(), NotificationEvent{
		EventType: "order_shipped", UserID: f.userID, Payload: fullPayload(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s := f.store.statusFor(db.ChannelInApp)
	if s == nil || s.Status != db.StatusPending {
		t.Fatalf("in-app status = %+v, want pending", s)
	}
	if s.NotificationID == nil {
		t.Error("in-app status must reference the notification")
	}
}

func TestPublishEventInAppValidationAbortsAll(t *testing.T) {
	f := newFixture(t)

	err := f.orch.PublishEvent(context.Background(), NotificationEvent{
		EventType: "order_shipped", UserID: f.userID,
		Payload: map[string]any{"name": "Ada"}, // missing order_id
	})

	if !apperr.IsKind(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if f.store.createCalled != 0 {
		t.Error("nothing should be persisted")
	}
	if f.email.sent != 0 || f.sms.sent != 0 {
		t.Error("no provider should be invoked")
	}
	if len(f.store.statuses) != 0 {
		t.Error("no status rows for aborted publish")
	}
}

func TestPublishEventChannelValidationIsolated(t *testing.T) {
	f := newFixture(t)

	// email template needs "name", in-app and sms only need order_id
	err := f.orch.PublishEvent(context.Background(), NotificationEvent{
		EventType: "order_shipped", UserID: f.userID,
		Payload: map[string]any{"order_id": "A-100"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if f.email.sent != 0 {
		t.Error("email provider must not be invoked on validation failure")
	}
	if f.sms.sent != 1 {
		t.Error("sms channel should be unaffected")
	}

	s := f.store.statusFor(db.ChannelEmail)
	if s == nil || s.Status != db.StatusFailed {
		t.Fatalf("email status = %+v, want failed", s)
	}
	errMsg, _ := s.Metadata["error"].(string)
	if !strings.Contains(errMsg, "name") {
		t.Errorf("failure metadata should name the missing variable, got %q", errMsg)
	}
}

func TestPublishEventProviderFailureIsolated(t *testing.T) {
	f := newFixture(t)
	f.email.sendErr = errors.New("ses unavailable")

	err := f.orch.PublishEvent(context.Background(), NotificationEvent{
		EventType: "order_shipped", UserID: f.userID, Payload: fullPayload(),
	})
	if err != nil {
		t.Fatalf("provider failures must not surface: %v", err)
	}

	if s := f.store.statusFor(db.ChannelEmail); s == nil || s.Status != db.StatusFailed {
		t.Errorf("email status = %+v, want failed", s)
	}
	if s := f.store.statusFor(db.ChannelSMS); s == nil || s.Status != db.StatusSent {
		t.Errorf("sms status = %+v, want sent", s)
	}
	if f.sms.sent != 1 {
		t.Error("sibling channel must still be dispatched")
	}
}

func TestPublishEventNoPreferenceCreatesDefault(t *testing.T) {
	f := newFixture(t)
	f.store.pref = nil

	err := f.orch.PublishEvent(context.Background(), NotificationEvent{
		EventType: "order_shipped", UserID: f.userID, Payload: fullPayload(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// in-app still runs, external channels do not
	if f.store.createCalled != 1 {
		t.Error("in-app notification should still be persisted")
	}
	if f.email.sent != 0 || f.sms.sent != 0 {
		t.Error("no external channel without a preference")
	}

	if f.store.savePrefCalled != 1 {
		t.Fatal("expected a default preference to be created")
	}
	if len(f.store.savedPrefs[0].Channels) != 0 {
		t.Errorf("default preference channels = %v, want empty", f.store.savedPrefs[0].Channels)
	}
}

func TestPublishEventDuplicatePreferenceChannelSendsOnce(t *testing.T) {
	f := newFixture(t)
	f.store.pref.Channels = []db.Channel{db.ChannelEmail, db.ChannelEmail}

	err := f.orch.PublishEvent(context.Background(), NotificationEvent{
		EventType: "order_shipped", UserID: f.userID, Payload: fullPayload(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if f.email.sent != 1 {
		t.Errorf("email sent %d times, want 1", f.email.sent)
	}
	var emailStatuses int
	for _, s := range f.store.statuses {
		if s.Channel == db.ChannelEmail {
			emailStatuses++
		}
	}
	if emailStatuses != 1 {
		t.Errorf("email status rows = %d, want 1", emailStatuses)
	}
}

func TestPublishEventSkipsChannelsWithoutTemplate(t *testing.T) {
	f := newFixture(t)
	// invoice_ready only has an email template; user also prefers sms
	err := f.orch.PublishEvent(context.Background(), NotificationEvent{
		EventType: "invoice_ready", UserID: f.userID,
		Payload: map[string]any{"invoice_id": "INV-9"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if f.sms.sent != 0 {
		t.Error("channel without a template must be skipped")
	}
	if f.store.statusFor(db.ChannelSMS) != nil {
		t.Error("skipped channel must not get a status row")
	}
	if f.store.statusFor(db.ChannelInApp) != nil {
		t.Error("event without in-app template must not persist a notification")
	}
	if s := f.store.statusFor(db.ChannelEmail); s == nil || s.Status != db.StatusSent {
		t.Errorf("email status = %+v, want sent", s)
	}
}

func TestPublishEventPersistFailureAborts(t *testing.T) {
	f := newFixture(t)
	f.store.createErr = errors.New("db down")

	err := f.orch.PublishEvent(context.Background(), NotificationEvent{
		EventType: "order_shipped", UserID: f.userID, Payload: fullPayload(),
	})

	if !apperr.IsKind(err, apperr.KindInternal) {
		t.Fatalf("expected internal error, got %v", err)
	}
	if f.email.sent != 0 || f.sms.sent != 0 {
		t.Error("external channels must not run after persist failure")
	}
}

func TestPublishEventMissingProviderRecordedFailed(t *testing.T) {
	f := newFixture(t)
	// registry without an sms provider
	providers := provider.NewRegistry()
	providers.Register(f.email)
	f.orch.providers = providers

	err := f.orch.PublishEvent(context.Background(), NotificationEvent{
		EventType: "order_shipped", UserID: f.userID, Payload: fullPayload(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if s := f.store.statusFor(db.ChannelSMS); s == nil || s.Status != db.StatusFailed {
		t.Errorf("sms status = %+v, want failed", s)
	}
	if s := f.store.statusFor(db.ChannelEmail); s == nil || s.Status != db.StatusSent {
		t.Errorf("email status = %+v, want sent", s)
	}
}
