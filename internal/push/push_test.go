package push

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/dukerupert/nightwatch/internal/database"
	"github.com/dukerupert/nightwatch/internal/model"
	"github.com/dukerupert/nightwatch/internal/outbox"
	"github.com/dukerupert/nightwatch/internal/store"
)

func TestGenerateVAPIDKeys(t *testing.T) {
	pub, priv, err := GenerateVAPIDKeys()
	if err != nil {
		t.Fatalf("generate VAPID keys: %v", err)
	}

	if pub == "" {
		t.Error("expected non-empty public key")
	}
	if priv == "" {
		t.Error("expected non-empty private key")
	}

	// Public key should be base64url-encoded, 65 bytes uncompressed P-256 point
	pubBytes, err := base64.RawURLEncoding.DecodeString(pub)
	if err != nil {
		t.Fatalf("decode public key: %v", err)
	}
	if len(pubBytes) != 65 {
		t.Errorf("public key length = %d, want 65", len(pubBytes))
	}

	// Private key should be base64url-encoded, 32 bytes P-256 scalar
	privBytes, err := base64.RawURLEncoding.DecodeString(priv)
	if err != nil {
		t.Fatalf("decode private key: %v", err)
	}
	if len(privBytes) != 32 {
		t.Errorf("private key length = %d, want 32", len(privBytes))
	}

	pub2, _, _ := GenerateVAPIDKeys()
	if pub == pub2 {
		t.Error("expected different keys on second generation")
	}
}

// fakePushService answers each endpoint with a fixed status.
type fakePushService struct {
	status map[string]int
	calls  []string
}

func (f *fakePushService) Do(req *http.Request) (*http.Response, error) {
	endpoint := req.URL.String()
	f.calls = append(f.calls, endpoint)
	code, ok := f.status[endpoint]
	if !ok {
		code = http.StatusCreated
	}
	return &http.Response{StatusCode: code, Body: io.NopCloser(strings.NewReader(""))}, nil
}

type pushFixture struct {
	subs   *store.PushStore
	fake   *fakePushService
	sender *Sender
	userID int64
}

func setupSender(t *testing.T) *pushFixture {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	u, err := store.NewUserStore(db).Create("Ann", "ann@example.com", "")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	pub, priv, err := GenerateVAPIDKeys()
	if err != nil {
		t.Fatalf("generate VAPID keys: %v", err)
	}
	svc := NewService(Config{VAPIDPublicKey: pub, VAPIDPrivateKey: priv, Subject: "ops@example.com"})
	fake := &fakePushService{status: map[string]int{}}
	svc.SetHTTPClient(fake)

	subs := store.NewPushStore(db)
	return &pushFixture{
		subs:   subs,
		fake:   fake,
		sender: NewSender(svc, subs, slog.New(slog.DiscardHandler)),
		userID: u.ID,
	}
}

// subscribe registers a device with real client keys so payload encryption
// succeeds.
func (f *pushFixture) subscribe(t *testing.T, endpoint string) {
	t.Helper()
	p256dh, _, err := GenerateVAPIDKeys()
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	secret := make([]byte, 16)
	if _, err := rand.Read(secret); err != nil {
		t.Fatalf("auth secret: %v", err)
	}
	auth := base64.RawURLEncoding.EncodeToString(secret)
	if _, err := f.subs.CreateSubscription(f.userID, endpoint, p256dh, auth, "phone"); err != nil {
		t.Fatalf("create subscription: %v", err)
	}
}

func (f *pushFixture) message(t *testing.T) model.OutboxMessage {
	t.Helper()
	now := time.Date(2026, 2, 7, 12, 0, 0, 0, time.UTC)
	msg, err := outbox.Push(model.MsgBookingConfirmed, f.userID, outbox.BookingRef(1), model.Notification{
		Title: "Shift booked", Body: "Evening patrol", URL: "/bookings/mine",
	}, now, now)
	if err != nil {
		t.Fatalf("build message: %v", err)
	}
	return msg
}

func TestSenderDeliversToEveryDevice(t *testing.T) {
	f := setupSender(t)
	f.subscribe(t, "https://push.example.com/a")
	f.subscribe(t, "https://push.example.com/b")

	if err := f.sender.Send(context.Background(), f.message(t)); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(f.fake.calls) != 2 {
		t.Errorf("calls = %v, want 2", f.fake.calls)
	}
}

func TestSenderRemovesExpiredSubscriptions(t *testing.T) {
	f := setupSender(t)
	f.subscribe(t, "https://push.example.com/live")
	f.subscribe(t, "https://push.example.com/gone")
	f.fake.status["https://push.example.com/gone"] = http.StatusGone

	if err := f.sender.Send(context.Background(), f.message(t)); err != nil {
		t.Fatalf("send: %v", err)
	}

	subs, err := f.subs.ListByUser(f.userID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subs) != 1 || subs[0].Endpoint != "https://push.example.com/live" {
		t.Errorf("subscriptions = %+v, want only the live one", subs)
	}
}

func TestSenderPermanentFailures(t *testing.T) {
	f := setupSender(t)

	// No devices at all.
	if err := f.sender.Send(context.Background(), f.message(t)); !errors.Is(err, outbox.ErrPermanent) {
		t.Errorf("no subscriptions: err = %v, want ErrPermanent", err)
	}

	// Every device expired.
	f.subscribe(t, "https://push.example.com/gone")
	f.fake.status["https://push.example.com/gone"] = http.StatusGone
	if err := f.sender.Send(context.Background(), f.message(t)); !errors.Is(err, outbox.ErrPermanent) {
		t.Errorf("all expired: err = %v, want ErrPermanent", err)
	}

	msg := f.message(t)
	msg.Payload = []byte("not json")
	if err := f.sender.Send(context.Background(), msg); !errors.Is(err, outbox.ErrPermanent) {
		t.Errorf("bad payload: err = %v, want ErrPermanent", err)
	}
}

func TestSenderTransientFailureRetries(t *testing.T) {
	f := setupSender(t)
	f.subscribe(t, "https://push.example.com/down")
	f.fake.status["https://push.example.com/down"] = http.StatusServiceUnavailable

	err := f.sender.Send(context.Background(), f.message(t))
	if err == nil {
		t.Fatal("expected an error")
	}
	if errors.Is(err, outbox.ErrPermanent) {
		t.Errorf("err = %v, want a retryable error", err)
	}
}

func TestSenderNotConfigured(t *testing.T) {
	s := NewSender(NewService(Config{}), nil, slog.New(slog.DiscardHandler))
	userID := int64(1)
	err := s.Send(context.Background(), model.OutboxMessage{UserID: &userID, Payload: []byte(`{}`)})
	if !errors.Is(err, outbox.ErrPermanent) {
		t.Errorf("err = %v, want ErrPermanent", err)
	}
}
