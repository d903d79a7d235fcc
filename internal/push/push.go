package push

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/dukerupert/nightwatch/internal/model"
	"github.com/dukerupert/nightwatch/internal/outbox"
	"github.com/dukerupert/nightwatch/internal/store"
)

// ErrExpired is returned when a push subscription is no longer valid (410 Gone).
var ErrExpired = errors.New("push subscription expired")

// Config holds VAPID configuration.
type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subject         string
}

// Service handles sending web push notifications.
type Service struct {
	cfg    Config
	client webpush.HTTPClient
}

// NewService creates a new push service with VAPID keys.
func NewService(cfg Config) *Service {
	if cfg.Subject == "" {
		cfg.Subject = "mailto:noreply@nightwatch.local"
	}
	return &Service{cfg: cfg, client: http.DefaultClient}
}

// SetHTTPClient overrides the client used to reach push services.
func (s *Service) SetHTTPClient(c webpush.HTTPClient) {
	s.client = c
}

// VAPIDPublicKey returns the VAPID public key for client-side subscription.
func (s *Service) VAPIDPublicKey() string {
	return s.cfg.VAPIDPublicKey
}

// Enabled reports whether VAPID keys are configured.
func (s *Service) Enabled() bool {
	return s.cfg.VAPIDPublicKey != "" && s.cfg.VAPIDPrivateKey != ""
}

// Send sends a push notification to a subscription.
func (s *Service) Send(ctx context.Context, sub *model.PushSubscription, n model.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	resp, err := webpush.SendNotificationWithContext(ctx, data, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dhKey,
			Auth:   sub.AuthKey,
		},
	}, &webpush.Options{
		HTTPClient:      s.client,
		VAPIDPublicKey:  s.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: s.cfg.VAPIDPrivateKey,
		Subscriber:      s.cfg.Subject,
		TTL:             86400,
	})
	if err != nil {
		return fmt.Errorf("send push: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		return ErrExpired
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("push service returned %d", resp.StatusCode)
	}

	return nil
}

// Sender delivers outbox push messages to every device of the addressed
// user. Expired subscriptions are removed as they are found.
type Sender struct {
	service *Service
	subs    *store.PushStore
	logger  *slog.Logger
}

func NewSender(service *Service, subs *store.PushStore, logger *slog.Logger) *Sender {
	return &Sender{service: service, subs: subs, logger: logger}
}

func (s *Sender) Send(ctx context.Context, msg model.OutboxMessage) error {
	if !s.service.Enabled() {
		return fmt.Errorf("%w: push is not configured", outbox.ErrPermanent)
	}
	if msg.UserID == nil {
		return fmt.Errorf("%w: push message has no user", outbox.ErrPermanent)
	}
	var n model.Notification
	if err := json.Unmarshal(msg.Payload, &n); err != nil {
		return fmt.Errorf("%w: decode notification: %v", outbox.ErrPermanent, err)
	}

	subs, err := s.subs.ListByUser(*msg.UserID)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return fmt.Errorf("%w: user %d has no push subscriptions", outbox.ErrPermanent, *msg.UserID)
	}

	var delivered, expired int
	var lastErr error
	for i := range subs {
		err := s.service.Send(ctx, &subs[i], n)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrExpired):
			expired++
			if err := s.subs.DeleteByEndpoint(subs[i].Endpoint); err != nil {
				s.logger.Error("delete expired subscription", "endpoint", subs[i].Endpoint, "error", err)
			}
		default:
			lastErr = err
			s.logger.Warn("push delivery failed", "user_id", *msg.UserID, "subscription_id", subs[i].ID, "error", err)
		}
	}

	if delivered > 0 {
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return fmt.Errorf("%w: all %d subscriptions expired", outbox.ErrPermanent, expired)
}

// GenerateVAPIDKeys generates a new ECDSA P-256 key pair for VAPID.
func GenerateVAPIDKeys() (publicKey, privateKey string, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate ECDSA key: %w", err)
	}

	pubBytes := elliptic.Marshal(elliptic.P256(), key.PublicKey.X, key.PublicKey.Y)
	publicKey = base64.RawURLEncoding.EncodeToString(pubBytes)
	privateKey = base64.RawURLEncoding.EncodeToString(key.D.Bytes())

	return publicKey, privateKey, nil
}
