package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dukerupert/nightwatch/internal/model"
	"github.com/dukerupert/nightwatch/internal/store"
)

// ErrPermanent marks a delivery failure that retrying cannot fix. Senders
// wrap it; the dispatcher fails such messages without further attempts.
var ErrPermanent = errors.New("permanent delivery failure")

// BookingRef is the reference shared by every message about one booking.
func BookingRef(id int64) string {
	return fmt.Sprintf("booking:%d", id)
}

// NewMessage builds a pending message with a fresh id.
func NewMessage(msgType string, ch model.Channel, userID *int64, recipient, reference string, payload any, sendAt, now time.Time) (model.OutboxMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return model.OutboxMessage{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	if sendAt.IsZero() {
		sendAt = now
	}
	return model.OutboxMessage{
		ID:          uuid.NewString(),
		MessageType: msgType,
		Channel:     ch,
		Recipient:   recipient,
		Payload:     data,
		UserID:      userID,
		Reference:   reference,
		Status:      model.OutboxPending,
		SendAt:      sendAt.UTC(),
		CreatedAt:   now.UTC(),
	}, nil
}

// Push addresses a notification to every device of one user.
func Push(msgType string, userID int64, reference string, n model.Notification, sendAt, now time.Time) (model.OutboxMessage, error) {
	return NewMessage(msgType, model.ChannelPush, &userID, fmt.Sprintf("user:%d", userID), reference, n, sendAt, now)
}

// Email addresses a notification to one mailbox.
func Email(msgType string, userID int64, to, reference string, n model.Notification, now time.Time) (model.OutboxMessage, error) {
	return NewMessage(msgType, model.ChannelEmail, &userID, to, reference, n, now, now)
}

// Audit records a mutation for the audit log. An actorID of 0 is the
// system itself.
func Audit(actorID int64, action, entity string, entityID int64, details any, now time.Time) (model.OutboxMessage, error) {
	entry := model.AuditEntry{
		ActorID:  actorID,
		Action:   action,
		Entity:   entity,
		EntityID: entityID,
		Details:  details,
		At:       now.UTC(),
	}
	var userID *int64
	if actorID != 0 {
		userID = &actorID
	}
	ref := fmt.Sprintf("%s:%d", entity, entityID)
	return NewMessage(model.MsgAudit, model.ChannelAudit, userID, "audit", ref, entry, now, now)
}

// Enqueue writes messages through db, normally the caller's transaction, so
// they commit or roll back with the change that produced them.
func Enqueue(db store.DBTX, msgs ...model.OutboxMessage) error {
	obx := store.NewOutboxStore(db)
	for _, m := range msgs {
		if err := obx.Insert(m); err != nil {
			return err
		}
	}
	return nil
}

// Queue is the dispatcher's view of durable storage.
type Queue interface {
	Dequeue(ctx context.Context, batchSize int) ([]model.OutboxMessage, error)
	MarkSent(ctx context.Context, id string) error
	MarkRetry(ctx context.Context, id string, retryCount int, next time.Time, lastErr string) error
	MarkFailed(ctx context.Context, id string, retryCount int, lastErr string) error
}

// StoreQueue is the SQLite-backed Queue. Dequeue does not claim rows, so
// exactly one dispatcher may drain a database.
type StoreQueue struct {
	store *store.OutboxStore
	now   func() time.Time
}

func NewStoreQueue(db *sql.DB) *StoreQueue {
	return &StoreQueue{store: store.NewOutboxStore(db), now: time.Now}
}

// SetClock overrides the time source.
func (q *StoreQueue) SetClock(now func() time.Time) {
	q.now = now
}

func (q *StoreQueue) Dequeue(ctx context.Context, batchSize int) ([]model.OutboxMessage, error) {
	return q.store.ListDue(q.now(), batchSize)
}

func (q *StoreQueue) MarkSent(ctx context.Context, id string) error {
	return q.store.MarkSent(id, q.now())
}

func (q *StoreQueue) MarkRetry(ctx context.Context, id string, retryCount int, next time.Time, lastErr string) error {
	return q.store.MarkRetry(id, retryCount, next, lastErr)
}

func (q *StoreQueue) MarkFailed(ctx context.Context, id string, retryCount int, lastErr string) error {
	return q.store.MarkFailed(id, retryCount, lastErr)
}
