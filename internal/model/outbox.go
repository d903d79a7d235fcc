package model

import (
	"encoding/json"
	"time"
)

type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelEmail Channel = "email"
	ChannelAudit Channel = "audit"
)

type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	OutboxFailed  OutboxStatus = "failed"
)

// Message type constants
const (
	MsgBookingConfirmed    = "booking_confirmed"
	MsgBookingCancelled    = "booking_cancelled"
	MsgBookingReassigned   = "booking_reassigned"
	MsgShiftReminder       = "shift_reminder"
	MsgAchievementUnlocked = "achievement_unlocked"
	MsgAudit               = "audit"
)

type OutboxMessage struct {
	ID          string          `json:"id"`
	MessageType string          `json:"message_type"`
	Channel     Channel         `json:"channel"`
	Recipient   string          `json:"recipient"`
	Payload     json.RawMessage `json:"payload"`
	UserID      *int64          `json:"user_id,omitempty"`
	Reference   string          `json:"reference,omitempty"`
	Status      OutboxStatus    `json:"status"`
	SendAt      time.Time       `json:"send_at"`
	RetryCount  int             `json:"retry_count"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	SentAt      *time.Time      `json:"sent_at,omitempty"`
}

// Notification is the payload of push and email messages.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
	Tag   string `json:"tag,omitempty"`
}

// AuditEntry is the payload of audit messages.
type AuditEntry struct {
	ActorID  int64     `json:"actor_id"`
	Action   string    `json:"action"`
	Entity   string    `json:"entity"`
	EntityID int64     `json:"entity_id"`
	Details  any       `json:"details,omitempty"`
	At       time.Time `json:"at"`
}
