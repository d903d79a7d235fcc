package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dukerupert/nightwatch/internal/model"
)

// AuditSender hands audit entries to the audit log, here a dedicated
// structured logger.
type AuditSender struct {
	logger *slog.Logger
}

func NewAuditSender(logger *slog.Logger) *AuditSender {
	return &AuditSender{logger: logger}
}

func (s *AuditSender) Send(ctx context.Context, msg model.OutboxMessage) error {
	var entry model.AuditEntry
	if err := json.Unmarshal(msg.Payload, &entry); err != nil {
		return fmt.Errorf("%w: decode audit entry: %v", ErrPermanent, err)
	}
	s.logger.InfoContext(ctx, "audit",
		"actor_id", entry.ActorID,
		"action", entry.Action,
		"entity", entry.Entity,
		"entity_id", entry.EntityID,
		"at", entry.At,
		"message_id", msg.ID,
	)
	return nil
}
