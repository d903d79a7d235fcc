package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/nightwatch/internal/model"
)

type OutboxStore struct {
	db DBTX
}

func NewOutboxStore(db DBTX) *OutboxStore {
	return &OutboxStore{db: db}
}

func scanOutbox(scanner interface{ Scan(...any) error }) (*model.OutboxMessage, error) {
	var m model.OutboxMessage
	var payload string
	var userID sql.NullInt64
	var sentAt sql.NullTime

	err := scanner.Scan(
		&m.ID, &m.MessageType, &m.Channel, &m.Recipient, &payload, &userID,
		&m.Reference, &m.Status, &m.SendAt, &m.RetryCount, &m.LastError,
		&m.CreatedAt, &sentAt,
	)
	if err != nil {
		return nil, err
	}

	m.Payload = []byte(payload)
	if userID.Valid {
		m.UserID = &userID.Int64
	}
	if sentAt.Valid {
		t := sentAt.Time.UTC()
		m.SentAt = &t
	}
	m.SendAt = m.SendAt.UTC()
	return &m, nil
}

const outboxCols = `id, message_type, channel, recipient, payload, user_id, reference, status, send_at, retry_count, last_error, created_at, sent_at`

func (s *OutboxStore) Insert(m model.OutboxMessage) error {
	payload := string(m.Payload)
	if payload == "" {
		payload = "{}"
	}
	status := m.Status
	if status == "" {
		status = model.OutboxPending
	}
	_, err := s.db.Exec(
		`INSERT INTO outbox_messages (id, message_type, channel, recipient, payload, user_id, reference, status, send_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.MessageType, m.Channel, m.Recipient, payload, nullInt64(m.UserID),
		m.Reference, status, ts(m.SendAt), ts(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert outbox message: %w", err)
	}
	return nil
}

func (s *OutboxStore) GetByID(id string) (*model.OutboxMessage, error) {
	row := s.db.QueryRow(`SELECT `+outboxCols+` FROM outbox_messages WHERE id = ?`, id)
	m, err := scanOutbox(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get outbox message: %w", err)
	}
	return m, nil
}

// ListDue returns pending messages with send_at <= now, oldest first.
func (s *OutboxStore) ListDue(now time.Time, limit int) ([]model.OutboxMessage, error) {
	rows, err := s.db.Query(
		`SELECT `+outboxCols+` FROM outbox_messages
		 WHERE status = ? AND send_at <= ?
		 ORDER BY send_at ASC, created_at ASC LIMIT ?`,
		model.OutboxPending, ts(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list due outbox messages: %w", err)
	}
	defer rows.Close()
	return collectOutbox(rows)
}

func (s *OutboxStore) ListByReference(reference string) ([]model.OutboxMessage, error) {
	rows, err := s.db.Query(
		`SELECT `+outboxCols+` FROM outbox_messages WHERE reference = ? ORDER BY created_at ASC, send_at ASC`,
		reference,
	)
	if err != nil {
		return nil, fmt.Errorf("list outbox messages by reference: %w", err)
	}
	defer rows.Close()
	return collectOutbox(rows)
}

func (s *OutboxStore) ListByStatus(status model.OutboxStatus, limit int) ([]model.OutboxMessage, error) {
	rows, err := s.db.Query(
		`SELECT `+outboxCols+` FROM outbox_messages WHERE status = ? ORDER BY created_at DESC LIMIT ?`,
		status, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list outbox messages by status: %w", err)
	}
	defer rows.Close()
	return collectOutbox(rows)
}

func (s *OutboxStore) MarkSent(id string, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE outbox_messages SET status = ?, sent_at = ?, last_error = '' WHERE id = ?`,
		model.OutboxSent, ts(at), id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox sent: %w", err)
	}
	return nil
}

// MarkRetry keeps the message pending and pushes send_at out to next.
func (s *OutboxStore) MarkRetry(id string, retryCount int, next time.Time, lastErr string) error {
	_, err := s.db.Exec(
		`UPDATE outbox_messages SET retry_count = ?, send_at = ?, last_error = ? WHERE id = ?`,
		retryCount, ts(next), lastErr, id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox retry: %w", err)
	}
	return nil
}

func (s *OutboxStore) MarkFailed(id string, retryCount int, lastErr string) error {
	_, err := s.db.Exec(
		`UPDATE outbox_messages SET status = ?, retry_count = ?, last_error = ? WHERE id = ?`,
		model.OutboxFailed, retryCount, lastErr, id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox failed: %w", err)
	}
	return nil
}

// DeletePending removes unsent messages of one type for a reference.
func (s *OutboxStore) DeletePending(reference, messageType string) (int64, error) {
	result, err := s.db.Exec(
		`DELETE FROM outbox_messages WHERE reference = ? AND message_type = ? AND status = ?`,
		reference, messageType, model.OutboxPending,
	)
	if err != nil {
		return 0, fmt.Errorf("delete pending outbox messages: %w", err)
	}
	return result.RowsAffected()
}

// DeleteSentBefore removes delivered messages older than before.
func (s *OutboxStore) DeleteSentBefore(before time.Time) (int64, error) {
	result, err := s.db.Exec(
		`DELETE FROM outbox_messages WHERE status = ? AND sent_at < ?`,
		model.OutboxSent, ts(before),
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup sent outbox messages: %w", err)
	}
	return result.RowsAffected()
}

func collectOutbox(rows *sql.Rows) ([]model.OutboxMessage, error) {
	var msgs []model.OutboxMessage
	for rows.Next() {
		m, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}
