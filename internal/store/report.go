package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/nightwatch/internal/model"
)

type ReportStore struct {
	db DBTX
}

func NewReportStore(db DBTX) *ReportStore {
	return &ReportStore{db: db}
}

func scanReport(scanner interface{ Scan(...any) error }) (*model.Report, error) {
	var r model.Report
	var bookingID, userID sql.NullInt64

	err := scanner.Scan(&r.ID, &bookingID, &userID, &r.Severity, &r.Summary, &r.CreatedAt)
	if err != nil {
		return nil, err
	}

	if bookingID.Valid {
		r.BookingID = &bookingID.Int64
	}
	if userID.Valid {
		r.UserID = &userID.Int64
	}
	return &r, nil
}

const reportCols = `id, booking_id, user_id, severity, summary, created_at`

// Create files a report. A second report for the same booking is a unique
// violation.
func (s *ReportStore) Create(bookingID, userID int64, severity model.Severity, summary string, at time.Time) (*model.Report, error) {
	result, err := s.db.Exec(
		`INSERT INTO reports (booking_id, user_id, severity, summary, created_at) VALUES (?, ?, ?, ?, ?)`,
		bookingID, userID, severity, summary, ts(at),
	)
	if err != nil {
		return nil, fmt.Errorf("insert report: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}

	row := s.db.QueryRow(`SELECT `+reportCols+` FROM reports WHERE id = ?`, id)
	return scanReport(row)
}

func (s *ReportStore) GetByBookingID(bookingID int64) (*model.Report, error) {
	row := s.db.QueryRow(`SELECT `+reportCols+` FROM reports WHERE booking_id = ?`, bookingID)
	r, err := scanReport(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get report by booking: %w", err)
	}
	return r, nil
}

// CountCompletionsSince counts reports filed on or after since against the
// user's checked-in bookings.
func (s *ReportStore) CountCompletionsSince(userID int64, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM reports r JOIN bookings b ON b.id = r.booking_id
		 WHERE b.user_id = ? AND b.checked_in_at IS NOT NULL AND r.created_at >= ?`,
		userID, ts(since),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count completions: %w", err)
	}
	return n, nil
}

// CompletionCounts returns completed shifts per user, for reconciliation.
func (s *ReportStore) CompletionCounts() (map[int64]int, error) {
	rows, err := s.db.Query(
		`SELECT b.user_id, COUNT(*) FROM reports r JOIN bookings b ON b.id = r.booking_id
		 WHERE b.checked_in_at IS NOT NULL GROUP BY b.user_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("completion counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[int64]int)
	for rows.Next() {
		var userID int64
		var n int
		if err := rows.Scan(&userID, &n); err != nil {
			return nil, fmt.Errorf("scan completion count: %w", err)
		}
		counts[userID] = n
	}
	return counts, rows.Err()
}
