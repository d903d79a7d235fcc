package store

import (
	"database/sql"
	"fmt"

	"github.com/dukerupert/nightwatch/internal/model"
)

// PointsStore is the append-only points ledger.
type PointsStore struct {
	db DBTX
}

func NewPointsStore(db DBTX) *PointsStore {
	return &PointsStore{db: db}
}

func scanPoints(scanner interface{ Scan(...any) error }) (*model.PointsEntry, error) {
	var e model.PointsEntry
	var bookingID sql.NullInt64

	err := scanner.Scan(&e.ID, &e.UserID, &bookingID, &e.PointsAwarded, &e.Reason, &e.Multiplier, &e.CreatedAt)
	if err != nil {
		return nil, err
	}

	if bookingID.Valid {
		e.BookingID = &bookingID.Int64
	}
	return &e, nil
}

const pointsCols = `id, user_id, booking_id, points_awarded, reason, multiplier, created_at`

// weightedSum must round exactly like model.PointsEntry.Weighted.
const weightedSum = `COALESCE(SUM(CAST(ROUND(points_awarded * multiplier) AS INTEGER)), 0)`

func (s *PointsStore) Append(e model.PointsEntry) (*model.PointsEntry, error) {
	if e.Multiplier == 0 {
		e.Multiplier = 1
	}
	result, err := s.db.Exec(
		`INSERT INTO points_history (user_id, booking_id, points_awarded, reason, multiplier, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.UserID, nullInt64(e.BookingID), e.PointsAwarded, e.Reason, e.Multiplier, ts(e.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert points entry: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}

	row := s.db.QueryRow(`SELECT `+pointsCols+` FROM points_history WHERE id = ?`, id)
	return scanPoints(row)
}

// ListByUser returns newest entries first.
func (s *PointsStore) ListByUser(userID int64, limit, offset int) ([]model.PointsEntry, error) {
	rows, err := s.db.Query(
		`SELECT `+pointsCols+` FROM points_history WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		userID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list points history: %w", err)
	}
	defer rows.Close()
	return collectPoints(rows)
}

func (s *PointsStore) ListByBooking(bookingID int64) ([]model.PointsEntry, error) {
	rows, err := s.db.Query(
		`SELECT `+pointsCols+` FROM points_history WHERE booking_id = ? ORDER BY id ASC`,
		bookingID,
	)
	if err != nil {
		return nil, fmt.Errorf("list points by booking: %w", err)
	}
	defer rows.Close()
	return collectPoints(rows)
}

// Total is the multiplier-weighted sum of the user's ledger.
func (s *PointsStore) Total(userID int64) (int, error) {
	var total int
	err := s.db.QueryRow(
		`SELECT `+weightedSum+` FROM points_history WHERE user_id = ?`, userID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum points: %w", err)
	}
	return total, nil
}

// Totals returns the weighted ledger sum for every user with entries.
func (s *PointsStore) Totals() (map[int64]int, error) {
	rows, err := s.db.Query(`SELECT user_id, ` + weightedSum + ` FROM points_history GROUP BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("sum points by user: %w", err)
	}
	defer rows.Close()

	totals := make(map[int64]int)
	for rows.Next() {
		var userID int64
		var total int
		if err := rows.Scan(&userID, &total); err != nil {
			return nil, fmt.Errorf("scan points total: %w", err)
		}
		totals[userID] = total
	}
	return totals, rows.Err()
}

func collectPoints(rows *sql.Rows) ([]model.PointsEntry, error) {
	var entries []model.PointsEntry
	for rows.Next() {
		e, err := scanPoints(rows)
		if err != nil {
			return nil, fmt.Errorf("scan points entry: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}
