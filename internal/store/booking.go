package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/nightwatch/internal/model"
)

type BookingStore struct {
	db DBTX
}

func NewBookingStore(db DBTX) *BookingStore {
	return &BookingStore{db: db}
}

func scanBooking(scanner interface{ Scan(...any) error }, extra ...any) (*model.Booking, error) {
	var b model.Booking
	var buddyName sql.NullString
	var buddyUserID sql.NullInt64
	var checkedInAt sql.NullTime
	var early int

	dest := []any{
		&b.ID, &b.UserID, &b.ScheduleID, &b.ShiftStart, &b.ShiftEnd,
		&buddyName, &buddyUserID, &checkedInAt, &early, &b.CreatedAt,
	}
	if err := scanner.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	if buddyName.Valid {
		b.BuddyName = &buddyName.String
	}
	if buddyUserID.Valid {
		b.BuddyUserID = &buddyUserID.Int64
	}
	if checkedInAt.Valid {
		t := checkedInAt.Time.UTC()
		b.CheckedInAt = &t
	}
	b.EarlyCheckIn = early != 0
	b.ShiftStart = b.ShiftStart.UTC()
	b.ShiftEnd = b.ShiftEnd.UTC()
	return &b, nil
}

func scanBookingDetail(scanner interface{ Scan(...any) error }) (*model.BookingWithSchedule, error) {
	var d model.BookingWithSchedule
	var completed int
	b, err := scanBooking(scanner, &d.ScheduleName, &d.Timezone, &completed)
	if err != nil {
		return nil, err
	}
	d.Booking = *b
	d.Completed = completed != 0
	return &d, nil
}

const bookingCols = `id, user_id, schedule_id, shift_start, shift_end, buddy_name, buddy_user_id, checked_in_at, early_check_in, created_at`

const bookingDetailSelect = `SELECT b.id, b.user_id, b.schedule_id, b.shift_start, b.shift_end, b.buddy_name, b.buddy_user_id,
	b.checked_in_at, b.early_check_in, b.created_at,
	s.name, s.timezone, EXISTS (SELECT 1 FROM reports r WHERE r.booking_id = b.id)
	FROM bookings b JOIN schedules s ON s.id = b.schedule_id`

// Create inserts a booking. A taken slot surfaces as a unique violation
// (see IsUniqueViolation).
func (s *BookingStore) Create(b model.Booking) (*model.Booking, error) {
	result, err := s.db.Exec(
		`INSERT INTO bookings (user_id, schedule_id, shift_start, shift_end, buddy_name, buddy_user_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.UserID, b.ScheduleID, ts(b.ShiftStart), ts(b.ShiftEnd),
		nullString(b.BuddyName), nullInt64(b.BuddyUserID), ts(b.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert booking: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

func (s *BookingStore) GetByID(id int64) (*model.Booking, error) {
	row := s.db.QueryRow(`SELECT `+bookingCols+` FROM bookings WHERE id = ?`, id)
	b, err := scanBooking(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get booking: %w", err)
	}
	return b, nil
}

func (s *BookingStore) GetDetail(id int64) (*model.BookingWithSchedule, error) {
	row := s.db.QueryRow(bookingDetailSelect+` WHERE b.id = ?`, id)
	d, err := scanBookingDetail(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get booking detail: %w", err)
	}
	return d, nil
}

// ListBySchedule returns bookings whose shift starts in [from, to).
func (s *BookingStore) ListBySchedule(scheduleID int64, from, to time.Time) ([]model.Booking, error) {
	rows, err := s.db.Query(
		`SELECT `+bookingCols+` FROM bookings
		 WHERE schedule_id = ? AND shift_start >= ? AND shift_start < ?
		 ORDER BY shift_start ASC`,
		scheduleID, ts(from), ts(to),
	)
	if err != nil {
		return nil, fmt.Errorf("list bookings by schedule: %w", err)
	}
	defer rows.Close()
	return collectBookings(rows)
}

// ListAllBySchedule returns every booking of a schedule, past and future.
func (s *BookingStore) ListAllBySchedule(scheduleID int64) ([]model.Booking, error) {
	rows, err := s.db.Query(
		`SELECT `+bookingCols+` FROM bookings WHERE schedule_id = ? ORDER BY shift_start ASC`,
		scheduleID,
	)
	if err != nil {
		return nil, fmt.Errorf("list all bookings by schedule: %w", err)
	}
	defer rows.Close()
	return collectBookings(rows)
}

// ListInWindow returns bookings across all schedules starting in [from, to).
func (s *BookingStore) ListInWindow(from, to time.Time) ([]model.Booking, error) {
	rows, err := s.db.Query(
		`SELECT `+bookingCols+` FROM bookings
		 WHERE shift_start >= ? AND shift_start < ?
		 ORDER BY shift_start ASC, schedule_id ASC`,
		ts(from), ts(to),
	)
	if err != nil {
		return nil, fmt.Errorf("list bookings in window: %w", err)
	}
	defer rows.Close()
	return collectBookings(rows)
}

func (s *BookingStore) ListByUser(userID int64) ([]model.BookingWithSchedule, error) {
	rows, err := s.db.Query(
		bookingDetailSelect+` WHERE b.user_id = ? ORDER BY b.shift_start DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list bookings by user: %w", err)
	}
	defer rows.Close()

	var bookings []model.BookingWithSchedule
	for rows.Next() {
		d, err := scanBookingDetail(rows)
		if err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		bookings = append(bookings, *d)
	}
	return bookings, rows.Err()
}

// ListCompletedByUser returns the user's checked-in bookings that have a
// report, oldest shift first.
func (s *BookingStore) ListCompletedByUser(userID int64) ([]model.Booking, error) {
	rows, err := s.db.Query(
		`SELECT `+bookingCols+` FROM bookings b
		 WHERE b.user_id = ? AND b.checked_in_at IS NOT NULL
		   AND EXISTS (SELECT 1 FROM reports r WHERE r.booking_id = b.id)
		 ORDER BY b.shift_start ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list completed bookings: %w", err)
	}
	defer rows.Close()
	return collectBookings(rows)
}

// SetCheckedIn records the first check-in only; a second call leaves the
// original time untouched and reports false.
func (s *BookingStore) SetCheckedIn(id int64, at time.Time, early bool) (bool, error) {
	earlyInt := 0
	if early {
		earlyInt = 1
	}
	result, err := s.db.Exec(
		`UPDATE bookings SET checked_in_at = ?, early_check_in = ? WHERE id = ? AND checked_in_at IS NULL`,
		ts(at), earlyInt, id,
	)
	if err != nil {
		return false, fmt.Errorf("set checked in: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *BookingStore) SetUser(id, userID int64) error {
	_, err := s.db.Exec(`UPDATE bookings SET user_id = ? WHERE id = ?`, userID, id)
	if err != nil {
		return fmt.Errorf("set booking user: %w", err)
	}
	return nil
}

func (s *BookingStore) Delete(id int64) error {
	_, err := s.db.Exec(`DELETE FROM bookings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete booking: %w", err)
	}
	return nil
}

func collectBookings(rows *sql.Rows) ([]model.Booking, error) {
	var bookings []model.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("scan booking: %w", err)
		}
		bookings = append(bookings, *b)
	}
	return bookings, rows.Err()
}
