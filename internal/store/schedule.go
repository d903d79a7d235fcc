package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/nightwatch/internal/model"
)

type ScheduleStore struct {
	db DBTX
}

func NewScheduleStore(db DBTX) *ScheduleStore {
	return &ScheduleStore{db: db}
}

func scanSchedule(scanner interface{ Scan(...any) error }) (*model.Schedule, error) {
	var s model.Schedule
	var startDate, endDate sql.NullString

	err := scanner.Scan(
		&s.ID, &s.Name, &s.CronExpr, &startDate, &endDate,
		&s.DurationMinutes, &s.Timezone, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if s.StartDate, err = parseDate(startDate); err != nil {
		return nil, err
	}
	if s.EndDate, err = parseDate(endDate); err != nil {
		return nil, err
	}
	return &s, nil
}

const scheduleCols = `id, name, cron_expr, start_date, end_date, duration_minutes, timezone, created_at, updated_at`

func parseDate(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	d, err := time.Parse(model.DateLayout, v.String)
	if err != nil {
		return nil, fmt.Errorf("parse date %q: %w", v.String, err)
	}
	return &d, nil
}

func formatDate(d *time.Time) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.Format(model.DateLayout), Valid: true}
}

func (s *ScheduleStore) Create(sch model.Schedule) (*model.Schedule, error) {
	now := ts(time.Now())
	result, err := s.db.Exec(
		`INSERT INTO schedules (name, cron_expr, start_date, end_date, duration_minutes, timezone, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sch.Name, sch.CronExpr, formatDate(sch.StartDate), formatDate(sch.EndDate),
		sch.DurationMinutes, sch.Timezone, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert schedule: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

func (s *ScheduleStore) GetByID(id int64) (*model.Schedule, error) {
	row := s.db.QueryRow(`SELECT `+scheduleCols+` FROM schedules WHERE id = ?`, id)
	sch, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return sch, nil
}

func (s *ScheduleStore) List() ([]model.Schedule, error) {
	rows, err := s.db.Query(`SELECT ` + scheduleCols + ` FROM schedules ORDER BY name ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []model.Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		schedules = append(schedules, *sch)
	}
	return schedules, rows.Err()
}

// Update rewrites the definition. Existing bookings are left in place.
func (s *ScheduleStore) Update(sch model.Schedule) (*model.Schedule, error) {
	_, err := s.db.Exec(
		`UPDATE schedules SET name = ?, cron_expr = ?, start_date = ?, end_date = ?, duration_minutes = ?, timezone = ?, updated_at = ?
		 WHERE id = ?`,
		sch.Name, sch.CronExpr, formatDate(sch.StartDate), formatDate(sch.EndDate),
		sch.DurationMinutes, sch.Timezone, ts(time.Now()), sch.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update schedule: %w", err)
	}
	return s.GetByID(sch.ID)
}

// Delete removes the schedule. Bookings still on it go by cascade; callers
// that keep the ledger consistent cancel them first.
func (s *ScheduleStore) Delete(id int64) error {
	_, err := s.db.Exec(`DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return nil
}
