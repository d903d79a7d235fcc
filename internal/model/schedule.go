package model

import "time"

// DateLayout is the wire and storage format of schedule active-window dates.
const DateLayout = "2006-01-02"

// Schedule is a recurring shift definition. Its cron fields are interpreted in
// Timezone; StartDate and EndDate are civil dates in that zone (inclusive).
type Schedule struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	CronExpr        string     `json:"cron_expr"`
	StartDate       *time.Time `json:"start_date"`
	EndDate         *time.Time `json:"end_date"`
	DurationMinutes int        `json:"duration_minutes"`
	Timezone        string     `json:"timezone"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (s Schedule) Duration() time.Duration {
	return time.Duration(s.DurationMinutes) * time.Minute
}

// ShiftSlot is one concrete occurrence of a schedule. It is never persisted;
// its identity is (ScheduleID, Start).
type ShiftSlot struct {
	ScheduleID int64     `json:"schedule_id"`
	Start      time.Time `json:"start_time"`
	End        time.Time `json:"end_time"`
}

// SlotKey identifies a slot or the booking that holds it.
type SlotKey struct {
	ScheduleID int64
	Start      int64 // unix seconds
}

func (s ShiftSlot) Key() SlotKey {
	return SlotKey{ScheduleID: s.ScheduleID, Start: s.Start.Unix()}
}
