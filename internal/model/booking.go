package model

import "time"

type Booking struct {
	ID           int64      `json:"booking_id"`
	UserID       int64      `json:"user_id"`
	ScheduleID   int64      `json:"schedule_id"`
	ShiftStart   time.Time  `json:"shift_start"`
	ShiftEnd     time.Time  `json:"shift_end"`
	BuddyName    *string    `json:"buddy_name,omitempty"`
	BuddyUserID  *int64     `json:"buddy_user_id,omitempty"`
	CheckedInAt  *time.Time `json:"checked_in_at"`
	EarlyCheckIn bool       `json:"early_check_in"`
	CreatedAt    time.Time  `json:"created_at"`
}

func (b Booking) Key() SlotKey {
	return SlotKey{ScheduleID: b.ScheduleID, Start: b.ShiftStart.Unix()}
}

func (b Booking) CheckedIn() bool {
	return b.CheckedInAt != nil
}

// BookingWithSchedule carries the schedule context needed to render a
// booking and evaluate its local-time rules.
type BookingWithSchedule struct {
	Booking
	ScheduleName string `json:"schedule_name"`
	Timezone     string `json:"timezone"`
	Completed    bool   `json:"completed"`
}

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// HighestSeverity is the tier that earns the serious-incident bonus.
const HighestSeverity = SeverityHigh

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	}
	return false
}

// Report is owned by the incident-reporting collaborator. The core only
// cares that one exists for a booking, and about its severity.
type Report struct {
	ID        int64     `json:"id"`
	BookingID *int64    `json:"booking_id"`
	UserID    *int64    `json:"user_id"`
	Severity  Severity  `json:"severity"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}
