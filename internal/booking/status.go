package booking

import (
	"time"

	"github.com/dukerupert/nightwatch/internal/model"
)

type Status string

const (
	StatusUpcoming   Status = "upcoming"
	StatusOpen       Status = "open"
	StatusCheckedIn  Status = "checked_in"
	StatusCompleted  Status = "completed"
	StatusMissed     Status = "missed"
	StatusIncomplete Status = "incomplete"
)

// View is a booking as shown to volunteers, with its derived state.
type View struct {
	model.BookingWithSchedule
	CheckedIn bool   `json:"checked_in"`
	Status    Status `json:"status"`
}

func NewView(b model.BookingWithSchedule, now time.Time, grace time.Duration) View {
	return View{
		BookingWithSchedule: b,
		CheckedIn:           b.CheckedIn(),
		Status:              ComputeStatus(b.Booking, b.Completed, now, grace),
	}
}

// ComputeStatus derives where a booking is in its lifecycle. Completion is a
// filed report; a booking never stores it.
func ComputeStatus(b model.Booking, completed bool, now time.Time, grace time.Duration) Status {
	if completed {
		return StatusCompleted
	}

	closes := b.ShiftEnd.Add(grace)
	if b.CheckedIn() {
		if now.After(closes) {
			// Checked in but no report filed yet.
			return StatusIncomplete
		}
		return StatusCheckedIn
	}

	switch {
	case now.Before(b.ShiftStart):
		return StatusUpcoming
	case now.After(closes):
		return StatusMissed
	default:
		return StatusOpen
	}
}
