package availability

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/dukerupert/nightwatch/internal/database"
	"github.com/dukerupert/nightwatch/internal/model"
	"github.com/dukerupert/nightwatch/internal/recurrence"
	"github.com/dukerupert/nightwatch/internal/store"
)

func TestAnnotate(t *testing.T) {
	base := time.Date(2026, 2, 2, 16, 0, 0, 0, time.UTC)
	slots := []model.ShiftSlot{
		{ScheduleID: 1, Start: base, End: base.Add(2 * time.Hour)},
		{ScheduleID: 1, Start: base.Add(24 * time.Hour), End: base.Add(26 * time.Hour)},
		{ScheduleID: 2, Start: base, End: base.Add(time.Hour)},
	}
	bookings := []model.Booking{
		{ID: 7, UserID: 3, ScheduleID: 1, ShiftStart: base.Add(24 * time.Hour)},
		// same instant, different schedule: must not match slot 0
		{ID: 8, UserID: 4, ScheduleID: 3, ShiftStart: base},
	}

	got := Annotate(slots, bookings)
	if len(got) != 3 {
		t.Fatalf("got %d slots, want 3", len(got))
	}
	if got[0].IsBooked || got[2].IsBooked {
		t.Errorf("slots 0 and 2 should be open: %+v", got)
	}
	if !got[1].IsBooked || got[1].BookingID == nil || *got[1].BookingID != 7 {
		t.Errorf("slot 1 = %+v, want booked by booking 7", got[1])
	}
	if got[1].UserID == nil || *got[1].UserID != 3 {
		t.Errorf("slot 1 user = %v, want 3", got[1].UserID)
	}
}

func TestAnnotateMatchesAcrossZones(t *testing.T) {
	loc, err := time.LoadLocation("Africa/Johannesburg")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	local := time.Date(2026, 2, 2, 18, 0, 0, 0, loc)
	slots := []model.ShiftSlot{{ScheduleID: 1, Start: local.UTC()}}
	bookings := []model.Booking{{ID: 1, ScheduleID: 1, ShiftStart: local}}

	if got := Annotate(slots, bookings); !got[0].IsBooked {
		t.Error("same instant in different zones should match")
	}
}

func TestOpenAfter(t *testing.T) {
	now := time.Date(2026, 2, 2, 12, 0, 0, 0, time.UTC)
	id := int64(1)
	slots := []Slot{
		{ShiftSlot: model.ShiftSlot{Start: now.Add(-time.Hour)}},
		{ShiftSlot: model.ShiftSlot{Start: now}},
		{ShiftSlot: model.ShiftSlot{Start: now.Add(time.Hour)}, IsBooked: true, BookingID: &id},
		{ShiftSlot: model.ShiftSlot{Start: now.Add(2 * time.Hour)}},
	}

	got := OpenAfter(slots, now)
	if len(got) != 1 {
		t.Fatalf("got %d slots, want 1", len(got))
	}
	if !got[0].Start.Equal(now.Add(2 * time.Hour)) {
		t.Errorf("start = %v, want %v", got[0].Start, now.Add(2*time.Hour))
	}
}

func setupService(t *testing.T) (*Service, *sql.DB) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewService(db, recurrence.NewExpander(0)), db
}

func TestCalendarAndListAvailable(t *testing.T) {
	svc, db := setupService(t)

	u, err := store.NewUserStore(db).Create("Ann", "ann@example.com", "")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	ss := store.NewScheduleStore(db)
	evening, err := ss.Create(model.Schedule{Name: "Evening", CronExpr: "0 18 * * *", DurationMinutes: 120, Timezone: "Africa/Johannesburg"})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	late, err := ss.Create(model.Schedule{Name: "Late", CronExpr: "0 22 * * *", DurationMinutes: 240, Timezone: "Africa/Johannesburg"})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	// Mon 2 Feb 2026 00:00 SAST
	from := time.Date(2026, 2, 1, 22, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 3)

	booked := time.Date(2026, 2, 3, 16, 0, 0, 0, time.UTC) // Tue 18:00 SAST
	if _, err := store.NewBookingStore(db).Create(model.Booking{
		UserID: u.ID, ScheduleID: evening.ID, ShiftStart: booked, ShiftEnd: booked.Add(2 * time.Hour), CreatedAt: from,
	}); err != nil {
		t.Fatalf("create booking: %v", err)
	}

	cal, err := svc.Calendar(context.Background(), evening.ID, from, to)
	if err != nil {
		t.Fatalf("calendar: %v", err)
	}
	if len(cal) != 3 {
		t.Fatalf("calendar has %d slots, want 3", len(cal))
	}
	if !cal[1].IsBooked || cal[0].IsBooked || cal[2].IsBooked {
		t.Errorf("calendar booking flags = %v %v %v, want false true false", cal[0].IsBooked, cal[1].IsBooked, cal[2].IsBooked)
	}
	if cal[0].ScheduleName != "Evening" {
		t.Errorf("schedule name = %q, want %q", cal[0].ScheduleName, "Evening")
	}

	// Monday evening has already started.
	svc.SetClock(func() time.Time { return time.Date(2026, 2, 2, 17, 0, 0, 0, time.UTC) })
	open, err := svc.ListAvailable(context.Background(), from, to)
	if err != nil {
		t.Fatalf("list available: %v", err)
	}
	// Evening: Wed only. Late: Mon, Tue, Wed.
	if len(open) != 4 {
		t.Fatalf("got %d open slots, want 4: %+v", len(open), open)
	}
	for i := 1; i < len(open); i++ {
		if open[i].Start.Before(open[i-1].Start) {
			t.Errorf("open[%d] before open[%d]", i, i-1)
		}
	}
	for _, s := range open {
		if s.IsBooked {
			t.Errorf("booked slot %v listed as available", s.Start)
		}
		if s.ScheduleID == evening.ID && !s.Start.Equal(time.Date(2026, 2, 4, 16, 0, 0, 0, time.UTC)) {
			t.Errorf("unexpected evening slot %v", s.Start)
		}
	}
	if open[0].ScheduleID != late.ID {
		t.Errorf("first open slot schedule = %d, want %d", open[0].ScheduleID, late.ID)
	}

	missing, err := svc.Calendar(context.Background(), 9999, from, to)
	if err != nil {
		t.Fatalf("calendar missing: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for missing schedule")
	}
}
