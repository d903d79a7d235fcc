package availability

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dukerupert/nightwatch/internal/model"
	"github.com/dukerupert/nightwatch/internal/recurrence"
	"github.com/dukerupert/nightwatch/internal/store"
)

// Slot is a shift slot tagged with its booking state.
type Slot struct {
	model.ShiftSlot
	ScheduleName string `json:"schedule_name,omitempty"`
	IsBooked     bool   `json:"is_booked"`
	BookingID    *int64 `json:"booking_id,omitempty"`
	UserID       *int64 `json:"user_id,omitempty"`
}

// Annotate tags each slot with the booking that holds it, if any. It is a
// pure hash join on (schedule_id, start); input order is preserved.
func Annotate(slots []model.ShiftSlot, bookings []model.Booking) []Slot {
	held := make(map[model.SlotKey]model.Booking, len(bookings))
	for _, b := range bookings {
		held[b.Key()] = b
	}

	out := make([]Slot, len(slots))
	for i, s := range slots {
		out[i] = Slot{ShiftSlot: s}
		if b, ok := held[s.Key()]; ok {
			id, user := b.ID, b.UserID
			out[i].IsBooked = true
			out[i].BookingID = &id
			out[i].UserID = &user
		}
	}
	return out
}

// OpenAfter keeps unbooked slots starting strictly after now.
func OpenAfter(slots []Slot, now time.Time) []Slot {
	out := make([]Slot, 0, len(slots))
	for _, s := range slots {
		if !s.IsBooked && s.Start.After(now) {
			out = append(out, s)
		}
	}
	return out
}

// Service answers availability queries against stored schedules and
// bookings.
type Service struct {
	db       *sql.DB
	expander *recurrence.Expander
	now      func() time.Time
}

func NewService(db *sql.DB, expander *recurrence.Expander) *Service {
	return &Service{db: db, expander: expander, now: time.Now}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Calendar returns every slot of one schedule in [from, to), booked or not.
// It returns nil, nil if the schedule does not exist.
func (s *Service) Calendar(ctx context.Context, scheduleID int64, from, to time.Time) ([]Slot, error) {
	sch, err := store.NewScheduleStore(s.db).GetByID(scheduleID)
	if err != nil {
		return nil, err
	}
	if sch == nil {
		return nil, nil
	}

	slots, err := s.expander.Expand(*sch, from, to)
	if err != nil {
		return nil, err
	}
	bookings, err := store.NewBookingStore(s.db).ListBySchedule(scheduleID, from, to)
	if err != nil {
		return nil, err
	}

	out := Annotate(slots, bookings)
	for i := range out {
		out[i].ScheduleName = sch.Name
	}
	return out, nil
}

// ListAvailable returns open future slots across all schedules in
// [from, to), ordered by start then schedule. Schedules are expanded in
// parallel.
func (s *Service) ListAvailable(ctx context.Context, from, to time.Time) ([]Slot, error) {
	schedules, err := store.NewScheduleStore(s.db).List()
	if err != nil {
		return nil, err
	}

	expanded := make([][]model.ShiftSlot, len(schedules))
	g, gctx := errgroup.WithContext(ctx)
	for i, sch := range schedules {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			slots, err := s.expander.Expand(sch, from, to)
			if err != nil {
				return fmt.Errorf("expand schedule %d: %w", sch.ID, err)
			}
			expanded[i] = slots
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	bookings, err := store.NewBookingStore(s.db).ListInWindow(from, to)
	if err != nil {
		return nil, err
	}

	now := s.now()
	var out []Slot
	for i, slots := range expanded {
		open := OpenAfter(Annotate(slots, bookings), now)
		for j := range open {
			open[j].ScheduleName = schedules[i].Name
		}
		out = append(out, open...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ScheduleID < out[j].ScheduleID
	})
	return out, nil
}
