package booking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/nightwatch/internal/gamification"
	"github.com/dukerupert/nightwatch/internal/model"
	"github.com/dukerupert/nightwatch/internal/outbox"
	"github.com/dukerupert/nightwatch/internal/recurrence"
	"github.com/dukerupert/nightwatch/internal/store"
)

var (
	ErrNotFound             = errors.New("booking not found")
	ErrScheduleNotFound     = errors.New("schedule not found")
	ErrUserNotFound         = errors.New("user not found")
	ErrOutOfRange           = errors.New("start time is not a slot of this schedule")
	ErrSlotConflict         = errors.New("slot is already booked")
	ErrTooLateToCancel      = errors.New("too late to cancel this booking")
	ErrOutsideCheckInWindow = errors.New("outside the check-in window")
	ErrAlreadyCheckedIn     = errors.New("booking is already checked in")
	ErrForbidden            = errors.New("not allowed to act on this booking")
	ErrReportExists         = errors.New("a report has already been filed for this booking")
	ErrReportTooEarly       = errors.New("the shift has not started yet")
	ErrInvalidSeverity      = errors.New("invalid severity")
)

// Policy holds the temporal rules of the booking lifecycle.
type Policy struct {
	CancelCutoff       time.Duration // volunteers cannot cancel closer than this to the start
	EarlyCheckInWindow time.Duration // earliest check-in before the start
	LateCheckInGrace   time.Duration // latest check-in after the end
	ReminderLead       time.Duration // shift reminder is sent this long before the start
}

func DefaultPolicy() Policy {
	return Policy{
		CancelCutoff:       2 * time.Hour,
		EarlyCheckInWindow: time.Hour,
		LateCheckInGrace:   30 * time.Minute,
		ReminderLead:       time.Hour,
	}
}

// Actor is the user performing an operation.
type Actor struct {
	UserID int64
	Admin  bool
}

func (a Actor) owns(b model.Booking) bool {
	return a.UserID == b.UserID
}

// Event describes a committed booking change.
type Event struct {
	Action        string // created, cancelled, checked_in, reassigned, completed
	BookingID     int64
	UserID        int64
	PointsChanged bool
}

// CreateRequest asks for one slot of a schedule.
type CreateRequest struct {
	UserID      int64
	ScheduleID  int64
	Start       time.Time
	BuddyName   *string
	BuddyUserID *int64
}

// Completion is the result of filing a report.
type Completion struct {
	Report   *model.Report
	Outcome  *gamification.Outcome
	Booking  model.Booking
	Schedule string
}

// Manager owns the booking lifecycle. Every mutation, its ledger effects and
// its outbox messages commit in one transaction.
type Manager struct {
	db        *sql.DB
	expander  *recurrence.Expander
	engine    *gamification.Engine
	policy    Policy
	logger    *slog.Logger
	now       func() time.Time
	listeners []func(Event)
}

func NewManager(db *sql.DB, expander *recurrence.Expander, engine *gamification.Engine, policy Policy, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		db:       db,
		expander: expander,
		engine:   engine,
		policy:   policy,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Subscribe registers fn to be called after each committed change. Listeners
// must not block.
func (m *Manager) Subscribe(fn func(Event)) {
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) emit(ev Event) {
	for _, fn := range m.listeners {
		fn(ev)
	}
}

func (m *Manager) Policy() Policy {
	return m.policy
}

// CreateBooking claims a slot. The start must be one the schedule actually
// produces, and at most one booking per slot ever commits.
func (m *Manager) CreateBooking(ctx context.Context, req CreateRequest) (*model.Booking, error) {
	now := m.now()

	sch, err := store.NewScheduleStore(m.db).GetByID(req.ScheduleID)
	if err != nil {
		return nil, err
	}
	if sch == nil {
		return nil, ErrScheduleNotFound
	}
	start := req.Start.UTC()
	if !start.After(now) {
		return nil, ErrOutOfRange
	}
	ok, err := m.expander.Contains(*sch, start)
	if err != nil {
		return nil, fmt.Errorf("check slot: %w", err)
	}
	if !ok {
		return nil, ErrOutOfRange
	}

	var created *model.Booking
	err = store.WithTx(ctx, m.db, func(tx *sql.Tx) error {
		b, err := store.NewBookingStore(tx).Create(model.Booking{
			UserID:      req.UserID,
			ScheduleID:  sch.ID,
			ShiftStart:  start,
			ShiftEnd:    start.Add(sch.Duration()),
			BuddyName:   req.BuddyName,
			BuddyUserID: req.BuddyUserID,
			CreatedAt:   now,
		})
		if store.IsUniqueViolation(err) {
			return ErrSlotConflict
		}
		if err != nil {
			return err
		}
		created = b

		when := formatLocal(b.ShiftStart, sch.Timezone)
		msgs, err := collect(
			func() (model.OutboxMessage, error) {
				return outbox.Push(model.MsgBookingConfirmed, b.UserID, outbox.BookingRef(b.ID), model.Notification{
					Title: "Shift booked",
					Body:  fmt.Sprintf("%s, %s", sch.Name, when),
					URL:   "/bookings/mine",
					Tag:   fmt.Sprintf("booking-%d", b.ID),
				}, now, now)
			},
			func() (model.OutboxMessage, error) {
				return outbox.Audit(req.UserID, "booking.created", "booking", b.ID, map[string]any{
					"schedule_id": sch.ID, "shift_start": b.ShiftStart,
				}, now)
			},
		)
		if err != nil {
			return err
		}
		if reminder, ok, err := m.reminder(*b, sch.Name, when, now); err != nil {
			return err
		} else if ok {
			msgs = append(msgs, reminder)
		}
		return outbox.Enqueue(tx, msgs...)
	})
	if err != nil {
		if errors.Is(err, ErrSlotConflict) {
			m.logger.Info("slot conflict", "schedule_id", sch.ID, "start", start, "user_id", req.UserID)
		}
		return nil, err
	}

	m.logger.Info("booking created", "booking_id", created.ID, "user_id", created.UserID, "schedule_id", sch.ID, "start", created.ShiftStart)
	m.emit(Event{Action: "created", BookingID: created.ID, UserID: created.UserID})
	return created, nil
}

// reminder builds the shift reminder for b, if its send time is still ahead.
func (m *Manager) reminder(b model.Booking, scheduleName, when string, now time.Time) (model.OutboxMessage, bool, error) {
	sendAt := b.ShiftStart.Add(-m.policy.ReminderLead)
	if !sendAt.After(now) {
		return model.OutboxMessage{}, false, nil
	}
	msg, err := outbox.Push(model.MsgShiftReminder, b.UserID, outbox.BookingRef(b.ID), model.Notification{
		Title: "Shift starting soon",
		Body:  fmt.Sprintf("%s, %s", scheduleName, when),
		URL:   fmt.Sprintf("/bookings/%d", b.ID),
		Tag:   fmt.Sprintf("reminder-%d", b.ID),
	}, sendAt, now)
	return msg, err == nil, err
}

// CancelBooking deletes a booking. Volunteers may cancel their own bookings
// until the cutoff; admins may cancel any booking at any time. Points the
// booking earned are reversed first.
func (m *Manager) CancelBooking(ctx context.Context, id int64, actor Actor) error {
	now := m.now()

	b, err := store.NewBookingStore(m.db).GetDetail(id)
	if err != nil {
		return err
	}
	if b == nil {
		return ErrNotFound
	}
	if !actor.owns(b.Booking) && !actor.Admin {
		return ErrForbidden
	}
	if !actor.Admin && b.ShiftStart.Sub(now) < m.policy.CancelCutoff {
		return ErrTooLateToCancel
	}

	var outcome *gamification.Outcome
	err = store.WithTx(ctx, m.db, func(tx *sql.Tx) error {
		var err error
		if outcome, err = m.engine.OnCancel(tx, b.Booking, now); err != nil {
			return err
		}
		if _, err := store.NewOutboxStore(tx).DeletePending(outbox.BookingRef(b.ID), model.MsgShiftReminder); err != nil {
			return err
		}

		msgs, err := collect(
			func() (model.OutboxMessage, error) {
				return outbox.Push(model.MsgBookingCancelled, b.UserID, outbox.BookingRef(b.ID), model.Notification{
					Title: "Shift cancelled",
					Body:  fmt.Sprintf("%s, %s", b.ScheduleName, formatLocal(b.ShiftStart, b.Timezone)),
					URL:   "/shifts",
					Tag:   fmt.Sprintf("booking-%d", b.ID),
				}, now, now)
			},
			func() (model.OutboxMessage, error) {
				return outbox.Audit(actor.UserID, "booking.cancelled", "booking", b.ID, map[string]any{
					"user_id": b.UserID, "shift_start": b.ShiftStart, "reversed_entries": len(outcome.Entries),
				}, now)
			},
		)
		if err != nil {
			return err
		}
		if err := outbox.Enqueue(tx, msgs...); err != nil {
			return err
		}
		return store.NewBookingStore(tx).Delete(b.ID)
	})
	if err != nil {
		return err
	}

	m.logger.Info("booking cancelled", "booking_id", b.ID, "user_id", b.UserID, "actor_id", actor.UserID, "reversed", len(outcome.Entries))
	m.emit(Event{Action: "cancelled", BookingID: b.ID, UserID: b.UserID, PointsChanged: len(outcome.Entries) > 0})
	return nil
}

// DeleteSchedule removes a schedule and every booking on it (admin). Each
// booking goes through the cancel path so reversed points and the player
// projection stay consistent with the ledger; volunteers holding future
// shifts are told.
func (m *Manager) DeleteSchedule(ctx context.Context, scheduleID int64, actor Actor) (*model.Schedule, error) {
	if !actor.Admin {
		return nil, ErrForbidden
	}
	now := m.now()

	var (
		sch      *model.Schedule
		bookings []model.Booking
		reversed = map[int64]bool{}
	)
	err := store.WithTx(ctx, m.db, func(tx *sql.Tx) error {
		var err error
		if sch, err = store.NewScheduleStore(tx).GetByID(scheduleID); err != nil {
			return err
		}
		if sch == nil {
			return ErrScheduleNotFound
		}
		if bookings, err = store.NewBookingStore(tx).ListAllBySchedule(scheduleID); err != nil {
			return err
		}

		var msgs []model.OutboxMessage
		for _, b := range bookings {
			// One at a time: each rebuild must not see the bookings already removed.
			outcome, err := m.engine.OnCancel(tx, b, now)
			if err != nil {
				return err
			}
			reversed[b.ID] = len(outcome.Entries) > 0
			if _, err := store.NewOutboxStore(tx).DeletePending(outbox.BookingRef(b.ID), model.MsgShiftReminder); err != nil {
				return err
			}
			if b.ShiftStart.After(now) {
				msg, err := outbox.Push(model.MsgBookingCancelled, b.UserID, outbox.BookingRef(b.ID), model.Notification{
					Title: "Shift cancelled",
					Body:  fmt.Sprintf("%s, %s is no longer scheduled", sch.Name, formatLocal(b.ShiftStart, sch.Timezone)),
					URL:   "/shifts",
					Tag:   fmt.Sprintf("booking-%d", b.ID),
				}, now, now)
				if err != nil {
					return err
				}
				msgs = append(msgs, msg)
			}
			if err := store.NewBookingStore(tx).Delete(b.ID); err != nil {
				return err
			}
		}

		audit, err := outbox.Audit(actor.UserID, "schedule.deleted", "schedule", sch.ID, map[string]any{
			"name": sch.Name, "cron_expr": sch.CronExpr, "timezone": sch.Timezone, "bookings": len(bookings),
		}, now)
		if err != nil {
			return err
		}
		if err := outbox.Enqueue(tx, append(msgs, audit)...); err != nil {
			return err
		}
		return store.NewScheduleStore(tx).Delete(scheduleID)
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("schedule deleted", "schedule_id", sch.ID, "bookings", len(bookings), "actor_id", actor.UserID)
	for _, b := range bookings {
		m.emit(Event{Action: "cancelled", BookingID: b.ID, UserID: b.UserID, PointsChanged: reversed[b.ID]})
	}
	return sch, nil
}

// CheckIn records arrival for a booking. Checking in again is a no-op that
// returns the booking as first checked in.
func (m *Manager) CheckIn(ctx context.Context, id int64, actor Actor) (*model.Booking, error) {
	now := m.now()

	b, err := store.NewBookingStore(m.db).GetByID(id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrNotFound
	}
	if !actor.owns(*b) && !actor.Admin {
		return nil, ErrForbidden
	}
	if b.CheckedIn() {
		return b, nil
	}
	if now.Before(b.ShiftStart.Add(-m.policy.EarlyCheckInWindow)) || now.After(b.ShiftEnd.Add(m.policy.LateCheckInGrace)) {
		return nil, ErrOutsideCheckInWindow
	}

	early := m.engine.Rules().IsEarly(b.ShiftStart, now)
	var (
		result  *model.Booking
		changed bool
	)
	err = store.WithTx(ctx, m.db, func(tx *sql.Tx) error {
		bs := store.NewBookingStore(tx)
		updated, err := bs.SetCheckedIn(b.ID, now, early)
		if err != nil {
			return err
		}
		if result, err = bs.GetByID(b.ID); err != nil {
			return err
		}
		if !updated {
			// Another request checked in first.
			return nil
		}
		changed = true

		if _, err := m.engine.OnCheckIn(tx, *result, now); err != nil {
			return err
		}
		msg, err := outbox.Audit(actor.UserID, "booking.checked_in", "booking", b.ID, map[string]any{
			"early": early,
		}, now)
		if err != nil {
			return err
		}
		return outbox.Enqueue(tx, msg)
	})
	if err != nil {
		return nil, err
	}

	if changed {
		m.logger.Info("checked in", "booking_id", b.ID, "user_id", b.UserID, "early", early)
		m.emit(Event{Action: "checked_in", BookingID: b.ID, UserID: b.UserID, PointsChanged: true})
	}
	return result, nil
}

// Reassign moves a booking to another user. The slot is already held, so no
// conflict check applies. Only admins may reassign, and only before check-in.
func (m *Manager) Reassign(ctx context.Context, id, newUserID int64, actor Actor) (*model.Booking, error) {
	if !actor.Admin {
		return nil, ErrForbidden
	}
	now := m.now()

	b, err := store.NewBookingStore(m.db).GetDetail(id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrNotFound
	}
	if b.CheckedIn() {
		return nil, ErrAlreadyCheckedIn
	}
	newUser, err := store.NewUserStore(m.db).GetByID(newUserID)
	if err != nil {
		return nil, err
	}
	if newUser == nil {
		return nil, ErrUserNotFound
	}
	if newUserID == b.UserID {
		return &b.Booking, nil
	}

	previous := b.UserID
	var result *model.Booking
	err = store.WithTx(ctx, m.db, func(tx *sql.Tx) error {
		bs := store.NewBookingStore(tx)
		if err := bs.SetUser(b.ID, newUserID); err != nil {
			return err
		}
		var err error
		if result, err = bs.GetByID(b.ID); err != nil {
			return err
		}

		ref := outbox.BookingRef(b.ID)
		if _, err := store.NewOutboxStore(tx).DeletePending(ref, model.MsgShiftReminder); err != nil {
			return err
		}

		when := formatLocal(b.ShiftStart, b.Timezone)
		notice := model.Notification{
			Title: "Shift assigned to you",
			Body:  fmt.Sprintf("%s, %s", b.ScheduleName, when),
			URL:   fmt.Sprintf("/bookings/%d", b.ID),
			Tag:   fmt.Sprintf("booking-%d", b.ID),
		}
		msgs, err := collect(
			func() (model.OutboxMessage, error) {
				return outbox.Push(model.MsgBookingReassigned, newUserID, ref, notice, now, now)
			},
			func() (model.OutboxMessage, error) {
				return outbox.Email(model.MsgBookingReassigned, newUserID, newUser.Email, ref, notice, now)
			},
			func() (model.OutboxMessage, error) {
				return outbox.Push(model.MsgBookingReassigned, previous, ref, model.Notification{
					Title: "Shift reassigned",
					Body:  fmt.Sprintf("%s, %s was given to another volunteer", b.ScheduleName, when),
					URL:   "/bookings/mine",
					Tag:   fmt.Sprintf("booking-%d", b.ID),
				}, now, now)
			},
			func() (model.OutboxMessage, error) {
				return outbox.Audit(actor.UserID, "booking.reassigned", "booking", b.ID, map[string]any{
					"from_user_id": previous, "to_user_id": newUserID,
				}, now)
			},
		)
		if err != nil {
			return err
		}
		if reminder, ok, err := m.reminder(*result, b.ScheduleName, when, now); err != nil {
			return err
		} else if ok {
			msgs = append(msgs, reminder)
		}
		return outbox.Enqueue(tx, msgs...)
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("booking reassigned", "booking_id", b.ID, "from_user_id", previous, "to_user_id", newUserID, "actor_id", actor.UserID)
	m.emit(Event{Action: "reassigned", BookingID: b.ID, UserID: newUserID})
	return result, nil
}

// FileReport records the owner's report for a booking, which completes it.
// Reports open at the shift start, even after an early check-in. Completion
// points are only awarded if the booking was checked in.
func (m *Manager) FileReport(ctx context.Context, id int64, actor Actor, severity model.Severity, summary string) (*Completion, error) {
	if !severity.Valid() {
		return nil, ErrInvalidSeverity
	}
	now := m.now()

	b, err := store.NewBookingStore(m.db).GetDetail(id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrNotFound
	}
	if !actor.owns(b.Booking) {
		return nil, ErrForbidden
	}
	if b.Completed {
		return nil, ErrReportExists
	}
	if now.Before(b.ShiftStart) {
		return nil, ErrReportTooEarly
	}
	loc, err := time.LoadLocation(b.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load schedule timezone: %w", err)
	}

	c := &Completion{Booking: b.Booking, Schedule: b.ScheduleName}
	err = store.WithTx(ctx, m.db, func(tx *sql.Tx) error {
		r, err := store.NewReportStore(tx).Create(b.ID, actor.UserID, severity, summary, now)
		if store.IsUniqueViolation(err) {
			return ErrReportExists
		}
		if err != nil {
			return err
		}
		c.Report = r

		if c.Outcome, err = m.engine.OnCompletion(tx, b.Booking, loc, severity, now); err != nil {
			return err
		}
		msg, err := outbox.Audit(actor.UserID, "booking.completed", "booking", b.ID, map[string]any{
			"report_id": r.ID, "severity": severity, "checked_in": b.CheckedIn(),
		}, now)
		if err != nil {
			return err
		}
		return outbox.Enqueue(tx, msg)
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("report filed", "booking_id", b.ID, "user_id", b.UserID, "severity", severity, "points", len(c.Outcome.Entries))
	m.emit(Event{Action: "completed", BookingID: b.ID, UserID: b.UserID, PointsChanged: len(c.Outcome.Entries) > 0})
	return c, nil
}

// IsCompleted reports whether a report has been filed for the booking.
func (m *Manager) IsCompleted(ctx context.Context, id int64) (bool, error) {
	r, err := store.NewReportStore(m.db).GetByBookingID(id)
	if err != nil {
		return false, err
	}
	return r != nil, nil
}

// Get returns one booking with its derived status, visible to its owner and
// to admins.
func (m *Manager) Get(ctx context.Context, id int64, actor Actor) (*View, error) {
	b, err := store.NewBookingStore(m.db).GetDetail(id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrNotFound
	}
	if !actor.owns(b.Booking) && !actor.Admin {
		return nil, ErrForbidden
	}
	v := NewView(*b, m.now(), m.policy.LateCheckInGrace)
	return &v, nil
}

// ListMine returns a user's bookings, newest shift first.
func (m *Manager) ListMine(ctx context.Context, userID int64) ([]View, error) {
	bookings, err := store.NewBookingStore(m.db).ListByUser(userID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	views := make([]View, 0, len(bookings))
	for _, b := range bookings {
		views = append(views, NewView(b, now, m.policy.LateCheckInGrace))
	}
	return views, nil
}

func collect(builders ...func() (model.OutboxMessage, error)) ([]model.OutboxMessage, error) {
	msgs := make([]model.OutboxMessage, 0, len(builders))
	for _, build := range builders {
		msg, err := build()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func formatLocal(t time.Time, tz string) string {
	if loc, err := time.LoadLocation(tz); err == nil {
		t = t.In(loc)
	}
	return t.Format("Mon 2 Jan 15:04")
}
