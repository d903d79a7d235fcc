package gamification

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/nightwatch/internal/model"
	"github.com/dukerupert/nightwatch/internal/outbox"
	"github.com/dukerupert/nightwatch/internal/store"
)

// Outcome is everything one lifecycle event changed.
type Outcome struct {
	Entries  []model.PointsEntry
	State    model.UserGameState
	Unlocked []model.Achievement
}

// Engine applies the points, streak and achievement rules for booking
// lifecycle events. Every method runs on the caller's transaction so the
// ledger, the projection and the awards commit together with the event.
type Engine struct {
	rules  Rules
	streak StreakTracker
	logger *slog.Logger
}

func NewEngine(rules Rules, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		rules:  rules,
		streak: StreakTracker{Period: rules.StreakPeriod},
		logger: logger,
	}
}

func (e *Engine) Rules() Rules {
	return e.rules
}

// OnCheckIn awards the check-in rules for a booking checked in at at.
func (e *Engine) OnCheckIn(tx store.DBTX, b model.Booking, at time.Time) (*Outcome, error) {
	entries := e.rules.CheckInEntries(CheckInFacts{Booking: b, At: at})
	return e.apply(tx, b.UserID, entries, nil, at)
}

// OnCompletion awards the completion rules once a report has been filed for
// b inside tx. A booking that was never checked in does not complete.
func (e *Engine) OnCompletion(tx store.DBTX, b model.Booking, loc *time.Location, severity model.Severity, at time.Time) (*Outcome, error) {
	if !b.CheckedIn() {
		return &Outcome{}, nil
	}

	recent, err := store.NewReportStore(tx).CountCompletionsSince(b.UserID, at.Add(-e.rules.FrequencyWindow))
	if err != nil {
		return nil, err
	}
	entries := e.rules.CompletionEntries(CompletionFacts{
		Booking:           b,
		Location:          loc,
		Severity:          severity,
		RecentCompletions: recent,
		At:                at,
	})

	// The report is already in tx, so b is part of the history. Rebuilding
	// keeps the streak independent of the order reports are filed in.
	starts, _, err := completedStarts(tx, b.UserID, 0)
	if err != nil {
		return nil, err
	}
	return e.apply(tx, b.UserID, entries, func(g *model.UserGameState) {
		g.ShiftCount = len(starts)
		e.streak.Replay(g, starts)
	}, at)
}

// OnCancel reverses whatever b earned before it is deleted. Shift count and
// streak are rebuilt from the remaining completion history.
func (e *Engine) OnCancel(tx store.DBTX, b model.Booking, at time.Time) (*Outcome, error) {
	earned, err := store.NewPointsStore(tx).ListByBooking(b.ID)
	if err != nil {
		return nil, err
	}
	var own []model.PointsEntry
	for _, entry := range earned {
		if entry.UserID == b.UserID {
			own = append(own, entry)
		}
	}
	reversals := ReversalEntries(own, at)

	starts, counted, err := completedStarts(tx, b.UserID, b.ID)
	if err != nil {
		return nil, err
	}
	if len(reversals) == 0 && !counted {
		return &Outcome{}, nil
	}
	return e.apply(tx, b.UserID, reversals, func(g *model.UserGameState) {
		g.ShiftCount = len(starts)
		e.streak.Replay(g, starts)
	}, at)
}

// completedStarts lists the shift starts of a user's completed bookings,
// leaving out the booking with id exclude. excluded reports whether that
// booking was among them.
func completedStarts(tx store.DBTX, userID, exclude int64) (starts []time.Time, excluded bool, err error) {
	completed, err := store.NewBookingStore(tx).ListCompletedByUser(userID)
	if err != nil {
		return nil, false, err
	}
	starts = make([]time.Time, 0, len(completed))
	for _, c := range completed {
		if c.ID == exclude {
			excluded = true
			continue
		}
		starts = append(starts, c.ShiftStart)
	}
	return starts, excluded, nil
}

func (e *Engine) apply(tx store.DBTX, userID int64, entries []model.PointsEntry, mutate func(*model.UserGameState), at time.Time) (*Outcome, error) {
	out := &Outcome{}
	if len(entries) == 0 && mutate == nil {
		return out, nil
	}

	ps := store.NewPointsStore(tx)
	for _, entry := range entries {
		saved, err := ps.Append(entry)
		if err != nil {
			return nil, err
		}
		out.Entries = append(out.Entries, *saved)
	}

	gs := store.NewGameStateStore(tx)
	g, err := gs.Get(userID)
	if err != nil {
		return nil, err
	}
	// The cached total is always re-derived from the ledger.
	if g.TotalPoints, err = ps.Total(userID); err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(g)
	}
	g.UpdatedAt = at
	if err := gs.Upsert(*g); err != nil {
		return nil, err
	}
	out.State = *g

	unlocked, err := EvaluateAchievements(tx, *g, at)
	if err != nil {
		return nil, err
	}
	out.Unlocked = unlocked

	for _, a := range unlocked {
		msg, err := outbox.Push(model.MsgAchievementUnlocked, userID, fmt.Sprintf("achievement:%d", a.ID),
			model.Notification{
				Title: "Achievement unlocked: " + a.Name,
				Body:  a.Description,
				URL:   "/achievements",
				Tag:   "achievement-" + a.Code,
			}, at, at)
		if err != nil {
			return nil, err
		}
		if err := outbox.Enqueue(tx, msg); err != nil {
			return nil, err
		}
		e.logger.Info("achievement unlocked", "user_id", userID, "achievement", a.Code)
	}

	e.logger.Debug("game state updated",
		"user_id", userID, "entries", len(out.Entries),
		"total_points", g.TotalPoints, "shift_count", g.ShiftCount, "current_streak", g.CurrentStreak)
	return out, nil
}
