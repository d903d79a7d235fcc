package gamification

import (
	"time"

	"github.com/dukerupert/nightwatch/internal/model"
)

// Point values per rule.
const (
	PointsCheckIn         = 10
	PointsEarlyCheckIn    = 3
	PointsCompletion      = 15
	PointsSeriousIncident = 10
	PointsWeekend         = 5
	PointsLateNight       = 3
	PointsFrequency       = 10
)

// Late-night shifts start in [LateNightStartHour:00, LateNightEndHour:00)
// local time, wrapping midnight.
const (
	LateNightStartHour = 22
	LateNightEndHour   = 5
)

// Rules holds the tunable policy of the points engine.
type Rules struct {
	EarlyBonusThreshold time.Duration
	FrequencyWindow     time.Duration
	FrequencyMin        int
	PromoMultiplier     float64
	PromoStart          time.Time // zero: unbounded
	PromoEnd            time.Time // zero: unbounded
	StreakPeriod        time.Duration
}

func DefaultRules() Rules {
	return Rules{
		EarlyBonusThreshold: 15 * time.Minute,
		FrequencyWindow:     30 * 24 * time.Hour,
		FrequencyMin:        3,
		PromoMultiplier:     1,
		StreakPeriod:        7 * 24 * time.Hour,
	}
}

// Multiplier is the promotional weight for entries created at t.
func (r Rules) Multiplier(t time.Time) float64 {
	if r.PromoMultiplier <= 0 || r.PromoMultiplier == 1 {
		return 1
	}
	if !r.PromoStart.IsZero() && t.Before(r.PromoStart) {
		return 1
	}
	if !r.PromoEnd.IsZero() && !t.Before(r.PromoEnd) {
		return 1
	}
	return r.PromoMultiplier
}

// IsEarly reports whether a check-in at t earns the early bonus.
func (r Rules) IsEarly(shiftStart, t time.Time) bool {
	return !t.After(shiftStart.Add(-r.EarlyBonusThreshold))
}

// CheckInFacts is what the check-in rules look at.
type CheckInFacts struct {
	Booking model.Booking
	At      time.Time
}

// CompletionFacts is what the completion rules look at. RecentCompletions
// counts completions in the trailing frequency window, this one included.
type CompletionFacts struct {
	Booking           model.Booking
	Location          *time.Location
	Severity          model.Severity
	RecentCompletions int
	At                time.Time
}

type checkInRule struct {
	reason model.Reason
	points int
	when   func(r Rules, f CheckInFacts) bool
}

type completionRule struct {
	reason model.Reason
	points int
	when   func(r Rules, f CompletionFacts) bool
}

var checkInRules = []checkInRule{
	{model.ReasonCheckIn, PointsCheckIn, func(Rules, CheckInFacts) bool { return true }},
	{model.ReasonEarlyCheckIn, PointsEarlyCheckIn, func(r Rules, f CheckInFacts) bool {
		return r.IsEarly(f.Booking.ShiftStart, f.At)
	}},
}

var completionRules = []completionRule{
	{model.ReasonCompletion, PointsCompletion, func(Rules, CompletionFacts) bool { return true }},
	{model.ReasonSeriousIncident, PointsSeriousIncident, func(_ Rules, f CompletionFacts) bool {
		return f.Severity == model.HighestSeverity
	}},
	{model.ReasonWeekend, PointsWeekend, func(_ Rules, f CompletionFacts) bool {
		wd := f.localStart().Weekday()
		return wd == time.Saturday || wd == time.Sunday
	}},
	{model.ReasonLateNight, PointsLateNight, func(_ Rules, f CompletionFacts) bool {
		h := f.localStart().Hour()
		return h >= LateNightStartHour || h < LateNightEndHour
	}},
	{model.ReasonFrequency, PointsFrequency, func(r Rules, f CompletionFacts) bool {
		return r.FrequencyMin > 0 && f.RecentCompletions >= r.FrequencyMin
	}},
}

func (f CompletionFacts) localStart() time.Time {
	if f.Location == nil {
		return f.Booking.ShiftStart.UTC()
	}
	return f.Booking.ShiftStart.In(f.Location)
}

// CheckInEntries returns one ledger entry per check-in rule that fires.
func (r Rules) CheckInEntries(f CheckInFacts) []model.PointsEntry {
	var entries []model.PointsEntry
	for _, rule := range checkInRules {
		if rule.when(r, f) {
			entries = append(entries, r.entry(f.Booking, rule.reason, rule.points, f.At))
		}
	}
	return entries
}

// CompletionEntries returns one ledger entry per completion rule that fires.
// A booking that was never checked in earns nothing.
func (r Rules) CompletionEntries(f CompletionFacts) []model.PointsEntry {
	if !f.Booking.CheckedIn() {
		return nil
	}
	var entries []model.PointsEntry
	for _, rule := range completionRules {
		if rule.when(r, f) {
			entries = append(entries, r.entry(f.Booking, rule.reason, rule.points, f.At))
		}
	}
	return entries
}

// ReversalEntries offsets every positive entry with a negative one of the
// same weight.
func ReversalEntries(entries []model.PointsEntry, at time.Time) []model.PointsEntry {
	var out []model.PointsEntry
	for _, e := range entries {
		if e.Reason == model.ReasonCancellationReversal || e.PointsAwarded == 0 {
			continue
		}
		out = append(out, model.PointsEntry{
			UserID:        e.UserID,
			BookingID:     e.BookingID,
			PointsAwarded: -e.PointsAwarded,
			Reason:        model.ReasonCancellationReversal,
			Multiplier:    e.Multiplier,
			CreatedAt:     at,
		})
	}
	return out
}

func (r Rules) entry(b model.Booking, reason model.Reason, points int, at time.Time) model.PointsEntry {
	id := b.ID
	return model.PointsEntry{
		UserID:        b.UserID,
		BookingID:     &id,
		PointsAwarded: points,
		Reason:        reason,
		Multiplier:    r.Multiplier(at),
		CreatedAt:     at,
	}
}
