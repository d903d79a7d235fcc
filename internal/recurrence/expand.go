package recurrence

import (
	"fmt"
	"sort"
	"time"
	_ "time/tzdata"

	"github.com/dukerupert/nightwatch/internal/model"
)

// DefaultMaxWindow bounds a single expansion request.
const DefaultMaxWindow = 92 * 24 * time.Hour

// Expander turns schedules into concrete slots. It holds no mutable state
// and is safe for concurrent use.
type Expander struct {
	MaxWindow time.Duration
}

func NewExpander(maxWindow time.Duration) *Expander {
	if maxWindow <= 0 {
		maxWindow = DefaultMaxWindow
	}
	return &Expander{MaxWindow: maxWindow}
}

// Expand returns the slots of s whose start lies in [windowStart, windowEnd)
// and inside the schedule's active dates, ordered by start. Returned times
// are UTC.
//
// Wall-clock triggers that fall in a DST gap resolve to the first instant
// after the gap; triggers that occur twice in a DST overlap resolve to the
// earlier instant. A gap trigger that resolves onto another trigger of the
// same day (02:00 and 03:00 across a 02:00 to 03:00 jump) yields one slot,
// since a slot is identified by its start.
func (e *Expander) Expand(s model.Schedule, windowStart, windowEnd time.Time) ([]model.ShiftSlot, error) {
	if windowStart.IsZero() || windowEnd.IsZero() {
		return nil, fmt.Errorf("%w: window start and end are required", ErrUnboundedWindow)
	}
	if windowEnd.Before(windowStart) {
		return nil, fmt.Errorf("%w: window end %s before start %s", ErrUnboundedWindow, windowEnd, windowStart)
	}
	if windowEnd.Sub(windowStart) > e.MaxWindow {
		return nil, fmt.Errorf("%w: window %s exceeds %s", ErrUnboundedWindow, windowEnd.Sub(windowStart), e.MaxWindow)
	}

	c, loc, err := compile(s)
	if err != nil {
		return nil, err
	}

	lo, hi := windowStart.UTC(), windowEnd.UTC()
	if s.StartDate != nil {
		from := civilMidnight(*s.StartDate, 0, loc)
		if from.After(lo) {
			lo = from
		}
	}
	if s.EndDate != nil {
		until := civilMidnight(*s.EndDate, 1, loc)
		if until.Before(hi) {
			hi = until
		}
	}
	if !lo.Before(hi) {
		return []model.ShiftSlot{}, nil
	}

	duration := s.Duration()
	slots := []model.ShiftSlot{}

	// Walk civil dates with a one-day margin on each side; zone offsets can
	// move a local trigger across the UTC date line.
	day := civilNoon(lo.In(loc)).AddDate(0, 0, -1)
	last := civilNoon(hi.In(loc)).AddDate(0, 0, 1)
	for !day.After(last) {
		y, m, d := day.Date()
		if c.matchesMonth(int(m)) && c.matchesDay(d, int(day.Weekday())) {
			for _, h := range c.hours() {
				for _, mi := range c.minutes() {
					start := resolveWallClock(y, m, d, h, mi, loc)
					if start.Before(lo) || !start.Before(hi) {
						continue
					}
					slots = append(slots, model.ShiftSlot{
						ScheduleID: s.ID,
						Start:      start,
						End:        start.Add(duration),
					})
				}
			}
		}
		day = day.AddDate(0, 0, 1)
	}

	sort.SliceStable(slots, func(i, j int) bool {
		return slots[i].Start.Before(slots[j].Start)
	})
	return dedupe(slots), nil
}

// Contains reports whether start is exactly one of the schedule's slots.
func (e *Expander) Contains(s model.Schedule, start time.Time) (bool, error) {
	slots, err := e.Expand(s, start, start.Add(time.Minute))
	if err != nil {
		return false, err
	}
	for _, slot := range slots {
		if slot.Start.Equal(start) {
			return true, nil
		}
	}
	return false, nil
}

// Validate checks everything Expand needs from a schedule definition.
func Validate(s model.Schedule) error {
	_, _, err := compile(s)
	return err
}

func compile(s model.Schedule) (*Cron, *time.Location, error) {
	c, err := ParseCron(s.CronExpr)
	if err != nil {
		return nil, nil, err
	}
	if s.DurationMinutes <= 0 {
		return nil, nil, fmt.Errorf("%w: duration must be positive", ErrInvalidSchedule)
	}
	if s.Timezone == "" {
		return nil, nil, fmt.Errorf("%w: timezone is required", ErrInvalidSchedule)
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidSchedule, s.Timezone, err)
	}
	if s.StartDate != nil && s.EndDate != nil && civilNoon(*s.EndDate).Before(civilNoon(*s.StartDate)) {
		return nil, nil, fmt.Errorf("%w: end_date before start_date", ErrInvalidSchedule)
	}
	return c, loc, nil
}

// resolveWallClock maps a local wall-clock time to a UTC instant.
func resolveWallClock(y int, m time.Month, d, h, mi int, loc *time.Location) time.Time {
	wall := time.Date(y, m, d, h, mi, 0, 0, time.UTC)

	_, offBefore := wall.Add(-24 * time.Hour).In(loc).Zone()
	_, offAfter := wall.Add(24 * time.Hour).In(loc).Zone()

	var best time.Time
	for _, off := range []int{offBefore, offAfter} {
		candidate := wall.Add(-time.Duration(off) * time.Second)
		local := candidate.In(loc)
		if local.Year() != y || local.Month() != m || local.Day() != d || local.Hour() != h || local.Minute() != mi {
			continue
		}
		if best.IsZero() || candidate.Before(best) {
			best = candidate
		}
	}
	if !best.IsZero() {
		return best.UTC()
	}

	// Nonexistent local time: the earliest valid instant is the start of the
	// zone period that swallowed it.
	shifted := wall.Add(-time.Duration(offBefore) * time.Second).In(loc)
	start, _ := shifted.ZoneBounds()
	if start.IsZero() {
		return shifted.UTC()
	}
	return start.UTC()
}

func civilMidnight(date time.Time, addDays int, loc *time.Location) time.Time {
	y, m, d := civilNoon(date).AddDate(0, 0, addDays).Date()
	return resolveWallClock(y, m, d, 0, 0, loc)
}

func civilNoon(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 12, 0, 0, 0, time.UTC)
}

// dedupe drops slots that share a start with their predecessor. slots must
// be sorted.
func dedupe(slots []model.ShiftSlot) []model.ShiftSlot {
	if len(slots) < 2 {
		return slots
	}
	out := slots[:1]
	for _, s := range slots[1:] {
		if !s.Start.Equal(out[len(out)-1].Start) {
			out = append(out, s)
		}
	}
	return out
}
