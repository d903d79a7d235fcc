package gamification

import (
	"sort"
	"time"

	"github.com/dukerupert/nightwatch/internal/model"
)

// StreakTracker maintains consecutive-participation streaks. A completed
// shift starting within Period of the previous one extends the streak; a
// longer gap restarts it at 1.
type StreakTracker struct {
	Period time.Duration
}

// Advance folds one completed shift into the state. Shifts must arrive in
// start order; one older than the last recorded activity is ignored, so
// history completed out of order goes through Replay.
func (s StreakTracker) Advance(g *model.UserGameState, shiftStart time.Time) {
	shiftStart = shiftStart.UTC()
	switch {
	case g.LastActivityDate == nil:
		g.CurrentStreak = 1
	case !shiftStart.After(*g.LastActivityDate):
		return
	case shiftStart.Sub(*g.LastActivityDate) <= s.Period:
		g.CurrentStreak++
	default:
		g.CurrentStreak = 1
	}
	g.LastActivityDate = &shiftStart
	if g.CurrentStreak > g.LongestStreak {
		g.LongestStreak = g.CurrentStreak
	}
}

// Replay rebuilds the streak fields from a user's full completion history.
func (s StreakTracker) Replay(g *model.UserGameState, starts []time.Time) {
	sorted := append([]time.Time(nil), starts...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	g.CurrentStreak = 0
	g.LongestStreak = 0
	g.LastActivityDate = nil
	for _, t := range sorted {
		s.Advance(g, t)
	}
}
