package gamification

import (
	"time"

	"github.com/dukerupert/nightwatch/internal/model"
	"github.com/dukerupert/nightwatch/internal/store"
)

// Satisfied evaluates an unlock rule against a user's state.
func Satisfied(rule model.UnlockRule, g model.UserGameState) bool {
	switch rule.Kind {
	case model.RuleShiftCount:
		return g.ShiftCount >= rule.Threshold
	case model.RulePoints:
		return g.TotalPoints >= rule.Threshold
	case model.RuleStreak:
		return g.LongestStreak >= rule.Threshold
	case model.RuleAll:
		if len(rule.All) == 0 {
			return false
		}
		for _, sub := range rule.All {
			if !Satisfied(sub, g) {
				return false
			}
		}
		return true
	}
	return false
}

// EvaluateAchievements awards every not-yet-earned achievement the state
// satisfies and returns the ones this call inserted. Awards are
// insert-if-absent, so concurrent evaluations never double-award.
func EvaluateAchievements(db store.DBTX, g model.UserGameState, at time.Time) ([]model.Achievement, error) {
	as := store.NewAchievementStore(db)
	candidates, err := as.ListUnearned(g.UserID)
	if err != nil {
		return nil, err
	}

	var unlocked []model.Achievement
	for _, a := range candidates {
		if !Satisfied(a.Rule, g) {
			continue
		}
		inserted, err := as.Award(g.UserID, a.ID, at)
		if err != nil {
			return nil, err
		}
		if inserted {
			unlocked = append(unlocked, a)
		}
	}
	return unlocked, nil
}
