package model

import "time"

type RuleKind string

const (
	RuleShiftCount RuleKind = "shift_count"
	RulePoints     RuleKind = "points"
	RuleStreak     RuleKind = "streak"
	RuleAll        RuleKind = "all"
)

// UnlockRule is a closed union of threshold conditions. Leaf kinds use
// Threshold; RuleAll requires every rule in All to hold.
type UnlockRule struct {
	Kind      RuleKind     `json:"kind"`
	Threshold int          `json:"threshold,omitempty"`
	All       []UnlockRule `json:"all,omitempty"`
}

type Achievement struct {
	ID          int64      `json:"id"`
	Code        string     `json:"code"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Icon        string     `json:"icon"`
	Rule        UnlockRule `json:"rule"`
	SortOrder   int        `json:"sort_order"`
}

type UserAchievement struct {
	UserID        int64     `json:"user_id"`
	AchievementID int64     `json:"achievement_id"`
	EarnedAt      time.Time `json:"earned_at"`
}

// AchievementProgress is an achievement as seen by one user.
type AchievementProgress struct {
	Achievement
	EarnedAt *time.Time `json:"earned_at"`
}
