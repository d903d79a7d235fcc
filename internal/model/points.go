package model

import (
	"math"
	"time"
)

// Reason tags a ledger entry with the rule that produced it.
type Reason string

const (
	ReasonCheckIn              Reason = "check_in"
	ReasonEarlyCheckIn         Reason = "early_check_in"
	ReasonCompletion           Reason = "completion"
	ReasonSeriousIncident      Reason = "serious_incident"
	ReasonWeekend              Reason = "weekend"
	ReasonLateNight            Reason = "late_night"
	ReasonFrequency            Reason = "frequency"
	ReasonCancellationReversal Reason = "cancellation_reversal"
)

type PointsEntry struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"user_id"`
	BookingID     *int64    `json:"booking_id,omitempty"`
	PointsAwarded int       `json:"points_awarded"`
	Reason        Reason    `json:"reason"`
	Multiplier    float64   `json:"multiplier"`
	CreatedAt     time.Time `json:"created_at"`
}

// Weighted is the entry's contribution to the user's total. Rounding is per
// entry, half away from zero, matching SQLite's ROUND.
func (e PointsEntry) Weighted() int {
	return int(math.Round(float64(e.PointsAwarded) * e.Multiplier))
}

// UserGameState is a projection of the ledger and completed bookings.
type UserGameState struct {
	UserID           int64      `json:"user_id"`
	TotalPoints      int        `json:"total_points"`
	ShiftCount       int        `json:"shift_count"`
	CurrentStreak    int        `json:"current_streak"`
	LongestStreak    int        `json:"longest_streak"`
	LastActivityDate *time.Time `json:"last_activity_date"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

type LeaderboardEntry struct {
	UserID      int64  `json:"user_id"`
	Name        string `json:"name"`
	TotalPoints int    `json:"total_points"`
	ShiftCount  int    `json:"shift_count"`
	Rank        int    `json:"rank"`
}
