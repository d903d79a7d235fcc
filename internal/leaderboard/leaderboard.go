package leaderboard

import (
	"errors"
	"fmt"

	"github.com/dukerupert/nightwatch/internal/model"
	"github.com/dukerupert/nightwatch/internal/store"
)

// Criterion selects what a leaderboard is ordered by.
type Criterion string

const (
	ByPoints Criterion = "points"
	ByShifts Criterion = "shifts"
)

var ErrUnknownCriterion = errors.New("unknown leaderboard criterion")

// ParseCriterion accepts "points" (the default when empty) or "shifts".
func ParseCriterion(s string) (Criterion, error) {
	switch Criterion(s) {
	case "", ByPoints:
		return ByPoints, nil
	case ByShifts:
		return ByShifts, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCriterion, s)
}

const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// Rank is a user's position under both criteria.
type Rank struct {
	UserID      int64 `json:"user_id"`
	TotalPoints int   `json:"total_points"`
	ShiftCount  int   `json:"shift_count"`
	PointsRank  int   `json:"points_rank"`
	ShiftsRank  int   `json:"shifts_rank"`
}

// Projector serves read-only rankings over the game state projection. Rank
// is 1 + the number of users with a strictly greater score, so tied users
// share a rank and the next rank is skipped.
type Projector struct {
	db store.DBTX
}

func NewProjector(db store.DBTX) *Projector {
	return &Projector{db: db}
}

func clampLimit(n int) int {
	if n <= 0 {
		return DefaultLimit
	}
	if n > MaxLimit {
		return MaxLimit
	}
	return n
}

// TopByPoints orders by points, ties broken by shift count.
func (p *Projector) TopByPoints(n int) ([]model.LeaderboardEntry, error) {
	return store.NewGameStateStore(p.db).TopByPoints(clampLimit(n))
}

// TopByShiftCount orders by shift count, ties broken by points.
func (p *Projector) TopByShiftCount(n int) ([]model.LeaderboardEntry, error) {
	return store.NewGameStateStore(p.db).TopByShiftCount(clampLimit(n))
}

func (p *Projector) Top(by Criterion, n int) ([]model.LeaderboardEntry, error) {
	if by == ByShifts {
		return p.TopByShiftCount(n)
	}
	return p.TopByPoints(n)
}

// RankOf returns the user's rank under both criteria. A user with no
// activity scores zero.
func (p *Projector) RankOf(userID int64) (*Rank, error) {
	gs := store.NewGameStateStore(p.db)
	g, err := gs.Get(userID)
	if err != nil {
		return nil, err
	}

	r := &Rank{UserID: userID, TotalPoints: g.TotalPoints, ShiftCount: g.ShiftCount}
	if r.PointsRank, err = gs.RankByPoints(g.TotalPoints); err != nil {
		return nil, err
	}
	if r.ShiftsRank, err = gs.RankByShiftCount(g.ShiftCount); err != nil {
		return nil, err
	}
	return r, nil
}
