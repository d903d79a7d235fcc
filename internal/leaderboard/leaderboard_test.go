package leaderboard

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/dukerupert/nightwatch/internal/database"
	"github.com/dukerupert/nightwatch/internal/model"
	"github.com/dukerupert/nightwatch/internal/store"
)

func seed(t *testing.T, scores map[string][2]int) (*sql.DB, map[string]int64) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	users := store.NewUserStore(db)
	gs := store.NewGameStateStore(db)
	now := time.Date(2026, 2, 2, 18, 0, 0, 0, time.UTC)
	ids := make(map[string]int64)
	for _, name := range []string{"ann", "ben", "cat", "dan", "eve"} {
		u, err := users.Create(name, name+"@example.com", "")
		if err != nil {
			t.Fatalf("create user: %v", err)
		}
		ids[name] = u.ID
		s, ok := scores[name]
		if !ok {
			continue
		}
		if err := gs.Upsert(model.UserGameState{UserID: u.ID, TotalPoints: s[0], ShiftCount: s[1], UpdatedAt: now}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	return db, ids
}

func TestRankOfTies(t *testing.T) {
	db, ids := seed(t, map[string][2]int{
		"ann": {50, 3},
		"ben": {50, 5},
		"cat": {40, 9},
		"dan": {10, 9},
	})
	p := NewProjector(db)

	tests := []struct {
		name   string
		points int
		shifts int
	}{
		{"ann", 1, 4},
		{"ben", 1, 3},
		{"cat", 3, 1},
		{"dan", 4, 1},
		{"eve", 5, 5},
	}
	for _, tt := range tests {
		r, err := p.RankOf(ids[tt.name])
		if err != nil {
			t.Fatalf("rank of %s: %v", tt.name, err)
		}
		if r.PointsRank != tt.points || r.ShiftsRank != tt.shifts {
			t.Errorf("%s: rank = %d/%d, want %d/%d", tt.name, r.PointsRank, r.ShiftsRank, tt.points, tt.shifts)
		}
	}
}

func TestRankMonotonic(t *testing.T) {
	db, ids := seed(t, map[string][2]int{
		"ann": {90, 1},
		"ben": {70, 2},
		"cat": {70, 2},
		"dan": {5, 7},
	})
	p := NewProjector(db)

	ranks := make(map[string]*Rank)
	for name, id := range ids {
		r, err := p.RankOf(id)
		if err != nil {
			t.Fatalf("rank of %s: %v", name, err)
		}
		ranks[name] = r
	}
	for a, ra := range ranks {
		for b, rb := range ranks {
			if ra.TotalPoints > rb.TotalPoints && ra.PointsRank > rb.PointsRank {
				t.Errorf("%s has more points than %s but ranks %d > %d", a, b, ra.PointsRank, rb.PointsRank)
			}
		}
	}
}

func TestTopAndClamp(t *testing.T) {
	db, ids := seed(t, map[string][2]int{
		"ann": {50, 3},
		"ben": {50, 5},
		"cat": {40, 9},
	})
	p := NewProjector(db)

	top, err := p.Top(ByPoints, 2)
	if err != nil {
		t.Fatalf("top: %v", err)
	}
	if len(top) != 2 || top[0].UserID != ids["ben"] || top[1].UserID != ids["ann"] {
		t.Errorf("top by points = %+v, want ben then ann", top)
	}

	top, err = p.Top(ByShifts, 0)
	if err != nil {
		t.Fatalf("top: %v", err)
	}
	if len(top) != 5 {
		t.Errorf("default limit returned %d entries, want all 5", len(top))
	}
	if top[0].UserID != ids["cat"] || top[0].Rank != 1 {
		t.Errorf("top[0] = %+v, want cat at rank 1", top[0])
	}
	// Two users with no state share the last rank.
	if top[3].Rank != 4 || top[4].Rank != 4 {
		t.Errorf("tail ranks = %d, %d, want 4, 4", top[3].Rank, top[4].Rank)
	}
}

func TestParseCriterion(t *testing.T) {
	tests := []struct {
		in   string
		want Criterion
	}{
		{"", ByPoints},
		{"points", ByPoints},
		{"shifts", ByShifts},
	}
	for _, tt := range tests {
		got, err := ParseCriterion(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseCriterion(%q) = %q, %v, want %q", tt.in, got, err, tt.want)
		}
	}
	if _, err := ParseCriterion("streak"); !errors.Is(err, ErrUnknownCriterion) {
		t.Errorf("err = %v, want ErrUnknownCriterion", err)
	}
}
