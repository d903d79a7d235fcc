package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/dukerupert/nightwatch/internal/model"
)

// GameStateStore holds the cached per-user projection of the ledger.
type GameStateStore struct {
	db DBTX
}

func NewGameStateStore(db DBTX) *GameStateStore {
	return &GameStateStore{db: db}
}

func scanGameState(scanner interface{ Scan(...any) error }) (*model.UserGameState, error) {
	var g model.UserGameState
	var lastActivity sql.NullTime

	err := scanner.Scan(
		&g.UserID, &g.TotalPoints, &g.ShiftCount, &g.CurrentStreak,
		&g.LongestStreak, &lastActivity, &g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastActivity.Valid {
		t := lastActivity.Time.UTC()
		g.LastActivityDate = &t
	}
	return &g, nil
}

const gameStateCols = `user_id, total_points, shift_count, current_streak, longest_streak, last_activity_date, updated_at`

// Get returns the user's state, or a zero state if none has been written.
func (s *GameStateStore) Get(userID int64) (*model.UserGameState, error) {
	row := s.db.QueryRow(`SELECT `+gameStateCols+` FROM user_game_state WHERE user_id = ?`, userID)
	g, err := scanGameState(row)
	if err == sql.ErrNoRows {
		return &model.UserGameState{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get game state: %w", err)
	}
	return g, nil
}

func (s *GameStateStore) Upsert(g model.UserGameState) error {
	_, err := s.db.Exec(
		`INSERT INTO user_game_state (user_id, total_points, shift_count, current_streak, longest_streak, last_activity_date, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   total_points = excluded.total_points,
		   shift_count = excluded.shift_count,
		   current_streak = excluded.current_streak,
		   longest_streak = excluded.longest_streak,
		   last_activity_date = excluded.last_activity_date,
		   updated_at = excluded.updated_at`,
		g.UserID, g.TotalPoints, g.ShiftCount, g.CurrentStreak, g.LongestStreak,
		nullTime(g.LastActivityDate), ts(g.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert game state: %w", err)
	}
	return nil
}

func (s *GameStateStore) List() ([]model.UserGameState, error) {
	rows, err := s.db.Query(`SELECT ` + gameStateCols + ` FROM user_game_state ORDER BY user_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list game states: %w", err)
	}
	defer rows.Close()

	var states []model.UserGameState
	for rows.Next() {
		g, err := scanGameState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan game state: %w", err)
		}
		states = append(states, *g)
	}
	return states, rows.Err()
}

// --- Leaderboard queries ---

// Ranks are non-dense: 1 + the number of users with a strictly greater
// score, so tied users share a rank. Users without a state row score zero.

const (
	pointsScore = `COALESCE(g.total_points, 0)`
	shiftsScore = `COALESCE(g.shift_count, 0)`
)

func leaderboardQuery(score, tiebreak string) string {
	other := strings.ReplaceAll(score, "g.", "g2.")
	return `SELECT u.id, u.name, ` + pointsScore + `, ` + shiftsScore + `,
		1 + (SELECT COUNT(*) FROM users u2 LEFT JOIN user_game_state g2 ON g2.user_id = u2.id
		     WHERE ` + other + ` > ` + score + `)
		FROM users u LEFT JOIN user_game_state g ON g.user_id = u.id
		ORDER BY ` + score + ` DESC, ` + tiebreak + ` DESC, u.id ASC
		LIMIT ?`
}

// TopByPoints orders by points, ties broken by shift count.
func (s *GameStateStore) TopByPoints(limit int) ([]model.LeaderboardEntry, error) {
	return s.top(leaderboardQuery(pointsScore, shiftsScore), limit)
}

// TopByShiftCount orders by shift count, ties broken by points.
func (s *GameStateStore) TopByShiftCount(limit int) ([]model.LeaderboardEntry, error) {
	return s.top(leaderboardQuery(shiftsScore, pointsScore), limit)
}

func (s *GameStateStore) top(query string, limit int) ([]model.LeaderboardEntry, error) {
	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("query leaderboard: %w", err)
	}
	defer rows.Close()

	var entries []model.LeaderboardEntry
	for rows.Next() {
		var e model.LeaderboardEntry
		if err := rows.Scan(&e.UserID, &e.Name, &e.TotalPoints, &e.ShiftCount, &e.Rank); err != nil {
			return nil, fmt.Errorf("scan leaderboard entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RankByPoints returns the rank a user with the given points would hold.
func (s *GameStateStore) RankByPoints(points int) (int, error) {
	return s.rank(pointsScore, points)
}

// RankByShiftCount returns the rank a user with the given shift count would
// hold.
func (s *GameStateStore) RankByShiftCount(shifts int) (int, error) {
	return s.rank(shiftsScore, shifts)
}

func (s *GameStateStore) rank(score string, value int) (int, error) {
	var greater int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM users u LEFT JOIN user_game_state g ON g.user_id = u.id WHERE `+score+` > ?`,
		value,
	).Scan(&greater)
	if err != nil {
		return 0, fmt.Errorf("rank: %w", err)
	}
	return 1 + greater, nil
}
