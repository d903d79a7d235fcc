package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/nightwatch/internal/model"
)

type AchievementStore struct {
	db DBTX
}

func NewAchievementStore(db DBTX) *AchievementStore {
	return &AchievementStore{db: db}
}

func scanAchievement(scanner interface{ Scan(...any) error }, extra ...any) (*model.Achievement, error) {
	var a model.Achievement
	var kind string
	var minShifts, minPoints, minStreak sql.NullInt64

	dest := []any{
		&a.ID, &a.Code, &a.Name, &a.Description, &a.Icon,
		&kind, &minShifts, &minPoints, &minStreak, &a.SortOrder,
	}
	if err := scanner.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	rule, err := buildRule(model.RuleKind(kind), minShifts, minPoints, minStreak)
	if err != nil {
		return nil, fmt.Errorf("achievement %q: %w", a.Code, err)
	}
	a.Rule = rule
	return &a, nil
}

// buildRule maps the row's threshold columns onto the closed rule union.
func buildRule(kind model.RuleKind, minShifts, minPoints, minStreak sql.NullInt64) (model.UnlockRule, error) {
	leaf := func(k model.RuleKind, v sql.NullInt64) model.UnlockRule {
		return model.UnlockRule{Kind: k, Threshold: int(v.Int64)}
	}

	switch kind {
	case model.RuleShiftCount:
		return leaf(kind, minShifts), nil
	case model.RulePoints:
		return leaf(kind, minPoints), nil
	case model.RuleStreak:
		return leaf(kind, minStreak), nil
	case model.RuleAll:
		rule := model.UnlockRule{Kind: model.RuleAll}
		if minShifts.Valid {
			rule.All = append(rule.All, leaf(model.RuleShiftCount, minShifts))
		}
		if minPoints.Valid {
			rule.All = append(rule.All, leaf(model.RulePoints, minPoints))
		}
		if minStreak.Valid {
			rule.All = append(rule.All, leaf(model.RuleStreak, minStreak))
		}
		return rule, nil
	}
	return model.UnlockRule{}, fmt.Errorf("unknown rule kind %q", kind)
}

const achievementCols = `a.id, a.code, a.name, a.description, a.icon, a.rule_kind, a.min_shifts, a.min_points, a.min_streak, a.sort_order`

func (s *AchievementStore) List() ([]model.Achievement, error) {
	rows, err := s.db.Query(`SELECT ` + achievementCols + ` FROM achievements a ORDER BY a.sort_order ASC, a.id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list achievements: %w", err)
	}
	defer rows.Close()

	var achievements []model.Achievement
	for rows.Next() {
		a, err := scanAchievement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan achievement: %w", err)
		}
		achievements = append(achievements, *a)
	}
	return achievements, rows.Err()
}

// ListUnearned returns the achievements the user does not yet hold.
func (s *AchievementStore) ListUnearned(userID int64) ([]model.Achievement, error) {
	rows, err := s.db.Query(
		`SELECT `+achievementCols+` FROM achievements a
		 WHERE NOT EXISTS (SELECT 1 FROM user_achievements ua WHERE ua.achievement_id = a.id AND ua.user_id = ?)
		 ORDER BY a.sort_order ASC, a.id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list unearned achievements: %w", err)
	}
	defer rows.Close()

	var achievements []model.Achievement
	for rows.Next() {
		a, err := scanAchievement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan achievement: %w", err)
		}
		achievements = append(achievements, *a)
	}
	return achievements, rows.Err()
}

// ListProgress returns every achievement with the user's earned_at, if any.
func (s *AchievementStore) ListProgress(userID int64) ([]model.AchievementProgress, error) {
	rows, err := s.db.Query(
		`SELECT `+achievementCols+`, ua.earned_at FROM achievements a
		 LEFT JOIN user_achievements ua ON ua.achievement_id = a.id AND ua.user_id = ?
		 ORDER BY a.sort_order ASC, a.id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list achievement progress: %w", err)
	}
	defer rows.Close()

	var progress []model.AchievementProgress
	for rows.Next() {
		var earnedAt sql.NullTime
		a, err := scanAchievement(rows, &earnedAt)
		if err != nil {
			return nil, fmt.Errorf("scan achievement: %w", err)
		}
		p := model.AchievementProgress{Achievement: *a}
		if earnedAt.Valid {
			t := earnedAt.Time.UTC()
			p.EarnedAt = &t
		}
		progress = append(progress, p)
	}
	return progress, rows.Err()
}

// Award grants an achievement at most once. It reports whether this call
// inserted the row; an existing award is a silent no-op.
func (s *AchievementStore) Award(userID, achievementID int64, at time.Time) (bool, error) {
	result, err := s.db.Exec(
		`INSERT INTO user_achievements (user_id, achievement_id, earned_at) VALUES (?, ?, ?)
		 ON CONFLICT(user_id, achievement_id) DO NOTHING`,
		userID, achievementID, ts(at),
	)
	if err != nil {
		return false, fmt.Errorf("award achievement: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *AchievementStore) CountEarned(userID int64) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM user_achievements WHERE user_id = ?`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count earned achievements: %w", err)
	}
	return n, nil
}
