package gamification

import (
	"log/slog"
	"sort"

	"github.com/dukerupert/nightwatch/internal/store"
)

// Divergence is a user whose cached projection disagrees with the ledger.
type Divergence struct {
	UserID          int64
	LedgerPoints    int
	ProjectedPoints int
	CompletedShifts int
	ProjectedShifts int
}

// Reconcile compares every cached game state with the ledger and the
// completion history. Divergence should be impossible; each one found is
// logged at error level and returned. Nothing is corrected.
func Reconcile(db store.DBTX, logger *slog.Logger) ([]Divergence, error) {
	states, err := store.NewGameStateStore(db).List()
	if err != nil {
		return nil, err
	}
	totals, err := store.NewPointsStore(db).Totals()
	if err != nil {
		return nil, err
	}
	completions, err := store.NewReportStore(db).CompletionCounts()
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]bool, len(states))
	var out []Divergence
	for _, g := range states {
		seen[g.UserID] = true
		if g.TotalPoints != totals[g.UserID] || g.ShiftCount != completions[g.UserID] {
			out = append(out, Divergence{
				UserID:          g.UserID,
				LedgerPoints:    totals[g.UserID],
				ProjectedPoints: g.TotalPoints,
				CompletedShifts: completions[g.UserID],
				ProjectedShifts: g.ShiftCount,
			})
		}
	}
	// Ledger rows with no projection at all.
	for userID, total := range totals {
		if !seen[userID] && total != 0 {
			out = append(out, Divergence{UserID: userID, LedgerPoints: total, CompletedShifts: completions[userID]})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })

	for _, d := range out {
		logger.Error("game state diverges from ledger",
			"user_id", d.UserID,
			"ledger_points", d.LedgerPoints,
			"projected_points", d.ProjectedPoints,
			"completed_shifts", d.CompletedShifts,
			"projected_shifts", d.ProjectedShifts,
		)
	}
	return out, nil
}
