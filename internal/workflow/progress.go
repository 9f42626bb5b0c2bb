// Package workflow holds the pure derivations behind the stage view: checklist
// progress and approval gating. Nothing here touches storage.
package workflow

import (
	"math"

	"stageline/internal/domain"
)

// Progress summarizes checklist completion for one stage.
func Progress(items []domain.ChecklistItem) domain.Progress {
	p := domain.Progress{TotalCount: len(items)}
	for _, it := range items {
		if it.IsCompleted {
			p.CompletedCount++
		}
	}
	if p.TotalCount == 0 {
		return p
	}
	p.Percent = int(math.Round(100 * float64(p.CompletedCount) / float64(p.TotalCount)))
	p.IsFullyComplete = p.CompletedCount == p.TotalCount
	return p
}

// StatusFor maps progress onto the display label stored on a stage.
func StatusFor(p domain.Progress) string {
	switch {
	case p.IsFullyComplete:
		return domain.StageStatusCompleted
	case p.CompletedCount > 0:
		return domain.StageStatusInProgress
	default:
		return domain.StageStatusPending
	}
}
