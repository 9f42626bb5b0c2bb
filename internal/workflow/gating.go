package workflow

import (
	"sort"

	"stageline/internal/domain"
)

// GateInput is what the gating pass needs to know about one stage.
// LatestApprovalStatus is empty when the stage has never had an approval requested.
type GateInput struct {
	StageID              string
	Order                int
	RequiresApproval     bool
	LatestApprovalStatus string
}

// Gate is the derived blocking state of one stage.
type Gate struct {
	Blocked   bool
	BlockedBy string
}

// Evaluate walks the stages in order. The gate starts open; a stage that requires
// approval closes it for every later stage unless its latest approval is approved.
// Stages that do not require approval never change the gate.
func Evaluate(stages []GateInput) map[string]Gate {
	ordered := make([]GateInput, len(stages))
	copy(ordered, stages)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	res := make(map[string]Gate, len(ordered))
	closedBy := ""
	for _, s := range ordered {
		res[s.StageID] = Gate{Blocked: closedBy != "", BlockedBy: closedBy}
		if closedBy != "" || !s.RequiresApproval {
			continue
		}
		if s.LatestApprovalStatus != domain.ApprovalApproved {
			closedBy = s.StageID
		}
	}
	return res
}

// DeriveBlocking returns only the blocked flag per stage id.
func DeriveBlocking(stages []GateInput) map[string]bool {
	gates := Evaluate(stages)
	res := make(map[string]bool, len(gates))
	for id, g := range gates {
		res[id] = g.Blocked
	}
	return res
}

// LatestApproval returns the most recent approval: greatest created_at, ties broken by
// id (approval ids sort by creation time).
func LatestApproval(approvals []domain.Approval) *domain.Approval {
	var latest *domain.Approval
	for i := range approvals {
		a := &approvals[i]
		if latest == nil || a.CreatedAt > latest.CreatedAt || (a.CreatedAt == latest.CreatedAt && a.ID > latest.ID) {
			latest = a
		}
	}
	return latest
}
