package engine

import (
	"context"
	"errors"
	"fmt"

	"stageline/internal/approval"
	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/notify"
	"stageline/internal/workflow"
)

type ToggleResult struct {
	Item           domain.ChecklistItem `json:"item"`
	Stage          domain.StageView     `json:"stage"`
	StageCompleted bool                 `json:"stage_completed"`
}

// ToggleChecklistItem flips an item's completion. The owning stage's gating is
// re-derived first; a blocked stage fails with domain.StageBlockedError and nothing
// is written.
func (e Engine) ToggleChecklistItem(ctx context.Context, itemID, actorID string) (ToggleResult, error) {
	var res ToggleResult
	err := e.Store.InTx(ctx, func(st Store) error {
		item, err := st.GetChecklistItem(ctx, itemID)
		if err != nil {
			return err
		}
		before, _, err := e.loadStageView(ctx, st, item.StageID)
		if err != nil {
			return err
		}
		if before.Blocked {
			return domain.StageBlockedError{StageID: before.ID, BlockedBy: before.BlockedBy}
		}

		now := e.stamp()
		patch := domain.ChecklistItemPatch{IsCompleted: !item.IsCompleted}
		if patch.IsCompleted {
			by := actorID
			patch.CompletedAt = &now
			patch.CompletedBy = &by
		}
		if err := st.UpdateChecklistItem(ctx, item.ID, patch); err != nil {
			return err
		}

		items := make([]domain.ChecklistItem, len(before.Items))
		copy(items, before.Items)
		for i := range items {
			if items[i].ID == item.ID {
				items[i].IsCompleted = patch.IsCompleted
			}
		}
		progress := workflow.Progress(items)
		if status := workflow.StatusFor(progress); status != before.Status {
			if err := st.UpdateStage(ctx, before.ID, domain.StagePatch{Status: &status, UpdatedAt: now}); err != nil {
				return err
			}
		}

		w := e.events()
		if err := w.Append(ctx, st, events.ChecklistToggled, before.ProjectID, "checklist_item", item.ID, actorID, events.EventPayload{
			"stage_id":     before.ID,
			"is_completed": patch.IsCompleted,
			"percent":      progress.Percent,
		}); err != nil {
			return err
		}
		res.StageCompleted = progress.IsFullyComplete && !before.Progress.IsFullyComplete
		if res.StageCompleted {
			if err := w.Append(ctx, st, events.StageCompleted, before.ProjectID, "stage", before.ID, actorID, events.EventPayload{
				"total_count": progress.TotalCount,
			}); err != nil {
				return err
			}
		}

		if res.Item, err = st.GetChecklistItem(ctx, item.ID); err != nil {
			return err
		}
		res.Stage, _, err = e.loadStageView(ctx, st, before.ID)
		return err
	})
	if err != nil {
		return ToggleResult{}, err
	}
	if res.StageCompleted {
		e.approvals().Announce(notify.Notification{
			Kind:      notify.KindStageCompleted,
			ProjectID: res.Stage.ProjectID,
			StageID:   res.Stage.ID,
			StageName: res.Stage.Name,
			ActorID:   actorID,
		})
	}
	return res, nil
}

// SetRequiresApproval turns the client-approval gate of a stage on or off and
// returns the re-derived workflow.
func (e Engine) SetRequiresApproval(ctx context.Context, stageID string, value bool, actorID string) (domain.Workflow, error) {
	var wf domain.Workflow
	err := e.Store.InTx(ctx, func(st Store) error {
		stage, err := st.GetStage(ctx, stageID)
		if err != nil {
			return err
		}
		if stage.RequiresClientApproval != value {
			if err := st.UpdateStage(ctx, stage.ID, domain.StagePatch{RequiresClientApproval: &value, UpdatedAt: e.stamp()}); err != nil {
				return err
			}
			if err := e.events().Append(ctx, st, events.StageApprovalRequirementUpdated, stage.ProjectID, "stage", stage.ID, actorID, events.EventPayload{
				"requires_client_approval": value,
			}); err != nil {
				return err
			}
		}
		wf, err = e.loadWorkflow(ctx, st, stage.ProjectID)
		return err
	})
	if err != nil {
		return domain.Workflow{}, err
	}
	return wf, nil
}

type ApprovalRequest struct {
	Approval domain.Approval `json:"approval"`
	// URL carries the raw token and is only ever returned here.
	URL string `json:"url"`
}

// RequestApproval opens a new approval for a gated stage and notifies the client
// in the background.
func (e Engine) RequestApproval(ctx context.Context, stageID, actorID, notes string) (ApprovalRequest, error) {
	var (
		issued approval.Issued
		view   domain.StageView
	)
	svc := e.approvals()
	err := e.Store.InTx(ctx, func(st Store) error {
		var err error
		view, _, err = e.loadStageView(ctx, st, stageID)
		if err != nil {
			return err
		}
		if view.Blocked {
			return domain.StageBlockedError{StageID: view.ID, BlockedBy: view.BlockedBy}
		}
		if !view.RequiresClientApproval {
			return domain.NotReadyError{StageID: view.ID, Reason: "stage does not require client approval"}
		}
		if e.Config != nil && e.Config.Approvals.RequireComplete && !view.Progress.IsFullyComplete {
			return domain.NotReadyError{
				StageID: view.ID,
				Reason:  fmt.Sprintf("checklist is %d%% complete", view.Progress.Percent),
			}
		}
		if view.Approval != nil && view.Approval.Status == domain.ApprovalPending {
			return fmt.Errorf("stage %s: %w", view.ID, domain.ErrAlreadyPending)
		}
		if issued, err = svc.Issue(ctx, st, view.Stage, actorID, notes); err != nil {
			return err
		}
		return e.events().Append(ctx, st, events.ApprovalRequested, view.ProjectID, "approval", issued.Approval.ID, actorID, events.EventPayload{
			"stage_id": view.ID,
		})
	})
	if err != nil {
		return ApprovalRequest{}, err
	}
	svc.Announce(notify.Notification{
		Kind:       notify.KindApprovalRequested,
		ProjectID:  view.ProjectID,
		StageID:    view.ID,
		StageName:  view.Name,
		ApprovalID: issued.Approval.ID,
		URL:        issued.URL,
		Notes:      issued.Approval.Notes,
		ActorID:    actorID,
	})
	e.logger().Info("approval requested", "stage_id", view.ID, "approval_id", issued.Approval.ID)
	return ApprovalRequest{Approval: issued.Approval, URL: issued.URL}, nil
}

type Resolution struct {
	Approval domain.Approval `json:"approval"`
	// Unblocked lists the stages that were blocked before the decision and are not after.
	Unblocked []string `json:"unblocked"`
}

// ResolveApproval records the client's decision behind a token. A token that was
// already used fails with domain.ErrAlreadyResolved and the returned Resolution
// carries the decision recorded first. Only the latest approval of a stage can be
// resolved; older pending ones fail with domain.ErrSuperseded.
func (e Engine) ResolveApproval(ctx context.Context, token, decision, approverName, comment string) (Resolution, error) {
	var (
		res   Resolution
		stage domain.Stage
	)
	svc := e.approvals()
	err := e.Store.InTx(ctx, func(st Store) error {
		current, err := svc.Lookup(ctx, st, token)
		if err != nil {
			return err
		}
		if stage, err = st.GetStage(ctx, current.StageID); err != nil {
			return err
		}
		if current.Status == domain.ApprovalPending {
			history, err := st.ListApprovals(ctx, stage.ID)
			if err != nil {
				return err
			}
			if len(history) > 0 && history[len(history)-1].ID != current.ID {
				return fmt.Errorf("approval %s: %w", current.ID, domain.ErrSuperseded)
			}
		}
		before, err := e.loadWorkflow(ctx, st, stage.ProjectID)
		if err != nil {
			return err
		}
		res.Approval, err = svc.Resolve(ctx, st, token, decision, approverName, comment)
		if err != nil {
			return err
		}
		if err := e.events().Append(ctx, st, events.ApprovalResolved, stage.ProjectID, "approval", res.Approval.ID, approverName, events.EventPayload{
			"stage_id": stage.ID,
			"status":   res.Approval.Status,
			"decision": deref(res.Approval.Decision),
		}); err != nil {
			return err
		}
		after, err := e.loadWorkflow(ctx, st, stage.ProjectID)
		if err != nil {
			return err
		}
		res.Unblocked = unblocked(before, after)
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyResolved) {
			return res, err
		}
		return Resolution{}, err
	}
	svc.Announce(notify.Notification{
		Kind:         notify.KindApprovalResolved,
		ProjectID:    stage.ProjectID,
		StageID:      stage.ID,
		StageName:    stage.Name,
		ApprovalID:   res.Approval.ID,
		Decision:     deref(res.Approval.Decision),
		ApproverName: deref(res.Approval.ApprovedByName),
		Comment:      deref(res.Approval.ResponseComment),
	})
	e.logger().Info("approval resolved", "stage_id", stage.ID, "approval_id", res.Approval.ID, "status", res.Approval.Status, "unblocked", len(res.Unblocked))
	return res, nil
}

// LookupApproval returns the approval and stage behind a token for the public page.
func (e Engine) LookupApproval(ctx context.Context, token string) (domain.Approval, domain.StageView, error) {
	a, err := e.approvals().Lookup(ctx, e.Store, token)
	if err != nil {
		return domain.Approval{}, domain.StageView{}, err
	}
	view, _, err := e.loadStageView(ctx, e.Store, a.StageID)
	if err != nil {
		return domain.Approval{}, domain.StageView{}, err
	}
	return a, view, nil
}

func unblocked(before, after domain.Workflow) []string {
	was := make(map[string]bool, len(before.Stages))
	for _, s := range before.Stages {
		was[s.ID] = s.Blocked
	}
	res := []string{}
	for _, s := range after.Stages {
		if was[s.ID] && !s.Blocked {
			res = append(res, s.ID)
		}
	}
	return res
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
