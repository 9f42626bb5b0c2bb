package server

import (
	"encoding/json"

	"stageline/internal/domain"
)

// Request payloads

type SetupProjectRequest struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Template string `json:"template" example:"website"`
}

type RequiresApprovalRequest struct {
	RequiresClientApproval bool `json:"requires_client_approval"`
}

type RequestApprovalRequest struct {
	Notes string `json:"notes,omitempty"`
}

type ResolveApprovalRequest struct {
	Decision     string `json:"decision" enum:"approve,reject,request_changes"`
	ApproverName string `json:"approver_name"`
	Comment      string `json:"comment,omitempty"`
}

// Response payloads

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// PublicApprovalResponse is what the client sees behind an approval link. It
// never includes the token or its hash.
type PublicApprovalResponse struct {
	ProjectID        string           `json:"project_id"`
	StageID          string           `json:"stage_id"`
	StageName        string           `json:"stage_name"`
	StageDescription string           `json:"stage_description,omitempty"`
	Progress         domain.Progress  `json:"progress"`
	Items            []PublicItem     `json:"items"`
	Approval         PublicApprovalVM `json:"approval"`
}

type PublicItem struct {
	Description string `json:"description"`
	IsCompleted bool   `json:"is_completed"`
}

type PublicApprovalVM struct {
	ID              string  `json:"id"`
	Status          string  `json:"status" enum:"pending,approved,rejected"`
	Notes           string  `json:"notes,omitempty"`
	Decision        *string `json:"decision,omitempty"`
	ResponseComment *string `json:"response_comment,omitempty"`
	ApprovedAt      *string `json:"approved_at,omitempty" format:"date-time"`
	ApprovedByName  *string `json:"approved_by_name,omitempty"`
	RequestedAt     string  `json:"requested_at" format:"date-time"`
}

type ResolveApprovalResponse struct {
	Approval  PublicApprovalVM `json:"approval"`
	Unblocked []string         `json:"unblocked"`
}

// Conversion helpers

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func publicApproval(a domain.Approval) PublicApprovalVM {
	return PublicApprovalVM{
		ID:              a.ID,
		Status:          a.Status,
		Notes:           a.Notes,
		Decision:        a.Decision,
		ResponseComment: a.ResponseComment,
		ApprovedAt:      a.ApprovedAt,
		ApprovedByName:  a.ApprovedByName,
		RequestedAt:     a.CreatedAt,
	}
}

func publicApprovalResponse(a domain.Approval, view domain.StageView) PublicApprovalResponse {
	items := make([]PublicItem, 0, len(view.Items))
	for _, it := range view.Items {
		items = append(items, PublicItem{Description: it.Description, IsCompleted: it.IsCompleted})
	}
	return PublicApprovalResponse{
		ProjectID:        view.ProjectID,
		StageID:          view.ID,
		StageName:        view.Name,
		StageDescription: view.Description,
		Progress:         view.Progress,
		Items:            items,
		Approval:         publicApproval(a),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}
