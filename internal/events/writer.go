// Package events writes the append-only audit log kept next to every mutation.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"stageline/internal/domain"
)

const (
	ProjectSetup                    = "project.setup"
	ChecklistToggled                = "checklist.toggled"
	StageCompleted                  = "stage.completed"
	StageApprovalRequirementUpdated = "stage.approval_requirement.updated"
	ApprovalRequested               = "approval.requested"
	ApprovalResolved                = "approval.resolved"
)

// Sink stores one event. Pass a transaction-bound store so the event commits with
// the change it describes.
type Sink interface {
	AppendEvent(ctx context.Context, evt domain.Event) error
}

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, sink Sink, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	return sink.AppendEvent(ctx, domain.Event{
		TS:         w.Now().UTC().Format(time.RFC3339),
		Type:       evtType,
		ProjectID:  projectID,
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    actorID,
		Payload:    string(data),
	})
}
