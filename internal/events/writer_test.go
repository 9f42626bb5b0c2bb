package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"stageline/internal/domain"
)

type sliceSink struct {
	events []domain.Event
	err    error
}

func (s *sliceSink) AppendEvent(_ context.Context, evt domain.Event) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, evt)
	return nil
}

func TestAppendStampsAndEncodes(t *testing.T) {
	sink := &sliceSink{}
	w := Writer{Now: func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600)) }}
	err := w.Append(context.Background(), sink, ChecklistToggled, "acme", "checklist_item", "i1", "pm", EventPayload{
		"stage_id":     "s1",
		"is_completed": true,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(sink.events) != 1 {
		t.Fatalf("expected one event, got %d", len(sink.events))
	}
	evt := sink.events[0]
	if evt.TS != "2024-03-01T11:00:00Z" {
		t.Fatalf("expected UTC timestamp, got %s", evt.TS)
	}
	if evt.Type != ChecklistToggled || evt.ProjectID != "acme" || evt.EntityID != "i1" || evt.ActorID != "pm" {
		t.Fatalf("unexpected event %+v", evt)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(evt.Payload), &payload); err != nil {
		t.Fatalf("payload is not json: %v", err)
	}
	if payload["stage_id"] != "s1" || payload["is_completed"] != true {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestAppendNilPayloadAndSinkError(t *testing.T) {
	sink := &sliceSink{}
	if err := (Writer{}).Append(context.Background(), sink, ProjectSetup, "acme", "project", "acme", "pm", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if sink.events[0].Payload != "{}" {
		t.Fatalf("expected empty object payload, got %q", sink.events[0].Payload)
	}

	boom := errors.New("disk full")
	err := (Writer{}).Append(context.Background(), &sliceSink{err: boom}, ProjectSetup, "acme", "project", "acme", "pm", nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected sink error, got %v", err)
	}
}
