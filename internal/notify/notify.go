// Package notify delivers workflow notifications to people outside the system.
// Delivery is best effort: callers log failures and move on.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"stageline/internal/config"
)

const (
	KindApprovalRequested = "approvalRequested"
	KindApprovalResolved  = "approvalResolved"
	KindStageCompleted    = "stageCompleted"
)

// Notification is the payload shared by every channel.
type Notification struct {
	Kind         string `json:"kind"`
	ProjectID    string `json:"project_id"`
	StageID      string `json:"stage_id"`
	StageName    string `json:"stage_name"`
	ApprovalID   string `json:"approval_id,omitempty"`
	URL          string `json:"url,omitempty"`
	Notes        string `json:"notes,omitempty"`
	Decision     string `json:"decision,omitempty"`
	ApproverName string `json:"approver_name,omitempty"`
	Comment      string `json:"comment,omitempty"`
	ActorID      string `json:"actor_id,omitempty"`
	OccurredAt   string `json:"occurred_at"`
}

type Dispatcher interface {
	Notify(ctx context.Context, n Notification) error
}

// Multi fans a notification out to every dispatcher and joins the failures.
type Multi []Dispatcher

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, d := range m {
		if err := d.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogOnly records notifications without sending them anywhere.
type LogOnly struct {
	Logger *slog.Logger
}

func (l LogOnly) Notify(ctx context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "notification", "kind", n.Kind, "project_id", n.ProjectID, "stage_id", n.StageID, "url", n.URL)
	return nil
}

// FromConfig builds the dispatcher described by the notifications section. With no
// channel configured it falls back to LogOnly.
func FromConfig(cfg *config.Config, logger *slog.Logger) Dispatcher {
	if cfg == nil {
		return LogOnly{Logger: logger}
	}
	var res Multi
	for _, hook := range cfg.Notifications.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		w := &Webhook{URL: hook.URL, Secret: hook.Secret, Events: hook.Events}
		if hook.TimeoutSeconds > 0 {
			w.Timeout = time.Duration(hook.TimeoutSeconds) * time.Second
		}
		res = append(res, w)
	}
	if mail := NewEmail(cfg.Notifications.Email); mail.IsConfigured() {
		res = append(res, mail)
	}
	if len(res) == 0 {
		return LogOnly{Logger: logger}
	}
	return res
}
