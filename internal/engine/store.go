package engine

import (
	"context"

	"stageline/internal/domain"
	"stageline/internal/repo"
)

// Store is the storage the engine runs against. Inside InTx every call must go
// through the transaction-bound Store passed to fn.
type Store interface {
	GetProject(ctx context.Context, id string) (domain.Project, error)
	InsertProject(ctx context.Context, p domain.Project) error
	ListStages(ctx context.Context, projectID string) ([]domain.Stage, error)
	GetStage(ctx context.Context, id string) (domain.Stage, error)
	InsertStage(ctx context.Context, s domain.Stage) error
	UpdateStage(ctx context.Context, id string, patch domain.StagePatch) error
	ListChecklistItems(ctx context.Context, stageID string) ([]domain.ChecklistItem, error)
	GetChecklistItem(ctx context.Context, id string) (domain.ChecklistItem, error)
	InsertChecklistItem(ctx context.Context, it domain.ChecklistItem) error
	UpdateChecklistItem(ctx context.Context, id string, patch domain.ChecklistItemPatch) error
	ListApprovals(ctx context.Context, stageID string) ([]domain.Approval, error)
	GetApprovalByTokenHash(ctx context.Context, hash string) (domain.Approval, error)
	InsertApproval(ctx context.Context, a domain.Approval) error
	UpdateApproval(ctx context.Context, id string, patch domain.ApprovalPatch) error
	AppendEvent(ctx context.Context, evt domain.Event) error
	ListEvents(ctx context.Context, projectID string, afterID int64, limit int) ([]domain.Event, error)
	InTx(ctx context.Context, fn func(Store) error) error
}

// SQLStore adapts repo.Repo to Store.
type SQLStore struct {
	repo.Repo
}

func (s SQLStore) InTx(ctx context.Context, fn func(Store) error) error {
	return s.Repo.InTx(ctx, func(r repo.Repo) error {
		return fn(SQLStore{Repo: r})
	})
}
