package repo

import (
	"context"
	"database/sql"
	"errors"

	"stageline/internal/domain"
)

const itemColumns = `id,stage_id,description,position,is_completed,completed_at,completed_by`

func scanItem(row scanner) (domain.ChecklistItem, error) {
	var (
		it          domain.ChecklistItem
		completedAt sql.NullString
		completedBy sql.NullString
	)
	if err := row.Scan(&it.ID, &it.StageID, &it.Description, &it.Order, &it.IsCompleted, &completedAt, &completedBy); err != nil {
		return it, err
	}
	it.CompletedAt = ptr(completedAt)
	it.CompletedBy = ptr(completedBy)
	return it, nil
}

func (r Repo) InsertChecklistItem(ctx context.Context, it domain.ChecklistItem) error {
	_, err := r.exec(ctx, `INSERT INTO checklist_items(id,stage_id,description,position,is_completed,completed_at,completed_by) VALUES (?,?,?,?,?,?,?)`,
		it.ID, it.StageID, it.Description, it.Order, it.IsCompleted, nullableStringPtr(it.CompletedAt), nullableStringPtr(it.CompletedBy))
	return err
}

func (r Repo) GetChecklistItem(ctx context.Context, id string) (domain.ChecklistItem, error) {
	it, err := scanItem(r.queryRow(ctx, `SELECT `+itemColumns+` FROM checklist_items WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return it, ErrNotFound
	}
	return it, err
}

func (r Repo) ListChecklistItems(ctx context.Context, stageID string) ([]domain.ChecklistItem, error) {
	rows, err := r.query(ctx, `SELECT `+itemColumns+` FROM checklist_items WHERE stage_id=? ORDER BY position ASC, id ASC`, stageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChecklistItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// UpdateChecklistItem writes the completion triple in one statement so is_completed
// and completed_at never disagree.
func (r Repo) UpdateChecklistItem(ctx context.Context, id string, patch domain.ChecklistItemPatch) error {
	res, err := r.exec(ctx, `UPDATE checklist_items SET is_completed=?, completed_at=?, completed_by=? WHERE id=?`,
		patch.IsCompleted, nullableStringPtr(patch.CompletedAt), nullableStringPtr(patch.CompletedBy), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
