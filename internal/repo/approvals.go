package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"stageline/internal/domain"
)

const approvalColumns = `id,stage_id,requested_by,COALESCE(notes,''),token_hash,status,decision,response_comment,approved_at,approved_by_name,created_at`

func scanApproval(row scanner) (domain.Approval, error) {
	var a domain.Approval
	var decision, comment, approvedAt, byName sql.NullString
	if err := row.Scan(&a.ID, &a.StageID, &a.RequestedBy, &a.Notes, &a.TokenHash, &a.Status, &decision, &comment, &approvedAt, &byName, &a.CreatedAt); err != nil {
		return a, err
	}
	a.Decision = ptr(decision)
	a.ResponseComment = ptr(comment)
	a.ApprovedAt = ptr(approvedAt)
	a.ApprovedByName = ptr(byName)
	return a, nil
}

// InsertApproval stores a new approval. A second pending approval for the same
// stage fails with domain.ErrAlreadyPending.
func (r Repo) InsertApproval(ctx context.Context, a domain.Approval) error {
	if a.TokenHash == "" {
		return errors.New("token_hash required")
	}
	_, err := r.exec(ctx, `INSERT INTO approvals(id,stage_id,requested_by,notes,token_hash,status,created_at) VALUES (?,?,?,?,?,?,?)`,
		a.ID, a.StageID, a.RequestedBy, nullable(a.Notes), a.TokenHash, a.Status, a.CreatedAt)
	if isUniqueViolation(err, "idx_approvals_one_pending", "approvals.stage_id") {
		return fmt.Errorf("stage %s: %w", a.StageID, domain.ErrAlreadyPending)
	}
	return err
}

// ListApprovals returns a stage's approvals, oldest first.
func (r Repo) ListApprovals(ctx context.Context, stageID string) ([]domain.Approval, error) {
	rows, err := r.query(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE stage_id=? ORDER BY created_at ASC, id ASC`, stageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) GetApprovalByTokenHash(ctx context.Context, hash string) (domain.Approval, error) {
	a, err := scanApproval(r.queryRow(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE token_hash=?`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	return a, err
}

// UpdateApproval resolves a pending approval. The status guard in the WHERE clause
// makes it a compare-and-swap: of several concurrent calls only one matches a row.
func (r Repo) UpdateApproval(ctx context.Context, id string, patch domain.ApprovalPatch) error {
	res, err := r.exec(ctx, `UPDATE approvals SET status=?, decision=?, response_comment=?, approved_at=?, approved_by_name=? WHERE id=? AND status=?`,
		patch.Status, nullable(patch.Decision), nullable(patch.ResponseComment), patch.ApprovedAt, patch.ApprovedByName, id, domain.ApprovalPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var status string
	err = r.queryRow(ctx, `SELECT status FROM approvals WHERE id=?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("approval %s is %s: %w", id, status, domain.ErrAlreadyResolved)
}
