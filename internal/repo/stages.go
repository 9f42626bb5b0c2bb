package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"stageline/internal/domain"
)

const stageColumns = `id,project_id,position,name,COALESCE(description,''),status,requires_client_approval,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanStage(row scanner) (domain.Stage, error) {
	var s domain.Stage
	err := row.Scan(&s.ID, &s.ProjectID, &s.Order, &s.Name, &s.Description, &s.Status, &s.RequiresClientApproval, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

func (r Repo) InsertStage(ctx context.Context, s domain.Stage) error {
	_, err := r.exec(ctx, `INSERT INTO stages(id,project_id,position,name,description,status,requires_client_approval,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		s.ID, s.ProjectID, s.Order, s.Name, nullable(s.Description), s.Status, s.RequiresClientApproval, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) GetStage(ctx context.Context, id string) (domain.Stage, error) {
	s, err := scanStage(r.queryRow(ctx, `SELECT `+stageColumns+` FROM stages WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	return s, err
}

// ListStages returns a project's stages by ascending order.
func (r Repo) ListStages(ctx context.Context, projectID string) ([]domain.Stage, error) {
	rows, err := r.query(ctx, `SELECT `+stageColumns+` FROM stages WHERE project_id=? ORDER BY position ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stage
	for rows.Next() {
		s, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) UpdateStage(ctx context.Context, id string, patch domain.StagePatch) error {
	var (
		fields []string
		args   []any
	)
	if patch.Status != nil {
		fields = append(fields, "status=?")
		args = append(args, *patch.Status)
	}
	if patch.RequiresClientApproval != nil {
		fields = append(fields, "requires_client_approval=?")
		args = append(args, *patch.RequiresClientApproval)
	}
	if len(fields) == 0 {
		return nil
	}
	fields = append(fields, "updated_at=?")
	args = append(args, patch.UpdatedAt, id)
	res, err := r.exec(ctx, fmt.Sprintf(`UPDATE stages SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
