package repo

import (
	"context"
	"database/sql"

	"stageline/internal/domain"
)

func (r Repo) AppendEvent(ctx context.Context, evt domain.Event) error {
	_, err := r.exec(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		evt.TS, evt.Type, nullable(evt.ProjectID), evt.EntityKind, nullable(evt.EntityID), evt.ActorID, evt.Payload)
	return err
}

// ListEvents returns a project's events with id greater than afterID, oldest first.
func (r Repo) ListEvents(ctx context.Context, projectID string, afterID int64, limit int) ([]domain.Event, error) {
	query := `SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE project_id=? AND id>? ORDER BY id ASC`
	args := []any{projectID, afterID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the highest event id of a project, or 0.
func (r Repo) LatestEventID(ctx context.Context, projectID string) (int64, error) {
	var id sql.NullInt64
	if err := r.queryRow(ctx, `SELECT MAX(id) FROM events WHERE project_id=?`, projectID).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}
