package repo

import (
	"context"
	"database/sql"
	"strings"

	"interlock/internal/domain"
)

// ChangesAfter returns change rows with IDs greater than the cursor in
// ascending order, scoped to one owner.
func (r Repo) ChangesAfter(ctx context.Context, ownerID string, cursor int64, limit int) ([]domain.Change, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"owner_id=?"}
	args := []any{ownerID}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	query := `SELECT id,ts,owner_id,entity_kind,entity_id,version,change_type,COALESCE(payload_json,'') FROM changes WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Change
	for rows.Next() {
		var c domain.Change
		if err := rows.Scan(&c.ID, &c.TS, &c.OwnerID, &c.EntityKind, &c.EntityID, &c.Version, &c.ChangeType, &c.Payload); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// LatestChangeID returns the most recent change ID for an owner.
func (r Repo) LatestChangeID(ctx context.Context, ownerID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM changes WHERE owner_id=?`, ownerID)
	var id int64
	if err := row.Scan(&id); err != nil && err != sql.ErrNoRows {
		return 0, err
	}
	return id, nil
}
