package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"interlock/internal/domain"
)

const conflictColumns = `id,owner_id,task_id,second_task_id,conflict_type,severity,description,affected_departments_json,predicted_impact_hours,resolution_status,signature,suggestion_json,version,created_at,updated_at,resolved_at`

func scanConflict(scan func(dest ...any) error) (domain.Conflict, error) {
	var c domain.Conflict
	var secondTask, suggestion, resolvedAt sql.NullString
	var deptsJSON string
	err := scan(&c.ID, &c.OwnerID, &c.TaskID, &secondTask, &c.Type, &c.Severity, &c.Description,
		&deptsJSON, &c.PredictedImpactHours, &c.ResolutionStatus, &c.Signature, &suggestion,
		&c.Version, &c.CreatedAt, &c.UpdatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if secondTask.Valid {
		c.SecondTaskID = &secondTask.String
	}
	if resolvedAt.Valid {
		c.ResolvedAt = &resolvedAt.String
	}
	if err := json.Unmarshal([]byte(deptsJSON), &c.AffectedDepartments); err != nil {
		return c, err
	}
	if suggestion.Valid && suggestion.String != "" {
		var p domain.Proposal
		if err := json.Unmarshal([]byte(suggestion.String), &p); err != nil {
			return c, err
		}
		c.Suggestion = &p
	}
	return c, nil
}

func (r Repo) InsertConflict(ctx context.Context, tx *sql.Tx, c domain.Conflict) error {
	depts, err := json.Marshal(c.AffectedDepartments)
	if err != nil {
		return err
	}
	var suggestion any
	if c.Suggestion != nil {
		b, err := json.Marshal(c.Suggestion)
		if err != nil {
			return err
		}
		suggestion = string(b)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO conflicts(`+conflictColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.OwnerID, c.TaskID, nullableStringPtr(c.SecondTaskID), c.Type, c.Severity, c.Description,
		string(depts), c.PredictedImpactHours, c.ResolutionStatus, c.Signature, suggestion,
		c.Version, c.CreatedAt, c.UpdatedAt, nullableStringPtr(c.ResolvedAt))
	return err
}

// SetConflictResolution moves a conflict into a terminal state inside tx.
func (r Repo) SetConflictResolution(ctx context.Context, tx *sql.Tx, c domain.Conflict) error {
	res, err := tx.ExecContext(ctx, `UPDATE conflicts SET resolution_status=?, version=?, updated_at=?, resolved_at=? WHERE id=? AND owner_id=?`,
		c.ResolutionStatus, c.Version, c.UpdatedAt, nullableStringPtr(c.ResolvedAt), c.ID, c.OwnerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetConflict(ctx context.Context, ownerID, id string) (domain.Conflict, error) {
	return scanConflict(r.DB.QueryRowContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id=? AND owner_id=?`, id, ownerID).Scan)
}

type ConflictFilters struct {
	OwnerID         string
	Status          domain.ResolutionStatus
	Severity        domain.Severity
	TaskID          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListConflicts returns conflicts for one owner ordered by created_at then id
// ascending for deterministic pagination.
func (r Repo) ListConflicts(ctx context.Context, f ConflictFilters) ([]domain.Conflict, error) {
	clauses := []string{"owner_id=?"}
	args := []any{f.OwnerID}
	if f.Status != "" {
		clauses = append(clauses, "resolution_status=?")
		args = append(args, f.Status)
	}
	if f.Severity != "" {
		clauses = append(clauses, "severity=?")
		args = append(args, f.Severity)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at > ? OR (created_at = ? AND id > ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + conflictColumns + ` FROM conflicts WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Conflict
	for rows.Next() {
		c, err := scanConflict(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// ConflictSignatures returns every signature ever recorded for an owner.
// Conflicts are audit records and never deleted, so the set only grows; a
// re-run that produces a known signature is suppressed regardless of the
// recorded conflict's resolution status.
func (r Repo) ConflictSignatures(ctx context.Context, ownerID string) (map[string]bool, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT signature FROM conflicts WHERE owner_id=?`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]bool{}
	for rows.Next() {
		var sig string
		if err := rows.Scan(&sig); err != nil {
			return nil, err
		}
		res[sig] = true
	}
	return res, rows.Err()
}

func (r Repo) CountConflictsBySeverity(ctx context.Context, ownerID string, status domain.ResolutionStatus) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT severity, count(*) FROM conflicts WHERE owner_id=? AND resolution_status=? GROUP BY severity`, ownerID, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var sev string
		var count int
		if err := rows.Scan(&sev, &count); err != nil {
			return nil, err
		}
		res[sev] = count
	}
	return res, rows.Err()
}
