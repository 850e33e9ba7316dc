package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"interlock/internal/config"
	"interlock/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

// --- owners ---

func (r Repo) InsertOwner(ctx context.Context, tx *sql.Tx, o domain.Owner) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO owners(id,name,created_at) VALUES (?,?,?)`,
		o.ID, nullable(o.Name), o.CreatedAt)
	return err
}

func (r Repo) GetOwner(ctx context.Context, id string) (domain.Owner, error) {
	var o domain.Owner
	var name sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,created_at FROM owners WHERE id=?`, id).
		Scan(&o.ID, &name, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if name.Valid {
		o.Name = name.String
	}
	return o, err
}

func (r Repo) ListOwners(ctx context.Context) ([]domain.Owner, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,COALESCE(name,''),created_at FROM owners ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Owner
	for rows.Next() {
		var o domain.Owner
		if err := rows.Scan(&o.ID, &o.Name, &o.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// --- owner configs ---

func (r Repo) UpsertOwnerConfig(ctx context.Context, ownerID string, cfg *config.Config) error {
	return upsertOwnerConfig(ctx, r.DB, nil, ownerID, cfg)
}

func (r Repo) UpsertOwnerConfigTx(ctx context.Context, tx *sql.Tx, ownerID string, cfg *config.Config) error {
	return upsertOwnerConfig(ctx, nil, tx, ownerID, cfg)
}

func upsertOwnerConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, ownerID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Owner.ID = ownerID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO owner_configs(owner_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(owner_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, ownerID, string(payload), now, now)
	return err
}

func (r Repo) GetOwnerConfig(ctx context.Context, ownerID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM owner_configs WHERE owner_id=?`, ownerID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Owner.ID == "" {
		cfg.Owner.ID = ownerID
	}
	return &cfg, cfg.Validate()
}

// --- tasks ---

const taskColumns = `id,owner_id,title,department,priority,start_date,end_date,status,progress,conflict_probability,predicted_delay_hours,version,created_at,updated_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	err := scan(&t.ID, &t.OwnerID, &t.Title, &t.Department, &t.Priority, &t.StartDate, &t.EndDate,
		&t.Status, &t.Progress, &t.ConflictProbability, &t.PredictedDelayHours, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.OwnerID, t.Title, t.Department, t.Priority, t.StartDate, t.EndDate,
		t.Status, t.Progress, t.ConflictProbability, t.PredictedDelayHours, t.Version, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET title=?, department=?, priority=?, start_date=?, end_date=?, status=?, progress=?, conflict_probability=?, predicted_delay_hours=?, version=?, updated_at=? WHERE id=? AND owner_id=?`,
		t.Title, t.Department, t.Priority, t.StartDate, t.EndDate, t.Status, t.Progress,
		t.ConflictProbability, t.PredictedDelayHours, t.Version, t.UpdatedAt, t.ID, t.OwnerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, ownerID, id string) (domain.Task, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=? AND owner_id=?`, id, ownerID).Scan)
	if err != nil {
		return t, err
	}
	t.DependsOn, err = r.ListTaskDependencies(ctx, t.ID)
	return t, err
}

type TaskFilters struct {
	OwnerID         string
	Status          domain.TaskStatus
	Department      domain.Department
	Limit           int
	CursorStartDate string
	CursorID        string
}

// ListTasks returns tasks for one owner ordered by start_date then id
// ascending for deterministic pagination.
func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	clauses := []string{"owner_id=?"}
	args := []any{f.OwnerID}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Department != "" {
		clauses = append(clauses, "department=?")
		args = append(args, f.Department)
	}
	if f.CursorStartDate != "" && f.CursorID != "" {
		clauses = append(clauses, "(start_date > ? OR (start_date = ? AND id > ?))")
		args = append(args, f.CursorStartDate, f.CursorStartDate, f.CursorID)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY start_date ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ActiveTasks returns the planned and active tasks the detector scans,
// dependency links included.
func (r Repo) ActiveTasks(ctx context.Context, ownerID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE owner_id=? AND status IN ('planned','active') ORDER BY start_date ASC, id ASC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range res {
		deps, err := r.ListTaskDependencies(ctx, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].DependsOn = deps
	}
	return res, nil
}

func (r Repo) ListTaskDependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT depends_on_task_id FROM task_deps WHERE task_id=? ORDER BY depends_on_task_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

func (r Repo) AddDependencies(ctx context.Context, tx *sql.Tx, taskID string, deps []string) error {
	for _, d := range deps {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO task_deps(task_id, depends_on_task_id) VALUES (?,?)`, taskID, d); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) RemoveDependencies(ctx context.Context, tx *sql.Tx, taskID string, deps []string) error {
	for _, d := range deps {
		if _, err := tx.ExecContext(ctx, `DELETE FROM task_deps WHERE task_id=? AND depends_on_task_id=?`, taskID, d); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) CountTasksByStatus(ctx context.Context, ownerID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks WHERE owner_id=? GROUP BY status`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// AverageConflictProbability returns the mean probability over open work.
func (r Repo) AverageConflictProbability(ctx context.Context, ownerID string) (float64, error) {
	var avg sql.NullFloat64
	err := r.DB.QueryRowContext(ctx, `SELECT AVG(conflict_probability) FROM tasks WHERE owner_id=? AND status IN ('planned','active')`, ownerID).Scan(&avg)
	if err != nil {
		return 0, err
	}
	if !avg.Valid {
		return 0, nil
	}
	return avg.Float64, nil
}
