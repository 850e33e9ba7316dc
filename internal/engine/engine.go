// Package engine implements the interlock operations on top of the SQLite
// store: task CRUD, conflict prediction, reschedule application and the
// change feed plumbing. All mutations for one owner are serialized.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"interlock/internal/config"
	"interlock/internal/domain"
	"interlock/internal/events"
	"interlock/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Broker *events.Broker
	Log    *slog.Logger
	Now    func() time.Time

	locks *ownerLocks
}

func New(db *sql.DB, log *slog.Logger) Engine {
	if log == nil {
		log = slog.Default()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Broker: events.NewBroker(),
		Log:    log,
		Now:    time.Now,
		locks:  newOwnerLocks(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

// withOwnerLock runs fn holding the owner's mutation lock, or fails busy.
func (e Engine) withOwnerLock(ownerID string, fn func() error) error {
	release, ok := e.locks.tryAcquire(ownerID)
	if !ok {
		return busyErr(ownerID)
	}
	defer release()
	return fn()
}

// publish fans committed changes out to in-process subscribers. Must only be
// called after the tx that wrote the rows has committed.
func (e Engine) publish(changes []domain.Change) {
	if e.Broker != nil {
		e.Broker.PublishAll(changes)
	}
}

// EnsureOwner creates the owner and its default config on first contact.
// Idempotent: an existing owner is returned untouched.
func (e Engine) EnsureOwner(ctx context.Context, ownerID, name string) (domain.Owner, error) {
	if ownerID == "" {
		return domain.Owner{}, validationErr("owner_id_required", "owner id is required", nil)
	}
	if o, err := e.Repo.GetOwner(ctx, ownerID); err == nil {
		return o, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Owner{}, storeErr("get owner", err)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Owner{}, storeErr("begin tx", err)
	}
	defer tx.Rollback()

	o := domain.Owner{ID: ownerID, Name: name, CreatedAt: e.timestamp()}
	if err := e.Repo.InsertOwner(ctx, tx, o); err != nil {
		return domain.Owner{}, storeErr("insert owner", err)
	}
	if err := e.Repo.UpsertOwnerConfigTx(ctx, tx, ownerID, config.Default(ownerID)); err != nil {
		return domain.Owner{}, storeErr("insert owner config", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Owner{}, storeErr("commit", err)
	}
	e.Log.Info("owner created", "owner_id", ownerID)
	return o, nil
}

// ownerConfig loads the owner's stored config, falling back to defaults when
// no row exists yet. A missing owner is a not-found failure.
func (e Engine) ownerConfig(ctx context.Context, ownerID string) (*config.Config, error) {
	if _, err := e.Repo.GetOwner(ctx, ownerID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, notFoundErr("owner", ownerID)
		}
		return nil, storeErr("get owner", err)
	}
	cfg, err := e.Repo.GetOwnerConfig(ctx, ownerID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return config.Default(ownerID), nil
		}
		return nil, storeErr("get owner config", err)
	}
	return cfg, nil
}

// SetOwnerConfig validates and stores a new config for the owner.
func (e Engine) SetOwnerConfig(ctx context.Context, ownerID string, cfg *config.Config) error {
	if _, err := e.Repo.GetOwner(ctx, ownerID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return notFoundErr("owner", ownerID)
		}
		return storeErr("get owner", err)
	}
	cfg.Owner.ID = ownerID
	if err := cfg.Validate(); err != nil {
		return validationErr("invalid_config", err.Error(), nil)
	}
	if err := e.Repo.UpsertOwnerConfig(ctx, ownerID, cfg); err != nil {
		return storeErr("upsert owner config", err)
	}
	return nil
}

// OwnerConfig returns the effective config for the owner.
func (e Engine) OwnerConfig(ctx context.Context, ownerID string) (*config.Config, error) {
	return e.ownerConfig(ctx, ownerID)
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	OwnerID    string
	Title      string
	Department domain.Department
	Priority   domain.Priority
	StartDate  string
	EndDate    string
	Status     domain.TaskStatus
	Progress   int
	DependsOn  []string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	var created domain.Task
	err := e.withOwnerLock(opts.OwnerID, func() error {
		if _, err := e.ownerConfig(ctx, opts.OwnerID); err != nil {
			return err
		}
		if opts.Title == "" {
			return validationErr("title_required", "title is required", nil)
		}
		if !opts.Department.Valid() {
			return validationErr("invalid_department", "unknown department", map[string]any{"department": string(opts.Department)})
		}
		if opts.Priority == "" {
			opts.Priority = domain.PriorityMedium
		}
		if !opts.Priority.Valid() {
			return validationErr("invalid_priority", "unknown priority", map[string]any{"priority": string(opts.Priority)})
		}
		if opts.Status == "" {
			opts.Status = domain.StatusPlanned
		}
		if !opts.Status.Valid() {
			return validationErr("invalid_status", "unknown status", map[string]any{"status": string(opts.Status)})
		}
		if opts.Progress < 0 || opts.Progress > 100 {
			return validationErr("invalid_progress", "progress must be in [0,100]", map[string]any{"progress": opts.Progress})
		}
		if _, err := domain.ParseWindow(opts.StartDate, opts.EndDate); err != nil {
			return validationErr("invalid_window", err.Error(), nil)
		}

		now := e.timestamp()
		t := domain.Task{
			ID:         "tsk_" + uuid.NewString(),
			OwnerID:    opts.OwnerID,
			Title:      opts.Title,
			Department: opts.Department,
			Priority:   opts.Priority,
			StartDate:  opts.StartDate,
			EndDate:    opts.EndDate,
			Status:     opts.Status,
			Progress:   opts.Progress,
			DependsOn:  opts.DependsOn,
			Version:    1,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		for _, dep := range opts.DependsOn {
			if dep == t.ID {
				return validationErr("self_dependency", "a task cannot depend on itself", map[string]any{"task_id": dep})
			}
			if _, err := e.Repo.GetTask(ctx, opts.OwnerID, dep); err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					return validationErr("unknown_dependency", "dependency does not exist", map[string]any{"task_id": dep})
				}
				return storeErr("get dependency", err)
			}
		}

		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return storeErr("begin tx", err)
		}
		defer tx.Rollback()
		if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
			return storeErr("insert task", err)
		}
		if err := e.Repo.AddDependencies(ctx, tx, t.ID, t.DependsOn); err != nil {
			return storeErr("insert dependencies", err)
		}
		if err := e.Events.Append(ctx, tx, t.OwnerID, "task", t.ID, t.Version, "created", events.Payload{"title": t.Title}); err != nil {
			return storeErr("append change", err)
		}
		if err := tx.Commit(); err != nil {
			return storeErr("commit", err)
		}
		created = t
		e.publish([]domain.Change{events.TaskChange(t, "created")})
		return nil
	})
	return created, err
}

// TaskUpdateOptions carries the fields an update may touch; nil means keep.
type TaskUpdateOptions struct {
	OwnerID    string
	TaskID     string
	Title      *string
	Department *domain.Department
	Priority   *domain.Priority
	StartDate  *string
	EndDate    *string
	Status     *domain.TaskStatus
	Progress   *int
	AddDeps    []string
	RemoveDeps []string
}

func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	var updated domain.Task
	err := e.withOwnerLock(opts.OwnerID, func() error {
		t, err := e.Repo.GetTask(ctx, opts.OwnerID, opts.TaskID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return notFoundErr("task", opts.TaskID)
			}
			return storeErr("get task", err)
		}
		if opts.Title != nil {
			if *opts.Title == "" {
				return validationErr("title_required", "title cannot be emptied", nil)
			}
			t.Title = *opts.Title
		}
		if opts.Department != nil {
			if !opts.Department.Valid() {
				return validationErr("invalid_department", "unknown department", map[string]any{"department": string(*opts.Department)})
			}
			t.Department = *opts.Department
		}
		if opts.Priority != nil {
			if !opts.Priority.Valid() {
				return validationErr("invalid_priority", "unknown priority", map[string]any{"priority": string(*opts.Priority)})
			}
			t.Priority = *opts.Priority
		}
		if opts.StartDate != nil {
			t.StartDate = *opts.StartDate
		}
		if opts.EndDate != nil {
			t.EndDate = *opts.EndDate
		}
		if _, err := t.Window(); err != nil {
			return validationErr("invalid_window", err.Error(), nil)
		}
		if opts.Progress != nil {
			if *opts.Progress < 0 || *opts.Progress > 100 {
				return validationErr("invalid_progress", "progress must be in [0,100]", map[string]any{"progress": *opts.Progress})
			}
			if *opts.Progress < t.Progress {
				return validationErr("progress_regression", "progress cannot decrease", map[string]any{
					"progress": *opts.Progress, "current": t.Progress,
				})
			}
			t.Progress = *opts.Progress
		}
		if opts.Status != nil {
			if err := ensureStatusTransition(t.Status, *opts.Status); err != nil {
				return err
			}
			t.Status = *opts.Status
			if t.Status == domain.StatusCompleted {
				t.Progress = 100
			}
		}
		for _, dep := range opts.AddDeps {
			if dep == t.ID {
				return validationErr("self_dependency", "a task cannot depend on itself", map[string]any{"task_id": dep})
			}
			if _, err := e.Repo.GetTask(ctx, opts.OwnerID, dep); err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					return validationErr("unknown_dependency", "dependency does not exist", map[string]any{"task_id": dep})
				}
				return storeErr("get dependency", err)
			}
		}

		t.Version++
		t.UpdatedAt = e.timestamp()

		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return storeErr("begin tx", err)
		}
		defer tx.Rollback()
		if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
			return storeErr("update task", err)
		}
		if err := e.Repo.AddDependencies(ctx, tx, t.ID, opts.AddDeps); err != nil {
			return storeErr("add dependencies", err)
		}
		if err := e.Repo.RemoveDependencies(ctx, tx, t.ID, opts.RemoveDeps); err != nil {
			return storeErr("remove dependencies", err)
		}
		if err := e.Events.Append(ctx, tx, t.OwnerID, "task", t.ID, t.Version, "updated", nil); err != nil {
			return storeErr("append change", err)
		}
		if err := tx.Commit(); err != nil {
			return storeErr("commit", err)
		}
		t.DependsOn = mergeDeps(t.DependsOn, opts.AddDeps, opts.RemoveDeps)
		updated = t
		e.publish([]domain.Change{events.TaskChange(t, "updated")})
		return nil
	})
	return updated, err
}

func (e Engine) GetTask(ctx context.Context, ownerID, taskID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, ownerID, taskID)
	if errors.Is(err, repo.ErrNotFound) {
		return t, notFoundErr("task", taskID)
	}
	if err != nil {
		return t, storeErr("get task", err)
	}
	return t, nil
}

// ensureStatusTransition enforces the task lifecycle. Completed is terminal;
// blocked tasks may resume to planned or active.
func ensureStatusTransition(from, to domain.TaskStatus) error {
	if from == to {
		return nil
	}
	allowed := map[domain.TaskStatus][]domain.TaskStatus{
		domain.StatusPlanned: {domain.StatusActive, domain.StatusBlocked, domain.StatusCompleted},
		domain.StatusActive:  {domain.StatusBlocked, domain.StatusCompleted},
		domain.StatusBlocked: {domain.StatusPlanned, domain.StatusActive},
	}
	for _, s := range allowed[from] {
		if s == to {
			return nil
		}
	}
	return constraintErr("invalid_status_transition", "status transition not permitted", map[string]any{
		"from": string(from), "to": string(to),
	})
}

func mergeDeps(current, add, remove []string) []string {
	set := map[string]bool{}
	for _, d := range current {
		set[d] = true
	}
	for _, d := range add {
		set[d] = true
	}
	for _, d := range remove {
		delete(set, d)
	}
	out := make([]string, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
