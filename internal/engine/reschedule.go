package engine

import (
	"context"
	"errors"

	"interlock/internal/config"
	"interlock/internal/domain"
	"interlock/internal/events"
	"interlock/internal/predict"
	"interlock/internal/repo"
)

// ApplyResult is the outcome of accepting one reschedule.
type ApplyResult struct {
	Applied  bool            `json:"applied"`
	Task     domain.Task     `json:"task"`
	Conflict domain.Conflict `json:"conflict"`
}

// Resolution is a caller-edited reschedule window. An empty end date keeps
// the task's current duration.
type Resolution struct {
	NewStartDate string
	NewEndDate   string
}

// Apply commits a reschedule for a conflict: the task moves to the given
// window (or the stored suggestion when res is nil) and the conflict closes
// as resolved, atomically. The move is first re-checked against the current
// timeline; a move that would create a new critical conflict is rejected and
// nothing changes.
func (e Engine) Apply(ctx context.Context, ownerID, conflictID string, res *Resolution) (ApplyResult, error) {
	var result ApplyResult
	err := e.withOwnerLock(ownerID, func() error {
		var err error
		result, err = e.applyLocked(ctx, ownerID, conflictID, res)
		return err
	})
	return result, err
}

func (e Engine) applyLocked(ctx context.Context, ownerID, conflictID string, res *Resolution) (ApplyResult, error) {
	var zero ApplyResult
	c, err := e.Repo.GetConflict(ctx, ownerID, conflictID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return zero, notFoundErr("conflict", conflictID)
		}
		return zero, storeErr("get conflict", err)
	}
	if c.ResolutionStatus.Terminal() {
		return zero, &Error{
			Kind:    KindNotFound,
			Code:    "conflict_closed",
			Message: "conflict is already " + string(c.ResolutionStatus),
			Details: map[string]any{"id": conflictID, "resolution_status": string(c.ResolutionStatus)},
		}
	}
	t, err := e.Repo.GetTask(ctx, ownerID, c.TaskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return zero, notFoundErr("task", c.TaskID)
		}
		return zero, storeErr("get task", err)
	}
	if t.Status == domain.StatusCompleted {
		return zero, constraintErr("task_completed", "completed tasks cannot be rescheduled", map[string]any{"task_id": t.ID})
	}

	target := c.Suggestion
	if res != nil && res.NewStartDate != "" {
		end := res.NewEndDate
		if end == "" {
			cur, werr := t.Window()
			if werr != nil {
				return zero, validationErr("invalid_window", werr.Error(), map[string]any{"task_id": t.ID})
			}
			start, perr := domain.ParseWindow(res.NewStartDate, res.NewStartDate)
			if perr != nil {
				return zero, validationErr("invalid_window", perr.Error(), map[string]any{"id": conflictID})
			}
			_, end = cur.Shift(start.Start).Format()
		}
		if _, perr := domain.ParseWindow(res.NewStartDate, end); perr != nil {
			return zero, validationErr("invalid_window", perr.Error(), map[string]any{"id": conflictID})
		}
		target = &domain.Proposal{NewStartDate: res.NewStartDate, NewEndDate: end, Reason: "manual override"}
	}
	if target == nil {
		return zero, constraintErr("no_suggestion", "conflict carries no reschedule suggestion", map[string]any{"id": conflictID})
	}

	cfg, err := e.ownerConfig(ctx, ownerID)
	if err != nil {
		return zero, err
	}
	if err := e.guardMove(ctx, ownerID, t, target, cfg); err != nil {
		return zero, err
	}

	now := e.timestamp()
	t.StartDate = target.NewStartDate
	t.EndDate = target.NewEndDate
	t.Version++
	t.UpdatedAt = now

	c.ResolutionStatus = domain.ResolutionResolved
	c.Version++
	c.UpdatedAt = now
	c.ResolvedAt = &now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return zero, storeErr("begin tx", err)
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return zero, storeErr("update task", err)
	}
	if err := e.Repo.SetConflictResolution(ctx, tx, c); err != nil {
		return zero, storeErr("resolve conflict", err)
	}
	if err := e.Events.Append(ctx, tx, ownerID, "task", t.ID, t.Version, "rescheduled", events.Payload{
		"start_date": t.StartDate, "end_date": t.EndDate,
	}); err != nil {
		return zero, storeErr("append change", err)
	}
	if err := e.Events.Append(ctx, tx, ownerID, "conflict", c.ID, c.Version, "resolved", nil); err != nil {
		return zero, storeErr("append change", err)
	}
	if err := tx.Commit(); err != nil {
		return zero, storeErr("commit", err)
	}
	e.publish([]domain.Change{
		events.TaskChange(t, "rescheduled"),
		events.ConflictChange(c, "resolved"),
	})
	e.Log.Info("reschedule applied", "owner_id", ownerID, "conflict_id", c.ID, "task_id", t.ID,
		"start_date", t.StartDate, "end_date", t.EndDate)
	return ApplyResult{Applied: true, Task: t, Conflict: c}, nil
}

// guardMove re-runs detection with the task moved to its suggested window
// and rejects the move if it would introduce a previously unseen critical
// conflict.
func (e Engine) guardMove(ctx context.Context, ownerID string, t domain.Task, p *domain.Proposal, cfg *config.Config) error {
	tasks, err := e.Repo.ActiveTasks(ctx, ownerID)
	if err != nil {
		return storeErr("list tasks", err)
	}
	for i := range tasks {
		if tasks[i].ID == t.ID {
			tasks[i].StartDate = p.NewStartDate
			tasks[i].EndDate = p.NewEndDate
		}
	}
	known, err := e.Repo.ConflictSignatures(ctx, ownerID)
	if err != nil {
		return storeErr("list signatures", err)
	}
	for _, cand := range predict.Detect(tasks, cfg, e.Log) {
		if cand.Severity != domain.SeverityCritical || known[cand.Signature] {
			continue
		}
		for _, id := range cand.Involved {
			if id == t.ID {
				return constraintErr("move_creates_conflict", "suggested window would create a new critical conflict", map[string]any{
					"task_id": t.ID, "conflict_type": string(cand.Type), "description": cand.Description,
				})
			}
		}
	}
	return nil
}

// ApplyOutcome is one item of a batch reschedule.
type ApplyOutcome struct {
	ConflictID string `json:"conflict_id"`
	TaskID     string `json:"task_id"`
	Applied    bool   `json:"applied"`
	ErrorCode  string `json:"error_code,omitempty"`
	Message    string `json:"message,omitempty"`
}

// ApplyAll accepts every open suggestion for the owner, one at a time. Items
// fail independently; a failed item never aborts the rest. Cancellation is
// honored between items and returns the outcomes so far with ctx.Err().
func (e Engine) ApplyAll(ctx context.Context, ownerID string) ([]ApplyOutcome, error) {
	var outcomes []ApplyOutcome
	err := e.withOwnerLock(ownerID, func() error {
		open, err := e.Repo.ListConflicts(ctx, repo.ConflictFilters{OwnerID: ownerID, Status: domain.ResolutionDetected})
		if err != nil {
			return storeErr("list conflicts", err)
		}
		for _, c := range open {
			if err := ctx.Err(); err != nil {
				return err
			}
			if c.Suggestion == nil {
				continue
			}
			outcome := ApplyOutcome{ConflictID: c.ID, TaskID: c.TaskID}
			if _, err := e.applyLocked(ctx, ownerID, c.ID, nil); err != nil {
				if te := AsError(err); te != nil {
					outcome.ErrorCode = te.Code
					outcome.Message = te.Message
				} else {
					outcome.ErrorCode = "internal"
					outcome.Message = err.Error()
				}
			} else {
				outcome.Applied = true
			}
			outcomes = append(outcomes, outcome)
		}
		return nil
	})
	return outcomes, err
}

// Dismiss closes a conflict without moving anything. Terminal conflicts
// cannot be dismissed again.
func (e Engine) Dismiss(ctx context.Context, ownerID, conflictID string) (domain.Conflict, error) {
	var dismissed domain.Conflict
	err := e.withOwnerLock(ownerID, func() error {
		c, err := e.Repo.GetConflict(ctx, ownerID, conflictID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return notFoundErr("conflict", conflictID)
			}
			return storeErr("get conflict", err)
		}
		if c.ResolutionStatus.Terminal() {
			return &Error{
				Kind:    KindNotFound,
				Code:    "conflict_closed",
				Message: "conflict is already " + string(c.ResolutionStatus),
				Details: map[string]any{"id": conflictID, "resolution_status": string(c.ResolutionStatus)},
			}
		}
		now := e.timestamp()
		c.ResolutionStatus = domain.ResolutionDismissed
		c.Version++
		c.UpdatedAt = now
		c.ResolvedAt = &now

		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return storeErr("begin tx", err)
		}
		defer tx.Rollback()
		if err := e.Repo.SetConflictResolution(ctx, tx, c); err != nil {
			return storeErr("dismiss conflict", err)
		}
		if err := e.Events.Append(ctx, tx, ownerID, "conflict", c.ID, c.Version, "dismissed", nil); err != nil {
			return storeErr("append change", err)
		}
		if err := tx.Commit(); err != nil {
			return storeErr("commit", err)
		}
		dismissed = c
		e.publish([]domain.Change{events.ConflictChange(c, "dismissed")})
		return nil
	})
	return dismissed, err
}
