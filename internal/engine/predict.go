package engine

import (
	"context"

	"github.com/google/uuid"

	"interlock/internal/domain"
	"interlock/internal/events"
	"interlock/internal/predict"
	"interlock/internal/repo"
)

// PredictResult summarizes one prediction run. The totals count every open
// conflict after the run, not just this run's fresh ones.
type PredictResult struct {
	Conflicts         []domain.Conflict `json:"conflicts"`
	TotalConflicts    int               `json:"total_conflicts"`
	CriticalConflicts int               `json:"critical_conflicts"`
	Scanned           int               `json:"scanned"`
	Suppressed        int               `json:"suppressed"`
}

// Predict runs conflict detection over the owner's planned and active tasks.
// Re-running on an unchanged timeline emits nothing: every candidate whose
// signature was ever recorded is suppressed. New conflicts, their suggestions
// and the per-task probability writeback commit in a single transaction.
func (e Engine) Predict(ctx context.Context, ownerID string) (PredictResult, error) {
	var result PredictResult
	err := e.withOwnerLock(ownerID, func() error {
		cfg, err := e.ownerConfig(ctx, ownerID)
		if err != nil {
			return err
		}
		tasks, err := e.Repo.ActiveTasks(ctx, ownerID)
		if err != nil {
			return storeErr("list tasks", err)
		}
		known, err := e.Repo.ConflictSignatures(ctx, ownerID)
		if err != nil {
			return storeErr("list signatures", err)
		}

		candidates := predict.Detect(tasks, cfg, e.Log)
		result.Scanned = len(tasks)

		now := e.timestamp()
		var fresh []domain.Conflict
		for _, cand := range candidates {
			if known[cand.Signature] {
				result.Suppressed++
				continue
			}
			c := domain.Conflict{
				ID:                   "cfl_" + uuid.NewString(),
				OwnerID:              ownerID,
				TaskID:               cand.TaskID,
				Type:                 cand.Type,
				Severity:             cand.Severity,
				Description:          cand.Description,
				AffectedDepartments:  cand.AffectedDepartments,
				PredictedImpactHours: cand.ImpactHours,
				ResolutionStatus:     domain.ResolutionDetected,
				Signature:            cand.Signature,
				Version:              1,
				CreatedAt:            now,
				UpdatedAt:            now,
			}
			if cand.SecondTaskID != "" {
				second := cand.SecondTaskID
				c.SecondTaskID = &second
			}
			if mover, ok := taskByID(tasks, cand.TaskID); ok {
				if p := predict.Propose(mover, tasks, cfg); p != nil && p.Confidence >= cfg.Resolution.MinConfidence {
					c.Suggestion = p
				}
			}
			fresh = append(fresh, c)
		}

		// Probability writeback reflects all open conflicts, not only this
		// run's: a suppressed duplicate still weighs on its tasks.
		open, err := e.Repo.ListConflicts(ctx, repo.ConflictFilters{OwnerID: ownerID, Status: domain.ResolutionDetected})
		if err != nil {
			return storeErr("list conflicts", err)
		}
		open = append(open, fresh...)
		result.TotalConflicts = len(open)
		for _, c := range open {
			if c.Severity == domain.SeverityCritical {
				result.CriticalConflicts++
			}
		}
		worst := map[string]domain.Severity{}
		impact := map[string]float64{}
		for _, c := range open {
			for _, id := range conflictTaskIDs(c) {
				if cur, ok := worst[id]; !ok || c.Severity.Rank() > cur.Rank() {
					worst[id] = c.Severity
				}
				if c.PredictedImpactHours > impact[id] {
					impact[id] = c.PredictedImpactHours
				}
			}
		}

		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return storeErr("begin tx", err)
		}
		defer tx.Rollback()

		var changes []domain.Change
		for _, c := range fresh {
			if err := e.Repo.InsertConflict(ctx, tx, c); err != nil {
				return storeErr("insert conflict", err)
			}
			if err := e.Events.Append(ctx, tx, ownerID, "conflict", c.ID, c.Version, "detected", events.Payload{
				"severity": string(c.Severity), "conflict_type": string(c.Type),
			}); err != nil {
				return storeErr("append change", err)
			}
			changes = append(changes, events.ConflictChange(c, "detected"))
		}
		for i := range tasks {
			t := &tasks[i]
			probability := cfg.ProbabilityFor(worst[t.ID])
			delay := impact[t.ID]
			if probability == t.ConflictProbability && delay == t.PredictedDelayHours {
				continue
			}
			t.ConflictProbability = probability
			t.PredictedDelayHours = delay
			t.Version++
			t.UpdatedAt = now
			if err := e.Repo.UpdateTask(ctx, tx, *t); err != nil {
				return storeErr("update task prediction", err)
			}
			if err := e.Events.Append(ctx, tx, ownerID, "task", t.ID, t.Version, "predicted", events.Payload{
				"conflict_probability":  probability,
				"predicted_delay_hours": delay,
			}); err != nil {
				return storeErr("append change", err)
			}
			changes = append(changes, events.TaskChange(*t, "predicted"))
		}
		if err := tx.Commit(); err != nil {
			return storeErr("commit", err)
		}

		result.Conflicts = fresh
		e.publish(changes)
		e.Log.Info("prediction run",
			"owner_id", ownerID,
			"scanned", result.Scanned,
			"detected", len(fresh),
			"suppressed", result.Suppressed)
		return nil
	})
	return result, err
}

func taskByID(tasks []domain.Task, id string) (domain.Task, bool) {
	for _, t := range tasks {
		if t.ID == id {
			return t, true
		}
	}
	return domain.Task{}, false
}

func conflictTaskIDs(c domain.Conflict) []string {
	ids := []string{c.TaskID}
	if c.SecondTaskID != nil {
		ids = append(ids, *c.SecondTaskID)
	}
	return ids
}
