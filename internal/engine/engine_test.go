package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"interlock/internal/db"
	"interlock/internal/domain"
	"interlock/internal/engine"
	"interlock/internal/migrate"
	"interlock/internal/repo"
)

const owner = "own_1"

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, nil)
	eng.Now = func() time.Time { return time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.EnsureOwner(ctx, owner, "Test Owner"); err != nil {
		t.Fatalf("ensure owner: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func mustCreate(t *testing.T, env testEnv, opts engine.TaskCreateOptions) domain.Task {
	t.Helper()
	if opts.OwnerID == "" {
		opts.OwnerID = owner
	}
	task, err := env.Engine.CreateTask(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create task %q: %v", opts.Title, err)
	}
	return task
}

func overlappingPair(t *testing.T, env testEnv) (domain.Task, domain.Task) {
	t.Helper()
	a := mustCreate(t, env, engine.TaskCreateOptions{
		Title: "Platform migration", Department: domain.DeptEngineering,
		Priority: domain.PriorityMedium, StartDate: "2025-10-01", EndDate: "2025-10-10",
	})
	b := mustCreate(t, env, engine.TaskCreateOptions{
		Title: "API rework", Department: domain.DeptEngineering,
		Priority: domain.PriorityMedium, StartDate: "2025-10-05", EndDate: "2025-10-12",
	})
	return a, b
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name string
		opts engine.TaskCreateOptions
		code string
	}{
		{"missing title", engine.TaskCreateOptions{Department: domain.DeptSales, StartDate: "2025-10-01", EndDate: "2025-10-02"}, "title_required"},
		{"bad department", engine.TaskCreateOptions{Title: "x", Department: "astrology", StartDate: "2025-10-01", EndDate: "2025-10-02"}, "invalid_department"},
		{"inverted window", engine.TaskCreateOptions{Title: "x", Department: domain.DeptSales, StartDate: "2025-10-05", EndDate: "2025-10-02"}, "invalid_window"},
		{"unknown dependency", engine.TaskCreateOptions{Title: "x", Department: domain.DeptSales, StartDate: "2025-10-01", EndDate: "2025-10-02", DependsOn: []string{"tsk_none"}}, "unknown_dependency"},
	}
	for _, tc := range cases {
		tc.opts.OwnerID = owner
		_, err := env.Engine.CreateTask(env.Ctx, tc.opts)
		te := engine.AsError(err)
		if te == nil || te.Kind != engine.KindValidation {
			t.Errorf("%s: expected validation error, got %v", tc.name, err)
			continue
		}
		if te.Code != tc.code {
			t.Errorf("%s: code = %s, want %s", tc.name, te.Code, tc.code)
		}
	}
}

func TestUpdateTaskInvariants(t *testing.T) {
	env := newTestEnv(t)
	task := mustCreate(t, env, engine.TaskCreateOptions{
		Title: "Quarterly close", Department: domain.DeptFinance,
		StartDate: "2025-10-01", EndDate: "2025-10-05", Progress: 40,
	})

	ten := 10
	_, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{OwnerID: owner, TaskID: task.ID, Progress: &ten})
	if te := engine.AsError(err); te == nil || te.Code != "progress_regression" {
		t.Fatalf("expected progress_regression, got %v", err)
	}

	done := domain.StatusCompleted
	task, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{OwnerID: owner, TaskID: task.ID, Status: &done})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if task.Progress != 100 {
		t.Errorf("completing must force progress to 100, got %d", task.Progress)
	}
	if task.Version != 2 {
		t.Errorf("version = %d, want 2 after one update", task.Version)
	}

	active := domain.StatusActive
	_, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{OwnerID: owner, TaskID: task.ID, Status: &active})
	if te := engine.AsError(err); te == nil || te.Kind != engine.KindConstraint {
		t.Fatalf("completed must be terminal, got %v", err)
	}
}

func TestPredictDetectsAndSuppresses(t *testing.T) {
	env := newTestEnv(t)
	a, b := overlappingPair(t, env)

	res, err := env.Engine.Predict(env.Ctx, owner)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if len(res.Conflicts) != 1 {
		t.Fatalf("expected 1 conflict, got %d", len(res.Conflicts))
	}
	c := res.Conflicts[0]
	if c.Severity != domain.SeverityCritical {
		t.Errorf("severity = %s, want critical", c.Severity)
	}
	if c.Suggestion == nil {
		t.Fatal("expected a reschedule suggestion")
	}
	if c.Suggestion.NewStartDate != "2025-10-11" {
		t.Errorf("suggested start = %s, want 2025-10-11", c.Suggestion.NewStartDate)
	}

	for _, id := range []string{a.ID, b.ID} {
		got, err := env.Engine.GetTask(env.Ctx, owner, id)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if got.ConflictProbability != 0.9 {
			t.Errorf("task %s probability = %.2f, want 0.90", id, got.ConflictProbability)
		}
		if got.PredictedDelayHours != 40 {
			t.Errorf("task %s delay = %.1f, want 40", id, got.PredictedDelayHours)
		}
	}

	// Unchanged timeline: everything suppressed, nothing re-emitted.
	again, err := env.Engine.Predict(env.Ctx, owner)
	if err != nil {
		t.Fatalf("second predict: %v", err)
	}
	if len(again.Conflicts) != 0 {
		t.Errorf("re-run emitted %d conflicts, want 0", len(again.Conflicts))
	}
	if again.Suppressed != 1 {
		t.Errorf("suppressed = %d, want 1", again.Suppressed)
	}
}

func TestApplyReschedule(t *testing.T) {
	env := newTestEnv(t)
	_, b := overlappingPair(t, env)

	res, err := env.Engine.Predict(env.Ctx, owner)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	conflictID := res.Conflicts[0].ID

	applied, err := env.Engine.Apply(env.Ctx, owner, conflictID, nil)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if applied.Task.ID != b.ID {
		t.Errorf("moved task = %s, want the later-starting %s", applied.Task.ID, b.ID)
	}
	if applied.Task.StartDate != "2025-10-11" || applied.Task.EndDate != "2025-10-18" {
		t.Errorf("window = %s..%s, want 2025-10-11..2025-10-18", applied.Task.StartDate, applied.Task.EndDate)
	}
	if applied.Conflict.ResolutionStatus != domain.ResolutionResolved {
		t.Errorf("conflict status = %s, want resolved", applied.Conflict.ResolutionStatus)
	}
	if applied.Conflict.ResolvedAt == nil {
		t.Error("resolved_at must be set")
	}

	// Terminal conflicts cannot be applied again.
	_, err = env.Engine.Apply(env.Ctx, owner, conflictID, nil)
	te := engine.AsError(err)
	if te == nil || te.Kind != engine.KindNotFound || te.Code != "conflict_closed" {
		t.Fatalf("second apply: expected conflict_closed not-found, got %v", err)
	}

	// After the move the timeline is clean.
	clean, err := env.Engine.Predict(env.Ctx, owner)
	if err != nil {
		t.Fatalf("predict after apply: %v", err)
	}
	if len(clean.Conflicts) != 0 {
		t.Errorf("clean timeline produced %d conflicts", len(clean.Conflicts))
	}
	got, _ := env.Engine.GetTask(env.Ctx, owner, b.ID)
	if got.ConflictProbability >= 0.9 {
		t.Errorf("probability should drop once the conflict is resolved, got %.2f", got.ConflictProbability)
	}
}

func TestApplyManualWindow(t *testing.T) {
	env := newTestEnv(t)
	_, b := overlappingPair(t, env)

	res, err := env.Engine.Predict(env.Ctx, owner)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	conflictID := res.Conflicts[0].ID

	_, err = env.Engine.Apply(env.Ctx, owner, conflictID, &engine.Resolution{NewStartDate: "not-a-date"})
	if te := engine.AsError(err); te == nil || te.Code != "invalid_window" {
		t.Fatalf("expected invalid_window, got %v", err)
	}

	// An edited start with no end keeps the task's duration.
	applied, err := env.Engine.Apply(env.Ctx, owner, conflictID, &engine.Resolution{NewStartDate: "2025-11-01"})
	if err != nil {
		t.Fatalf("apply with override: %v", err)
	}
	if !applied.Applied {
		t.Error("applied flag must be set")
	}
	if applied.Task.ID != b.ID {
		t.Errorf("moved task = %s, want %s", applied.Task.ID, b.ID)
	}
	if applied.Task.StartDate != "2025-11-01" || applied.Task.EndDate != "2025-11-08" {
		t.Errorf("window = %s..%s, want 2025-11-01..2025-11-08", applied.Task.StartDate, applied.Task.EndDate)
	}
	if applied.Conflict.ResolutionStatus != domain.ResolutionResolved {
		t.Errorf("conflict status = %s, want resolved", applied.Conflict.ResolutionStatus)
	}
}

func TestApplyGuardRejectsNewCriticalConflict(t *testing.T) {
	env := newTestEnv(t)
	_, b := overlappingPair(t, env)

	res, err := env.Engine.Predict(env.Ctx, owner)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	conflictID := res.Conflicts[0].ID

	// Occupy the suggested slot with critical-priority work after the
	// prediction ran.
	mustCreate(t, env, engine.TaskCreateOptions{
		Title: "Incident freeze", Department: domain.DeptEngineering,
		Priority: domain.PriorityCritical, StartDate: "2025-10-11", EndDate: "2025-10-18",
	})

	_, err = env.Engine.Apply(env.Ctx, owner, conflictID, nil)
	te := engine.AsError(err)
	if te == nil || te.Kind != engine.KindConstraint || te.Code != "move_creates_conflict" {
		t.Fatalf("expected move_creates_conflict, got %v", err)
	}

	// Nothing moved and the conflict stays open.
	got, err := env.Engine.GetTask(env.Ctx, owner, b.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.StartDate != "2025-10-05" || got.EndDate != "2025-10-12" {
		t.Errorf("rejected apply must leave the window unchanged, got %s..%s", got.StartDate, got.EndDate)
	}
	c, err := env.Engine.Repo.GetConflict(env.Ctx, owner, conflictID)
	if err != nil {
		t.Fatalf("get conflict: %v", err)
	}
	if c.ResolutionStatus != domain.ResolutionDetected {
		t.Errorf("conflict status = %s, want still detected", c.ResolutionStatus)
	}
}

func TestApplyWithoutSuggestion(t *testing.T) {
	env := newTestEnv(t)
	cfg, err := env.Engine.OwnerConfig(env.Ctx, owner)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	// Raise the bar so no suggestion clears it.
	cfg.Resolution.MinConfidence = 1.0
	if err := env.Engine.SetOwnerConfig(env.Ctx, owner, cfg); err != nil {
		t.Fatalf("set config: %v", err)
	}
	overlappingPair(t, env)

	res, err := env.Engine.Predict(env.Ctx, owner)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if res.Conflicts[0].Suggestion != nil {
		t.Fatal("suggestion should not clear min_confidence 1.0")
	}
	_, err = env.Engine.Apply(env.Ctx, owner, res.Conflicts[0].ID, nil)
	if te := engine.AsError(err); te == nil || te.Code != "no_suggestion" {
		t.Fatalf("expected no_suggestion, got %v", err)
	}
}

func TestApplyAll(t *testing.T) {
	env := newTestEnv(t)
	overlappingPair(t, env)
	mustCreate(t, env, engine.TaskCreateOptions{
		Title: "Campaign brief", Department: domain.DeptMarketing,
		StartDate: "2025-11-01", EndDate: "2025-11-10",
	})
	mustCreate(t, env, engine.TaskCreateOptions{
		Title: "Campaign launch", Department: domain.DeptMarketing,
		StartDate: "2025-11-03", EndDate: "2025-11-12",
	})

	if _, err := env.Engine.Predict(env.Ctx, owner); err != nil {
		t.Fatalf("predict: %v", err)
	}
	outcomes, err := env.Engine.ApplyAll(env.Ctx, owner)
	if err != nil {
		t.Fatalf("apply all: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}
	for _, o := range outcomes {
		if !o.Applied {
			t.Errorf("conflict %s not applied: %s %s", o.ConflictID, o.ErrorCode, o.Message)
		}
	}
	clean, err := env.Engine.Predict(env.Ctx, owner)
	if err != nil {
		t.Fatalf("predict after apply all: %v", err)
	}
	if len(clean.Conflicts) != 0 {
		t.Errorf("timeline still has %d conflicts after apply all", len(clean.Conflicts))
	}
}

func TestApplyAllPartialFailure(t *testing.T) {
	env := newTestEnv(t)
	_, b := overlappingPair(t, env)
	mustCreate(t, env, engine.TaskCreateOptions{
		Title: "Campaign brief", Department: domain.DeptMarketing,
		StartDate: "2025-11-01", EndDate: "2025-11-10",
	})
	mustCreate(t, env, engine.TaskCreateOptions{
		Title: "Campaign launch", Department: domain.DeptMarketing,
		StartDate: "2025-11-03", EndDate: "2025-11-12",
	})
	if _, err := env.Engine.Predict(env.Ctx, owner); err != nil {
		t.Fatalf("predict: %v", err)
	}

	// Occupy the engineering suggestion's slot with critical work so that
	// one of the two eligible conflicts fails its guard re-check.
	mustCreate(t, env, engine.TaskCreateOptions{
		Title: "Incident freeze", Department: domain.DeptEngineering,
		Priority: domain.PriorityCritical, StartDate: "2025-10-11", EndDate: "2025-10-18",
	})

	outcomes, err := env.Engine.ApplyAll(env.Ctx, owner)
	if err != nil {
		t.Fatalf("apply all: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}
	applied, failed := 0, 0
	for _, o := range outcomes {
		if o.Applied {
			applied++
			continue
		}
		failed++
		if o.ErrorCode != "move_creates_conflict" {
			t.Errorf("failure code = %s, want move_creates_conflict", o.ErrorCode)
		}
	}
	if applied != 1 || failed != 1 {
		t.Fatalf("applied/failed = %d/%d, want exactly 1/1", applied, failed)
	}

	// The store reflects only the successful mutation: the marketing task
	// moved, the blocked engineering task kept its window and its conflict
	// stays open.
	got, err := env.Engine.GetTask(env.Ctx, owner, b.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.StartDate != "2025-10-05" || got.EndDate != "2025-10-12" {
		t.Errorf("failed item's window changed to %s..%s", got.StartDate, got.EndDate)
	}
	open, err := env.Engine.Repo.ListConflicts(env.Ctx, repo.ConflictFilters{OwnerID: owner, Status: domain.ResolutionDetected})
	if err != nil {
		t.Fatalf("list conflicts: %v", err)
	}
	if len(open) != 1 {
		t.Errorf("open conflicts = %d, want 1", len(open))
	}
	resolved, err := env.Engine.Repo.ListConflicts(env.Ctx, repo.ConflictFilters{OwnerID: owner, Status: domain.ResolutionResolved})
	if err != nil {
		t.Fatalf("list conflicts: %v", err)
	}
	if len(resolved) != 1 {
		t.Errorf("resolved conflicts = %d, want 1", len(resolved))
	}
}

func TestApplyAllCancellation(t *testing.T) {
	env := newTestEnv(t)
	overlappingPair(t, env)
	mustCreate(t, env, engine.TaskCreateOptions{
		Title: "Campaign brief", Department: domain.DeptMarketing,
		StartDate: "2025-11-01", EndDate: "2025-11-10",
	})
	mustCreate(t, env, engine.TaskCreateOptions{
		Title: "Campaign launch", Department: domain.DeptMarketing,
		StartDate: "2025-11-03", EndDate: "2025-11-12",
	})
	mustCreate(t, env, engine.TaskCreateOptions{
		Title: "Budget close", Department: domain.DeptFinance,
		StartDate: "2025-12-01", EndDate: "2025-12-10",
	})
	mustCreate(t, env, engine.TaskCreateOptions{
		Title: "Audit prep", Department: domain.DeptFinance,
		StartDate: "2025-12-03", EndDate: "2025-12-12",
	})
	if _, err := env.Engine.Predict(env.Ctx, owner); err != nil {
		t.Fatalf("predict: %v", err)
	}

	// A context cancelled before the call stops the batch at the first
	// between-items check: no outcomes, no mutations.
	cancelled, cancel := context.WithCancel(env.Ctx)
	cancel()
	outcomes, err := env.Engine.ApplyAll(cancelled, owner)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(outcomes) != 0 {
		t.Fatalf("cancelled batch produced %d outcomes", len(outcomes))
	}
	open, err := env.Engine.Repo.ListConflicts(env.Ctx, repo.ConflictFilters{OwnerID: owner, Status: domain.ResolutionDetected})
	if err != nil {
		t.Fatalf("list conflicts: %v", err)
	}
	if len(open) != 3 {
		t.Fatalf("open conflicts = %d, want all untouched", len(open))
	}

	// Cancelling mid-batch keeps the outcomes gathered so far and the
	// mutations already committed. The clock hook fires once per item, so
	// cancelling on the second tick lands between the items' commits.
	ctx, cancelMid := context.WithCancel(env.Ctx)
	defer cancelMid()
	base := env.Engine.Now
	calls := 0
	env.Engine.Now = func() time.Time {
		calls++
		if calls == 2 {
			cancelMid()
		}
		return base()
	}
	outcomes, err = env.Engine.ApplyAll(ctx, owner)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(outcomes) == 0 {
		t.Fatal("outcomes gathered before the cancellation must be returned")
	}
	applied := 0
	for _, o := range outcomes {
		if o.Applied {
			applied++
		}
	}
	if applied != 1 {
		t.Fatalf("applied before cancellation = %d, want 1", applied)
	}
	resolved, err := env.Engine.Repo.ListConflicts(env.Ctx, repo.ConflictFilters{OwnerID: owner, Status: domain.ResolutionResolved})
	if err != nil {
		t.Fatalf("list conflicts: %v", err)
	}
	if len(resolved) != 1 {
		t.Errorf("committed mutations = %d, want exactly the pre-cancellation one", len(resolved))
	}
}

func TestDismiss(t *testing.T) {
	env := newTestEnv(t)
	overlappingPair(t, env)
	res, err := env.Engine.Predict(env.Ctx, owner)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	id := res.Conflicts[0].ID

	c, err := env.Engine.Dismiss(env.Ctx, owner, id)
	if err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	if c.ResolutionStatus != domain.ResolutionDismissed {
		t.Errorf("status = %s, want dismissed", c.ResolutionStatus)
	}
	if _, err := env.Engine.Dismiss(env.Ctx, owner, id); engine.AsError(err) == nil {
		t.Fatalf("double dismiss must fail, got %v", err)
	}

	// The dismissed signature keeps suppressing the unchanged pair.
	again, err := env.Engine.Predict(env.Ctx, owner)
	if err != nil {
		t.Fatalf("predict: %v", err)
	}
	if len(again.Conflicts) != 0 {
		t.Errorf("dismissed conflict re-emitted")
	}
}

func TestChangeFeedOrdering(t *testing.T) {
	env := newTestEnv(t)
	feed, cancel := env.Engine.Broker.Subscribe(owner)
	defer cancel()

	a, b := overlappingPair(t, env)
	if _, err := env.Engine.Predict(env.Ctx, owner); err != nil {
		t.Fatalf("predict: %v", err)
	}

	rows, err := env.Engine.Repo.ChangesAfter(env.Ctx, owner, 0, 50)
	if err != nil {
		t.Fatalf("changes: %v", err)
	}
	// 2 creates, 1 detection, 2 probability writebacks.
	if len(rows) != 5 {
		t.Fatalf("expected 5 change rows, got %d", len(rows))
	}
	var last int64
	for _, row := range rows {
		if row.ID <= last {
			t.Fatalf("feed not strictly ascending: %d after %d", row.ID, last)
		}
		last = row.ID
	}
	if rows[0].EntityKind != "task" || rows[0].EntityID != a.ID || rows[0].ChangeType != "created" {
		t.Errorf("first row = %+v, want creation of %s", rows[0], a.ID)
	}

	// The broker saw the same committed changes.
	seen := 0
	for seen < 5 {
		select {
		case c := <-feed:
			if c.ChangeType == "lagged" {
				t.Fatal("subscriber lagged on a 5-change run")
			}
			seen++
		case <-time.After(time.Second):
			t.Fatalf("broker delivered %d of 5 changes", seen)
		}
	}
	_ = b
}

func TestSummary(t *testing.T) {
	env := newTestEnv(t)
	overlappingPair(t, env)
	if _, err := env.Engine.Predict(env.Ctx, owner); err != nil {
		t.Fatalf("predict: %v", err)
	}
	s, err := env.Engine.Summary(env.Ctx, owner)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if s.TasksByStatus["planned"] != 2 {
		t.Errorf("planned = %d, want 2", s.TasksByStatus["planned"])
	}
	if s.OpenConflictsBySeverity["critical"] != 1 {
		t.Errorf("critical open = %d, want 1", s.OpenConflictsBySeverity["critical"])
	}
	if s.AverageConflictProbability != 0.9 {
		t.Errorf("avg probability = %.2f, want 0.90", s.AverageConflictProbability)
	}
	if s.LatestChangeID == 0 {
		t.Error("latest change id must advance")
	}
}
