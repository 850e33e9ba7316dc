// Package predict holds the pure conflict-detection and resolution-proposal
// logic. It works on in-memory task slices and owner config only; loading
// tasks and persisting conflicts is the engine's job, which keeps re-runs
// idempotent and the algorithm testable without a store.
package predict

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"interlock/internal/config"
	"interlock/internal/domain"
)

// Candidate is a detected conflict before it becomes a stored record.
// TaskID is the task the proposer would move; Involved lists every task
// participating in the conflict.
type Candidate struct {
	Type                domain.ConflictType
	TaskID              string
	SecondTaskID        string
	Severity            domain.Severity
	Description         string
	AffectedDepartments []domain.Department
	ImpactHours         float64
	OverlapFraction     float64
	LoadRatio           float64
	Signature           string
	Involved            []string
}

// Detect scans the owner's planned/active tasks pairwise and against
// department load and returns conflict candidates. Tasks with an invalid
// window or unknown department are skipped and logged, never fatal.
func Detect(tasks []domain.Task, cfg *config.Config, log *slog.Logger) []Candidate {
	if log == nil {
		log = slog.Default()
	}
	valid := make([]domain.Task, 0, len(tasks))
	windows := map[string]domain.Window{}
	byID := map[string]domain.Task{}
	for _, t := range tasks {
		w, err := t.Window()
		if err != nil {
			log.Warn("skipping task with invalid window", "task_id", t.ID, "error", err)
			continue
		}
		if !t.Department.Valid() {
			log.Warn("skipping task with unknown department", "task_id", t.ID, "department", string(t.Department))
			continue
		}
		valid = append(valid, t)
		windows[t.ID] = w
		byID[t.ID] = t
	}

	var out []Candidate
	out = append(out, detectOverlaps(valid, windows, cfg)...)
	out = append(out, detectDependencyViolations(valid, windows, byID, cfg)...)
	out = append(out, detectContention(valid, windows, cfg)...)

	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		if out[i].TaskID != out[j].TaskID {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].SecondTaskID < out[j].SecondTaskID
	})
	return out
}

func detectOverlaps(tasks []domain.Task, windows map[string]domain.Window, cfg *config.Config) []Candidate {
	byDept := map[domain.Department][]domain.Task{}
	for _, t := range tasks {
		byDept[t.Department] = append(byDept[t.Department], t)
	}
	var out []Candidate
	for dept, group := range byDept {
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				a, b := group[i], group[j]
				wa, wb := windows[a.ID], windows[b.ID]
				if !wa.Overlaps(wb) {
					continue
				}
				overlap := wa.OverlapDays(wb)
				fraction := overlapFraction(overlap, wa, wb)
				sev, ok := classifyOverlap(fraction, topPriority(a, b), cfg)
				if !ok {
					continue
				}
				mover, other := chooseMover(a, b)
				out = append(out, Candidate{
					Type:         domain.ConflictTimelineOverlap,
					TaskID:       mover.ID,
					SecondTaskID: other.ID,
					Severity:     sev,
					Description: fmt.Sprintf("%q and %q overlap by %d day(s) in %s (%.0f%% of the shorter task)",
						other.Title, mover.Title, overlap, dept, fraction*100),
					AffectedDepartments: []domain.Department{dept},
					ImpactHours:         float64(overlap) * cfg.Detection.WorkHoursPerDay,
					OverlapFraction:     fraction,
					Signature:           pairSignature(domain.ConflictTimelineOverlap, a, b),
					Involved:            []string{mover.ID, other.ID},
				})
			}
		}
	}
	return out
}

func detectDependencyViolations(tasks []domain.Task, windows map[string]domain.Window, byID map[string]domain.Task, cfg *config.Config) []Candidate {
	var out []Candidate
	for _, t := range tasks {
		for _, depID := range t.DependsOn {
			dep, ok := byID[depID]
			if !ok {
				continue
			}
			wt, wd := windows[t.ID], windows[depID]
			// The dependent must not start before its prerequisite ends.
			if wt.Start.After(wd.End) {
				continue
			}
			overlap := wt.OverlapDays(wd)
			fraction := overlapFraction(overlap, wt, wd)
			sev, ok := classifyOverlap(fraction, topPriority(t, dep), cfg)
			if !ok {
				// Starting on the prerequisite's last day still violates
				// the link even when the overlap magnitude rounds to zero.
				sev = domain.SeverityMedium
			}
			depts := []domain.Department{t.Department}
			if dep.Department != t.Department {
				depts = append(depts, dep.Department)
				sort.Slice(depts, func(i, j int) bool { return depts[i] < depts[j] })
			}
			out = append(out, Candidate{
				Type:         domain.ConflictDependencyViolation,
				TaskID:       t.ID,
				SecondTaskID: dep.ID,
				Severity:     sev,
				Description: fmt.Sprintf("%q starts before its prerequisite %q finishes (%s)",
					t.Title, dep.Title, dep.EndDate),
				AffectedDepartments: depts,
				ImpactHours:         float64(overlap) * cfg.Detection.WorkHoursPerDay,
				OverlapFraction:     fraction,
				Signature:           pairSignature(domain.ConflictDependencyViolation, t, dep),
				Involved:            []string{t.ID, dep.ID},
			})
		}
	}
	return out
}

func detectContention(tasks []domain.Task, windows map[string]domain.Window, cfg *config.Config) []Candidate {
	byDept := map[domain.Department][]domain.Task{}
	for _, t := range tasks {
		byDept[t.Department] = append(byDept[t.Department], t)
	}
	var out []Candidate
	for dept, group := range byDept {
		capacity := cfg.CapacityFor(dept)
		if len(group) <= capacity {
			continue
		}
		span, ok := deptSpan(group, windows)
		if !ok {
			continue
		}
		type run struct {
			start, end time.Time
			peak       int
			excessDays int
		}
		var runs []run
		var cur *run
		for day := span.Start; !day.After(span.End); day = day.AddDate(0, 0, 1) {
			count := 0
			for _, t := range group {
				if windows[t.ID].Contains(day) {
					count++
				}
			}
			if count > capacity {
				if cur == nil {
					runs = append(runs, run{start: day, end: day, peak: count, excessDays: count - capacity})
					cur = &runs[len(runs)-1]
				} else {
					cur.end = day
					cur.excessDays += count - capacity
					if count > cur.peak {
						cur.peak = count
					}
				}
			} else {
				cur = nil
			}
		}
		for _, rn := range runs {
			bucket := domain.Window{Start: rn.start, End: rn.end}
			var involved []domain.Task
			for _, t := range group {
				if windows[t.ID].Overlaps(bucket) {
					involved = append(involved, t)
				}
			}
			ratio := float64(rn.peak) / float64(capacity)
			sev, ok := classifyContention(ratio, involved, cfg)
			if !ok {
				continue
			}
			mover := lowestPriorityTask(involved)
			ids := make([]string, len(involved))
			for i, t := range involved {
				ids[i] = t.ID
			}
			sort.Strings(ids)
			out = append(out, Candidate{
				Type:     domain.ConflictResourceContention,
				TaskID:   mover.ID,
				Severity: sev,
				Description: fmt.Sprintf("%s has %d concurrent tasks against a capacity of %d between %s and %s",
					dept, rn.peak, capacity, rn.start.Format(domain.DateLayout), rn.end.Format(domain.DateLayout)),
				AffectedDepartments: []domain.Department{dept},
				ImpactHours:         float64(rn.excessDays) * cfg.Detection.WorkHoursPerDay,
				LoadRatio:           ratio,
				Signature:           contentionSignature(dept, bucket, involved, windows),
				Involved:            ids,
			})
		}
	}
	return out
}

func overlapFraction(overlapDays int, a, b domain.Window) float64 {
	shorter := a.DurationDays()
	if d := b.DurationDays(); d < shorter {
		shorter = d
	}
	if shorter <= 0 {
		if overlapDays > 0 {
			return 1
		}
		return 0
	}
	return float64(overlapDays) / float64(shorter)
}

// classifyOverlap applies the severity cut points to an overlap pair.
// The second return is false when the pair does not rate a conflict.
func classifyOverlap(fraction float64, top domain.Priority, cfg *config.Config) (domain.Severity, bool) {
	switch {
	case fraction > cfg.Detection.CriticalOverlapFraction || top == domain.PriorityCritical:
		return domain.SeverityCritical, true
	case fraction > cfg.Detection.HighOverlapFraction:
		return domain.SeverityHigh, true
	case fraction > 0:
		return domain.SeverityMedium, true
	}
	return "", false
}

func classifyContention(ratio float64, involved []domain.Task, cfg *config.Config) (domain.Severity, bool) {
	critical := false
	for _, t := range involved {
		if t.Priority == domain.PriorityCritical {
			critical = true
			break
		}
	}
	switch {
	case critical:
		return domain.SeverityCritical, true
	case ratio > cfg.Detection.HighLoadRatio:
		return domain.SeverityHigh, true
	case ratio > cfg.Detection.MediumLoadRatio:
		return domain.SeverityMedium, true
	}
	return "", false
}

func topPriority(a, b domain.Task) domain.Priority {
	if a.Priority.Rank() >= b.Priority.Rank() {
		return a.Priority
	}
	return b.Priority
}

// chooseMover picks which task of an overlapping pair should be rescheduled:
// the lower-priority one, then the one starting later, then by id for
// determinism.
func chooseMover(a, b domain.Task) (mover, other domain.Task) {
	if a.Priority.Rank() != b.Priority.Rank() {
		if a.Priority.Rank() < b.Priority.Rank() {
			return a, b
		}
		return b, a
	}
	if a.StartDate != b.StartDate {
		if a.StartDate > b.StartDate {
			return a, b
		}
		return b, a
	}
	if a.ID > b.ID {
		return a, b
	}
	return b, a
}

// lowestPriorityTask picks the contention mover. Among the lowest-priority
// tasks a started one (active or progress underway) is chosen only when no
// planned alternative exists; remaining ties go to the latest start, then
// the smaller id.
func lowestPriorityTask(tasks []domain.Task) domain.Task {
	minRank := tasks[0].Priority.Rank()
	for _, t := range tasks[1:] {
		if r := t.Priority.Rank(); r < minRank {
			minRank = r
		}
	}
	var best domain.Task
	chosen := false
	for _, t := range tasks {
		if t.Priority.Rank() != minRank {
			continue
		}
		if !chosen {
			best = t
			chosen = true
			continue
		}
		if started(best) != started(t) {
			if started(best) {
				best = t
			}
			continue
		}
		if t.StartDate > best.StartDate || (t.StartDate == best.StartDate && t.ID < best.ID) {
			best = t
		}
	}
	return best
}

func deptSpan(tasks []domain.Task, windows map[string]domain.Window) (domain.Window, bool) {
	var span domain.Window
	first := true
	for _, t := range tasks {
		w := windows[t.ID]
		if first {
			span = w
			first = false
			continue
		}
		if w.Start.Before(span.Start) {
			span.Start = w.Start
		}
		if w.End.After(span.End) {
			span.End = w.End
		}
	}
	return span, !first
}

// pairSignature is a stable identity for a pair conflict: same tasks, same
// type, same windows produce the same signature, so an unchanged re-run is
// suppressed while any window change yields a fresh record.
func pairSignature(kind domain.ConflictType, a, b domain.Task) string {
	first, second := a, b
	if second.ID < first.ID {
		first, second = second, first
	}
	return signature(string(kind), first.ID, first.StartDate, first.EndDate, second.ID, second.StartDate, second.EndDate)
}

func contentionSignature(dept domain.Department, bucket domain.Window, involved []domain.Task, windows map[string]domain.Window) string {
	parts := []string{string(domain.ConflictResourceContention), string(dept),
		bucket.Start.Format(domain.DateLayout), bucket.End.Format(domain.DateLayout)}
	ids := make([]string, len(involved))
	for i, t := range involved {
		ids[i] = t.ID + ":" + t.StartDate + ":" + t.EndDate
	}
	sort.Strings(ids)
	return signature(append(parts, ids...)...)
}

func signature(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
