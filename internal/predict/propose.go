package predict

import (
	"fmt"
	"sort"

	"interlock/internal/config"
	"interlock/internal/domain"
)

// startedConfidenceCap bounds proposals that would move a task already in
// flight. Moving started work is disruptive, so even a clean slot is only a
// weak suggestion.
const startedConfidenceCap = 0.4

// Propose searches for the earliest shifted window for mover that is fully
// disjoint from every other planned or active task in its department, and
// from every task mover depends on. The search walks day by day up to the
// resolution horizon. It returns nil when no free slot exists inside the
// horizon.
func Propose(mover domain.Task, all []domain.Task, cfg *config.Config) *domain.Proposal {
	window, err := mover.Window()
	if err != nil {
		return nil
	}

	var obstacles []domain.Window
	prereqs := map[string]bool{}
	for _, id := range mover.DependsOn {
		prereqs[id] = true
	}
	depts := map[domain.Department]bool{mover.Department: true}
	for _, t := range all {
		if t.ID == mover.ID {
			continue
		}
		if t.Status != domain.StatusPlanned && t.Status != domain.StatusActive {
			continue
		}
		if t.Department != mover.Department && !prereqs[t.ID] {
			continue
		}
		w, err := t.Window()
		if err != nil {
			continue
		}
		obstacles = append(obstacles, w)
		depts[t.Department] = true
	}

	horizon := cfg.Resolution.HorizonDays
	for d := 1; d <= horizon; d++ {
		candidate := window.Shift(window.Start.AddDate(0, 0, d))
		if !free(candidate, obstacles) {
			continue
		}
		confidence := 1 - float64(d)/float64(horizon)
		reason := fmt.Sprintf("first free slot for %s, shifted %d day(s)", mover.Department, d)
		if crossesBlackout(candidate, mover.Department, cfg) {
			confidence *= cfg.Resolution.BlackoutPenalty
			reason += " (crosses a blackout window)"
		}
		if started(mover) && confidence > startedConfidenceCap {
			confidence = startedConfidenceCap
			reason += "; task already started"
		}
		start, end := candidate.Format()
		return &domain.Proposal{
			NewStartDate: start,
			NewEndDate:   end,
			Confidence:   confidence,
			Reason:       reason,
			Stakeholders: stakeholders(depts),
		}
	}
	return nil
}

func free(candidate domain.Window, obstacles []domain.Window) bool {
	for _, w := range obstacles {
		if candidate.Overlaps(w) {
			return false
		}
	}
	return true
}

func started(t domain.Task) bool {
	return t.Status == domain.StatusActive || t.Progress > 0
}

func crossesBlackout(candidate domain.Window, dept domain.Department, cfg *config.Config) bool {
	for _, b := range cfg.Resolution.Blackouts {
		if b.Department != "" && b.Department != string(dept) {
			continue
		}
		w, err := domain.ParseWindow(b.StartDate, b.EndDate)
		if err != nil {
			continue
		}
		if candidate.Overlaps(w) {
			return true
		}
	}
	return false
}

// stakeholders renders the affected departments as sorted names. See
// the note on Proposal.Stakeholders for why departments, not owners.
func stakeholders(depts map[domain.Department]bool) []string {
	out := make([]string, 0, len(depts))
	for d := range depts {
		out = append(out, string(d))
	}
	sort.Strings(out)
	return out
}
