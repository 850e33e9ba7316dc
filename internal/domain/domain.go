package domain

import (
	"fmt"
	"time"
)

// DateLayout is the wire format for task window dates. Windows are
// date-granular: StartDate is the first day of work, EndDate the last.
const DateLayout = "2006-01-02"

type Department string

const (
	DeptEngineering Department = "engineering"
	DeptFinance     Department = "finance"
	DeptMarketing   Department = "marketing"
	DeptOperations  Department = "operations"
	DeptSales       Department = "sales"
	DeptHR          Department = "hr"
)

// Departments lists the known department values in stable order.
func Departments() []Department {
	return []Department{DeptEngineering, DeptFinance, DeptMarketing, DeptOperations, DeptSales, DeptHR}
}

// Valid reports whether d is a known department.
func (d Department) Valid() bool {
	for _, known := range Departments() {
		if d == known {
			return true
		}
	}
	return false
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Rank orders priorities low(0) .. critical(3). Unknown values rank below low.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityMedium:
		return 1
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	}
	return -1
}

func (p Priority) Valid() bool { return p.Rank() >= 0 }

type TaskStatus string

const (
	StatusPlanned   TaskStatus = "planned"
	StatusActive    TaskStatus = "active"
	StatusBlocked   TaskStatus = "blocked"
	StatusCompleted TaskStatus = "completed"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPlanned, StatusActive, StatusBlocked, StatusCompleted:
		return true
	}
	return false
}

type ConflictType string

const (
	ConflictTimelineOverlap     ConflictType = "timeline_overlap"
	ConflictResourceContention  ConflictType = "resource_contention"
	ConflictDependencyViolation ConflictType = "dependency_violation"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities low(0) .. critical(3).
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return -1
}

type ResolutionStatus string

const (
	ResolutionDetected  ResolutionStatus = "detected"
	ResolutionResolved  ResolutionStatus = "resolved"
	ResolutionDismissed ResolutionStatus = "dismissed"
)

// Terminal reports whether no further transition is permitted.
func (s ResolutionStatus) Terminal() bool {
	return s == ResolutionResolved || s == ResolutionDismissed
}

type Task struct {
	ID                  string     `json:"id"`
	OwnerID             string     `json:"owner_id"`
	Title               string     `json:"title"`
	Department          Department `json:"department" enum:"engineering,finance,marketing,operations,sales,hr"`
	Priority            Priority   `json:"priority" enum:"low,medium,high,critical"`
	StartDate           string     `json:"start_date" format:"date"`
	EndDate             string     `json:"end_date" format:"date"`
	Status              TaskStatus `json:"status" enum:"planned,active,blocked,completed"`
	Progress            int        `json:"progress" minimum:"0" maximum:"100"`
	ConflictProbability float64    `json:"conflict_probability"`
	PredictedDelayHours float64    `json:"predicted_delay_hours"`
	DependsOn           []string   `json:"depends_on,omitempty"`
	Version             int64      `json:"version"`
	CreatedAt           string     `json:"created_at" format:"date-time"`
	UpdatedAt           string     `json:"updated_at" format:"date-time"`
}

// Window returns the parsed task window.
func (t Task) Window() (Window, error) {
	return ParseWindow(t.StartDate, t.EndDate)
}

// Proposal is a candidate reschedule produced for a conflict. It is embedded
// in the conflict record, not a standalone entity.
type Proposal struct {
	NewStartDate string   `json:"new_start_date" format:"date"`
	NewEndDate   string   `json:"new_end_date" format:"date"`
	Confidence   float64  `json:"confidence"`
	Reason       string   `json:"reason"`
	// Stakeholders lists the departments touched by the move, sorted.
	// All tasks in a conflict belong to one owner, so departments are
	// the notification granularity rather than individual owner ids.
	Stakeholders []string `json:"stakeholders,omitempty"`
}

type Conflict struct {
	ID                   string           `json:"id"`
	OwnerID              string           `json:"owner_id"`
	TaskID               string           `json:"task_id"`
	SecondTaskID         *string          `json:"second_task_id,omitempty"`
	Type                 ConflictType     `json:"conflict_type" enum:"timeline_overlap,resource_contention,dependency_violation"`
	Severity             Severity         `json:"severity" enum:"low,medium,high,critical"`
	Description          string           `json:"description"`
	AffectedDepartments  []Department     `json:"affected_departments"`
	PredictedImpactHours float64          `json:"predicted_impact_hours"`
	ResolutionStatus     ResolutionStatus `json:"resolution_status" enum:"detected,resolved,dismissed"`
	Suggestion           *Proposal        `json:"auto_resolution_suggested,omitempty"`
	Signature            string           `json:"-"`
	Version              int64            `json:"version"`
	CreatedAt            string           `json:"created_at" format:"date-time"`
	UpdatedAt            string           `json:"updated_at" format:"date-time"`
	ResolvedAt           *string          `json:"resolved_at,omitempty" format:"date-time"`
}

type Owner struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Change is one row of the change feed. Consumers treat duplicates as
// idempotent refresh signals keyed by (entity_kind, entity_id, version).
type Change struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	OwnerID    string `json:"owner_id"`
	EntityKind string `json:"entity_kind" enum:"task,conflict"`
	EntityID   string `json:"entity_id"`
	Version    int64  `json:"version"`
	ChangeType string `json:"change_type"`
	Payload    string `json:"payload_json,omitempty"`
}

// Window is a parsed, validated task window. Start and End are midnight UTC
// of the first and last scheduled day; End is never before Start.
type Window struct {
	Start time.Time
	End   time.Time
}

// ParseWindow parses date strings and enforces end >= start.
func ParseWindow(start, end string) (Window, error) {
	s, err := time.ParseInLocation(DateLayout, start, time.UTC)
	if err != nil {
		return Window{}, fmt.Errorf("invalid start_date %q: %w", start, err)
	}
	e, err := time.ParseInLocation(DateLayout, end, time.UTC)
	if err != nil {
		return Window{}, fmt.Errorf("invalid end_date %q: %w", end, err)
	}
	if e.Before(s) {
		return Window{}, fmt.Errorf("end_date %s before start_date %s", end, start)
	}
	return Window{Start: s, End: e}, nil
}

// DurationDays returns the window length as the day difference end-start.
// A window starting and ending on the same day has duration 0 but still
// occupies that day.
func (w Window) DurationDays() int {
	return int(w.End.Sub(w.Start).Hours() / 24)
}

// Overlaps reports whether the two windows share at least one calendar day.
func (w Window) Overlaps(other Window) bool {
	return !w.Start.After(other.End) && !other.Start.After(w.End)
}

// OverlapDays returns the overlap magnitude in days: min(end)-max(start),
// zero for disjoint windows. Windows sharing exactly one boundary day
// overlap with magnitude zero.
func (w Window) OverlapDays(other Window) int {
	if !w.Overlaps(other) {
		return 0
	}
	start := w.Start
	if other.Start.After(start) {
		start = other.Start
	}
	end := w.End
	if other.End.Before(end) {
		end = other.End
	}
	d := int(end.Sub(start).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}

// Contains reports whether day falls inside the window.
func (w Window) Contains(day time.Time) bool {
	return !day.Before(w.Start) && !day.After(w.End)
}

// Shift returns the window moved so it starts on newStart, keeping duration.
func (w Window) Shift(newStart time.Time) Window {
	d := w.End.Sub(w.Start)
	return Window{Start: newStart, End: newStart.Add(d)}
}

// Format returns the window back in wire format.
func (w Window) Format() (string, string) {
	return w.Start.Format(DateLayout), w.End.Format(DateLayout)
}
