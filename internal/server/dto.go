package server

import (
	"interlock/internal/domain"
)

// Request payloads

type EnsureOwnerRequest struct {
	Name string `json:"name,omitempty"`
}

type CreateTaskRequest struct {
	Title      string   `json:"title"`
	Department string   `json:"department" enum:"engineering,finance,marketing,operations,sales,hr"`
	Priority   string   `json:"priority,omitempty" enum:"low,medium,high,critical"`
	StartDate  string   `json:"start_date" format:"date"`
	EndDate    string   `json:"end_date" format:"date"`
	Status     string   `json:"status,omitempty" enum:"planned,active,blocked,completed"`
	Progress   int      `json:"progress,omitempty" minimum:"0" maximum:"100"`
	DependsOn  []string `json:"depends_on,omitempty"`
}

type UpdateTaskRequest struct {
	Title      *string  `json:"title,omitempty"`
	Department *string  `json:"department,omitempty" enum:"engineering,finance,marketing,operations,sales,hr"`
	Priority   *string  `json:"priority,omitempty" enum:"low,medium,high,critical"`
	StartDate  *string  `json:"start_date,omitempty" format:"date"`
	EndDate    *string  `json:"end_date,omitempty" format:"date"`
	Status     *string  `json:"status,omitempty" enum:"planned,active,blocked,completed"`
	Progress   *int     `json:"progress,omitempty" minimum:"0" maximum:"100"`
	AddDeps    []string `json:"add_depends_on,omitempty"`
	RemoveDeps []string `json:"remove_depends_on,omitempty"`
}

type OwnerConfigRequest struct {
	YAML string `json:"yaml"`
}

// rescheduleRequest optionally overrides the stored suggestion with an
// edited window. An empty new_end_date keeps the task's current duration.
type rescheduleRequest struct {
	NewStartDate string `json:"new_start_date,omitempty" format:"date"`
	NewEndDate   string `json:"new_end_date,omitempty" format:"date"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

// Response payloads

type OwnerConfigResponse struct {
	OwnerID string `json:"owner_id"`
	YAML    string `json:"yaml"`
}

type CreateAPIKeyResponse struct {
	ID      string `json:"id"`
	OwnerID string `json:"owner_id"`
	Name    string `json:"name,omitempty"`
	// Key is shown once at creation; only its hash is stored.
	Key string `json:"key"`
}

type paginatedTasks struct {
	Items      []domain.Task `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type paginatedConflicts struct {
	Items      []domain.Conflict `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type changesResponse struct {
	Items      []domain.Change `json:"items"`
	NextCursor int64           `json:"next_cursor"`
}

type rescheduleFailure struct {
	ConflictID string `json:"conflict_id"`
	Reason     string `json:"reason"`
}

type rescheduleAllResponse struct {
	Attempted int                 `json:"attempted"`
	Applied   int                 `json:"applied"`
	Failures  []rescheduleFailure `json:"failures"`
}
