package engine

import (
	"context"
	"errors"

	"interlock/internal/domain"
	"interlock/internal/repo"
)

// Summary is the owner-level timeline health rollup.
type Summary struct {
	OwnerID                    string         `json:"owner_id"`
	TasksByStatus              map[string]int `json:"tasks_by_status"`
	OpenConflictsBySeverity    map[string]int `json:"open_conflicts_by_severity"`
	AverageConflictProbability float64        `json:"average_conflict_probability"`
	LatestChangeID             int64          `json:"latest_change_id"`
}

func (e Engine) Summary(ctx context.Context, ownerID string) (Summary, error) {
	if _, err := e.Repo.GetOwner(ctx, ownerID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Summary{}, notFoundErr("owner", ownerID)
		}
		return Summary{}, storeErr("get owner", err)
	}
	s := Summary{OwnerID: ownerID}
	var err error
	if s.TasksByStatus, err = e.Repo.CountTasksByStatus(ctx, ownerID); err != nil {
		return s, storeErr("count tasks", err)
	}
	if s.OpenConflictsBySeverity, err = e.Repo.CountConflictsBySeverity(ctx, ownerID, domain.ResolutionDetected); err != nil {
		return s, storeErr("count conflicts", err)
	}
	if s.AverageConflictProbability, err = e.Repo.AverageConflictProbability(ctx, ownerID); err != nil {
		return s, storeErr("average probability", err)
	}
	if s.LatestChangeID, err = e.Repo.LatestChangeID(ctx, ownerID); err != nil {
		return s, storeErr("latest change", err)
	}
	return s, nil
}
