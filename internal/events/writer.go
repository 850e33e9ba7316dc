package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"interlock/internal/domain"
)

// Writer appends change rows inside the caller's transaction so a delta is
// never visible before the mutation it describes commits.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

// Append records one entity delta. Version must be the entity's version after
// the mutation; consumers dedupe on (entity_kind, entity_id, version).
func (w Writer) Append(ctx context.Context, tx *sql.Tx, ownerID, entityKind, entityID string, version int64, changeType string, payload Payload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal change payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO changes(ts,owner_id,entity_kind,entity_id,version,change_type,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, ownerID, entityKind, entityID, version, changeType, string(data))
	return err
}

// TaskChange builds the change row for a task mutation.
func TaskChange(t domain.Task, changeType string) domain.Change {
	return domain.Change{
		OwnerID:    t.OwnerID,
		EntityKind: "task",
		EntityID:   t.ID,
		Version:    t.Version,
		ChangeType: changeType,
	}
}

// ConflictChange builds the change row for a conflict mutation.
func ConflictChange(c domain.Conflict, changeType string) domain.Change {
	return domain.Change{
		OwnerID:    c.OwnerID,
		EntityKind: "conflict",
		EntityID:   c.ID,
		Version:    c.Version,
		ChangeType: changeType,
	}
}
