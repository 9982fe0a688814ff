package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Writer appends to the event log. Rows are insert-only; nothing in the
// engine updates or deletes them.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append inserts one event inside the caller's transaction and returns the
// generated event id.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, milestoneID, actorRole string, payload EventPayload) (string, error) {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal event payload: %w", err)
	}
	id := uuid.New().String()
	_, err = tx.ExecContext(ctx, `INSERT INTO events(id,ts,type,project_id,milestone_id,actor_role,payload_json) VALUES (?,?,?,?,?,?,?)`,
		id, ts, evtType, nullable(projectID), nullable(milestoneID), actorRole, string(data))
	if err != nil {
		return "", err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
