package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer appends to the sync event log. Appends share the caller's
// transaction so an event exists exactly when its change was committed.
type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, datasetID string, version int, actorID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,dataset_id,version,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, nullable(datasetID), nullableVersion(version), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableVersion(v int) any {
	if v <= 0 {
		return nil
	}
	return v
}
