package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the batch pipeline.
const (
	RunStarted    = "run.started"
	RunFinished   = "run.finished"
	UnitDone      = "unit.done"
	UnitFailed    = "unit.failed"
	MasksLoaded   = "masks.loaded"
	MasksRejected = "masks.rejected"
)

// Writer appends to the audit log.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event inside tx.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, runID, entityKind, entityID string, payload EventPayload) error {
	_, err := tx.ExecContext(ctx, insertSQL, w.args(evtType, runID, entityKind, entityID, payload)...)
	return err
}

// AppendDirect writes one event in its own statement, for callers that hold
// no transaction.
func (w Writer) AppendDirect(ctx context.Context, evtType, runID, entityKind, entityID string, payload EventPayload) error {
	args := w.args(evtType, runID, entityKind, entityID, payload)
	_, err := w.DB.ExecContext(ctx, insertSQL, args...)
	return err
}

const insertSQL = `INSERT INTO events(ts,type,run_id,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?,?)`

func (w Writer) args(evtType, runID, entityKind, entityID string, payload EventPayload) []any {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"marshal_error":%q}`, err.Error()))
	}
	return []any{ts, evtType, nullable(runID), entityKind, nullable(entityID), string(data)}
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
