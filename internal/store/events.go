package store

import (
	"context"
	"encoding/json"

	. "github.com/roelfdiedericks/agentloop/internal/logging"
)

// InsertEvents appends a batch of events. Run it inside WithTx so the batch
// lands atomically.
func (q *Queries) InsertEvents(ctx context.Context, events []Event) error {
	for _, ev := range events {
		payload := ev.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		payloadJSON, err := json.Marshal(payload)
		if err != nil {
			return wrap("insert events", err)
		}
		_, err = q.q.ExecContext(ctx, `
			INSERT INTO events (id, session_id, type, payload_json, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, ev.ID, ev.SessionID, ev.Type, string(payloadJSON), toMillis(ev.CreatedAt))
		if err != nil {
			return wrap("insert events", err)
		}
	}
	return nil
}

// ListEvents returns the most recent events of a session in chronological order.
func (q *Queries) ListEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if limit < 1 {
		limit = 1
	}
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, session_id, type, payload_json, created_at FROM (
			SELECT id, session_id, type, payload_json, created_at, rowid AS rid FROM events
			WHERE session_id = ?
			ORDER BY created_at DESC, rowid DESC
			LIMIT ?
		) ORDER BY created_at ASC, rid ASC
	`, sessionID, limit)
	if err != nil {
		return nil, wrap("list events", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		var payloadJSON string
		var createdAt int64
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Type, &payloadJSON, &createdAt); err != nil {
			return nil, wrap("list events", err)
		}
		ev.CreatedAt = fromMillis(createdAt)
		if err := json.Unmarshal([]byte(payloadJSON), &ev.Payload); err != nil {
			L_warn("store: bad event payload", "event", ev.ID, "error", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list events", err)
	}
	return out, nil
}
