package store

import (
	"context"
	"database/sql"
)

// InsertToolCall writes a tool call record. Records are never updated.
func (q *Queries) InsertToolCall(ctx context.Context, tc *ToolCall) error {
	input := string(tc.Input)
	if input == "" {
		input = "{}"
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO tool_calls (id, session_id, message_id, tool_name, input_json, result_text, is_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tc.ID, tc.SessionID, nullString(tc.MessageID), tc.ToolName, input,
		tc.ResultText, boolInt(tc.IsError), toMillis(tc.CreatedAt),
	)
	if err != nil {
		return wrap("insert tool call", err)
	}
	return nil
}

// ListToolCalls returns tool calls of a session in creation order.
func (q *Queries) ListToolCalls(ctx context.Context, sessionID string) ([]ToolCall, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, session_id, message_id, tool_name, input_json, result_text, is_error, created_at
		FROM tool_calls WHERE session_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, sessionID)
	if err != nil {
		return nil, wrap("list tool calls", err)
	}
	defer rows.Close()

	var out []ToolCall
	for rows.Next() {
		var tc ToolCall
		var msgID sql.NullString
		var input string
		var isErr int
		var createdAt int64
		if err := rows.Scan(&tc.ID, &tc.SessionID, &msgID, &tc.ToolName, &input, &tc.ResultText, &isErr, &createdAt); err != nil {
			return nil, wrap("list tool calls", err)
		}
		tc.MessageID = msgID.String
		tc.Input = []byte(input)
		tc.IsError = isErr != 0
		tc.CreatedAt = fromMillis(createdAt)
		out = append(out, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list tool calls", err)
	}
	return out, nil
}
