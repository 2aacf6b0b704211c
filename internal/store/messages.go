package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roelfdiedericks/agentloop/internal/types"
)

const messageColumns = `id, session_id, seq, role, content_json, created_at, token_estimate`

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var contentJSON string
	var createdAt int64
	if err := row.Scan(&msg.ID, &msg.SessionID, &msg.Seq, &msg.Role, &contentJSON, &createdAt, &msg.TokenEstimate); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(contentJSON), &msg.Content); err != nil {
		return nil, fmt.Errorf("message %s: bad content: %w", msg.ID, err)
	}
	msg.CreatedAt = fromMillis(createdAt)
	return &msg, nil
}

// NextSeq returns the sequence number the next message in the session gets.
// Call it in the same transaction as the insert.
func (q *Queries) NextSeq(ctx context.Context, sessionID string) (int64, error) {
	var seq int64
	err := q.q.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?`, sessionID).Scan(&seq)
	if err != nil {
		return 0, wrap("next seq", err)
	}
	return seq, nil
}

// InsertMessage writes a message row. msg.Seq must already be assigned.
func (q *Queries) InsertMessage(ctx context.Context, msg *Message) error {
	content := msg.Content
	if content == nil {
		content = []types.ContentBlock{}
	}
	contentJSON, err := json.Marshal(content)
	if err != nil {
		return wrap("insert message", err)
	}
	_, err = q.q.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID, msg.SessionID, msg.Seq, msg.Role, string(contentJSON),
		toMillis(msg.CreatedAt), msg.TokenEstimate,
	)
	if err != nil {
		return wrap("insert message", err)
	}
	return nil
}

// ListMessages returns all messages of a session ordered by seq.
func (q *Queries) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE session_id = ?
		ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, wrap("list messages", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, wrap("list messages", err)
		}
		out = append(out, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list messages", err)
	}
	return out, nil
}

// CountMessages returns the number of messages in a session.
func (q *Queries) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var n int
	if err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n); err != nil {
		return 0, wrap("count messages", err)
	}
	return n, nil
}

// CountMessagesByRole returns message counts keyed by role.
func (q *Queries) CountMessagesByRole(ctx context.Context, sessionID string) (map[string]int, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT role, COUNT(*) FROM messages WHERE session_id = ? GROUP BY role`, sessionID)
	if err != nil {
		return nil, wrap("count messages by role", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var role string
		var n int
		if err := rows.Scan(&role, &n); err != nil {
			return nil, wrap("count messages by role", err)
		}
		counts[role] = n
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("count messages by role", err)
	}
	return counts, nil
}

// LastMessageByRole returns the highest-seq message with the given role, or nil.
func (q *Queries) LastMessageByRole(ctx context.Context, sessionID, role string) (*Message, error) {
	row := q.q.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE session_id = ? AND role = ?
		ORDER BY seq DESC LIMIT 1
	`, sessionID, role)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("last message by role", err)
	}
	return msg, nil
}
