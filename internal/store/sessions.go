package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	. "github.com/roelfdiedericks/agentloop/internal/logging"
)

const sessionColumns = `id, parent_session_id, created_at, updated_at, status, model, metadata_json`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var parent sql.NullString
	var createdAt, updatedAt int64
	var metaJSON string

	if err := row.Scan(&sess.ID, &parent, &createdAt, &updatedAt, &sess.Status, &sess.Model, &metaJSON); err != nil {
		return nil, err
	}
	sess.ParentSessionID = parent.String
	sess.CreatedAt = fromMillis(createdAt)
	sess.UpdatedAt = fromMillis(updatedAt)
	sess.Metadata = map[string]any{}
	if err := json.Unmarshal([]byte(metaJSON), &sess.Metadata); err != nil {
		L_warn("store: failed to unmarshal session metadata", "session", sess.ID, "error", err)
		sess.Metadata = map[string]any{}
	}
	return &sess, nil
}

// InsertSession creates a new session row.
func (q *Queries) InsertSession(ctx context.Context, sess *Session) error {
	if sess.Metadata == nil {
		sess.Metadata = map[string]any{}
	}
	if sess.Status == "" {
		sess.Status = StatusActive
	}
	metaJSON, err := json.Marshal(sess.Metadata)
	if err != nil {
		return wrap("insert session", err)
	}

	_, err = q.q.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		sess.ID, nullString(sess.ParentSessionID),
		toMillis(sess.CreatedAt), toMillis(sess.UpdatedAt),
		sess.Status, sess.Model, string(metaJSON),
	)
	if err != nil {
		return wrap("insert session", err)
	}
	L_debug("store: session created", "id", sess.ID, "parent", sess.ParentSessionID)
	return nil
}

// GetSession retrieves a session by id. Returns ErrNotFound if absent.
func (q *Queries) GetSession(ctx context.Context, id string) (*Session, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("get session", err)
	}
	return sess, nil
}

// UpdateSessionMetadata replaces the metadata object and bumps updated_at.
func (q *Queries) UpdateSessionMetadata(ctx context.Context, id string, metadata map[string]any, now time.Time) error {
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return wrap("update session metadata", err)
	}
	res, err := q.q.ExecContext(ctx, `UPDATE sessions SET metadata_json = ?, updated_at = ? WHERE id = ?`,
		string(metaJSON), toMillis(now), id)
	if err != nil {
		return wrap("update session metadata", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchSession sets updated_at.
func (q *Queries) TouchSession(ctx context.Context, id string, now time.Time) error {
	res, err := q.q.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, toMillis(now), id)
	if err != nil {
		return wrap("touch session", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSessions returns sessions ordered by updated_at descending.
func (q *Queries) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	if limit < 1 {
		limit = 1
	}
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		ORDER BY updated_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, wrap("list sessions", err)
	}
	return collectSessions(rows, "list sessions")
}

// FindSessionsByIDPrefix returns sessions whose id starts with prefix.
func (q *Queries) FindSessionsByIDPrefix(ctx context.Context, prefix string) ([]Session, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE substr(id, 1, length(?)) = ?
		ORDER BY updated_at DESC
	`, prefix, prefix)
	if err != nil {
		return nil, wrap("find sessions by prefix", err)
	}
	return collectSessions(rows, "find sessions by prefix")
}

// FindSessionsByTitle returns sessions whose metadata title matches, ignoring case.
func (q *Queries) FindSessionsByTitle(ctx context.Context, title string) ([]Session, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE lower(json_extract(metadata_json, '$.title')) = lower(?)
		ORDER BY updated_at DESC
	`, title)
	if err != nil {
		return nil, wrap("find sessions by title", err)
	}
	return collectSessions(rows, "find sessions by title")
}

// CountSessions returns the number of session rows.
func (q *Queries) CountSessions(ctx context.Context) (int, error) {
	var n int
	if err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0, wrap("count sessions", err)
	}
	return n, nil
}

func collectSessions(rows *sql.Rows, op string) ([]Session, error) {
	defer rows.Close()
	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, wrap(op, err)
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(op, err)
	}
	return out, nil
}
