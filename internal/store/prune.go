package store

import (
	"context"
	"time"
)

// DeleteSessionsUpdatedBefore removes sessions last updated before cutoff.
// Child rows cascade.
func (q *Queries) DeleteSessionsUpdatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.q.ExecContext(ctx, `DELETE FROM sessions WHERE updated_at < ?`, toMillis(cutoff))
	if err != nil {
		return 0, wrap("delete old sessions", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// TrimMessagesPerSession keeps only the newest max messages (by seq) of every session.
func (q *Queries) TrimMessagesPerSession(ctx context.Context, max int) (int64, error) {
	res, err := q.q.ExecContext(ctx, `
		DELETE FROM messages WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY session_id ORDER BY seq DESC) AS rn
				FROM messages
			) WHERE rn > ?
		)
	`, max)
	if err != nil {
		return 0, wrap("trim messages", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CapSessions keeps only the max most recently updated sessions.
func (q *Queries) CapSessions(ctx context.Context, max int) (int64, error) {
	res, err := q.q.ExecContext(ctx, `
		DELETE FROM sessions WHERE id IN (
			SELECT id FROM sessions
			ORDER BY updated_at DESC, rowid DESC
			LIMIT -1 OFFSET ?
		)
	`, max)
	if err != nil {
		return 0, wrap("cap sessions", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
