package store

import (
	"context"
	"database/sql"
	"errors"
)

// ErrBackupConflict is returned when a checkpoint file carries both an inline
// backup and a blob reference.
var ErrBackupConflict = errors.New("backup_blob and backup_ref are mutually exclusive")

const checkpointColumns = `id, session_id, user_message_id, created_at, scope_json`

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	var cp Checkpoint
	var userMsg sql.NullString
	var createdAt int64
	var scope string
	if err := row.Scan(&cp.ID, &cp.SessionID, &userMsg, &createdAt, &scope); err != nil {
		return nil, err
	}
	cp.UserMessageID = userMsg.String
	cp.CreatedAt = fromMillis(createdAt)
	cp.Scope = []byte(scope)
	return &cp, nil
}

// InsertCheckpoint writes a checkpoint row.
func (q *Queries) InsertCheckpoint(ctx context.Context, cp *Checkpoint) error {
	scope := string(cp.Scope)
	if scope == "" {
		scope = "{}"
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO checkpoints (`+checkpointColumns+`)
		VALUES (?, ?, ?, ?, ?)
	`, cp.ID, cp.SessionID, nullString(cp.UserMessageID), toMillis(cp.CreatedAt), scope)
	if err != nil {
		return wrap("insert checkpoint", err)
	}
	return nil
}

// GetCheckpoint retrieves a checkpoint by id. Returns ErrNotFound if absent.
func (q *Queries) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	row := q.q.QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrap("get checkpoint", err)
	}
	return cp, nil
}

// ListCheckpoints returns the newest checkpoints of a session first.
func (q *Queries) ListCheckpoints(ctx context.Context, sessionID string, limit int) ([]Checkpoint, error) {
	if limit < 1 {
		limit = 1
	}
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+checkpointColumns+` FROM checkpoints
		WHERE session_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, sessionID, limit)
	if err != nil {
		return nil, wrap("list checkpoints", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, wrap("list checkpoints", err)
		}
		out = append(out, *cp)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list checkpoints", err)
	}
	return out, nil
}

// CountCheckpoints returns the number of checkpoints in a session.
func (q *Queries) CountCheckpoints(ctx context.Context, sessionID string) (int, error) {
	var n int
	if err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM checkpoints WHERE session_id = ?`, sessionID).Scan(&n); err != nil {
		return 0, wrap("count checkpoints", err)
	}
	return n, nil
}

// HasCheckpointFile reports whether path is already tracked by the checkpoint.
func (q *Queries) HasCheckpointFile(ctx context.Context, checkpointID, path string) (bool, error) {
	var n int
	err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM checkpoint_files WHERE checkpoint_id = ? AND path = ?`,
		checkpointID, path).Scan(&n)
	if err != nil {
		return false, wrap("has checkpoint file", err)
	}
	return n > 0, nil
}

// InsertCheckpointFile records a tracked path unless it is already tracked.
// Reports whether a row was inserted.
func (q *Queries) InsertCheckpointFile(ctx context.Context, f *CheckpointFile) (bool, error) {
	if f.BackupBlob != nil && f.BackupRef != "" {
		return false, wrap("insert checkpoint file", ErrBackupConflict)
	}
	var blob any
	if f.BackupBlob != nil {
		blob = f.BackupBlob
	}
	res, err := q.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO checkpoint_files (checkpoint_id, path, existed_before, backup_blob, backup_ref)
		VALUES (?, ?, ?, ?, ?)
	`, f.CheckpointID, f.Path, boolInt(f.ExistedBefore), blob, nullString(f.BackupRef))
	if err != nil {
		return false, wrap("insert checkpoint file", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListCheckpointFiles returns the tracked files of a checkpoint ordered by path.
func (q *Queries) ListCheckpointFiles(ctx context.Context, checkpointID string) ([]CheckpointFile, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT checkpoint_id, path, existed_before, backup_blob, backup_ref
		FROM checkpoint_files WHERE checkpoint_id = ?
		ORDER BY path ASC
	`, checkpointID)
	if err != nil {
		return nil, wrap("list checkpoint files", err)
	}
	defer rows.Close()

	var out []CheckpointFile
	for rows.Next() {
		var f CheckpointFile
		var existed int
		var ref sql.NullString
		if err := rows.Scan(&f.CheckpointID, &f.Path, &existed, &f.BackupBlob, &ref); err != nil {
			return nil, wrap("list checkpoint files", err)
		}
		f.ExistedBefore = existed != 0
		f.BackupRef = ref.String
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list checkpoint files", err)
	}
	return out, nil
}

// BlobRefs returns every distinct backup_ref still referenced.
func (q *Queries) BlobRefs(ctx context.Context) (map[string]bool, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT DISTINCT backup_ref FROM checkpoint_files WHERE backup_ref IS NOT NULL`)
	if err != nil {
		return nil, wrap("blob refs", err)
	}
	defer rows.Close()

	refs := map[string]bool{}
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, wrap("blob refs", err)
		}
		refs[ref] = true
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("blob refs", err)
	}
	return refs, nil
}
