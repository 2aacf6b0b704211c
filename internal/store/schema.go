package store

import (
	"database/sql"
	"fmt"
	"time"

	. "github.com/roelfdiedericks/agentloop/internal/logging"
)

// Schema version for migrations
const currentSchemaVersion = 2

// migrate runs database migrations
func (s *Store) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err != nil {
		// Table doesn't exist, start from scratch
		version = 0
	}

	if version >= currentSchemaVersion {
		L_debug("store: schema up to date", "version", version)
		return nil
	}

	L_info("store: migrating schema", "from", version, "to", currentSchemaVersion)

	migrations := []func(*sql.DB) error{
		migrateV1,
		migrateV2,
	}

	for i := version; i < len(migrations); i++ {
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d failed: %w", i+1, err)
		}
		L_debug("store: applied migration", "version", i+1)
	}

	return nil
}

// migrateV1 creates the initial schema
func migrateV1(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at INTEGER NOT NULL
	);
	INSERT INTO schema_version (version, applied_at) VALUES (1, ?);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		parent_session_id TEXT REFERENCES sessions(id) ON DELETE SET NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'archived', 'deleted')),
		model TEXT NOT NULL DEFAULT '',
		metadata_json TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
		content_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		token_estimate INTEGER NOT NULL DEFAULT 0,
		UNIQUE (session_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(session_id, seq);

	CREATE TABLE IF NOT EXISTS tool_calls (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		message_id TEXT REFERENCES messages(id) ON DELETE SET NULL,
		tool_name TEXT NOT NULL,
		input_json TEXT NOT NULL,
		result_text TEXT NOT NULL,
		is_error INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_session ON tool_calls(session_id, created_at);

	CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		user_message_id TEXT REFERENCES messages(id) ON DELETE SET NULL,
		created_at INTEGER NOT NULL,
		scope_json TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_id, created_at);

	CREATE TABLE IF NOT EXISTS checkpoint_files (
		checkpoint_id TEXT NOT NULL REFERENCES checkpoints(id) ON DELETE CASCADE,
		path TEXT NOT NULL,
		existed_before INTEGER NOT NULL,
		backup_blob BLOB,
		PRIMARY KEY (checkpoint_id, path)
	);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		type TEXT NOT NULL,
		payload_json TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, created_at);
	`

	_, err := db.Exec(schema, time.Now().Unix())
	return err
}

// migrateV2 adds backup_ref for backups kept in the external blob pool
func migrateV2(db *sql.DB) error {
	schema := `
	-- Pointer into the content-addressed blob pool; exclusive with backup_blob
	ALTER TABLE checkpoint_files ADD COLUMN backup_ref TEXT DEFAULT NULL;

	CREATE INDEX IF NOT EXISTS idx_checkpoint_files_ref ON checkpoint_files(backup_ref) WHERE backup_ref IS NOT NULL;

	INSERT INTO schema_version (version, applied_at) VALUES (2, ?);
	`

	_, err := db.Exec(schema, time.Now().Unix())
	return err
}
