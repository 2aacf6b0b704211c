package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/roelfdiedericks/agentloop/internal/types"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "memory.db")})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertSession(t *testing.T, s *Store, id string, updated time.Time) {
	t.Helper()
	err := s.InsertSession(context.Background(), &Session{
		ID:        id,
		CreatedAt: updated,
		UpdatedAt: updated,
		Metadata:  map[string]any{"title": "Session " + id},
	})
	if err != nil {
		t.Fatalf("InsertSession(%s) failed: %v", id, err)
	}
}

func appendText(t *testing.T, s *Store, sessionID, id, role, text string) int64 {
	t.Helper()
	ctx := context.Background()
	var seq int64
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		seq, err = tx.NextSeq(ctx, sessionID)
		if err != nil {
			return err
		}
		return tx.InsertMessage(ctx, &Message{
			ID:        id,
			SessionID: sessionID,
			Seq:       seq,
			Role:      role,
			Content:   []types.ContentBlock{types.TextBlock(text)},
			CreatedAt: time.Now(),
		})
	})
	if err != nil {
		t.Fatalf("append %s failed: %v", id, err)
	}
	return seq
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.db")
	s, err := Open(Config{Path: path})
	if err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	s.Close()

	s, err = Open(Config{Path: path})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	var version int
	if err := s.db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version); err != nil {
		t.Fatalf("query version: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("expected schema version %d, got %d", currentSchemaVersion, version)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	insertSession(t, s, "s1", now)

	got, err := s.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.Status != StatusActive {
		t.Errorf("expected status active, got %q", got.Status)
	}
	if got.Title() != "Session s1" {
		t.Errorf("unexpected title %q", got.Title())
	}

	_, err = s.GetSession(ctx, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestSeqIsGapFree(t *testing.T) {
	s := setupTestStore(t)
	insertSession(t, s, "s1", time.Now())
	insertSession(t, s, "s2", time.Now())

	for i, id := range []string{"m1", "m2", "m3"} {
		seq := appendText(t, s, "s1", id, types.RoleUser, id)
		if seq != int64(i+1) {
			t.Errorf("expected seq %d, got %d", i+1, seq)
		}
	}
	if seq := appendText(t, s, "s2", "other", types.RoleUser, "x"); seq != 1 {
		t.Errorf("expected seq 1 for second session, got %d", seq)
	}

	msgs, err := s.ListMessages(context.Background(), "s1")
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.Seq != int64(i+1) {
			t.Errorf("message %d has seq %d", i, m.Seq)
		}
	}
	if msgs[0].Content[0].Text != "m1" {
		t.Errorf("content not preserved: %+v", msgs[0].Content)
	}
}

func TestDuplicateSeqRejected(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	insertSession(t, s, "s1", time.Now())
	appendText(t, s, "s1", "m1", types.RoleUser, "hi")

	err := s.InsertMessage(ctx, &Message{ID: "m2", SessionID: "s1", Seq: 1, Role: types.RoleUser, CreatedAt: time.Now()})
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected persistence error for duplicate seq, got %v", err)
	}
	var pe *PersistenceError
	if !errors.As(err, &pe) || pe.Op != "insert message" {
		t.Errorf("expected PersistenceError with op, got %#v", err)
	}
}

func TestWithTxRollsBack(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	insertSession(t, s, "s1", time.Now())

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.InsertMessage(ctx, &Message{ID: "m1", SessionID: "s1", Seq: 1, Role: types.RoleUser, CreatedAt: time.Now()}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	n, err := s.CountMessages(ctx, "s1")
	if err != nil {
		t.Fatalf("CountMessages failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected rollback to leave 0 messages, got %d", n)
	}
}

func TestCheckpointFileInsertIfAbsent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	insertSession(t, s, "s1", time.Now())

	if err := s.InsertCheckpoint(ctx, &Checkpoint{ID: "c1", SessionID: "s1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("InsertCheckpoint failed: %v", err)
	}

	inserted, err := s.InsertCheckpointFile(ctx, &CheckpointFile{CheckpointID: "c1", Path: "/w/a.txt", ExistedBefore: true, BackupBlob: []byte("first")})
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}
	inserted, err = s.InsertCheckpointFile(ctx, &CheckpointFile{CheckpointID: "c1", Path: "/w/a.txt", ExistedBefore: true, BackupBlob: []byte("second")})
	if err != nil || inserted {
		t.Fatalf("second insert: inserted=%v err=%v", inserted, err)
	}

	files, err := s.ListCheckpointFiles(ctx, "c1")
	if err != nil {
		t.Fatalf("ListCheckpointFiles failed: %v", err)
	}
	if len(files) != 1 || string(files[0].BackupBlob) != "first" {
		t.Errorf("expected original backup kept, got %+v", files)
	}

	_, err = s.InsertCheckpointFile(ctx, &CheckpointFile{CheckpointID: "c1", Path: "/w/b.txt", ExistedBefore: true, BackupBlob: []byte("x"), BackupRef: "abc"})
	if !errors.Is(err, ErrBackupConflict) {
		t.Errorf("expected ErrBackupConflict, got %v", err)
	}
}

func TestEmptyInlineBackupSurvives(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	insertSession(t, s, "s1", time.Now())
	if err := s.InsertCheckpoint(ctx, &Checkpoint{ID: "c1", SessionID: "s1", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("InsertCheckpoint failed: %v", err)
	}
	if _, err := s.InsertCheckpointFile(ctx, &CheckpointFile{CheckpointID: "c1", Path: "/w/empty", ExistedBefore: true, BackupBlob: []byte{}}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if _, err := s.InsertCheckpointFile(ctx, &CheckpointFile{CheckpointID: "c1", Path: "/w/new", ExistedBefore: false}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	files, err := s.ListCheckpointFiles(ctx, "c1")
	if err != nil {
		t.Fatalf("ListCheckpointFiles failed: %v", err)
	}
	if files[0].Path != "/w/empty" || files[0].BackupBlob == nil {
		t.Errorf("expected non-nil empty backup, got %+v", files[0])
	}
	if files[1].BackupBlob != nil {
		t.Errorf("expected nil backup for new file, got %+v", files[1])
	}
}

func TestEventsChronological(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	insertSession(t, s, "s1", time.Now())

	base := time.Now()
	var batch []Event
	for i, typ := range []string{"a", "b", "c"} {
		batch = append(batch, Event{ID: typ, SessionID: "s1", Type: typ, CreatedAt: base.Add(time.Duration(i) * time.Second)})
	}
	if err := s.WithTx(ctx, func(tx *Tx) error { return tx.InsertEvents(ctx, batch) }); err != nil {
		t.Fatalf("InsertEvents failed: %v", err)
	}

	evs, err := s.ListEvents(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(evs) != 2 || evs[0].Type != "b" || evs[1].Type != "c" {
		t.Errorf("expected last two events in order, got %+v", evs)
	}
}

func TestPrunePrimitives(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	insertSession(t, s, "old", now.Add(-48*time.Hour))
	insertSession(t, s, "mid", now.Add(-time.Hour))
	insertSession(t, s, "new", now)
	appendText(t, s, "old", "o1", types.RoleUser, "x")
	for _, id := range []string{"n1", "n2", "n3"} {
		appendText(t, s, "new", id, types.RoleUser, id)
	}

	deleted, err := s.DeleteSessionsUpdatedBefore(ctx, now.Add(-24*time.Hour))
	if err != nil || deleted != 1 {
		t.Fatalf("DeleteSessionsUpdatedBefore: deleted=%d err=%v", deleted, err)
	}
	if n, _ := s.CountMessages(ctx, "old"); n != 0 {
		t.Errorf("expected messages of deleted session to cascade, got %d", n)
	}

	trimmed, err := s.TrimMessagesPerSession(ctx, 2)
	if err != nil || trimmed != 1 {
		t.Fatalf("TrimMessagesPerSession: trimmed=%d err=%v", trimmed, err)
	}
	msgs, _ := s.ListMessages(ctx, "new")
	if len(msgs) != 2 || msgs[0].ID != "n2" || msgs[1].ID != "n3" {
		t.Errorf("expected newest messages kept, got %+v", msgs)
	}

	capped, err := s.CapSessions(ctx, 1)
	if err != nil || capped != 1 {
		t.Fatalf("CapSessions: capped=%d err=%v", capped, err)
	}
	if _, err := s.GetSession(ctx, "new"); err != nil {
		t.Errorf("expected most recent session kept: %v", err)
	}
}

func TestFindSessions(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	insertSession(t, s, "abc-1", time.Now())
	insertSession(t, s, "abd-2", time.Now())

	found, err := s.FindSessionsByIDPrefix(ctx, "ab")
	if err != nil || len(found) != 2 {
		t.Fatalf("prefix ab: %d sessions, err=%v", len(found), err)
	}
	found, err = s.FindSessionsByIDPrefix(ctx, "abc")
	if err != nil || len(found) != 1 || found[0].ID != "abc-1" {
		t.Fatalf("prefix abc: %+v, err=%v", found, err)
	}

	found, err = s.FindSessionsByTitle(ctx, "SESSION ABD-2")
	if err != nil || len(found) != 1 || found[0].ID != "abd-2" {
		t.Fatalf("title lookup: %+v, err=%v", found, err)
	}
}
