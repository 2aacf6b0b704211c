// Package checkpoint snapshots files before mutating tools run and rewinds
// them on request.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/uuid"

	"github.com/roelfdiedericks/agentloop/internal/events"
	"github.com/roelfdiedericks/agentloop/internal/fileutil"
	. "github.com/roelfdiedericks/agentloop/internal/logging"
	"github.com/roelfdiedericks/agentloop/internal/paths"
	"github.com/roelfdiedericks/agentloop/internal/store"
	"github.com/roelfdiedericks/agentloop/internal/tools"
)

// DefaultInlineMaxBytes is the largest backup kept inline in the database.
const DefaultInlineMaxBytes = 256 * 1024

// ErrCheckpointNotFound is returned for an unknown checkpoint id.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Scope modes
const (
	ModeWriteToolsOnly = "write_tools_only"
	ModeBestEffort     = "best_effort"
)

// Outcome statuses
const (
	StatusRestored = "restored"
	StatusRemoved  = "removed"
	StatusSkipped  = "skipped"
	StatusFailed   = "failed"
)

// Config configures the checkpoint manager.
type Config struct {
	Enabled        bool
	WriteToolsOnly bool     // Only track tools that declare touched paths
	WorkingDir     string   // Tracked paths must resolve inside this directory
	BlobDir        string   // Pool for backups larger than InlineMaxBytes
	InlineMaxBytes int      // 0 = DefaultInlineMaxBytes
	Exclude        []string // Globs, relative to WorkingDir, never tracked
}

// Scope is stored as the checkpoint's scope_json.
type Scope struct {
	Tools       []string `json:"tools"`
	UserPreview string   `json:"user_preview"`
	Mode        string   `json:"mode"`
}

// Info is a checkpoint as shown by listings.
type Info struct {
	ID          string
	SessionID   string
	CreatedAt   time.Time
	Tools       []string
	UserPreview string
}

// Outcome is the rewind result for one tracked path.
type Outcome struct {
	Path   string
	Status string
	Detail string
}

// SnapshotError reports a path that could not be tracked. The tool still runs.
type SnapshotError struct {
	Path string
	Err  error
}

func (e *SnapshotError) Error() string {
	return fmt.Sprintf("snapshot %s: %v", e.Path, e.Err)
}

func (e *SnapshotError) Unwrap() error {
	return e.Err
}

// Manager creates checkpoints, tracks paths and rewinds them.
type Manager struct {
	store   *store.Store
	events  events.Emitter
	pool    *BlobPool
	cfg     Config
	exclude []glob.Glob

	mu       sync.Mutex
	locks    map[string]*sync.Mutex // per session
	sessions map[string]string      // checkpoint id -> session id

	// poolMu is read-held from a pool Put until its checkpoint_files row is
	// committed, and write-held by SweepBlobs.
	poolMu sync.RWMutex

	now func() time.Time
}

// NewManager creates a checkpoint manager. A nil emitter discards events.
func NewManager(st *store.Store, em events.Emitter, cfg Config) (*Manager, error) {
	if em == nil {
		em = events.Nop{}
	}
	if cfg.InlineMaxBytes <= 0 {
		cfg.InlineMaxBytes = DefaultInlineMaxBytes
	}

	wd, err := paths.WorkingDir(cfg.WorkingDir)
	if err != nil {
		return nil, err
	}
	if real, err := filepath.EvalSymlinks(wd); err == nil {
		wd = real
	}
	cfg.WorkingDir = wd
	if cfg.BlobDir == "" {
		cfg.BlobDir = paths.StatePath(wd, "blobs")
	}

	m := &Manager{
		store:    st,
		events:   em,
		cfg:      cfg,
		locks:    make(map[string]*sync.Mutex),
		sessions: make(map[string]string),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, pattern := range cfg.Exclude {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid checkpoint exclude pattern %q: %w", pattern, err)
		}
		m.exclude = append(m.exclude, g)
	}

	m.pool, err = NewBlobPool(cfg.BlobDir)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Enabled reports whether checkpointing is on.
func (m *Manager) Enabled() bool { return m.cfg.Enabled }

// WriteToolsOnly reports whether only declared mutating tools are tracked.
func (m *Manager) WriteToolsOnly() bool { return m.cfg.WriteToolsOnly }

// Mode returns the scope mode recorded on new checkpoints.
func (m *Manager) Mode() string {
	if m.cfg.WriteToolsOnly {
		return ModeWriteToolsOnly
	}
	return ModeBestEffort
}

// Pool returns the blob pool.
func (m *Manager) Pool() *BlobPool { return m.pool }

// Close releases the blob pool codecs.
func (m *Manager) Close() {
	m.pool.Close()
}

func (m *Manager) sessionLock(sessionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[sessionID] = l
	}
	return l
}

func (m *Manager) sessionOf(ctx context.Context, checkpointID string) (string, error) {
	m.mu.Lock()
	id, ok := m.sessions[checkpointID]
	m.mu.Unlock()
	if ok {
		return id, nil
	}

	cp, err := m.store.GetCheckpoint(ctx, checkpointID)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrCheckpointNotFound, checkpointID)
	}
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	m.sessions[checkpointID] = cp.SessionID
	m.mu.Unlock()
	return cp.SessionID, nil
}

// Begin creates a checkpoint for the turn started by userMessageID.
func (m *Manager) Begin(ctx context.Context, sessionID, userMessageID string, scope Scope) (string, error) {
	if scope.Mode == "" {
		scope.Mode = m.Mode()
	}
	if scope.Tools == nil {
		scope.Tools = []string{}
	}
	raw, err := json.Marshal(scope)
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint scope: %w", err)
	}

	cp := &store.Checkpoint{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		UserMessageID: userMessageID,
		CreatedAt:     m.now(),
		Scope:         raw,
	}

	lock := m.sessionLock(sessionID)
	lock.Lock()
	err = m.store.InsertCheckpoint(ctx, cp)
	lock.Unlock()
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	m.sessions[cp.ID] = sessionID
	m.mu.Unlock()

	L_info("checkpoint: created", "session", sessionID, "checkpoint", cp.ID, "tools", scope.Tools)
	m.events.Emit(sessionID, events.CheckpointCreated, map[string]any{
		"session_id":    sessionID,
		"checkpoint_id": cp.ID,
	})
	return cp.ID, nil
}

// resolve returns the absolute, symlink-free path of p and checks that it
// stays inside the working directory.
func (m *Manager) resolve(p string) (string, error) {
	abs, err := paths.Resolve(m.cfg.WorkingDir, p)
	if err != nil {
		return "", err
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		abs = real
	} else if dir, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
		abs = filepath.Join(dir, filepath.Base(abs))
	}
	if !paths.Within(m.cfg.WorkingDir, abs) {
		return "", fmt.Errorf("path is outside working directory: %s", abs)
	}
	return abs, nil
}

func (m *Manager) excluded(abs string) bool {
	rel, err := filepath.Rel(m.cfg.WorkingDir, abs)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, g := range m.exclude {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

// TrackPath records the current state of path in the checkpoint. Tracking is
// idempotent per (checkpoint, path): the first snapshot wins. Returns the
// resolved path. Failures are *SnapshotError.
func (m *Manager) TrackPath(ctx context.Context, checkpointID, path string) (string, error) {
	sessionID, err := m.sessionOf(ctx, checkpointID)
	if err != nil {
		return "", &SnapshotError{Path: path, Err: err}
	}

	abs, err := m.resolve(path)
	if err != nil {
		return "", &SnapshotError{Path: path, Err: err}
	}
	if m.excluded(abs) {
		return "", &SnapshotError{Path: abs, Err: errors.New("path matches an exclude pattern")}
	}

	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	tracked, err := m.store.HasCheckpointFile(ctx, checkpointID, abs)
	if err != nil {
		return "", &SnapshotError{Path: abs, Err: err}
	}
	if tracked {
		return abs, nil
	}

	m.poolMu.RLock()
	defer m.poolMu.RUnlock()

	file := store.CheckpointFile{CheckpointID: checkpointID, Path: abs}
	info, err := os.Stat(abs)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return "", &SnapshotError{Path: abs, Err: err}
	case info.IsDir():
		return "", &SnapshotError{Path: abs, Err: errors.New("path is a directory")}
	default:
		data, err := os.ReadFile(abs)
		if err != nil {
			return "", &SnapshotError{Path: abs, Err: err}
		}
		file.ExistedBefore = true
		if len(data) <= m.cfg.InlineMaxBytes {
			file.BackupBlob = data
		} else {
			ref, err := m.pool.Put(data)
			if err != nil {
				return "", &SnapshotError{Path: abs, Err: err}
			}
			file.BackupRef = ref
		}
	}

	inserted, err := m.store.InsertCheckpointFile(ctx, &file)
	if err != nil {
		return "", &SnapshotError{Path: abs, Err: err}
	}
	if !inserted {
		return abs, nil
	}

	backup := "none"
	switch {
	case file.BackupRef != "":
		backup = "blob"
	case file.ExistedBefore:
		backup = "inline"
	}
	L_debug("checkpoint: path tracked", "checkpoint", checkpointID, "path", abs, "existedBefore", file.ExistedBefore, "backup", backup)
	m.events.Emit(sessionID, events.CheckpointFileTracked, map[string]any{
		"checkpoint_id":  checkpointID,
		"path":           abs,
		"existed_before": file.ExistedBefore,
		"backup":         backup,
	})
	return abs, nil
}

// TouchedPaths returns the paths a call to tool would modify. Declared
// mutating tools report their own paths. When write-tools-only is off, a
// tools.FileWriter is also tracked through the "path" field of its input.
// Plain readers are never tracked.
func (m *Manager) TouchedPaths(tool tools.Tool, input json.RawMessage) []string {
	if !m.cfg.Enabled || tool == nil {
		return nil
	}
	if mt, ok := tool.(tools.Mutating); ok {
		p, err := mt.TouchedPaths(input)
		if err != nil {
			L_debug("checkpoint: no touched paths", "tool", tool.Name(), "error", err)
			return nil
		}
		return p
	}
	if m.cfg.WriteToolsOnly {
		return nil
	}
	if fw, ok := tool.(tools.FileWriter); !ok || !fw.WritesFiles() {
		return nil
	}
	var params struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &params); err != nil || params.Path == "" {
		return nil
	}
	return []string{params.Path}
}

// TrackToolInput tracks every path tool would touch. A path that fails is
// logged, reported as checkpoint.file_untracked and skipped; the others are
// still tracked. Returns the tracked paths and the joined snapshot errors.
func (m *Manager) TrackToolInput(ctx context.Context, checkpointID string, tool tools.Tool, input json.RawMessage) ([]string, error) {
	var tracked []string
	var errs []error
	for _, p := range m.TouchedPaths(tool, input) {
		abs, err := m.TrackPath(ctx, checkpointID, p)
		if err != nil {
			errs = append(errs, err)
			m.untracked(ctx, checkpointID, tool.Name(), p, err)
			continue
		}
		tracked = append(tracked, abs)
	}
	return tracked, errors.Join(errs...)
}

func (m *Manager) untracked(ctx context.Context, checkpointID, toolName, path string, err error) {
	L_warn("checkpoint: tracking failed", "checkpoint", checkpointID, "tool", toolName, "path", path, "error", err)
	sessionID, serr := m.sessionOf(ctx, checkpointID)
	if serr != nil {
		return
	}
	m.events.Emit(sessionID, events.CheckpointFileUntracked, map[string]any{
		"checkpoint_id": checkpointID,
		"tool_name":     toolName,
		"path":          path,
		"error":         err.Error(),
	})
}

// Rewind restores every tracked path of the checkpoint to its prior state.
// It is best-effort: a failing path is reported and the rest still run.
// Returns the checkpoint's session id and one outcome per path, ordered by path.
func (m *Manager) Rewind(ctx context.Context, checkpointID string) (string, []Outcome, error) {
	sessionID, err := m.sessionOf(ctx, checkpointID)
	if err != nil {
		return "", nil, err
	}

	lock := m.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	files, err := m.store.ListCheckpointFiles(ctx, checkpointID)
	if err != nil {
		return sessionID, nil, err
	}

	L_info("checkpoint: rewind started", "checkpoint", checkpointID, "files", len(files))
	m.events.Emit(sessionID, events.RewindStarted, map[string]any{"checkpoint_id": checkpointID})

	outcomes := make([]Outcome, 0, len(files))
	for _, f := range files {
		out := m.restore(f)
		outcomes = append(outcomes, out)
		if out.Status == StatusFailed {
			L_warn("checkpoint: restore failed", "checkpoint", checkpointID, "path", out.Path, "detail", out.Detail)
		}
		m.events.Emit(sessionID, events.RewindFileRestored, map[string]any{
			"checkpoint_id": checkpointID,
			"path":          out.Path,
			"status":        out.Status,
			"detail":        out.Detail,
		})
	}

	m.events.Emit(sessionID, events.RewindCompleted, map[string]any{
		"checkpoint_id": checkpointID,
		"results_count": len(outcomes),
	})
	L_info("checkpoint: rewind completed", "checkpoint", checkpointID, "results", len(outcomes))
	return sessionID, outcomes, nil
}

func (m *Manager) restore(f store.CheckpointFile) Outcome {
	out := Outcome{Path: f.Path}

	if !f.ExistedBefore {
		err := os.Remove(f.Path)
		switch {
		case err == nil:
			out.Status = StatusRemoved
		case errors.Is(err, fs.ErrNotExist):
			out.Status = StatusSkipped
		default:
			out.Status, out.Detail = StatusFailed, err.Error()
		}
		return out
	}

	data := f.BackupBlob
	if f.BackupRef != "" {
		blob, err := m.pool.Get(f.BackupRef)
		if err != nil {
			out.Status, out.Detail = StatusFailed, "missing backup blob: "+err.Error()
			return out
		}
		data = blob
	}
	if data == nil {
		out.Status, out.Detail = StatusFailed, "missing backup blob"
		return out
	}

	if err := fileutil.AtomicWrite(f.Path, data, fileutil.FileMode(f.Path, 0644)); err != nil {
		out.Status, out.Detail = StatusFailed, err.Error()
		return out
	}
	out.Status = StatusRestored
	return out
}

// List returns the session's checkpoints, newest first. limit is clamped to at least 1.
func (m *Manager) List(ctx context.Context, sessionID string, limit int) ([]Info, error) {
	if limit < 1 {
		limit = 1
	}
	cps, err := m.store.ListCheckpoints(ctx, sessionID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(cps))
	for _, cp := range cps {
		info := Info{ID: cp.ID, SessionID: cp.SessionID, CreatedAt: cp.CreatedAt}
		var scope Scope
		if len(cp.Scope) > 0 {
			if err := json.Unmarshal(cp.Scope, &scope); err != nil {
				L_warn("checkpoint: invalid scope", "checkpoint", cp.ID, "error", err)
			}
		}
		info.Tools = scope.Tools
		info.UserPreview = scope.UserPreview
		out = append(out, info)
	}
	return out, nil
}

// SweepBlobs removes pool blobs no checkpoint file refers to any more.
// It waits for in-flight tracking so a freshly written blob is never
// removed before its row exists.
func (m *Manager) SweepBlobs(ctx context.Context) (int, error) {
	m.poolMu.Lock()
	defer m.poolMu.Unlock()

	refs, err := m.store.BlobRefs(ctx)
	if err != nil {
		return 0, err
	}
	removed, err := m.pool.Sweep(refs)
	if removed > 0 {
		L_info("checkpoint: swept unreferenced blobs", "removed", removed)
	}
	return removed, err
}
