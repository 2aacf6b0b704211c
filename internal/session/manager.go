// Package session manages durable conversation sessions: creation, resume,
// fork, rename and the append-only message log.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/roelfdiedericks/agentloop/internal/events"
	. "github.com/roelfdiedericks/agentloop/internal/logging"
	"github.com/roelfdiedericks/agentloop/internal/store"
	"github.com/roelfdiedericks/agentloop/internal/tokens"
	"github.com/roelfdiedericks/agentloop/internal/types"
)

// ErrSessionNotFound is returned when a session id does not resolve.
var ErrSessionNotFound = errors.New("session not found")

// ErrAmbiguousSession is returned when an identifier matches more than one session.
var ErrAmbiguousSession = errors.New("ambiguous session identifier")

// titleTimeLayout renders timestamps in default and fork titles.
const titleTimeLayout = "2006-01-02 15:04"

// Metadata keys used by the runtime
const (
	MetaTitle      = "title"
	MetaForkedFrom = "forked_from"
)

// Manager owns session and message persistence.
type Manager struct {
	store  *store.Store
	events events.Emitter
	model  string

	now func() time.Time
}

// NewManager creates a session manager. A nil emitter discards events.
func NewManager(st *store.Store, em events.Emitter, model string) *Manager {
	if em == nil {
		em = events.Nop{}
	}
	return &Manager{
		store:  st,
		events: em,
		model:  model,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateOptions configures a new session. All fields are optional.
type CreateOptions struct {
	ID              string
	ParentSessionID string
	Metadata        map[string]any
}

// DefaultTitle is the title given to sessions created at t.
func DefaultTitle(t time.Time) string {
	return "Session " + t.UTC().Format(titleTimeLayout)
}

// Create inserts a new active session.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*store.Session, error) {
	var sess *store.Session
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		sess, err = m.createTx(ctx, tx, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.emitStarted(sess)
	return sess, nil
}

func (m *Manager) createTx(ctx context.Context, tx *store.Tx, opts CreateOptions) (*store.Session, error) {
	now := m.now()
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	metadata := map[string]any{}
	for k, v := range opts.Metadata {
		metadata[k] = v
	}
	if title, _ := metadata[MetaTitle].(string); strings.TrimSpace(title) == "" {
		metadata[MetaTitle] = DefaultTitle(now)
	}

	sess := &store.Session{
		ID:              id,
		ParentSessionID: opts.ParentSessionID,
		CreatedAt:       now,
		UpdatedAt:       now,
		Status:          store.StatusActive,
		Model:           m.model,
		Metadata:        metadata,
	}
	if err := tx.InsertSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

func (m *Manager) emitStarted(sess *store.Session) {
	L_info("session: started", "id", sess.ID, "title", sess.Title(), "parent", sess.ParentSessionID)
	m.events.Emit(sess.ID, events.SessionStarted, map[string]any{
		"session_id":        sess.ID,
		"parent_session_id": nullable(sess.ParentSessionID),
	})
}

// Get returns the session or ErrSessionNotFound.
func (m *Manager) Get(ctx context.Context, id string) (*store.Session, error) {
	sess, err := m.store.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, err
}

// LoadMessages returns the session's conversation in seq order.
func (m *Manager) LoadMessages(ctx context.Context, id string) ([]types.Message, error) {
	stored, err := m.store.ListMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	msgs := make([]types.Message, 0, len(stored))
	for _, sm := range stored {
		msgs = append(msgs, types.Message{Role: sm.Role, Content: sm.Content})
	}
	return msgs, nil
}

// Resume loads an existing session and its messages.
func (m *Manager) Resume(ctx context.Context, id string) (*store.Session, []types.Message, error) {
	sess, err := m.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	msgs, err := m.LoadMessages(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	L_info("session: resumed", "id", id, "messages", len(msgs))
	return sess, msgs, nil
}

// ContinueOrCreate resumes id if it exists, otherwise creates a session with that id.
func (m *Manager) ContinueOrCreate(ctx context.Context, id string) (*store.Session, []types.Message, error) {
	sess, msgs, err := m.Resume(ctx, id)
	if err == nil {
		return sess, msgs, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, nil, err
	}
	sess, err = m.Create(ctx, CreateOptions{ID: id})
	if err != nil {
		return nil, nil, err
	}
	return sess, nil, nil
}

// Fork copies a session's messages into a new child session in one transaction.
func (m *Manager) Fork(ctx context.Context, sourceID string) (*store.Session, error) {
	source, err := m.Get(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	sourceTitle := TitleOrID(source)

	var fork *store.Session
	var copied int
	err = m.store.WithTx(ctx, func(tx *store.Tx) error {
		var err error
		fork, err = m.createTx(ctx, tx, CreateOptions{
			ParentSessionID: sourceID,
			Metadata: map[string]any{
				MetaForkedFrom: sourceID,
				MetaTitle:      fmt.Sprintf("Fork of %s (%s)", sourceTitle, m.now().Format(titleTimeLayout)),
			},
		})
		if err != nil {
			return err
		}

		msgs, err := tx.ListMessages(ctx, sourceID)
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			cp := msg
			cp.ID = uuid.NewString()
			cp.SessionID = fork.ID
			if err := tx.InsertMessage(ctx, &cp); err != nil {
				return err
			}
		}
		copied = len(msgs)
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.emitStarted(fork)
	m.events.Emit(fork.ID, events.SessionForked, map[string]any{
		"session_id":      fork.ID,
		"source_id":       sourceID,
		"copied_messages": copied,
	})
	L_info("session: forked", "source", sourceID, "fork", fork.ID, "messages", copied)
	return fork, nil
}

// Rename sets the session title.
func (m *Manager) Rename(ctx context.Context, id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title must not be empty")
	}
	sess, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	sess.Metadata[MetaTitle] = title
	if err := m.store.UpdateSessionMetadata(ctx, id, sess.Metadata, m.now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return err
	}
	m.events.Emit(id, events.SessionRenamed, map[string]any{"session_id": id, "title": title})
	return nil
}

// List returns the most recently updated sessions. limit is clamped to at least 1.
func (m *Manager) List(ctx context.Context, limit int) ([]store.Session, error) {
	if limit < 1 {
		limit = 1
	}
	return m.store.ListSessions(ctx, limit)
}

// AppendMessage persists a message with the next seq and bumps updated_at.
func (m *Manager) AppendMessage(ctx context.Context, sessionID, role string, content []types.ContentBlock) (string, int64, error) {
	msg := &store.Message{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		Role:          role,
		Content:       content,
		CreatedAt:     m.now(),
		TokenEstimate: tokens.EstimateMessage(types.Message{Role: role, Content: content}),
	}

	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		seq, err := tx.NextSeq(ctx, sessionID)
		if err != nil {
			return err
		}
		msg.Seq = seq
		if err := tx.InsertMessage(ctx, msg); err != nil {
			return err
		}
		return tx.TouchSession(ctx, sessionID, msg.CreatedAt)
	})
	if errors.Is(err, store.ErrNotFound) {
		return "", 0, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return "", 0, err
	}

	m.events.Emit(sessionID, events.MessageAppended, map[string]any{
		"session_id": sessionID,
		"message_id": msg.ID,
		"seq":        msg.Seq,
		"role":       role,
	})
	return msg.ID, msg.Seq, nil
}

// RecordToolCall writes a tool call record and bumps updated_at.
func (m *Manager) RecordToolCall(ctx context.Context, rec store.ToolCall) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = m.now()
	}
	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.InsertToolCall(ctx, &rec); err != nil {
			return err
		}
		return tx.TouchSession(ctx, rec.SessionID, rec.CreatedAt)
	})
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, rec.SessionID)
	}
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
