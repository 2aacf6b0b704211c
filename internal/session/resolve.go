package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	. "github.com/roelfdiedericks/agentloop/internal/logging"
	"github.com/roelfdiedericks/agentloop/internal/store"
	"github.com/roelfdiedericks/agentloop/internal/types"
)

// ResolveIdentifier finds a session by exact id, unique id prefix or exact
// title (case-insensitive), in that order.
func (m *Manager) ResolveIdentifier(ctx context.Context, ident string) (*store.Session, error) {
	ident = strings.TrimSpace(ident)
	if ident == "" {
		return nil, fmt.Errorf("%w: empty identifier", ErrSessionNotFound)
	}

	sess, err := m.store.GetSession(ctx, ident)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	byPrefix, err := m.store.FindSessionsByIDPrefix(ctx, ident)
	if err != nil {
		return nil, err
	}
	switch len(byPrefix) {
	case 0:
	case 1:
		return &byPrefix[0], nil
	default:
		return nil, fmt.Errorf("%w: %q matches %d session ids", ErrAmbiguousSession, ident, len(byPrefix))
	}

	byTitle, err := m.store.FindSessionsByTitle(ctx, ident)
	if err != nil {
		return nil, err
	}
	switch len(byTitle) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, ident)
	case 1:
		return &byTitle[0], nil
	default:
		return nil, fmt.Errorf("%w: %q matches %d session titles", ErrAmbiguousSession, ident, len(byTitle))
	}
}

// Selector picks the session the process starts with.
type Selector struct {
	ResumeID   string // Resume this session (id, prefix or title); must exist
	SessionID  string // Session to continue when Continue is set
	Continue   bool   // Load SessionID, creating it if absent
	ForkActive bool   // Fork whatever session was resolved and switch to the fork
}

// Startup is the resolved starting point.
type Startup struct {
	Session    *store.Session
	Messages   []types.Message
	Resumed    bool   // Existing history was loaded
	ForkedFrom string // Source session when the startup forked
}

// ResolveStartup applies the startup precedence: resume, then continue
// (load or create), then a fresh session; finally an optional fork.
func (m *Manager) ResolveStartup(ctx context.Context, sel Selector) (*Startup, error) {
	var out Startup

	switch {
	case sel.ResumeID != "":
		sess, err := m.ResolveIdentifier(ctx, sel.ResumeID)
		if err != nil {
			return nil, fmt.Errorf("resume session %q: %w", sel.ResumeID, err)
		}
		msgs, err := m.LoadMessages(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		out = Startup{Session: sess, Messages: msgs, Resumed: true}

	case sel.Continue && sel.SessionID != "":
		sess, msgs, err := m.ContinueOrCreate(ctx, sel.SessionID)
		if err != nil {
			return nil, err
		}
		out = Startup{Session: sess, Messages: msgs, Resumed: len(msgs) > 0}

	default:
		sess, err := m.Create(ctx, CreateOptions{})
		if err != nil {
			return nil, err
		}
		out = Startup{Session: sess}
	}

	if sel.ForkActive {
		fork, err := m.Fork(ctx, out.Session.ID)
		if err != nil {
			return nil, err
		}
		msgs, err := m.LoadMessages(ctx, fork.ID)
		if err != nil {
			return nil, err
		}
		out = Startup{Session: fork, Messages: msgs, Resumed: len(msgs) > 0, ForkedFrom: out.Session.ID}
	}

	L_info("session: startup resolved",
		"id", out.Session.ID,
		"messages", len(out.Messages),
		"resumed", out.Resumed,
		"forkedFrom", out.ForkedFrom)
	return &out, nil
}
