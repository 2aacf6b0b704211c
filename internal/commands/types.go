package commands

import (
	"context"

	"github.com/roelfdiedericks/agentloop/internal/checkpoint"
	"github.com/roelfdiedericks/agentloop/internal/compaction"
	"github.com/roelfdiedericks/agentloop/internal/metrics"
	"github.com/roelfdiedericks/agentloop/internal/session"
	"github.com/roelfdiedericks/agentloop/internal/store"
	"github.com/roelfdiedericks/agentloop/internal/types"
)

// SessionService is the part of session.Manager the commands use.
type SessionService interface {
	Get(ctx context.Context, id string) (*store.Session, error)
	Create(ctx context.Context, opts session.CreateOptions) (*store.Session, error)
	List(ctx context.Context, limit int) ([]store.Session, error)
	Rename(ctx context.Context, id, title string) error
	ResolveIdentifier(ctx context.Context, ident string) (*store.Session, error)
	Fork(ctx context.Context, sourceID string) (*store.Session, error)
	LoadMessages(ctx context.Context, id string) ([]types.Message, error)
	Summary(ctx context.Context, id string) (*session.Summary, error)
}

// CheckpointService is the part of checkpoint.Manager the commands use.
type CheckpointService interface {
	List(ctx context.Context, sessionID string, limit int) ([]checkpoint.Info, error)
	Rewind(ctx context.Context, checkpointID string) (string, []checkpoint.Outcome, error)
}

// Conversation is the live conversation, implemented by engine.Engine.
type Conversation interface {
	SessionID() string
	SetSession(sessionID string, msgs []types.Message)
	Messages() []types.Message
	Compact(ctx context.Context) (*compaction.Result, error)
}

// EventLister reads the audit trail, implemented by store.Store.
type EventLister interface {
	ListEvents(ctx context.Context, sessionID string, limit int) ([]store.Event, error)
}

// MetricsSource exposes collected metrics, implemented by metrics.Manager.
type MetricsSource interface {
	Snapshot() []metrics.Snapshot
}

// Deps are the services commands act on. Sessions, Checkpoints and Events
// are nil when memory is disabled.
type Deps struct {
	Conversation Conversation
	Sessions     SessionService
	Checkpoints  CheckpointService
	Events       EventLister
	Metrics      MetricsSource

	// Flush, if set, is called before reading events so recent ones are visible.
	Flush func()
}

// CommandResult contains the result of a command execution
type CommandResult struct {
	Text  string // Plain text output
	Error error  // Error if command failed
}

func textResult(format string, a ...any) *CommandResult {
	return &CommandResult{Text: sprintf(format, a...)}
}

func errorResult(err error, format string, a ...any) *CommandResult {
	return &CommandResult{Text: sprintf(format, a...), Error: err}
}
