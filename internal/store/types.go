package store

import (
	"encoding/json"
	"time"

	"github.com/roelfdiedericks/agentloop/internal/types"
)

// Session statuses
const (
	StatusActive   = "active"
	StatusArchived = "archived"
	StatusDeleted  = "deleted"
)

// Session is a row of the sessions table.
type Session struct {
	ID              string
	ParentSessionID string // Empty unless forked
	CreatedAt       time.Time
	UpdatedAt       time.Time
	Status          string
	Model           string
	Metadata        map[string]any
}

// Title returns metadata["title"], or "" if unset.
func (s *Session) Title() string {
	if s == nil || s.Metadata == nil {
		return ""
	}
	title, _ := s.Metadata["title"].(string)
	return title
}

// Message is a persisted conversation message. Immutable once written.
type Message struct {
	ID            string
	SessionID     string
	Seq           int64
	Role          string
	Content       []types.ContentBlock
	CreatedAt     time.Time
	TokenEstimate int
}

// ToolCall is a write-once record of one tool invocation.
type ToolCall struct {
	ID         string
	SessionID  string
	MessageID  string // Assistant message that requested the call, may be empty
	ToolName   string
	Input      json.RawMessage
	ResultText string
	IsError    bool
	CreatedAt  time.Time
}

// Checkpoint is a rewind point created before mutating tools run.
type Checkpoint struct {
	ID            string
	SessionID     string
	UserMessageID string
	CreatedAt     time.Time
	Scope         json.RawMessage
}

// CheckpointFile is the pre-mutation state of one tracked path.
// At most one of BackupBlob and BackupRef is set; neither when the file did not exist.
type CheckpointFile struct {
	CheckpointID  string
	Path          string
	ExistedBefore bool
	BackupBlob    []byte
	BackupRef     string
}

// Event is an append-only audit record.
type Event struct {
	ID        string
	SessionID string
	Type      string
	Payload   map[string]any
	CreatedAt time.Time
}
