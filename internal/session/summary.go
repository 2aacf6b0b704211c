package session

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/roelfdiedericks/agentloop/internal/store"
	"github.com/roelfdiedericks/agentloop/internal/types"
)

const previewChars = 140

// Summary is the overview shown when a session is resumed.
type Summary struct {
	SessionID             string
	Title                 string
	CreatedAt             time.Time
	UpdatedAt             time.Time
	MessageCount          int
	UserMessageCount      int
	AssistantMessageCount int
	CheckpointCount       int
	LastUserPreview       string
	LastAssistantPreview  string
}

// Summary builds counts and last-message previews for a session.
func (m *Manager) Summary(ctx context.Context, id string) (*Summary, error) {
	sess, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	counts, err := m.store.CountMessagesByRole(ctx, id)
	if err != nil {
		return nil, err
	}
	checkpoints, err := m.store.CountCheckpoints(ctx, id)
	if err != nil {
		return nil, err
	}

	sum := &Summary{
		SessionID:             id,
		Title:                 sess.Title(),
		CreatedAt:             sess.CreatedAt,
		UpdatedAt:             sess.UpdatedAt,
		UserMessageCount:      counts[types.RoleUser],
		AssistantMessageCount: counts[types.RoleAssistant],
		CheckpointCount:       checkpoints,
	}
	for _, n := range counts {
		sum.MessageCount += n
	}

	if last, err := m.store.LastMessageByRole(ctx, id, types.RoleUser); err != nil {
		return nil, err
	} else if last != nil {
		sum.LastUserPreview = Preview(last.Content)
	}
	if last, err := m.store.LastMessageByRole(ctx, id, types.RoleAssistant); err != nil {
		return nil, err
	} else if last != nil {
		sum.LastAssistantPreview = Preview(last.Content)
	}
	return sum, nil
}

// Preview renders content blocks as one whitespace-collapsed line of at most
// 140 characters. Tool blocks show as [tool:name] and [tool_result].
func Preview(content []types.ContentBlock) string {
	var parts []string
	for _, b := range content {
		switch b.Type {
		case types.BlockText:
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		case types.BlockToolUse:
			parts = append(parts, "[tool:"+b.Name+"]")
		case types.BlockToolResult:
			parts = append(parts, "[tool_result]")
		}
	}
	return Shorten(strings.Join(parts, " "), previewChars)
}

// Shorten collapses whitespace and cuts text to max characters with a "..." suffix.
func Shorten(text string, max int) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	return string(runes[:max-3]) + "..."
}

// TitleOrID returns the session title, falling back to its id.
func TitleOrID(sess *store.Session) string {
	if t := sess.Title(); t != "" {
		return t
	}
	return sess.ID
}
