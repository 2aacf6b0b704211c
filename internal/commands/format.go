package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/roelfdiedericks/agentloop/internal/checkpoint"
	"github.com/roelfdiedericks/agentloop/internal/session"
	"github.com/roelfdiedericks/agentloop/internal/store"
)

const shortIDLen = 8

// ShortID returns the first 8 characters of an id.
func ShortID(id string) string {
	if len(id) <= shortIDLen {
		return id
	}
	return id[:shortIDLen]
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// FormatSessionLine renders one /session list entry. The active session is
// marked with "*".
func FormatSessionLine(s store.Session, activeID string) string {
	marker := " "
	if s.ID == activeID {
		marker = "*"
	}
	parent := s.ParentSessionID
	if parent == "" {
		parent = "-"
	}
	return fmt.Sprintf("%s %s [%s] (id=%s) (status=%s, created=%s, updated=%s, parent=%s)",
		marker, session.TitleOrID(&s), ShortID(s.ID), s.ID,
		s.Status, formatTime(s.CreatedAt), formatTime(s.UpdatedAt), parent)
}

// FormatSummary renders the overview printed after resuming a session.
func FormatSummary(sum *session.Summary) []string {
	lines := []string{
		"Session summary:",
		fmt.Sprintf("- Created: %s | Updated: %s", formatTime(sum.CreatedAt), formatTime(sum.UpdatedAt)),
		fmt.Sprintf("- Messages: %d (user=%d, assistant=%d)", sum.MessageCount, sum.UserMessageCount, sum.AssistantMessageCount),
		fmt.Sprintf("- Checkpoints: %d", sum.CheckpointCount),
	}
	if sum.LastUserPreview != "" {
		lines = append(lines, "- Last user: "+sum.LastUserPreview)
	}
	if sum.LastAssistantPreview != "" {
		lines = append(lines, "- Last assistant: "+sum.LastAssistantPreview)
	}
	return lines
}

// FormatCheckpointLine renders one /checkpoint list entry.
func FormatCheckpointLine(info checkpoint.Info) string {
	tools := "n/a"
	if len(info.Tools) > 0 {
		tools = strings.Join(info.Tools, ", ")
	}
	prompt := ""
	if info.UserPreview != "" {
		prompt = fmt.Sprintf(", prompt=%q", info.UserPreview)
	}
	return fmt.Sprintf("- [%s] (id=%s, created=%s, tools=%s%s)",
		ShortID(info.ID), info.ID, formatTime(info.CreatedAt), tools, prompt)
}

// FormatRewind renders the per-path outcomes of a rewind.
func FormatRewind(checkpointID string, outcomes []checkpoint.Outcome) []string {
	lines := []string{fmt.Sprintf("Rewind %s results:", checkpointID)}
	for _, o := range outcomes {
		suffix := ""
		if o.Detail != "" {
			suffix = " (" + o.Detail + ")"
		}
		lines = append(lines, fmt.Sprintf("- %s: %s%s", o.Path, o.Status, suffix))
	}
	return lines
}
