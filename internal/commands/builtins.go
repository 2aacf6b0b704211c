package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/roelfdiedericks/agentloop/internal/compaction"
	"github.com/roelfdiedericks/agentloop/internal/metrics"
)

// registerBuiltins registers all built-in commands
func registerBuiltins(m *Manager) {
	m.Register(&Command{
		Name:        "/help",
		Description: "Show this help",
		Handler:     handleHelp,
	})

	m.Register(&Command{
		Name:        "/session",
		Description: "Show, create, list, name, resume or fork sessions",
		Usage: []string{
			"/session",
			"/session new [title]",
			"/session list [limit]",
			"/session name <title>",
			"/session resume <id-or-name>",
			"/session fork",
		},
		Memory:  true,
		Handler: handleSession,
	})

	m.Register(&Command{
		Name:        "/checkpoint",
		Description: "List checkpoints or rewind one",
		Usage:       []string{"/checkpoint list [limit]", "/checkpoint rewind <checkpoint_id>"},
		Memory:      true,
		Handler:     handleCheckpoint,
	})

	m.Register(&Command{
		Name:        "/rewind",
		Description: "Restore files changed since a checkpoint",
		Usage:       []string{"/rewind <checkpoint_id>"},
		Memory:      true,
		Handler:     handleRewind,
	})

	m.Register(&Command{
		Name:        "/compact",
		Description: "Force context compaction",
		Handler:     handleCompact,
	})

	m.Register(&Command{
		Name:        "/events",
		Description: "Show recent audit events of the session",
		Usage:       []string{"/events [limit]"},
		Memory:      true,
		Handler:     handleEvents,
	})

	m.Register(&Command{
		Name:        "/stats",
		Description: "Show runtime metrics",
		Aliases:     []string{"/metrics"},
		Handler:     handleStats,
	})
}

// handleHelp lists commands; memory commands only when memory is enabled.
func handleHelp(ctx context.Context, args *CommandArgs) *CommandResult {
	var text strings.Builder
	text.WriteString("Available commands:\n")

	hidden := false
	for _, cmd := range args.Manager.List() {
		if cmd.Memory && !args.Manager.MemoryEnabled() {
			hidden = true
			continue
		}
		usage := cmd.Usage
		if len(usage) == 0 {
			usage = []string{cmd.Name}
		}
		text.WriteString(fmt.Sprintf("- %s - %s\n", usage[0], cmd.Description))
		for _, u := range usage[1:] {
			text.WriteString(fmt.Sprintf("- %s\n", u))
		}
	}
	if hidden {
		text.WriteString("Memory commands are available when memory.enabled=true.\n")
	}
	return &CommandResult{Text: strings.TrimRight(text.String(), "\n")}
}

// handleCompact forces a compaction of the live conversation
func handleCompact(ctx context.Context, args *CommandArgs) *CommandResult {
	before := len(args.Deps.Conversation.Messages())
	res, err := args.Deps.Conversation.Compact(ctx)
	switch {
	case errors.Is(err, compaction.ErrNothingToCompact):
		return textResult("Nothing to compact: all %d messages are protected.", before)
	case err != nil:
		return errorResult(err, "Compaction failed: %s", err)
	case res == nil:
		return textResult("Nothing to compact.")
	}
	after := len(args.Deps.Conversation.Messages())
	return textResult("Compacted %d messages (%d -> %d messages, ~%d -> ~%d tokens).",
		res.MessagesCompacted, before, after, res.TokensBefore, res.TokensAfter)
}

// handleEvents prints the most recent audit events of the active session
func handleEvents(ctx context.Context, args *CommandArgs) *CommandResult {
	sessionID := args.Deps.Conversation.SessionID()
	if sessionID == "" || args.Deps.Events == nil {
		return textResult("No active session.")
	}
	limit, ok := parseLimit(args.Fields, 0)
	if !ok {
		return textResult("Usage: /events [limit]")
	}
	if args.Deps.Flush != nil {
		args.Deps.Flush()
	}

	evs, err := args.Deps.Events.ListEvents(ctx, sessionID, limit)
	if err != nil {
		return errorResult(err, "Failed to list events: %s", err)
	}
	if len(evs) == 0 {
		return textResult("No events recorded for current session.")
	}
	lines := []string{"Recent events:"}
	for _, ev := range evs {
		payload, _ := json.Marshal(ev.Payload)
		lines = append(lines, fmt.Sprintf("- %s %s %s", formatTime(ev.CreatedAt), ev.Type, payload))
	}
	return textResult("%s", strings.Join(lines, "\n"))
}

// handleStats renders the metrics snapshot
func handleStats(ctx context.Context, args *CommandArgs) *CommandResult {
	if args.Deps.Metrics == nil {
		return textResult("Metrics are not available.")
	}
	snaps := args.Deps.Metrics.Snapshot()
	if len(snaps) == 0 {
		return textResult("No metrics recorded.")
	}

	lines := []string{"Metrics:"}
	for _, s := range snaps {
		switch s.Type {
		case metrics.TypeTiming:
			lines = append(lines, fmt.Sprintf("- %s: count=%d avg=%.1fms p95=%.1fms max=%.1fms",
				s.Path, s.Count, s.AvgMs, s.P95Ms, s.MaxMs))
		case metrics.TypeCounter:
			lines = append(lines, fmt.Sprintf("- %s: %d", s.Path, s.Value))
		case metrics.TypeOutcome:
			keys := make([]string, 0, len(s.Outcomes))
			for k := range s.Outcomes {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			parts := make([]string, len(keys))
			for i, k := range keys {
				parts[i] = fmt.Sprintf("%s=%d", k, s.Outcomes[k])
			}
			lines = append(lines, fmt.Sprintf("- %s: %s", s.Path, strings.Join(parts, ", ")))
		}
	}
	return textResult("%s", strings.Join(lines, "\n"))
}
