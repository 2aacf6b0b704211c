package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/roelfdiedericks/agentloop/internal/session"
)

const defaultListLimit = 20

const sessionUsage = "Usage: /session | /session new [title] | /session list [limit] | " +
	"/session name <title> | /session resume <id-or-name> | /session fork"

func handleSession(ctx context.Context, args *CommandArgs) *CommandResult {
	if len(args.Fields) == 0 {
		return currentSession(ctx, args)
	}
	rest := strings.TrimSpace(strings.TrimPrefix(args.RawArgs, args.Fields[0]))

	switch args.Fields[0] {
	case "list":
		return listSessions(ctx, args)
	case "new":
		return newSession(ctx, args, rest)
	case "name":
		if rest == "" {
			return textResult("Usage: /session name <title>")
		}
		return nameSession(ctx, args, rest)
	case "resume":
		if rest == "" {
			return textResult("Usage: /session resume <id-or-name>")
		}
		return resumeSession(ctx, args, rest)
	case "fork":
		if len(args.Fields) == 1 {
			return forkSession(ctx, args)
		}
	}
	return textResult(sessionUsage)
}

func currentSession(ctx context.Context, args *CommandArgs) *CommandResult {
	id := args.Deps.Conversation.SessionID()
	if id == "" {
		return textResult("Current session: none")
	}
	title := id
	if sess, err := args.Deps.Sessions.Get(ctx, id); err == nil {
		title = session.TitleOrID(sess)
	}
	return textResult("Current session: %s [%s] (id=%s)", title, ShortID(id), id)
}

func listSessions(ctx context.Context, args *CommandArgs) *CommandResult {
	limit, ok := parseLimit(args.Fields, 1)
	if !ok {
		return textResult("Usage: /session list [limit]")
	}
	sessions, err := args.Deps.Sessions.List(ctx, limit)
	if err != nil {
		return errorResult(err, "Failed to list sessions: %s", err)
	}
	if len(sessions) == 0 {
		return textResult("No sessions found.")
	}
	active := args.Deps.Conversation.SessionID()
	lines := []string{"Recent sessions:"}
	for _, s := range sessions {
		lines = append(lines, FormatSessionLine(s, active))
	}
	return textResult("%s", strings.Join(lines, "\n"))
}

func newSession(ctx context.Context, args *CommandArgs, title string) *CommandResult {
	opts := session.CreateOptions{}
	if title != "" {
		opts.Metadata = map[string]any{session.MetaTitle: title}
	}
	sess, err := args.Deps.Sessions.Create(ctx, opts)
	if err != nil {
		return errorResult(err, "Failed to create session: %s", err)
	}
	args.Deps.Conversation.SetSession(sess.ID, nil)
	return textResult("Started new session: %s [%s] (id=%s)", session.TitleOrID(sess), ShortID(sess.ID), sess.ID)
}

func nameSession(ctx context.Context, args *CommandArgs, title string) *CommandResult {
	id := args.Deps.Conversation.SessionID()
	if id == "" {
		return textResult("No active session to name")
	}
	if err := args.Deps.Sessions.Rename(ctx, id, title); err != nil {
		return errorResult(err, "Failed to name session: %s", err)
	}
	return textResult("Session named: %s", title)
}

func resumeSession(ctx context.Context, args *CommandArgs, target string) *CommandResult {
	sess, err := args.Deps.Sessions.ResolveIdentifier(ctx, target)
	if errors.Is(err, session.ErrSessionNotFound) {
		return textResult("Session not found: %s", target)
	}
	if err != nil {
		return errorResult(err, "%s", err)
	}
	msgs, err := args.Deps.Sessions.LoadMessages(ctx, sess.ID)
	if err != nil {
		return errorResult(err, "Failed to load session: %s", err)
	}
	args.Deps.Conversation.SetSession(sess.ID, msgs)

	lines := []string{fmt.Sprintf("Resumed session %s [%s] (id=%s, %d messages)",
		session.TitleOrID(sess), ShortID(sess.ID), sess.ID, len(msgs))}
	if sum, err := args.Deps.Sessions.Summary(ctx, sess.ID); err == nil {
		lines = append(lines, FormatSummary(sum)...)
	}
	return textResult("%s", strings.Join(lines, "\n"))
}

func forkSession(ctx context.Context, args *CommandArgs) *CommandResult {
	source := args.Deps.Conversation.SessionID()
	if source == "" {
		return textResult("No active session to fork")
	}
	fork, err := args.Deps.Sessions.Fork(ctx, source)
	if err != nil {
		return errorResult(err, "Failed to fork session: %s", err)
	}
	msgs, err := args.Deps.Sessions.LoadMessages(ctx, fork.ID)
	if err != nil {
		return errorResult(err, "Failed to load forked session: %s", err)
	}
	args.Deps.Conversation.SetSession(fork.ID, msgs)
	return textResult("Forked session %s -> %s", source, fork.ID)
}

// parseLimit reads an optional positive integer at fields[i].
func parseLimit(fields []string, i int) (int, bool) {
	if len(fields) <= i {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(fields[i])
	if err != nil {
		return 0, false
	}
	return n, true
}
