package commands

import (
	"context"
	"errors"
	"strings"

	"github.com/roelfdiedericks/agentloop/internal/checkpoint"
)

const checkpointUsage = "Usage: /checkpoint list [limit] | /checkpoint rewind <checkpoint_id>"

func handleCheckpoint(ctx context.Context, args *CommandArgs) *CommandResult {
	f := args.Fields
	switch {
	case len(f) == 0 || f[0] == "list":
		return listCheckpoints(ctx, args)
	case len(f) == 2 && f[0] == "rewind":
		return rewind(ctx, args, f[1])
	}
	return textResult(checkpointUsage)
}

func handleRewind(ctx context.Context, args *CommandArgs) *CommandResult {
	if len(args.Fields) != 1 {
		return textResult("Usage: /rewind <checkpoint_id>")
	}
	return rewind(ctx, args, args.Fields[0])
}

func listCheckpoints(ctx context.Context, args *CommandArgs) *CommandResult {
	sessionID := args.Deps.Conversation.SessionID()
	if sessionID == "" || args.Deps.Checkpoints == nil {
		return textResult("Checkpoint commands require memory.enabled=true")
	}
	limit, ok := parseLimit(args.Fields, 1)
	if !ok {
		return textResult("Usage: /checkpoint list [limit]")
	}
	infos, err := args.Deps.Checkpoints.List(ctx, sessionID, limit)
	if err != nil {
		return errorResult(err, "Failed to list checkpoints: %s", err)
	}
	if len(infos) == 0 {
		return textResult("No checkpoints found for current session.")
	}
	lines := []string{"Recent checkpoints:"}
	for _, info := range infos {
		lines = append(lines, FormatCheckpointLine(info))
	}
	return textResult("%s", strings.Join(lines, "\n"))
}

func rewind(ctx context.Context, args *CommandArgs, checkpointID string) *CommandResult {
	if args.Deps.Checkpoints == nil {
		return textResult("Rewind requires memory.enabled=true")
	}
	_, outcomes, err := args.Deps.Checkpoints.Rewind(ctx, checkpointID)
	if errors.Is(err, checkpoint.ErrCheckpointNotFound) {
		return textResult("Checkpoint not found: %s", checkpointID)
	}
	if err != nil {
		return errorResult(err, "Rewind failed: %s", err)
	}
	return textResult("%s", strings.Join(FormatRewind(checkpointID, outcomes), "\n"))
}
