// Package tools provides the tool execution framework and the built-in file tools.
package tools

import (
	"context"
	"encoding/json"

	"github.com/roelfdiedericks/agentloop/internal/types"
)

// Tool is the interface that all tools must implement
type Tool interface {
	// Name returns the unique name of the tool
	Name() string

	// Description returns a human-readable description for the LLM
	Description() string

	// Schema returns the JSON Schema for the tool's input parameters
	Schema() map[string]any

	// Execute runs the tool with the given input. A returned error is reported
	// to the LLM as an error result; it does not abort the turn.
	Execute(ctx context.Context, input json.RawMessage) (*types.ToolResult, error)
}

// Mutating is implemented by tools that change files. The engine snapshots
// the returned paths into the turn's checkpoint before the tool runs.
type Mutating interface {
	Tool

	// TouchedPaths returns the paths the call would modify, as given in input
	TouchedPaths(input json.RawMessage) ([]string, error)
}

// FileWriter is implemented by tools that may change files without listing
// the paths up front. When write-tools-only is off, the "path" field of
// their input is tracked.
type FileWriter interface {
	Tool

	// WritesFiles reports whether calls may modify files
	WritesFiles() bool
}

// IsMutating reports whether t declares file mutations.
func IsMutating(t Tool) bool {
	_, ok := t.(Mutating)
	return ok
}

// ToDefinition converts a Tool to the API format
func ToDefinition(t Tool) types.ToolDefinition {
	return types.ToolDefinition{
		Name:        t.Name(),
		Description: t.Description(),
		InputSchema: t.Schema(),
	}
}
