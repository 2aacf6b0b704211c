package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	. "github.com/roelfdiedericks/agentloop/internal/logging"
	"github.com/roelfdiedericks/agentloop/internal/fileutil"
	"github.com/roelfdiedericks/agentloop/internal/types"
)

// EditFileName is the surgical replace tool.
const EditFileName = "edit_file"

// RegisterBuiltins registers the file tools plus edit_file and query_json.
func RegisterBuiltins(r *Registry, ws *Workspace) {
	RegisterFileTools(r, ws)
	r.Register(&EditFileTool{ws: ws})
	r.Register(&QueryJSONTool{ws: ws})
}

// EditFileTool replaces one unique occurrence of a string in a file
type EditFileTool struct {
	ws *Workspace
}

type editInput struct {
	Path      string `json:"path"`
	OldString string `json:"old_string"`
	NewString string `json:"new_string"`
}

func (t *EditFileTool) Name() string { return EditFileName }

func (t *EditFileTool) Description() string {
	return "Replace text in a file. Finds the exact old_string and replaces it with new_string. The old_string must be unique in the file."
}

func (t *EditFileTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Absolute or relative path to the file to edit.",
			},
			"old_string": map[string]any{
				"type":        "string",
				"description": "The exact text to find and replace. Must be unique in the file.",
			},
			"new_string": map[string]any{
				"type":        "string",
				"description": "The text to replace old_string with.",
			},
		},
		"required": []string{"path", "old_string", "new_string"},
	}
}

func (t *EditFileTool) TouchedPaths(input json.RawMessage) ([]string, error) {
	return touched(input)
}

func (t *EditFileTool) Execute(ctx context.Context, input json.RawMessage) (*types.ToolResult, error) {
	var params editInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if params.OldString == "" {
		return nil, fmt.Errorf("old_string cannot be empty")
	}
	resolved, err := t.ws.ResolveWrite(params.Path)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(resolved)
	if err != nil {
		L_warn("edit_file: failed to read", "path", params.Path, "error", err)
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	text := string(content)

	switch count := strings.Count(text, params.OldString); {
	case count == 0:
		return types.ErrorResult("Error: old_string not found in " + params.Path), nil
	case count > 1:
		return types.ErrorResult(fmt.Sprintf("Error: old_string is not unique (found %d occurrences). Include more context to make it unique.", count)), nil
	}

	newText := strings.Replace(text, params.OldString, params.NewString, 1)
	if err := fileutil.AtomicWrite(resolved, []byte(newText), fileutil.FileMode(resolved, 0644)); err != nil {
		L_error("edit_file: failed to write", "path", params.Path, "error", err)
		return nil, err
	}

	L_info("edit_file: file edited", "path", params.Path, "sizeBefore", len(text), "sizeAfter", len(newText), "session", sessionOf(ctx))
	return types.TextResult(fmt.Sprintf("Successfully edited %s", params.Path)), nil
}
