package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	. "github.com/roelfdiedericks/agentloop/internal/logging"
	"github.com/roelfdiedericks/agentloop/internal/fileutil"
	"github.com/roelfdiedericks/agentloop/internal/types"
)

// Built-in tool names
const (
	ReadFileName   = "read_file"
	WriteFileName  = "write_file"
	AppendFileName = "append_file"
)

// RegisterFileTools registers read_file, write_file and append_file.
func RegisterFileTools(r *Registry, ws *Workspace) {
	r.Register(&ReadFileTool{ws: ws})
	r.Register(&WriteFileTool{ws: ws})
	r.Register(&AppendFileTool{ws: ws})
}

type pathInput struct {
	Path      string `json:"path"`
	Content   string `json:"content"`
	StartLine int    `json:"start_line,omitempty"`
	EndLine   int    `json:"end_line,omitempty"`
}

func parsePathInput(input json.RawMessage) (pathInput, error) {
	var params pathInput
	if err := json.Unmarshal(input, &params); err != nil {
		return params, fmt.Errorf("invalid input: %w", err)
	}
	if strings.TrimSpace(params.Path) == "" {
		return params, fmt.Errorf("path is required")
	}
	return params, nil
}

func pathSchema(pathDesc string, withContent bool) map[string]any {
	props := map[string]any{
		"path": map[string]any{
			"type":        "string",
			"description": pathDesc,
		},
	}
	required := []string{"path"}
	if withContent {
		props["content"] = map[string]any{
			"type":        "string",
			"description": "The content to write.",
		}
		required = append(required, "content")
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// sessionOf returns the session running the call, for log context.
func sessionOf(ctx context.Context) string {
	if sc := types.GetSessionContext(ctx); sc != nil {
		return sc.SessionID
	}
	return ""
}

// touched returns the single path named by a write-style input.
func touched(input json.RawMessage) ([]string, error) {
	params, err := parsePathInput(input)
	if err != nil {
		return nil, err
	}
	return []string{params.Path}, nil
}

// ReadFileTool reads file contents
type ReadFileTool struct {
	ws *Workspace
}

func (t *ReadFileTool) Name() string { return ReadFileName }

func (t *ReadFileTool) Description() string {
	return "Read the contents of a file and return it as text. Optionally limit to a line range."
}

func (t *ReadFileTool) Schema() map[string]any {
	schema := pathSchema("Absolute or relative path to the file to read.", false)
	props := schema["properties"].(map[string]any)
	props["start_line"] = map[string]any{
		"type":        "integer",
		"description": "Optional: Start reading from this line number (1-indexed).",
	}
	props["end_line"] = map[string]any{
		"type":        "integer",
		"description": "Optional: Stop reading at this line number (inclusive).",
	}
	return schema
}

func (t *ReadFileTool) Execute(ctx context.Context, input json.RawMessage) (*types.ToolResult, error) {
	params, err := parsePathInput(input)
	if err != nil {
		return nil, err
	}
	resolved, err := t.ws.Resolve(params.Path)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(resolved)
	if err != nil {
		L_warn("read_file: failed", "path", params.Path, "error", err)
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	text := string(content)
	if params.StartLine > 0 || params.EndLine > 0 {
		lines := strings.Split(text, "\n")
		start := params.StartLine
		if start < 1 {
			start = 1
		}
		end := params.EndLine
		if end < 1 || end > len(lines) {
			end = len(lines)
		}
		if start > len(lines) {
			return nil, fmt.Errorf("start_line %d exceeds file length %d", start, len(lines))
		}
		text = strings.Join(lines[start-1:end], "\n")
	}

	L_debug("read_file: file read", "path", params.Path, "bytes", len(text))
	return types.TextResult(text), nil
}

// WriteFileTool creates or overwrites files
type WriteFileTool struct {
	ws *Workspace
}

func (t *WriteFileTool) Name() string { return WriteFileName }

func (t *WriteFileTool) Description() string {
	return "Write content to a file, creating it if it doesn't exist. Creates parent directories as needed."
}

func (t *WriteFileTool) Schema() map[string]any {
	return pathSchema("Absolute or relative path to the file to write.", true)
}

func (t *WriteFileTool) TouchedPaths(input json.RawMessage) ([]string, error) {
	return touched(input)
}

func (t *WriteFileTool) Execute(ctx context.Context, input json.RawMessage) (*types.ToolResult, error) {
	params, err := parsePathInput(input)
	if err != nil {
		return nil, err
	}
	resolved, err := t.ws.ResolveWrite(params.Path)
	if err != nil {
		return nil, err
	}

	perm := fileutil.FileMode(resolved, 0644)
	if err := fileutil.AtomicWrite(resolved, []byte(params.Content), perm); err != nil {
		L_error("write_file: failed", "path", params.Path, "error", err)
		return nil, err
	}

	L_info("write_file: file written", "path", params.Path, "bytes", len(params.Content), "session", sessionOf(ctx))
	return types.TextResult(fmt.Sprintf("Successfully wrote %d bytes to %s", len(params.Content), params.Path)), nil
}

// AppendFileTool appends to an existing file
type AppendFileTool struct {
	ws *Workspace
}

func (t *AppendFileTool) Name() string { return AppendFileName }

func (t *AppendFileTool) Description() string {
	return "Append content to the end of a file. The file must already exist. " +
		"Use this to write large files in stages: create the file with write_file first, then append additional sections."
}

func (t *AppendFileTool) Schema() map[string]any {
	return pathSchema("Absolute or relative path to the file to append to.", true)
}

func (t *AppendFileTool) TouchedPaths(input json.RawMessage) ([]string, error) {
	return touched(input)
}

func (t *AppendFileTool) Execute(ctx context.Context, input json.RawMessage) (*types.ToolResult, error) {
	params, err := parsePathInput(input)
	if err != nil {
		return nil, err
	}
	resolved, err := t.ws.ResolveWrite(params.Path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(resolved, os.O_APPEND|os.O_WRONLY, 0)
	if errors.Is(err, fs.ErrNotExist) {
		return types.ErrorResult(fmt.Sprintf("Error: file does not exist: %s. Use write_file to create it first.", params.Path)), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(params.Content); err != nil {
		return nil, fmt.Errorf("failed to append: %w", err)
	}
	if err := f.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync: %w", err)
	}

	L_info("append_file: content appended", "path", params.Path, "bytes", len(params.Content), "session", sessionOf(ctx))
	return types.TextResult(fmt.Sprintf("Successfully appended %d bytes to %s", len(params.Content), params.Path)), nil
}
