package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/itchyny/gojq"

	. "github.com/roelfdiedericks/agentloop/internal/logging"
	"github.com/roelfdiedericks/agentloop/internal/types"
)

// QueryJSONName is the jq query tool.
const QueryJSONName = "query_json"

// QueryJSONTool runs a jq expression over a JSON file or inline JSON
type QueryJSONTool struct {
	ws *Workspace
}

type queryInput struct {
	Query   string `json:"query"`
	File    string `json:"file,omitempty"`
	Input   string `json:"input,omitempty"`
	Raw     bool   `json:"raw,omitempty"`
	Compact bool   `json:"compact,omitempty"`
}

func (t *QueryJSONTool) Name() string { return QueryJSONName }

func (t *QueryJSONTool) Description() string {
	return "Query and transform JSON using jq syntax. Reads a JSON file from the working directory or inline JSON."
}

func (t *QueryJSONTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "jq filter expression (e.g., '.items[] | .name')",
			},
			"file": map[string]any{
				"type":        "string",
				"description": "Path to a JSON file to query. Mutually exclusive with 'input'.",
			},
			"input": map[string]any{
				"type":        "string",
				"description": "Inline JSON to query. Mutually exclusive with 'file'.",
			},
			"raw": map[string]any{
				"type":        "boolean",
				"description": "Output strings without JSON encoding (like jq -r). Default: false",
			},
			"compact": map[string]any{
				"type":        "boolean",
				"description": "Compact output (no pretty-printing). Default: false",
			},
		},
		"required": []string{"query"},
	}
}

func (t *QueryJSONTool) Execute(ctx context.Context, input json.RawMessage) (*types.ToolResult, error) {
	var params queryInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if params.Query == "" {
		return nil, errors.New("query is required")
	}
	if (params.File == "") == (params.Input == "") {
		return nil, errors.New("specify exactly one of 'file' or 'input'")
	}

	data := []byte(params.Input)
	if params.File != "" {
		resolved, err := t.ws.Resolve(params.File)
		if err != nil {
			return nil, err
		}
		if data, err = os.ReadFile(resolved); err != nil {
			return nil, fmt.Errorf("failed to read file: %w", err)
		}
	}

	result, err := runJQ(ctx, params.Query, data, params.Raw, params.Compact)
	if err != nil {
		return nil, err
	}
	L_debug("query_json: query completed", "query", params.Query, "resultLen", len(result))
	return types.TextResult(result), nil
}

// runJQ parses data, runs query and renders every emitted value on its own line.
func runJQ(ctx context.Context, query string, data []byte, raw, compact bool) (string, error) {
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return "", fmt.Errorf("invalid JSON: %w", err)
	}

	parsed, err := gojq.Parse(query)
	if err != nil {
		return "", fmt.Errorf("invalid jq query: %w", err)
	}

	var lines []string
	iter := parsed.RunWithContext(ctx, value)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return "", fmt.Errorf("jq error: %w", err)
		}

		if s, ok := v.(string); ok && raw {
			lines = append(lines, s)
			continue
		}
		var b []byte
		if compact || raw {
			b, err = json.Marshal(v)
		} else {
			b, err = json.MarshalIndent(v, "", "  ")
		}
		if err != nil {
			return "", fmt.Errorf("failed to encode result: %w", err)
		}
		lines = append(lines, string(b))
	}
	return strings.Join(lines, "\n"), nil
}
