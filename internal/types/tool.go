// Package types provides shared type definitions to avoid import cycles.
package types

// ToolDefinition is the format required by LLM APIs for tool/function calling.
// Lives in types so llm does not import tools.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}
