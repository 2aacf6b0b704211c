// Package llm adapts LLM provider APIs to the runtime's message model.
package llm

import (
	"context"
	"encoding/json"

	"github.com/roelfdiedericks/agentloop/internal/types"
)

// Normalized stop reasons
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// Provider is the interface every LLM backend implements.
// Implementations: AnthropicProvider, OpenAIProvider
type Provider interface {
	Name() string  // Provider type, "anthropic" or "openai"
	Model() string // Model name

	// Chat sends the conversation with tools and returns the assistant reply
	Chat(ctx context.Context, req Request) (*Response, error)

	// SimpleMessage sends one user message without tools, used for summaries
	SimpleMessage(ctx context.Context, userMessage, systemPrompt string) (string, error)
}

// Request is one chat call.
type Request struct {
	Messages []types.Message
	Tools    []types.ToolDefinition
	System   string
	OnDelta  func(delta string) // Optional, streamed text chunks
}

// Response is the assistant reply.
type Response struct {
	Content      []types.ContentBlock
	StopReason   string // StopEndTurn, StopToolUse, StopMaxTokens or provider specific
	InputTokens  int
	OutputTokens int
}

// Text returns the concatenated text blocks.
func (r *Response) Text() string {
	return types.Message{Role: types.RoleAssistant, Content: r.Content}.Text()
}

// HasToolUse returns true if the response contains a tool use request
func (r *Response) HasToolUse() bool {
	for _, b := range r.Content {
		if b.Type == types.BlockToolUse {
			return true
		}
	}
	return false
}

// splitSystem moves system-role messages out of the conversation and
// appends their text to the system prompt.
func splitSystem(system string, messages []types.Message) (string, []types.Message) {
	out := make([]types.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role != types.RoleSystem {
			out = append(out, m)
			continue
		}
		if text := m.Text(); text != "" {
			if system != "" {
				system += "\n\n"
			}
			system += text
		}
	}
	return system, out
}

// normalizeInput returns a JSON object for tool input, "{}" when empty or invalid.
func normalizeInput(raw []byte) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" || !json.Valid(raw) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(raw)
}
