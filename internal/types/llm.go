package types

import "context"

// SummarizationClient is the interface for LLM clients used by compaction.
// Implemented by llm.AnthropicProvider and llm.OpenAIProvider.
type SummarizationClient interface {
	SimpleMessage(ctx context.Context, userMessage, systemPrompt string) (string, error)
	Model() string
}
