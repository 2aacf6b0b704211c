package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	. "github.com/roelfdiedericks/agentloop/internal/logging"
	"github.com/roelfdiedericks/agentloop/internal/metrics"
	"github.com/roelfdiedericks/agentloop/internal/types"
)

// OpenAIProvider implements Provider for OpenAI-compatible chat completion APIs.
type OpenAIProvider struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature *float64
	maxRetries  int
	metrics     metrics.Recorder

	backoff time.Duration
}

// NewOpenAIProvider creates a provider. A custom BaseURL enables compatible
// servers (OpenRouter, LM Studio, Ollama).
func NewOpenAIProvider(cfg Config, rec metrics.Recorder) (*OpenAIProvider, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("openai API key not configured")
	}
	if rec == nil {
		rec = metrics.Nop{}
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	client := openai.NewClientWithConfig(config)

	L_debug("openai provider created", "model", cfg.Model, "baseURL", config.BaseURL, "maxTokens", cfg.MaxTokens)

	return &OpenAIProvider{
		client:      client,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		maxRetries:  cfg.MaxRetries,
		metrics:     rec,
		backoff:     time.Second,
	}, nil
}

// Name returns the provider type
func (p *OpenAIProvider) Name() string {
	return ProviderOpenAI
}

// Model returns the configured model name
func (p *OpenAIProvider) Model() string {
	return p.model
}

// SimpleMessage sends a single user message and returns the response text.
func (p *OpenAIProvider) SimpleMessage(ctx context.Context, userMessage, systemPrompt string) (string, error) {
	resp, err := p.Chat(ctx, Request{
		Messages: []types.Message{types.TextMessage(types.RoleUser, userMessage)},
		System:   systemPrompt,
	})
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// Chat sends one chat completion request. Rate limits, overloads and timeouts
// are retried with exponential backoff up to maxRetries times.
func (p *OpenAIProvider) Chat(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	topic := "llm/" + ProviderOpenAI

	system, messages := splitSystem(req.System, req.Messages)
	chatReq := openai.ChatCompletionRequest{
		Model:     p.model,
		Messages:  convertToOpenAIMessages(system, messages),
		MaxTokens: p.maxTokens,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertToOpenAITools(req.Tools)
	}
	if p.temperature != nil {
		chatReq.Temperature = float32(*p.temperature)
	}

	L_debug("llm: request started", "provider", ProviderOpenAI, "model", p.model, "messages", len(chatReq.Messages), "tools", len(req.Tools))

	var completion openai.ChatCompletionResponse
	var err error
	backoff := p.backoff
	for attempt := 0; ; attempt++ {
		completion, err = p.client.CreateChatCompletion(ctx, chatReq)
		if err == nil {
			break
		}
		errType := ClassifyError(err)
		if attempt >= p.maxRetries || !IsRetryable(errType) {
			L_error("llm: request failed", "provider", ProviderOpenAI, "error", err, "attempts", attempt+1)
			p.metrics.RecordOutcome(topic, "request_status", string(errType))
			return nil, fmt.Errorf("openai request failed: %w", err)
		}
		L_warn("llm: retrying request", "provider", ProviderOpenAI, "errorType", errType, "attempt", attempt+1, "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}

	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("openai response has no choices")
	}
	choice := completion.Choices[0]

	resp := &Response{
		StopReason:   normalizeFinishReason(choice.FinishReason),
		InputTokens:  completion.Usage.PromptTokens,
		OutputTokens: completion.Usage.CompletionTokens,
	}
	if choice.Message.Content != "" {
		resp.Content = append(resp.Content, types.TextBlock(choice.Message.Content))
		if req.OnDelta != nil {
			req.OnDelta(choice.Message.Content)
		}
	}
	for _, call := range choice.Message.ToolCalls {
		resp.Content = append(resp.Content, types.ToolUseBlock(call.ID, call.Function.Name, normalizeInput([]byte(call.Function.Arguments))))
		L_debug("llm: tool use", "tool", call.Function.Name, "id", call.ID)
	}

	duration := time.Since(start)
	p.metrics.RecordDuration(topic, "request", duration)
	p.metrics.AddCounter(topic, "input_tokens", int64(resp.InputTokens))
	p.metrics.AddCounter(topic, "output_tokens", int64(resp.OutputTokens))
	p.metrics.RecordOutcome(topic, "stop_reason", resp.StopReason)
	L_info("llm: request completed", "provider", ProviderOpenAI, "duration", duration.Round(time.Millisecond),
		"stopReason", resp.StopReason, "inputTokens", resp.InputTokens, "outputTokens", resp.OutputTokens)
	return resp, nil
}

func normalizeFinishReason(reason openai.FinishReason) string {
	switch reason {
	case openai.FinishReasonStop:
		return StopEndTurn
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return StopToolUse
	case openai.FinishReasonLength:
		return StopMaxTokens
	}
	return string(reason)
}

// convertToOpenAIMessages converts runtime messages to chat completion format.
// tool_result blocks become role=tool messages, which must directly follow
// the assistant message that requested them.
func convertToOpenAIMessages(system string, messages []types.Message) []openai.ChatCompletionMessage {
	var result []openai.ChatCompletionMessage
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}

	for _, msg := range messages {
		var text []string
		switch msg.Role {
		case types.RoleAssistant:
			out := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
			for _, b := range msg.Content {
				switch b.Type {
				case types.BlockText:
					if b.Text != "" {
						text = append(text, b.Text)
					}
				case types.BlockToolUse:
					out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
						ID:   b.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      b.Name,
							Arguments: string(normalizeInput(b.Input)),
						},
					})
				}
			}
			out.Content = strings.Join(text, "\n")
			if out.Content == "" && len(out.ToolCalls) == 0 {
				continue
			}
			result = append(result, out)

		default:
			for _, b := range msg.Content {
				switch b.Type {
				case types.BlockToolResult:
					content := b.Content
					if content == "" {
						content = "[empty result]"
					}
					result = append(result, openai.ChatCompletionMessage{
						Role:       openai.ChatMessageRoleTool,
						Content:    content,
						ToolCallID: b.ToolUseID,
					})
				case types.BlockText:
					if b.Text != "" {
						text = append(text, b.Text)
					}
				}
			}
			if len(text) > 0 {
				result = append(result, openai.ChatCompletionMessage{
					Role:    openai.ChatMessageRoleUser,
					Content: strings.Join(text, "\n"),
				})
			}
		}
	}
	return result
}

// convertToOpenAITools converts tool definitions to function tools
func convertToOpenAITools(defs []types.ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, len(defs))
	for i, def := range defs {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.InputSchema,
			},
		}
	}
	return result
}
