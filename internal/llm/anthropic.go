package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	. "github.com/roelfdiedericks/agentloop/internal/logging"
	"github.com/roelfdiedericks/agentloop/internal/metrics"
	"github.com/roelfdiedericks/agentloop/internal/types"
)

// AnthropicProvider implements Provider for Anthropic's Messages API.
// Also works with Anthropic-compatible APIs via BaseURL.
type AnthropicProvider struct {
	client      *anthropic.Client
	model       string
	maxTokens   int
	temperature *float64
	metrics     metrics.Recorder
}

// NewAnthropicProvider creates a provider. The SDK retries rate limits and
// overloads itself, up to cfg.MaxRetries times.
func NewAnthropicProvider(cfg Config, rec metrics.Recorder) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic API key not configured")
	}
	if rec == nil {
		rec = metrics.Nop{}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	L_debug("anthropic provider created", "model", cfg.Model, "baseURL", cfg.BaseURL, "maxTokens", cfg.MaxTokens, "maxRetries", cfg.MaxRetries)

	return &AnthropicProvider{
		client:      &client,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		metrics:     rec,
	}, nil
}

// Name returns the provider type
func (p *AnthropicProvider) Name() string {
	return ProviderAnthropic
}

// Model returns the configured model name
func (p *AnthropicProvider) Model() string {
	return p.model
}

// SimpleMessage sends a single user message and returns the response text.
// Used for compaction summaries where no tools are needed.
func (p *AnthropicProvider) SimpleMessage(ctx context.Context, userMessage, systemPrompt string) (string, error) {
	resp, err := p.Chat(ctx, Request{
		Messages: []types.Message{types.TextMessage(types.RoleUser, userMessage)},
		System:   systemPrompt,
	})
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

// Chat streams one Messages API call and accumulates the reply.
func (p *AnthropicProvider) Chat(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	topic := "llm/" + ProviderAnthropic

	system, messages := splitSystem(req.System, req.Messages)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(p.maxTokens),
		Messages:  convertMessages(messages),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}
	if p.temperature != nil {
		params.Temperature = anthropic.Float(*p.temperature)
	}

	L_debug("llm: request started", "provider", ProviderAnthropic, "model", p.model, "messages", len(messages), "tools", len(req.Tools))

	stream := p.client.Messages.NewStreaming(ctx, params)
	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			p.metrics.RecordOutcome(topic, "request_status", "accumulate_error")
			return nil, fmt.Errorf("accumulate error: %w", err)
		}
		if req.OnDelta == nil {
			continue
		}
		if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok {
				req.OnDelta(text.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		L_error("llm: stream error", "provider", ProviderAnthropic, "error", err)
		p.metrics.RecordOutcome(topic, "request_status", string(ClassifyError(err)))
		return nil, fmt.Errorf("anthropic stream error: %w", err)
	}

	resp := &Response{
		StopReason:   string(message.StopReason),
		InputTokens:  int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
	}
	for _, block := range message.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			if variant.Text != "" {
				resp.Content = append(resp.Content, types.TextBlock(variant.Text))
			}
		case anthropic.ToolUseBlock:
			input, _ := json.Marshal(variant.Input)
			resp.Content = append(resp.Content, types.ToolUseBlock(variant.ID, variant.Name, normalizeInput(input)))
			L_debug("llm: tool use", "tool", variant.Name, "id", variant.ID)
		}
	}

	duration := time.Since(start)
	p.metrics.RecordDuration(topic, "request", duration)
	p.metrics.AddCounter(topic, "input_tokens", int64(resp.InputTokens))
	p.metrics.AddCounter(topic, "output_tokens", int64(resp.OutputTokens))
	p.metrics.RecordOutcome(topic, "stop_reason", resp.StopReason)
	L_info("llm: request completed", "provider", ProviderAnthropic, "duration", duration.Round(time.Millisecond),
		"stopReason", resp.StopReason, "inputTokens", resp.InputTokens, "outputTokens", resp.OutputTokens)
	return resp, nil
}

// convertMessages converts runtime messages to Anthropic format. Empty text
// blocks are dropped; the API rejects them.
func convertMessages(messages []types.Message) []anthropic.MessageParam {
	result := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		var blocks []anthropic.ContentBlockParamUnion
		for _, b := range msg.Content {
			switch b.Type {
			case types.BlockText:
				if b.Text != "" {
					blocks = append(blocks, anthropic.NewTextBlock(b.Text))
				}
			case types.BlockToolUse:
				var input map[string]any
				if err := json.Unmarshal(b.Input, &input); err != nil || input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    b.ID,
						Name:  b.Name,
						Input: input,
					},
				})
			case types.BlockToolResult:
				content := b.Content
				if content == "" {
					content = "[empty result]"
				}
				blocks = append(blocks, anthropic.NewToolResultBlock(b.ToolUseID, content, b.IsError))
			}
		}
		if len(blocks) == 0 {
			L_trace("skipping empty message", "role", msg.Role)
			continue
		}
		if msg.Role == types.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(blocks...))
		} else {
			result = append(result, anthropic.NewUserMessage(blocks...))
		}
	}
	return result
}

// convertTools converts our tool definitions to Anthropic format
func convertTools(defs []types.ToolDefinition) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		var properties any
		if props, ok := def.InputSchema["properties"]; ok {
			properties = props
		}
		param := anthropic.ToolInputSchemaParam{Properties: properties}
		if required, ok := def.InputSchema["required"].([]string); ok {
			param.Required = required
		}

		result = append(result, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        def.Name,
				Description: anthropic.String(def.Description),
				InputSchema: param,
			},
		})
	}
	return result
}
