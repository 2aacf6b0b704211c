// Package compaction shrinks conversation history under token pressure by
// replacing a middle span of messages with an LLM-written summary.
package compaction

import (
	"context"
	"fmt"
	"strings"
	"time"

	. "github.com/roelfdiedericks/agentloop/internal/logging"
	"github.com/roelfdiedericks/agentloop/internal/tokens"
	"github.com/roelfdiedericks/agentloop/internal/types"
)

// Strategy names accepted by New
const (
	StrategyNone      = "none"
	StrategySummarize = "summarize"
)

// Strategy decides whether and how to shrink a conversation.
// Implementations never return an error; on failure the input is returned.
type Strategy interface {
	MaybeCompact(ctx context.Context, msgs []types.Message) []types.Message
}

// Config holds compaction settings
type Config struct {
	Strategy              string // "none" or "summarize"
	ThresholdTokens       int    // Compact when the estimate exceeds this
	ProtectedTailMessages int    // Newest messages never summarized
}

// Result describes one applied compaction.
type Result struct {
	MessagesCompacted int
	TokensBefore      int
	TokensAfter       int
	SummaryTokens     int
}

// New returns the strategy named by cfg.Strategy.
func New(cfg Config, client types.SummarizationClient) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Strategy)) {
	case "", StrategyNone:
		return Noop{}, nil
	case StrategySummarize:
		if client == nil {
			return nil, fmt.Errorf("%w: summarize requires an LLM client", ErrUnknownStrategy)
		}
		return NewSummarizing(cfg, client), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, cfg.Strategy)
	}
}

// Noop never compacts.
type Noop struct{}

// MaybeCompact returns msgs unchanged.
func (Noop) MaybeCompact(_ context.Context, msgs []types.Message) []types.Message {
	return msgs
}

// Summarizing compacts the middle of the conversation into a summary block
// merged into the first message.
type Summarizing struct {
	cfg    Config
	client types.SummarizationClient

	// OnCompacted, if set, is called after every applied compaction.
	OnCompacted func(Result)
}

// NewSummarizing creates a summarizing strategy. Zero values get defaults.
func NewSummarizing(cfg Config, client types.SummarizationClient) *Summarizing {
	if cfg.ThresholdTokens <= 0 {
		cfg.ThresholdTokens = 80_000
	}
	if cfg.ProtectedTailMessages < 0 {
		cfg.ProtectedTailMessages = 0
	}
	return &Summarizing{cfg: cfg, client: client}
}

// MaybeCompact compacts when the estimate exceeds the threshold.
func (s *Summarizing) MaybeCompact(ctx context.Context, msgs []types.Message) []types.Message {
	out, _, err := s.Compact(ctx, msgs, false)
	if err != nil {
		L_warn("compaction: failed, keeping history", "error", err)
		return msgs
	}
	return out
}

// Compact runs one compaction. With force the token threshold is ignored.
// A nil Result with a nil error means nothing was done.
func (s *Summarizing) Compact(ctx context.Context, msgs []types.Message, force bool) ([]types.Message, *Result, error) {
	estimated := tokens.EstimateMessages(msgs)
	if !force && estimated <= s.cfg.ThresholdTokens {
		return msgs, nil, nil
	}
	if len(msgs) < 2 {
		return msgs, nil, nil
	}

	start := 1
	end := adjustBoundary(msgs, start, len(msgs)-s.cfg.ProtectedTailMessages)
	if end <= start {
		L_debug("compaction: zone empty", "messages", len(msgs), "protectedTail", s.cfg.ProtectedTailMessages)
		if force {
			return msgs, nil, ErrNothingToCompact
		}
		return msgs, nil, nil
	}

	compactable := msgs[start:end]
	L_info("compaction: compacting",
		"estimatedTokens", estimated,
		"threshold", s.cfg.ThresholdTokens,
		"messages", len(compactable),
		"forced", force)

	original, previous := splitSummary(msgs[0].Text())
	rendered := formatForSummarization(compactable)
	if previous != "" {
		rendered = "[previous summary]: " + previous + "\n\n" + rendered
	}

	startTime := time.Now()
	summary, err := s.client.SimpleMessage(ctx, SummarizePrompt+capInput(rendered), "")
	if err != nil {
		return msgs, nil, &Error{Op: "Summarize", Err: err}
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return msgs, nil, &Error{Op: "Summarize", Err: fmt.Errorf("empty summary from %s", s.client.Model())}
	}

	result := rebuild(original, summary, msgs[end:])
	res := Result{
		MessagesCompacted: len(compactable),
		TokensBefore:      estimated,
		TokensAfter:       tokens.EstimateMessages(result),
		SummaryTokens:     tokens.Count(summary),
	}
	L_info("compaction: summarized",
		"messages", res.MessagesCompacted,
		"summaryTokens", res.SummaryTokens,
		"freedTokens", res.TokensBefore-res.TokensAfter,
		"model", s.client.Model(),
		"elapsed", time.Since(startTime).Round(time.Millisecond))

	if s.OnCompacted != nil {
		s.OnCompacted(res)
	}
	return result, &res, nil
}

// adjustBoundary pulls end back while the last compacted message is an
// assistant tool request, so a tool_use never loses its tool_result.
// Returns start when no safe boundary exists.
func adjustBoundary(msgs []types.Message, start, end int) int {
	for end > start {
		boundary := msgs[end-1]
		if boundary.Role != types.RoleAssistant || !boundary.HasToolUse() {
			break
		}
		end--
	}
	return end
}

func rebuild(original, summary string, tail []types.Message) []types.Message {
	result := make([]types.Message, 0, len(tail)+2)
	result = append(result, types.TextMessage(types.RoleUser, mergeSummary(original, summary)))
	if len(tail) > 0 && tail[0].Role == types.RoleUser {
		result = append(result, types.TextMessage(types.RoleAssistant, AckText))
	}
	return append(result, tail...)
}
