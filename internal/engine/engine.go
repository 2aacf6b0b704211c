// Package engine runs one conversational turn: LLM calls, tool execution,
// checkpointing and history maintenance.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/roelfdiedericks/agentloop/internal/checkpoint"
	"github.com/roelfdiedericks/agentloop/internal/compaction"
	"github.com/roelfdiedericks/agentloop/internal/events"
	"github.com/roelfdiedericks/agentloop/internal/llm"
	. "github.com/roelfdiedericks/agentloop/internal/logging"
	"github.com/roelfdiedericks/agentloop/internal/metrics"
	"github.com/roelfdiedericks/agentloop/internal/session"
	"github.com/roelfdiedericks/agentloop/internal/store"
	"github.com/roelfdiedericks/agentloop/internal/tools"
	"github.com/roelfdiedericks/agentloop/internal/types"
)

// DefaultMaxTokensRetries applies when Config.MaxTokensRetries is zero.
const DefaultMaxTokensRetries = 3

const userPreviewChars = 120

// ContinueNudge is appended after a reply was cut off by the token limit.
const ContinueNudge = "Your response was cut off because it exceeded the token limit. " +
	"Please continue, but be more concise. If you were writing a file, " +
	"break it into smaller sections or shorten the content."

const metricsTopic = "engine"

// Config tunes the turn loop.
type Config struct {
	SystemPrompt            string
	MaxToolResultChars      int // Tool output above this is truncated, 0 disables
	MaxConversationMessages int // Hard cap on live history, 0 disables
	MaxTokensRetries        int // Consecutive max_tokens stops before giving up
}

// Deps are the collaborators of an Engine. Sessions and Checkpoints may be
// nil, which disables persistence and file tracking.
type Deps struct {
	Provider    llm.Provider
	Executor    *tools.Executor
	Sessions    *session.Manager
	Checkpoints *checkpoint.Manager
	Compaction  compaction.Strategy
	Events      events.Emitter
	Metrics     metrics.Recorder
}

// TurnResult summarizes a completed turn.
type TurnResult struct {
	Text               string // Assistant text across all iterations
	StopReason         string
	Iterations         int
	ToolCalls          int
	CheckpointID       string // Empty unless files were tracked this turn
	UserMessageID      string
	AssistantMessageID string // Last persisted assistant message
	MaxTokensExceeded  bool   // Gave up after repeated max_tokens stops
}

// Engine owns the live conversation of the active session.
type Engine struct {
	cfg  Config
	deps Deps

	runMu sync.Mutex // One turn at a time

	mu        sync.Mutex
	sessionID string
	messages  []types.Message

	// OnDelta, if set, receives streamed assistant text.
	OnDelta func(delta string)
	// OnToolStart, if set, is called before a batch of tools runs.
	OnToolStart func(names []string)
}

// New creates an engine. Nil Compaction, Events and Metrics get no-op defaults.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Provider == nil {
		return nil, errors.New("engine: provider is required")
	}
	if deps.Executor == nil {
		return nil, errors.New("engine: tool executor is required")
	}
	if deps.Compaction == nil {
		deps.Compaction = compaction.Noop{}
	}
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	if cfg.MaxTokensRetries <= 0 {
		cfg.MaxTokensRetries = DefaultMaxTokensRetries
	}
	return &Engine{cfg: cfg, deps: deps}, nil
}

// SetSession switches the engine to another session and its history.
// History that starts mid-turn, as left by the per-session message cap, is
// advanced to its first plain user message. It waits for a running turn to
// finish.
func (e *Engine) SetSession(sessionID string, msgs []types.Message) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if start := firstPlainUser(msgs); start > 0 {
		L_warn("engine: restored history starts mid-turn, dropping leading messages",
			"session", sessionID, "dropped", start)
		msgs = msgs[start:]
	}

	e.mu.Lock()
	e.sessionID = sessionID
	e.messages = append([]types.Message(nil), msgs...)
	e.mu.Unlock()
	e.trim()
	L_debug("engine: session set", "session", sessionID, "messages", len(msgs))
}

// SessionID returns the active session id, empty when memory is disabled.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// Messages returns a copy of the live conversation.
func (e *Engine) Messages() []types.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]types.Message(nil), e.messages...)
}

// Compact forces a compaction of the live history. Strategies that cannot
// be forced run their normal threshold check.
func (e *Engine) Compact(ctx context.Context) (*compaction.Result, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	msgs := e.Messages()
	s, ok := e.deps.Compaction.(*compaction.Summarizing)
	if !ok {
		e.replace(e.deps.Compaction.MaybeCompact(ctx, msgs))
		return nil, nil
	}
	out, res, err := s.Compact(ctx, msgs, true)
	if err != nil {
		return nil, err
	}
	e.replace(out)
	return res, nil
}

// CompactionApplied records an applied compaction. Wire it to
// compaction.Summarizing.OnCompacted.
func (e *Engine) CompactionApplied(res compaction.Result) {
	e.deps.Metrics.AddCounter(metricsTopic, "compactions", 1)
	sessionID := e.SessionID()
	if sessionID == "" {
		return
	}
	e.deps.Events.Emit(sessionID, events.CompactionApplied, map[string]any{
		"messages_compacted": res.MessagesCompacted,
		"tokens_before":      res.TokensBefore,
		"tokens_after":       res.TokensAfter,
		"summary_tokens":     res.SummaryTokens,
	})
}

// turn carries per-turn state through the loop.
type turn struct {
	userMessageID string
	userText      string
	checkpointID  string
}

// Run processes one user message until the assistant stops requesting tools.
func (e *Engine) Run(ctx context.Context, userText string) (*TurnResult, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	start := time.Now()
	defer func() {
		e.deps.Metrics.RecordDuration(metricsTopic, "turn", time.Since(start))
	}()

	t := &turn{userText: userText}
	res := &TurnResult{}

	id, err := e.append(ctx, types.TextMessage(types.RoleUser, userText))
	if err != nil {
		return nil, err
	}
	t.userMessageID = id
	res.UserMessageID = id
	e.maintain(ctx)

	maxTokensAttempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Iterations++

		resp, err := e.chat(ctx)
		if err != nil {
			e.deps.Metrics.RecordOutcome(metricsTopic, "turn", "llm_error")
			return res, fmt.Errorf("llm call: %w", err)
		}
		res.StopReason = resp.StopReason

		if len(resp.Content) > 0 {
			id, err := e.append(ctx, types.Message{Role: types.RoleAssistant, Content: resp.Content})
			if err != nil {
				return res, err
			}
			res.AssistantMessageID = id
		}
		if text := resp.Text(); text != "" {
			if res.Text != "" {
				res.Text += "\n"
			}
			res.Text += text
		}

		if resp.StopReason == llm.StopMaxTokens && !resp.HasToolUse() {
			maxTokensAttempts++
			if maxTokensAttempts >= e.cfg.MaxTokensRetries {
				L_warn("engine: response exceeded max_tokens repeatedly, stopping",
					"attempts", maxTokensAttempts)
				res.MaxTokensExceeded = true
				e.deps.Metrics.RecordOutcome(metricsTopic, "turn", "max_tokens")
				return res, nil
			}
			L_info("engine: response cut off, asking to continue", "attempt", maxTokensAttempts)
			if _, err := e.append(ctx, types.TextMessage(types.RoleUser, ContinueNudge)); err != nil {
				return res, err
			}
			e.maintain(ctx)
			continue
		}
		maxTokensAttempts = 0

		if !resp.HasToolUse() {
			e.deps.Metrics.RecordOutcome(metricsTopic, "turn", "completed")
			res.CheckpointID = t.checkpointID
			return res, nil
		}

		calls := toolCalls(resp.Content)
		res.ToolCalls += len(calls)

		results := e.runTools(ctx, t, calls, res.AssistantMessageID)
		if _, err := e.append(ctx, types.Message{Role: types.RoleUser, Content: results}); err != nil {
			e.dropUnansweredToolUse()
			return res, err
		}
		e.maintain(ctx)
		res.CheckpointID = t.checkpointID
	}
}

func (e *Engine) chat(ctx context.Context) (*llm.Response, error) {
	start := time.Now()
	defer func() {
		e.deps.Metrics.RecordDuration(metricsTopic, "llm_call", time.Since(start))
	}()

	return e.deps.Provider.Chat(ctx, llm.Request{
		Messages: e.Messages(),
		Tools:    e.deps.Executor.Registry().Definitions(),
		System:   e.cfg.SystemPrompt,
		OnDelta:  e.OnDelta,
	})
}

// runTools snapshots the files the calls will touch, runs the calls
// concurrently and returns their tool_result blocks in request order.
func (e *Engine) runTools(ctx context.Context, t *turn, calls []tools.Call, assistantMessageID string) []types.ContentBlock {
	sessionID := e.SessionID()

	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	if e.OnToolStart != nil {
		e.OnToolStart(names)
	}

	e.ensureCheckpoint(ctx, t, calls, names)
	if t.checkpointID != "" {
		reg := e.deps.Executor.Registry()
		for _, c := range calls {
			tool, ok := reg.Get(c.Name)
			if !ok {
				continue
			}
			// failures are already logged and recorded as file_untracked
			e.deps.Checkpoints.TrackToolInput(ctx, t.checkpointID, tool, c.Input)
		}
	}

	for _, c := range calls {
		e.emit(sessionID, events.ToolStarted, map[string]any{"tool_use_id": c.ID, "tool_name": c.Name})
	}

	toolCtx := types.WithSessionContext(ctx, &types.SessionContext{SessionID: sessionID, CheckpointID: t.checkpointID})
	outcomes := e.deps.Executor.ExecuteParallel(toolCtx, calls)

	blocks := make([]types.ContentBlock, len(outcomes))
	for i, out := range outcomes {
		text := e.truncate(out.Result.GetText(), out.Call.Name)
		isError := out.Result.IsError

		e.deps.Metrics.RecordDuration("tools", out.Call.Name, out.Duration)
		if isError {
			e.deps.Metrics.RecordOutcome("tools", out.Call.Name, "error")
		} else {
			e.deps.Metrics.RecordOutcome("tools", out.Call.Name, "ok")
		}

		if e.deps.Sessions != nil && sessionID != "" {
			_, err := e.deps.Sessions.RecordToolCall(ctx, store.ToolCall{
				ID:         out.Call.ID,
				SessionID:  sessionID,
				MessageID:  assistantMessageID,
				ToolName:   out.Call.Name,
				Input:      out.Call.Input,
				ResultText: text,
				IsError:    isError,
			})
			if err != nil {
				L_error("engine: failed to record tool call", "tool", out.Call.Name, "id", out.Call.ID, "error", err)
			}
		}
		e.emit(sessionID, events.ToolCompleted, map[string]any{
			"tool_use_id": out.Call.ID,
			"tool_name":   out.Call.Name,
			"is_error":    isError,
		})
		L_debug("engine: tool finished", "tool", out.Call.Name, "error", isError, "elapsed", out.Duration.Round(time.Millisecond))

		blocks[i] = types.ToolResultBlock(out.Call.ID, text, isError)
	}
	return blocks
}

// ensureCheckpoint creates the turn's checkpoint the first time a call
// would touch a tracked path.
func (e *Engine) ensureCheckpoint(ctx context.Context, t *turn, calls []tools.Call, names []string) {
	cm := e.deps.Checkpoints
	sessionID := e.SessionID()
	if t.checkpointID != "" || cm == nil || !cm.Enabled() || sessionID == "" || t.userMessageID == "" {
		return
	}

	reg := e.deps.Executor.Registry()
	touches := false
	for _, c := range calls {
		if tool, ok := reg.Get(c.Name); ok && len(cm.TouchedPaths(tool, c.Input)) > 0 {
			touches = true
			break
		}
	}
	if !touches {
		return
	}

	id, err := cm.Begin(ctx, sessionID, t.userMessageID, checkpoint.Scope{
		Tools:       names,
		UserPreview: previewRunes(t.userText, userPreviewChars),
	})
	if err != nil {
		L_error("engine: failed to create checkpoint", "session", sessionID, "error", err)
		return
	}
	t.checkpointID = id
}

// append persists msg and then adds it to the live history, so a failed
// write leaves the live history unchanged. Returns the persisted message id,
// empty when memory is disabled.
func (e *Engine) append(ctx context.Context, msg types.Message) (string, error) {
	sessionID := e.SessionID()

	var id string
	if e.deps.Sessions != nil && sessionID != "" {
		var err error
		id, _, err = e.deps.Sessions.AppendMessage(ctx, sessionID, msg.Role, msg.Content)
		if err != nil {
			return "", fmt.Errorf("persist %s message: %w", msg.Role, err)
		}
	}

	e.mu.Lock()
	e.messages = append(e.messages, msg)
	e.mu.Unlock()
	return id, nil
}

// dropUnansweredToolUse removes a trailing assistant tool_use whose results
// could not be recorded, so the next request is still well formed.
func (e *Engine) dropUnansweredToolUse() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n := len(e.messages); n > 0 && e.messages[n-1].HasToolUse() {
		e.messages = e.messages[:n-1]
	}
}

// maintain runs compaction then the hard backstop trim.
func (e *Engine) maintain(ctx context.Context) {
	e.replace(e.deps.Compaction.MaybeCompact(ctx, e.Messages()))
	e.trim()
}

func (e *Engine) replace(msgs []types.Message) {
	e.mu.Lock()
	e.messages = msgs
	e.mu.Unlock()
}

// trim drops the oldest messages beyond MaxConversationMessages.
func (e *Engine) trim() {
	limit := e.cfg.MaxConversationMessages
	if limit <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.messages) <= limit {
		return
	}
	cut := trimCut(e.messages, len(e.messages)-limit)
	if cut == 0 {
		return
	}
	L_warn("engine: conversation history trimmed",
		"removed", cut,
		"kept", len(e.messages)-cut,
		"limit", limit)
	e.messages = append([]types.Message(nil), e.messages[cut:]...)
}

// trimCut returns where history may start when at least remove messages
// should go. The kept history always starts at a plain user message, so a
// tool_use is never split from its tool_result. When no plain user message
// follows remove, the cut falls back to the last one before it and the
// limit is exceeded.
func trimCut(msgs []types.Message, remove int) int {
	for i := remove; i < len(msgs); i++ {
		if plainUser(msgs[i]) {
			return i
		}
	}
	for i := remove - 1; i > 0; i-- {
		if plainUser(msgs[i]) {
			return i
		}
	}
	return 0
}

// firstPlainUser returns the index of the first plain user message, or
// len(msgs) when there is none.
func firstPlainUser(msgs []types.Message) int {
	for i, m := range msgs {
		if plainUser(m) {
			return i
		}
	}
	return len(msgs)
}

func plainUser(m types.Message) bool {
	return m.Role == types.RoleUser && !m.HasToolResult()
}

// truncate caps tool output at MaxToolResultChars characters.
func (e *Engine) truncate(text, toolName string) string {
	limit := e.cfg.MaxToolResultChars
	if limit <= 0 {
		return text
	}
	total := utf8.RuneCountInString(text)
	if total <= limit {
		return text
	}
	L_warn("engine: tool output truncated", "tool", toolName, "from", total, "to", limit)
	return string([]rune(text)[:limit]) + fmt.Sprintf("\n\n[OUTPUT TRUNCATED: Showing %s of %s characters from %s]",
		groupThousands(limit), groupThousands(total), toolName)
}

func (e *Engine) emit(sessionID, eventType string, payload map[string]any) {
	if sessionID == "" {
		return
	}
	e.deps.Events.Emit(sessionID, eventType, payload)
}

func toolCalls(content []types.ContentBlock) []tools.Call {
	var calls []tools.Call
	for _, b := range content {
		if b.Type != types.BlockToolUse {
			continue
		}
		input := b.Input
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		calls = append(calls, tools.Call{ID: b.ID, Name: b.Name, Input: input})
	}
	return calls
}

func previewRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// groupThousands renders n with comma separators, 40000 -> "40,000".
func groupThousands(n int) string {
	if n < 0 {
		return "-" + groupThousands(-n)
	}
	s := strconv.Itoa(n)
	for i := len(s) - 3; i > 0; i -= 3 {
		s = s[:i] + "," + s[i:]
	}
	return s
}
