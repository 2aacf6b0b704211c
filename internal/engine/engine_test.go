package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/roelfdiedericks/agentloop/internal/checkpoint"
	"github.com/roelfdiedericks/agentloop/internal/events"
	"github.com/roelfdiedericks/agentloop/internal/llm"
	"github.com/roelfdiedericks/agentloop/internal/metrics"
	"github.com/roelfdiedericks/agentloop/internal/session"
	"github.com/roelfdiedericks/agentloop/internal/store"
	"github.com/roelfdiedericks/agentloop/internal/tools"
	"github.com/roelfdiedericks/agentloop/internal/types"
)

// scriptedProvider returns its responses in order and records every request.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []*llm.Response
	requests  []llm.Request
	err       error
}

func (p *scriptedProvider) Name() string  { return "scripted" }
func (p *scriptedProvider) Model() string { return "scripted-model" }

func (p *scriptedProvider) Chat(_ context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	req.Messages = append([]types.Message(nil), req.Messages...)
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	if len(p.responses) == 0 {
		return &llm.Response{Content: []types.ContentBlock{types.TextBlock("out of script")}, StopReason: llm.StopEndTurn}, nil
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func (p *scriptedProvider) SimpleMessage(context.Context, string, string) (string, error) {
	return "summary", nil
}

type recordingEmitter struct {
	mu    sync.Mutex
	types []string
}

func (r *recordingEmitter) Emit(_ string, eventType string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types = append(r.types, eventType)
}

func (r *recordingEmitter) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.types {
		if t == eventType {
			n++
		}
	}
	return n
}

func text(s string) *llm.Response {
	return &llm.Response{Content: []types.ContentBlock{types.TextBlock(s)}, StopReason: llm.StopEndTurn}
}

func toolUse(uses ...types.ContentBlock) *llm.Response {
	return &llm.Response{Content: uses, StopReason: llm.StopToolUse}
}

func use(id, name, input string) types.ContentBlock {
	return types.ToolUseBlock(id, name, json.RawMessage(input))
}

type fixture struct {
	engine   *Engine
	provider *scriptedProvider
	store    *store.Store
	sessions *session.Manager
	cps      *checkpoint.Manager
	events   *recordingEmitter
	metrics  *metrics.Manager
	dir      string
	session  string
}

func setup(t *testing.T, cfg Config, responses ...*llm.Response) *fixture {
	t.Helper()
	return setupWith(t, cfg, nil, responses...)
}

func setupWith(t *testing.T, cfg Config, tune func(*checkpoint.Config), responses ...*llm.Response) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "memory.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	em := &recordingEmitter{}
	sessions := session.NewManager(st, em, "scripted-model")
	sess, err := sessions.Create(ctx, session.CreateOptions{})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	cpCfg := checkpoint.Config{
		Enabled:        true,
		WriteToolsOnly: true,
		WorkingDir:     dir,
		BlobDir:        filepath.Join(t.TempDir(), "blobs"),
	}
	if tune != nil {
		tune(&cpCfg)
	}
	cps, err := checkpoint.NewManager(st, em, cpCfg)
	if err != nil {
		t.Fatalf("checkpoint manager: %v", err)
	}
	t.Cleanup(cps.Close)

	ws, err := tools.NewWorkspace(dir)
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	reg := tools.NewRegistry()
	tools.RegisterFileTools(reg, ws)

	provider := &scriptedProvider{responses: responses}
	rec := metrics.New()
	e, err := New(cfg, Deps{
		Provider:    provider,
		Executor:    tools.NewExecutor(reg, 5*time.Second),
		Sessions:    sessions,
		Checkpoints: cps,
		Events:      em,
		Metrics:     rec,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.SetSession(sess.ID, nil)

	return &fixture{
		engine: e, provider: provider, store: st, sessions: sessions, cps: cps,
		events: em, metrics: rec, dir: dir, session: sess.ID,
	}
}

func (f *fixture) write(t *testing.T, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(f.dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) read(t *testing.T, name string) string {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(f.dir, name))
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestRunToolTurnCheckpointsAndPersists(t *testing.T) {
	f := setup(t, Config{},
		toolUse(use("tu_1", tools.WriteFileName, `{"path":"a.txt","content":"new"}`)),
		text("done"),
	)
	f.write(t, "a.txt", "old")
	ctx := context.Background()

	res, err := f.engine.Run(ctx, "please update a.txt")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "done" || res.Iterations != 2 || res.ToolCalls != 1 {
		t.Errorf("unexpected result %+v", res)
	}
	if res.CheckpointID == "" {
		t.Fatal("expected a checkpoint for a mutating tool")
	}
	if got := f.read(t, "a.txt"); got != "new" {
		t.Fatalf("tool did not run, file = %q", got)
	}

	stored, err := f.store.ListMessages(ctx, f.session)
	if err != nil {
		t.Fatal(err)
	}
	roles := make([]string, len(stored))
	for i, m := range stored {
		roles[i] = m.Role
		if m.Seq != int64(i+1) {
			t.Errorf("message %d has seq %d", i, m.Seq)
		}
	}
	if strings.Join(roles, ",") != "user,assistant,user,assistant" {
		t.Errorf("unexpected persisted roles %v", roles)
	}

	calls, err := f.store.ListToolCalls(ctx, f.session)
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 || calls[0].ToolName != tools.WriteFileName || calls[0].IsError || calls[0].MessageID != stored[1].ID {
		t.Errorf("unexpected tool call records %+v", calls)
	}

	infos, err := f.cps.List(ctx, f.session, 10)
	if err != nil || len(infos) != 1 {
		t.Fatalf("expected one checkpoint, got %v (%v)", infos, err)
	}
	if infos[0].UserPreview != "please update a.txt" || strings.Join(infos[0].Tools, ",") != tools.WriteFileName {
		t.Errorf("unexpected scope %+v", infos[0])
	}
	cp, err := f.store.GetCheckpoint(ctx, res.CheckpointID)
	if err != nil || cp.UserMessageID != stored[0].ID {
		t.Errorf("checkpoint not tied to the user message: %+v (%v)", cp, err)
	}

	if _, _, err := f.cps.Rewind(ctx, res.CheckpointID); err != nil {
		t.Fatalf("Rewind: %v", err)
	}
	if got := f.read(t, "a.txt"); got != "old" {
		t.Errorf("rewind restored %q", got)
	}

	if f.events.count(events.ToolStarted) != 1 || f.events.count(events.ToolCompleted) != 1 {
		t.Errorf("unexpected tool events %v", f.events.types)
	}
	if f.events.count(events.CheckpointFileTracked) != 1 {
		t.Errorf("expected one tracked file, events %v", f.events.types)
	}
}

func TestToolResultsReachNextCall(t *testing.T) {
	f := setup(t, Config{},
		toolUse(use("tu_1", tools.ReadFileName, `{"path":"a.txt"}`)),
		text("it says hello"),
	)
	f.write(t, "a.txt", "hello")

	res, err := f.engine.Run(context.Background(), "what is in a.txt?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.CheckpointID != "" {
		t.Errorf("read-only tools must not create a checkpoint")
	}
	if len(f.provider.requests) != 2 {
		t.Fatalf("expected 2 LLM calls, got %d", len(f.provider.requests))
	}
	msgs := f.provider.requests[1].Messages
	last := msgs[len(msgs)-1]
	if last.Role != types.RoleUser || !last.HasToolResult() {
		t.Fatalf("expected tool results as the last message, got %+v", last)
	}
	if last.Content[0].ToolUseID != "tu_1" || !strings.Contains(last.Content[0].Content, "hello") {
		t.Errorf("unexpected tool result %+v", last.Content[0])
	}
	if len(f.provider.requests[0].Tools) != 3 {
		t.Errorf("expected 3 tool definitions, got %d", len(f.provider.requests[0].Tools))
	}
}

func TestResultsKeepRequestOrder(t *testing.T) {
	f := setup(t, Config{},
		toolUse(
			use("tu_1", "no_such_tool", `{}`),
			use("tu_2", tools.ReadFileName, `{"path":"a.txt"}`),
			use("tu_3", tools.ReadFileName, `{"path":"missing.txt"}`),
		),
		text("ok"),
	)
	f.write(t, "a.txt", "content")

	if _, err := f.engine.Run(context.Background(), "go"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	msgs := f.provider.requests[1].Messages
	results := msgs[len(msgs)-1].Content
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, id := range []string{"tu_1", "tu_2", "tu_3"} {
		if results[i].ToolUseID != id {
			t.Errorf("result %d is for %s, want %s", i, results[i].ToolUseID, id)
		}
	}
	if !results[0].IsError || results[0].Content != `Error: unknown tool "no_such_tool"` {
		t.Errorf("unexpected unknown-tool result %+v", results[0])
	}
	if results[1].IsError || !results[2].IsError {
		t.Errorf("unexpected error flags: %v %v", results[1].IsError, results[2].IsError)
	}

	calls, err := f.store.ListToolCalls(context.Background(), f.session)
	if err != nil || len(calls) != 3 {
		t.Fatalf("expected 3 recorded tool calls, got %d (%v)", len(calls), err)
	}
}

func TestMaxTokensNudge(t *testing.T) {
	cut := &llm.Response{Content: []types.ContentBlock{types.TextBlock("part")}, StopReason: llm.StopMaxTokens}
	f := setup(t, Config{}, cut, text("rest"))

	res, err := f.engine.Run(context.Background(), "write an essay")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "part\nrest" || res.MaxTokensExceeded {
		t.Errorf("unexpected result %+v", res)
	}
	msgs := f.provider.requests[1].Messages
	if msgs[len(msgs)-1].Text() != ContinueNudge {
		t.Errorf("expected continue nudge, got %q", msgs[len(msgs)-1].Text())
	}
}

func TestMaxTokensGivesUp(t *testing.T) {
	cut := func() *llm.Response {
		return &llm.Response{Content: []types.ContentBlock{types.TextBlock("x")}, StopReason: llm.StopMaxTokens}
	}
	f := setup(t, Config{}, cut(), cut(), cut(), text("never"))

	res, err := f.engine.Run(context.Background(), "write an essay")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.MaxTokensExceeded || len(f.provider.requests) != DefaultMaxTokensRetries {
		t.Errorf("expected to stop after %d attempts, got %d (%+v)", DefaultMaxTokensRetries, len(f.provider.requests), res)
	}
}

func TestBackstopTrim(t *testing.T) {
	f := setup(t, Config{MaxConversationMessages: 2}, text("one"), text("two"))
	ctx := context.Background()

	for _, q := range []string{"first", "second"} {
		if _, err := f.engine.Run(ctx, q); err != nil {
			t.Fatalf("Run: %v", err)
		}
	}
	// [first, one, second] cut to 2 would start at an assistant reply
	sent := f.provider.requests[1].Messages
	if len(sent) != 1 || sent[0].Text() != "second" {
		t.Errorf("unexpected trimmed history %+v", sent)
	}
	n, err := f.store.CountMessages(ctx, f.session)
	if err != nil || n != 4 {
		t.Errorf("store must keep every message, got %d (%v)", n, err)
	}
}

func toolResult(id string) types.Message {
	return types.Message{Role: types.RoleUser, Content: []types.ContentBlock{types.ToolResultBlock(id, "ok", false)}}
}

func toolUseMessage(id string) types.Message {
	return types.Message{Role: types.RoleAssistant, Content: []types.ContentBlock{use(id, tools.ReadFileName, `{"path":"a.txt"}`)}}
}

// checkPairs fails when a tool_result has no earlier tool_use in msgs.
func checkPairs(t *testing.T, msgs []types.Message) {
	t.Helper()
	if len(msgs) == 0 {
		t.Fatal("history trimmed to nothing")
	}
	if msgs[0].Role != types.RoleUser || msgs[0].HasToolResult() {
		t.Errorf("history starts with %s message (tool result: %v)", msgs[0].Role, msgs[0].HasToolResult())
	}
	seen := map[string]bool{}
	for _, m := range msgs {
		for _, b := range m.Content {
			switch b.Type {
			case types.BlockToolUse:
				seen[b.ID] = true
			case types.BlockToolResult:
				if !seen[b.ToolUseID] {
					t.Errorf("tool_result %q kept without its tool_use", b.ToolUseID)
				}
			}
		}
	}
}

func TestTrimKeepsToolPairs(t *testing.T) {
	u := func(s string) types.Message { return types.TextMessage(types.RoleUser, s) }
	a := func(s string) types.Message { return types.TextMessage(types.RoleAssistant, s) }

	cases := []struct {
		name  string
		limit int
		msgs  []types.Message
		want  int
	}{
		{"no later user message keeps the whole turn", 2,
			[]types.Message{u("q"), toolUseMessage("t1"), toolResult("t1"), a("done")}, 4},
		{"cut moves forward to the next user message", 3,
			[]types.Message{u("q1"), toolUseMessage("t1"), toolResult("t1"), a("done"), u("q2"), a("ok")}, 2},
		{"cut falls back to the turn start", 3,
			[]types.Message{u("q1"), a("hi"), u("q2"), toolUseMessage("t1"), toolResult("t1"), a("done")}, 4},
		{"under the limit is untouched", 10,
			[]types.Message{u("q"), toolUseMessage("t1"), toolResult("t1")}, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := &Engine{cfg: Config{MaxConversationMessages: tc.limit}}
			e.SetSession("s1", tc.msgs)
			got := e.Messages()
			if len(got) != tc.want {
				t.Fatalf("kept %d messages, want %d", len(got), tc.want)
			}
			checkPairs(t, got)
		})
	}
}

func TestSetSessionDropsOrphanHead(t *testing.T) {
	e := &Engine{}
	e.SetSession("s1", []types.Message{
		toolResult("t0"),
		types.TextMessage(types.RoleAssistant, "done"),
		types.TextMessage(types.RoleUser, "q"),
		types.TextMessage(types.RoleAssistant, "ok"),
	})
	got := e.Messages()
	if len(got) != 2 || got[0].Text() != "q" {
		t.Fatalf("unexpected restored history %+v", got)
	}
	checkPairs(t, got)
}

func TestZeroLimitsDisable(t *testing.T) {
	e, err := New(Config{}, Deps{Provider: &scriptedProvider{}, Executor: tools.NewExecutor(tools.NewRegistry(), time.Second)})
	if err != nil {
		t.Fatal(err)
	}
	msgs := make([]types.Message, 0, 120)
	for i := 0; i < 60; i++ {
		msgs = append(msgs, types.TextMessage(types.RoleUser, "q"), types.TextMessage(types.RoleAssistant, "a"))
	}
	e.SetSession("", msgs)
	if n := len(e.Messages()); n != 120 {
		t.Errorf("max_conversation_messages=0 trimmed history to %d", n)
	}
	long := strings.Repeat("x", 50_000)
	if got := e.truncate(long, "read_file"); got != long {
		t.Errorf("max_tool_result_chars=0 truncated output to %d chars", len(got))
	}
}

func TestNudgeIsFollowedByTrim(t *testing.T) {
	cut := &llm.Response{Content: []types.ContentBlock{types.TextBlock("part")}, StopReason: llm.StopMaxTokens}
	f := setup(t, Config{MaxConversationMessages: 2}, cut, text("rest"))

	if _, err := f.engine.Run(context.Background(), "write an essay"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// [question, part, nudge] is over the limit; history restarts at the nudge
	sent := f.provider.requests[1].Messages
	if len(sent) != 1 || sent[0].Text() != ContinueNudge {
		t.Errorf("expected history trimmed after the nudge, got %+v", sent)
	}
}

// closingProvider closes the store while the model is "thinking", so the
// assistant reply cannot be persisted.
type closingProvider struct {
	*scriptedProvider
	st *store.Store
}

func (p *closingProvider) Chat(ctx context.Context, req llm.Request) (*llm.Response, error) {
	p.st.Close()
	return p.scriptedProvider.Chat(ctx, req)
}

func TestFailedPersistLeavesHistoryClean(t *testing.T) {
	f := setup(t, Config{}, toolUse(use("tu_1", tools.WriteFileName, `{"path":"a.txt","content":"x"}`)))
	f.engine.deps.Provider = &closingProvider{scriptedProvider: f.provider, st: f.store}

	if _, err := f.engine.Run(context.Background(), "write a.txt"); err == nil {
		t.Fatal("expected persistence error")
	}
	msgs := f.engine.Messages()
	if len(msgs) != 1 || msgs[0].Role != types.RoleUser {
		t.Fatalf("expected only the user message, got %+v", msgs)
	}
	if _, err := os.Stat(filepath.Join(f.dir, "a.txt")); !os.IsNotExist(err) {
		t.Errorf("tool ran although its request was not recorded: %v", err)
	}
}

func TestTrackingFailureStillRunsTool(t *testing.T) {
	f := setupWith(t, Config{}, func(c *checkpoint.Config) { c.Exclude = []string{"*.lock"} },
		toolUse(
			use("tu_1", tools.WriteFileName, `{"path":"x.lock","content":"lock"}`),
			use("tu_2", tools.WriteFileName, `{"path":"a.txt","content":"new"}`),
		),
		text("done"),
	)
	ctx := context.Background()

	res, err := f.engine.Run(ctx, "write both")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.read(t, "x.lock") != "lock" || f.read(t, "a.txt") != "new" {
		t.Fatal("both tools should have run")
	}
	if res.CheckpointID == "" {
		t.Fatal("expected a checkpoint")
	}

	files, err := f.store.ListCheckpointFiles(ctx, res.CheckpointID)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || filepath.Base(files[0].Path) != "a.txt" {
		t.Errorf("expected only a.txt tracked, got %+v", files)
	}
	if f.events.count(events.CheckpointFileUntracked) != 1 {
		t.Errorf("expected one file_untracked event, got %v", f.events.types)
	}

	msgs := f.provider.requests[1].Messages
	for _, b := range msgs[len(msgs)-1].Content {
		if b.IsError {
			t.Errorf("tool %s reported an error: %s", b.ToolUseID, b.Content)
		}
	}
}

func TestTruncate(t *testing.T) {
	e := &Engine{cfg: Config{MaxToolResultChars: 5}}
	got := e.truncate("abcdefghij", "read_file")
	want := "abcde\n\n[OUTPUT TRUNCATED: Showing 5 of 10 characters from read_file]"
	if got != want {
		t.Errorf("truncate = %q", got)
	}
	if e.truncate("abc", "read_file") != "abc" {
		t.Error("short output changed")
	}

	for n, want := range map[int]string{0: "0", 999: "999", 40000: "40,000", 1234567: "1,234,567"} {
		if got := groupThousands(n); got != want {
			t.Errorf("groupThousands(%d) = %q, want %q", n, got, want)
		}
	}
}

func TestLLMErrorAborts(t *testing.T) {
	f := setup(t, Config{})
	f.provider.err = errors.New("overloaded_error")

	if _, err := f.engine.Run(context.Background(), "hi"); err == nil {
		t.Fatal("expected error")
	}
	n, _ := f.store.CountMessages(context.Background(), f.session)
	if n != 1 {
		t.Errorf("expected the user message to be persisted, got %d messages", n)
	}
}

func TestRunWithoutMemory(t *testing.T) {
	ws, err := tools.NewWorkspace(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	reg := tools.NewRegistry()
	tools.RegisterFileTools(reg, ws)
	provider := &scriptedProvider{responses: []*llm.Response{
		toolUse(use("tu_1", tools.WriteFileName, `{"path":"b.txt","content":"x"}`)),
		text("written"),
	}}
	e, err := New(Config{}, Deps{Provider: provider, Executor: tools.NewExecutor(reg, time.Second)})
	if err != nil {
		t.Fatal(err)
	}

	res, err := e.Run(context.Background(), "write b.txt")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "written" || res.UserMessageID != "" || res.CheckpointID != "" {
		t.Errorf("unexpected result %+v", res)
	}
	if len(e.Messages()) != 4 {
		t.Errorf("expected 4 live messages, got %d", len(e.Messages()))
	}
}

func TestNewRequiresProviderAndExecutor(t *testing.T) {
	if _, err := New(Config{}, Deps{}); err == nil {
		t.Error("expected error without provider")
	}
	if _, err := New(Config{}, Deps{Provider: &scriptedProvider{}}); err == nil {
		t.Error("expected error without executor")
	}
}
