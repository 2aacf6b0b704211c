package agent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/roelfdiedericks/agentloop/internal/config"
	"github.com/roelfdiedericks/agentloop/internal/llm"
	"github.com/roelfdiedericks/agentloop/internal/tools"
	"github.com/roelfdiedericks/agentloop/internal/types"
)

type scriptedProvider struct {
	mu        sync.Mutex
	responses []*llm.Response
}

func (p *scriptedProvider) Name() string  { return "scripted" }
func (p *scriptedProvider) Model() string { return "scripted-model" }

func (p *scriptedProvider) Chat(context.Context, llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.responses) == 0 {
		return &llm.Response{Content: []types.ContentBlock{types.TextBlock("ok")}, StopReason: llm.StopEndTurn}, nil
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return resp, nil
}

func (p *scriptedProvider) SimpleMessage(context.Context, string, string) (string, error) {
	return "summary", nil
}

func testConfig(t *testing.T, memory bool) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.WorkingDirectory = t.TempDir()
	cfg.Memory.Enabled = memory
	cfg.Checkpoint.Enabled = memory
	return cfg
}

func bootstrap(t *testing.T, cfg *config.Config, p llm.Provider) *Runtime {
	t.Helper()
	rt, err := Bootstrap(context.Background(), cfg, Options{Provider: p, SkipLogging: true})
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	return rt
}

func TestBootstrapWithoutMemory(t *testing.T) {
	rt := bootstrap(t, testConfig(t, false), &scriptedProvider{})
	defer rt.Close()

	if rt.Store != nil || rt.Sessions != nil || rt.Startup != nil {
		t.Fatal("memory components built while disabled")
	}
	if rt.Engine.SessionID() != "" {
		t.Errorf("expected no session, got %q", rt.Engine.SessionID())
	}

	res, err := rt.Engine.Run(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Text != "ok" {
		t.Errorf("unexpected reply %q", res.Text)
	}

	out := rt.Commands.Execute(context.Background(), "/session list")
	if out.Error != nil || !strings.Contains(out.Text, "memory.enabled") {
		t.Errorf("expected memory requirement, got %+v", out)
	}
}

func TestBootstrapPersistsAndResumes(t *testing.T) {
	cfg := testConfig(t, true)
	input, _ := json.Marshal(map[string]string{"path": "notes.txt", "content": "v1"})
	p := &scriptedProvider{responses: []*llm.Response{
		{Content: []types.ContentBlock{types.ToolUseBlock("t1", tools.WriteFileName, input)}, StopReason: llm.StopToolUse},
		{Content: []types.ContentBlock{types.TextBlock("written")}, StopReason: llm.StopEndTurn},
	}}

	rt := bootstrap(t, cfg, p)
	if rt.Startup == nil || rt.Startup.Resumed {
		t.Fatalf("expected a fresh session, got %+v", rt.Startup)
	}
	sessionID := rt.Engine.SessionID()

	res, err := rt.Engine.Run(context.Background(), "write notes")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.CheckpointID == "" {
		t.Fatal("expected a checkpoint for the write")
	}
	if _, err := os.Stat(filepath.Join(cfg.WorkingDirectory, "notes.txt")); err != nil {
		t.Fatalf("file not written: %v", err)
	}
	rt.Close()

	cfg.Session.ResumeID = sessionID[:8]
	rt = bootstrap(t, cfg, &scriptedProvider{})
	defer rt.Close()

	if !rt.Startup.Resumed || rt.Engine.SessionID() != sessionID {
		t.Fatalf("expected resume of %s, got %+v", sessionID, rt.Startup.Session)
	}
	// user, assistant tool_use, tool results, assistant text
	if n := len(rt.Engine.Messages()); n != 4 {
		t.Errorf("expected 4 restored messages, got %d", n)
	}

	infos, err := rt.Checkpoints.List(context.Background(), sessionID, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(infos) != 1 || infos[0].ID != res.CheckpointID {
		t.Errorf("unexpected checkpoints %+v", infos)
	}

	out := rt.Commands.Execute(context.Background(), "/rewind "+res.CheckpointID)
	if out.Error != nil {
		t.Fatalf("rewind: %v", out.Error)
	}
	if _, err := os.Stat(filepath.Join(cfg.WorkingDirectory, "notes.txt")); !os.IsNotExist(err) {
		t.Errorf("expected rewind to remove the new file, stat err %v", err)
	}
}

func TestBootstrapContinueAndFork(t *testing.T) {
	cfg := testConfig(t, true)
	cfg.Session.ID = "work"
	cfg.Session.Continue = true

	rt := bootstrap(t, cfg, &scriptedProvider{})
	if rt.Engine.SessionID() != "work" {
		t.Fatalf("expected session work, got %q", rt.Engine.SessionID())
	}
	if _, err := rt.Engine.Run(context.Background(), "first"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	rt.Close()

	cfg.Session.Fork = true
	rt = bootstrap(t, cfg, &scriptedProvider{})
	defer rt.Close()

	if rt.Startup.ForkedFrom != "work" || rt.Engine.SessionID() == "work" {
		t.Fatalf("expected fork of work, got %+v", rt.Startup)
	}
	if n := len(rt.Engine.Messages()); n != 2 {
		t.Errorf("expected 2 copied messages, got %d", n)
	}
}

func TestBootstrapUnknownResumeFails(t *testing.T) {
	cfg := testConfig(t, true)
	cfg.Session.ResumeID = "missing"
	if _, err := Bootstrap(context.Background(), cfg, Options{Provider: &scriptedProvider{}, SkipLogging: true}); err == nil {
		t.Fatal("expected resume of unknown session to fail")
	}
}

func TestBootstrapBuildsProvider(t *testing.T) {
	cfg := testConfig(t, false)
	cfg.LLM.Provider = llm.ProviderOpenAI
	cfg.LLM.APIKey = "test-key"
	cfg.LLM.Model = "gpt-test"

	rt := bootstrap(t, cfg, nil)
	defer rt.Close()
	if rt.Provider.Name() != llm.ProviderOpenAI || rt.Provider.Model() != "gpt-test" {
		t.Errorf("unexpected provider %s/%s", rt.Provider.Name(), rt.Provider.Model())
	}
}

func TestBootstrapRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t, false)
	cfg.ToolTimeoutSeconds = 0
	if _, err := Bootstrap(context.Background(), cfg, Options{Provider: &scriptedProvider{}, SkipLogging: true}); err == nil {
		t.Fatal("expected validation error")
	}
}
