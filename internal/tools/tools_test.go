package tools

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/roelfdiedericks/agentloop/internal/types"
)

func setupWorkspace(t *testing.T) (*Workspace, *Executor) {
	t.Helper()
	ws, err := NewWorkspace(t.TempDir())
	if err != nil {
		t.Fatalf("NewWorkspace: %v", err)
	}
	reg := NewRegistry()
	RegisterFileTools(reg, ws)
	return ws, NewExecutor(reg, time.Second)
}

func input(t *testing.T, v map[string]any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

// sleepTool sleeps for the duration given in its input and reports it.
type sleepTool struct {
	running atomic.Int32
	peak    atomic.Int32
}

func (s *sleepTool) Name() string           { return "sleep" }
func (s *sleepTool) Description() string    { return "sleeps" }
func (s *sleepTool) Schema() map[string]any { return map[string]any{"type": "object"} }

func (s *sleepTool) Execute(ctx context.Context, input json.RawMessage) (*types.ToolResult, error) {
	n := s.running.Add(1)
	defer s.running.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}

	var params struct {
		Ms int `json:"ms"`
	}
	json.Unmarshal(input, &params)
	select {
	case <-time.After(time.Duration(params.Ms) * time.Millisecond):
		return types.TextResult(string(input)), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type panicTool struct{}

func (panicTool) Name() string           { return "boom" }
func (panicTool) Description() string    { return "panics" }
func (panicTool) Schema() map[string]any { return nil }
func (panicTool) Execute(context.Context, json.RawMessage) (*types.ToolResult, error) {
	panic("kaboom")
}

func TestRegistryListsSorted(t *testing.T) {
	_, exec := setupWorkspace(t)
	names := exec.Registry().List()
	want := []string{AppendFileName, ReadFileName, WriteFileName}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("unexpected names %v", names)
	}
	defs := exec.Registry().Definitions()
	if len(defs) != 3 || defs[0].Name != AppendFileName {
		t.Errorf("unexpected definitions %+v", defs)
	}
}

func TestMutatingDeclarations(t *testing.T) {
	_, exec := setupWorkspace(t)
	reg := exec.Registry()
	for name, want := range map[string]bool{ReadFileName: false, WriteFileName: true, AppendFileName: true} {
		tool, _ := reg.Get(name)
		if IsMutating(tool) != want {
			t.Errorf("%s: mutating = %v, want %v", name, !want, want)
		}
	}

	tool, _ := reg.Get(WriteFileName)
	paths, err := tool.(Mutating).TouchedPaths(json.RawMessage(`{"path":"a/b.txt","content":"x"}`))
	if err != nil || len(paths) != 1 || paths[0] != "a/b.txt" {
		t.Errorf("unexpected touched paths %v (%v)", paths, err)
	}
}

func TestWriteAppendRead(t *testing.T) {
	ws, exec := setupWorkspace(t)
	ctx := context.Background()

	out := exec.Execute(ctx, Call{ID: "1", Name: WriteFileName, Input: input(t, map[string]any{"path": "dir/notes.txt", "content": "one\n"})})
	if out.Result.IsError {
		t.Fatalf("write failed: %s", out.Result.GetText())
	}
	out = exec.Execute(ctx, Call{ID: "2", Name: AppendFileName, Input: input(t, map[string]any{"path": "dir/notes.txt", "content": "two\n"})})
	if out.Result.IsError {
		t.Fatalf("append failed: %s", out.Result.GetText())
	}

	data, err := os.ReadFile(filepath.Join(ws.Root(), "dir", "notes.txt"))
	if err != nil || string(data) != "one\ntwo\n" {
		t.Fatalf("unexpected file contents %q (%v)", data, err)
	}

	out = exec.Execute(ctx, Call{ID: "3", Name: ReadFileName, Input: input(t, map[string]any{"path": "dir/notes.txt", "start_line": 2, "end_line": 2})})
	if out.Result.GetText() != "two" {
		t.Errorf("unexpected read %q", out.Result.GetText())
	}
}

func TestAppendMissingFileIsError(t *testing.T) {
	_, exec := setupWorkspace(t)
	out := exec.Execute(context.Background(), Call{Name: AppendFileName, Input: input(t, map[string]any{"path": "nope.txt", "content": "x"})})
	if !out.Result.IsError || !strings.Contains(out.Result.GetText(), "does not exist") {
		t.Errorf("expected missing-file error, got %+v", out.Result)
	}
}

func TestWorkspaceRejectsEscapes(t *testing.T) {
	ws, _ := setupWorkspace(t)
	for _, p := range []string{"../outside.txt", "/etc/passwd", ".env", ""} {
		if _, err := ws.Resolve(p); err == nil {
			t.Errorf("expected %q to be rejected", p)
		}
	}
	if _, err := ws.ResolveWrite(".agentloop/memory.db"); err == nil {
		t.Error("expected state directory write to be rejected")
	}

	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(ws.Root(), "link")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	if _, err := ws.Resolve("link/file.txt"); err == nil {
		t.Error("expected symlinked path to be rejected")
	}
}

func TestUnknownToolAndErrors(t *testing.T) {
	_, exec := setupWorkspace(t)
	exec.Registry().Register(panicTool{})

	out := exec.Execute(context.Background(), Call{Name: "missing"})
	var unknown *UnknownToolError
	if !errors.As(out.Err, &unknown) || out.Result.GetText() != `Error: unknown tool "missing"` {
		t.Errorf("unexpected unknown-tool outcome %+v", out)
	}

	out = exec.Execute(context.Background(), Call{Name: "boom"})
	if !out.Result.IsError || !strings.HasPrefix(out.Result.GetText(), `Error executing tool "boom": panic: kaboom`) {
		t.Errorf("unexpected panic outcome %q", out.Result.GetText())
	}
}

func TestExecuteParallelPreservesOrder(t *testing.T) {
	reg := NewRegistry()
	sleeper := &sleepTool{}
	reg.Register(sleeper)
	exec := NewExecutor(reg, time.Second)

	calls := []Call{
		{ID: "a", Name: "sleep", Input: json.RawMessage(`{"ms":80}`)},
		{ID: "b", Name: "sleep", Input: json.RawMessage(`{"ms":10}`)},
		{ID: "c", Name: "sleep", Input: json.RawMessage(`{"ms":40}`)},
	}
	outs := exec.ExecuteParallel(context.Background(), calls)
	for i, out := range outs {
		if out.Call.ID != calls[i].ID || out.Result.GetText() != string(calls[i].Input) {
			t.Errorf("outcome %d out of order: %+v", i, out)
		}
	}
	if sleeper.peak.Load() < 2 {
		t.Errorf("expected concurrent execution, peak %d", sleeper.peak.Load())
	}
}

func TestExecuteTimeout(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&sleepTool{})
	exec := NewExecutor(reg, 20*time.Millisecond)

	out := exec.Execute(context.Background(), Call{Name: "sleep", Input: json.RawMessage(`{"ms":2000}`)})
	if !out.Result.IsError || !strings.Contains(out.Result.GetText(), "timeout") {
		t.Errorf("expected timeout error, got %q", out.Result.GetText())
	}
}
