package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	. "github.com/roelfdiedericks/agentloop/internal/logging"
	"github.com/roelfdiedericks/agentloop/internal/types"
)

// DefaultTimeout bounds a single tool call when no timeout is configured.
const DefaultTimeout = 120 * time.Second

// Call is one tool invocation requested by the LLM.
type Call struct {
	ID    string          // tool_use id
	Name  string          // Tool name
	Input json.RawMessage // Input parameters
}

// Outcome is the result of one Call. Result is never nil.
type Outcome struct {
	Call     Call
	Result   *types.ToolResult
	Err      error // Execution error, already rendered into Result
	Duration time.Duration
}

// Executor runs tool calls with a per-call timeout.
type Executor struct {
	registry *Registry
	timeout  time.Duration
}

// NewExecutor creates an executor. timeout <= 0 uses DefaultTimeout.
func NewExecutor(registry *Registry, timeout time.Duration) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Executor{registry: registry, timeout: timeout}
}

// Registry returns the tools the executor dispatches to.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute runs a single call. Unknown tools and tool failures become error results.
func (e *Executor) Execute(ctx context.Context, call Call) Outcome {
	start := time.Now()
	out := Outcome{Call: call}

	tool, ok := e.registry.Get(call.Name)
	if !ok {
		out.Err = &UnknownToolError{Name: call.Name}
		out.Result = types.ErrorResult(fmt.Sprintf("Error: unknown tool %q", call.Name))
		L_warn("tools: unknown tool requested", "tool", call.Name, "id", call.ID)
		return out
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	result, err := runTool(execCtx, tool, call.Input)
	if err == nil && execCtx.Err() != nil {
		err = execCtx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("tool execution timeout after %v", e.timeout)
	}
	out.Duration = time.Since(start)

	switch {
	case err != nil:
		out.Err = err
		out.Result = types.ErrorResult(fmt.Sprintf("Error executing tool %q: %v", call.Name, err))
		L_warn("tools: execution failed", "tool", call.Name, "id", call.ID, "error", err, "duration", out.Duration)
	case result == nil:
		out.Result = types.TextResult("")
	default:
		out.Result = result
	}
	L_debug("tools: executed", "tool", call.Name, "id", call.ID, "isError", out.Result.IsError, "duration", out.Duration)
	return out
}

func runTool(ctx context.Context, tool Tool, input json.RawMessage) (result *types.ToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return tool.Execute(ctx, input)
}

// ExecuteParallel runs all calls concurrently. Outcomes are returned in
// request order regardless of completion order.
func (e *Executor) ExecuteParallel(ctx context.Context, calls []Call) []Outcome {
	results := make([]Outcome, len(calls))
	var wg sync.WaitGroup

	wg.Add(len(calls))
	for i, call := range calls {
		go func(idx int, c Call) {
			defer wg.Done()
			results[idx] = e.Execute(ctx, c)
		}(i, call)
	}

	wg.Wait()
	return results
}
