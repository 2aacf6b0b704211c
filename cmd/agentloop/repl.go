package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/roelfdiedericks/agentloop/internal/agent"
	"github.com/roelfdiedericks/agentloop/internal/commands"
	. "github.com/roelfdiedericks/agentloop/internal/logging"
)

// maxLineBytes bounds a single input line
const maxLineBytes = 1 << 20

// REPL reads lines, routes slash commands to the command manager and
// everything else to the engine.
type REPL struct {
	Runtime     *agent.Runtime
	In          io.Reader
	Out         io.Writer
	Interactive bool // Show the prompt and banner
}

// Run loops until EOF or an exit command.
func (r *REPL) Run(ctx context.Context) error {
	r.banner(ctx)

	streamed := false
	r.Runtime.Engine.OnDelta = func(delta string) {
		streamed = true
		fmt.Fprint(r.Out, delta)
	}
	r.Runtime.Engine.OnToolStart = func(names []string) {
		if streamed {
			fmt.Fprintln(r.Out)
			streamed = false
		}
		fmt.Fprintln(r.Out, toolStyle.Render("[tools: "+strings.Join(names, ", ")+"]"))
	}

	scanner := bufio.NewScanner(r.In)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for {
		if r.Interactive {
			fmt.Fprint(r.Out, promptStyle.Render("> "))
		}
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		if commands.IsCommand(line) {
			r.command(ctx, line)
			continue
		}

		streamed = false
		r.turn(ctx, line, &streamed)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	return nil
}

func (r *REPL) banner(ctx context.Context) {
	rt := r.Runtime
	if r.Interactive {
		fmt.Fprintln(r.Out, titleStyle.Render("agentloop")+commandStyle.Render(" "+rt.Provider.Model()+" · /help for commands"))
	}
	if rt.Startup == nil || !rt.Startup.Resumed {
		return
	}
	sum, err := rt.Sessions.Summary(ctx, rt.Startup.Session.ID)
	if err != nil {
		L_warn("repl: session summary failed", "error", err)
		return
	}
	for _, line := range commands.FormatSummary(sum) {
		fmt.Fprintln(r.Out, commandStyle.Render(line))
	}
}

func (r *REPL) command(ctx context.Context, line string) {
	res := r.Runtime.Commands.Execute(ctx, line)
	if res.Error != nil {
		fmt.Fprintln(r.Out, errorStyle.Render(res.Error.Error()))
		return
	}
	if res.Text != "" {
		fmt.Fprintln(r.Out, commandStyle.Render(res.Text))
	}
}

// turn runs one engine turn; Ctrl-C cancels the turn, not the process.
func (r *REPL) turn(ctx context.Context, line string, streamed *bool) {
	turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	res, err := r.Runtime.Engine.Run(turnCtx, line)
	if *streamed {
		fmt.Fprintln(r.Out)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(r.Out, errorStyle.Render("interrupted"))
			return
		}
		fmt.Fprintln(r.Out, errorStyle.Render("error: "+err.Error()))
		return
	}
	if !*streamed && res.Text != "" {
		fmt.Fprintln(r.Out, res.Text)
	}
	if res.MaxTokensExceeded {
		fmt.Fprintln(r.Out, errorStyle.Render("response stopped: output token limit reached repeatedly"))
	}
}
