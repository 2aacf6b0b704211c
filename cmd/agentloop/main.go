package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	"golang.org/x/term"

	"github.com/roelfdiedericks/agentloop/internal/agent"
	"github.com/roelfdiedericks/agentloop/internal/config"
	"github.com/roelfdiedericks/agentloop/internal/paths"
)

var version = "dev"

// CLI is the command-line surface.
type CLI struct {
	Config  string `short:"c" help:"Config file (default: agentloop.{json,toml,yaml} in the working directory)" type:"path"`
	Workdir string `short:"w" help:"Working directory for tools and project state" type:"path"`

	Run     RunCmd     `cmd:"" default:"withargs" help:"Start an interactive session (default)"`
	Init    InitCmd    `cmd:"" help:"Write a default config file"`
	Version VersionCmd `cmd:"" help:"Show version"`
}

// RunCmd starts the REPL.
type RunCmd struct {
	Resume   string `short:"r" help:"Resume a session by id, id prefix or title"`
	Session  string `help:"Session id to continue (with --continue)"`
	Continue bool   `help:"Load --session, creating it if it does not exist"`
	Fork     bool   `help:"Fork the resolved session and continue in the fork"`
	Memory   bool   `short:"m" help:"Enable persistent memory"`
	LogLevel string `help:"Log level (trace, debug, info, warn, error)"`
	Model    string `help:"Override the configured model"`
}

// Run loads the config, applies flag overrides and runs the REPL until EOF.
func (r *RunCmd) Run(cli *CLI) error {
	cfg, used, err := config.Load(cli.Config, cli.Workdir)
	if err != nil {
		return err
	}

	overrides := config.Config{
		WorkingDirectory: cli.Workdir,
		LogLevel:         r.LogLevel,
		Memory:           config.MemoryConfig{Enabled: r.Memory},
		Session: config.SessionConfig{
			ResumeID: r.Resume,
			ID:       r.Session,
			Continue: r.Continue,
			Fork:     r.Fork,
		},
		LLM: config.LLMConfig{Model: r.Model},
	}
	if err := cfg.Merge(overrides); err != nil {
		return err
	}

	ctx := context.Background()
	rt, err := agent.Bootstrap(ctx, cfg, agent.Options{})
	if err != nil {
		return err
	}
	defer rt.Close()
	if used != "" {
		fmt.Fprintln(os.Stderr, commandStyle.Render("config: "+used))
	}

	repl := &REPL{
		Runtime:     rt,
		In:          os.Stdin,
		Out:         os.Stdout,
		Interactive: term.IsTerminal(int(os.Stdin.Fd())),
	}
	return repl.Run(ctx)
}

// InitCmd writes the default configuration.
type InitCmd struct {
	Format string `short:"f" help:"File format" enum:"json,toml,yaml" default:"toml"`
	Force  bool   `help:"Overwrite an existing file"`
}

// Run writes <workdir>/.agentloop/agentloop.<format>.
func (i *InitCmd) Run(cli *CLI) error {
	wd, err := paths.WorkingDir(cli.Workdir)
	if err != nil {
		return err
	}
	path := cli.Config
	if path == "" {
		path = paths.StatePath(wd, paths.ConfigBaseName+"."+i.Format)
	}
	if _, err := os.Stat(path); err == nil && !i.Force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.Default().Save(path); err != nil {
		return err
	}
	rel, err := filepath.Rel(wd, path)
	if err != nil {
		rel = path
	}
	fmt.Println("wrote " + rel)
	return nil
}

// VersionCmd prints the version.
type VersionCmd struct{}

func (VersionCmd) Run() error {
	fmt.Printf("agentloop %s\n", version)
	return nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("agentloop"),
		kong.Description("A local conversational agent with durable sessions and file checkpoints."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("error: "+err.Error()))
		os.Exit(1)
	}
}
