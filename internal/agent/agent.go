// Package agent wires the runtime together from a config: logging, tools,
// provider, memory subsystem, engine and command surface.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/roelfdiedericks/agentloop/internal/checkpoint"
	"github.com/roelfdiedericks/agentloop/internal/commands"
	"github.com/roelfdiedericks/agentloop/internal/compaction"
	"github.com/roelfdiedericks/agentloop/internal/config"
	gcontext "github.com/roelfdiedericks/agentloop/internal/context"
	"github.com/roelfdiedericks/agentloop/internal/engine"
	"github.com/roelfdiedericks/agentloop/internal/events"
	"github.com/roelfdiedericks/agentloop/internal/llm"
	"github.com/roelfdiedericks/agentloop/internal/logging"
	"github.com/roelfdiedericks/agentloop/internal/metrics"
	"github.com/roelfdiedericks/agentloop/internal/paths"
	"github.com/roelfdiedericks/agentloop/internal/pruning"
	"github.com/roelfdiedericks/agentloop/internal/session"
	"github.com/roelfdiedericks/agentloop/internal/store"
	"github.com/roelfdiedericks/agentloop/internal/tools"
)

// Runtime is a fully wired agent. Memory fields are nil when memory is disabled.
type Runtime struct {
	Config     *config.Config
	WorkingDir string

	Provider llm.Provider
	Tools    *tools.Registry
	Engine   *engine.Engine
	Commands *commands.Manager
	Metrics  *metrics.Manager

	Store       *store.Store
	Sink        *events.Sink
	Sessions    *session.Manager
	Checkpoints *checkpoint.Manager

	// Startup is how the initial session was chosen
	Startup *session.Startup
	// PruneReport is the result of the startup prune
	PruneReport *pruning.Report

	stopSchedule func()
	closeLogging bool
}

// Options adjust Bootstrap for embedding and tests.
type Options struct {
	// Provider replaces the provider built from cfg.LLM
	Provider llm.Provider
	// SkipLogging leaves the logger as it is
	SkipLogging bool
}

// Bootstrap builds the runtime in dependency order. On error everything
// opened so far is closed again.
func Bootstrap(ctx context.Context, cfg *config.Config, opts Options) (rt *Runtime, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rt = &Runtime{Config: cfg}
	defer func() {
		if err != nil {
			rt.Close()
			rt = nil
		}
	}()

	if !opts.SkipLogging {
		if err := logging.Init(&logging.Settings{
			Level:      logging.ParseLevel(cfg.LogLevel),
			TimeFormat: time.TimeOnly,
			File:       cfg.LogFile,
		}); err != nil {
			return rt, fmt.Errorf("failed to init logging: %w", err)
		}
		rt.closeLogging = true
	}

	rt.WorkingDir, err = paths.WorkingDir(cfg.WorkingDirectory)
	if err != nil {
		return rt, err
	}
	logging.L_info("agent: starting", "workingDir", rt.WorkingDir, "memory", cfg.Memory.Enabled)

	// Tools
	ws, err := tools.NewWorkspace(rt.WorkingDir)
	if err != nil {
		return rt, err
	}
	rt.Tools = tools.NewRegistry()
	tools.RegisterBuiltins(rt.Tools, ws)
	executor := tools.NewExecutor(rt.Tools, time.Duration(cfg.ToolTimeoutSeconds)*time.Second)

	// Provider
	rt.Metrics = metrics.New()
	rt.Provider = opts.Provider
	if rt.Provider == nil {
		temperature := cfg.LLM.Temperature
		rt.Provider, err = llm.New(llm.Config{
			Provider:    cfg.LLM.Provider,
			Model:       cfg.LLM.Model,
			APIKey:      cfg.LLM.APIKey,
			BaseURL:     cfg.LLM.BaseURL,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: &temperature,
			MaxRetries:  cfg.LLM.MaxRetries,
		}, rt.Metrics)
		if err != nil {
			return rt, fmt.Errorf("failed to create llm provider: %w", err)
		}
	}
	logging.L_info("agent: provider ready", "provider", rt.Provider.Name(), "model", rt.Provider.Model())

	strategy, err := compaction.New(compaction.Config{
		Strategy:              cfg.Compaction.Strategy,
		ThresholdTokens:       cfg.Compaction.ThresholdTokens,
		ProtectedTailMessages: cfg.Compaction.ProtectedTailMessages,
	}, rt.Provider)
	if err != nil {
		return rt, err
	}

	if cfg.Memory.Enabled {
		if err := rt.openMemory(ctx); err != nil {
			return rt, err
		}
	}

	// Engine
	deps := engine.Deps{
		Provider:   rt.Provider,
		Executor:   executor,
		Compaction: strategy,
		Metrics:    rt.Metrics,
	}
	if rt.Sessions != nil {
		deps.Sessions = rt.Sessions
		deps.Checkpoints = rt.Checkpoints
		deps.Events = rt.Sink
	}

	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = gcontext.BuildSystemPrompt(gcontext.PromptParams{
			WorkingDir:    rt.WorkingDir,
			Tools:         rt.Tools,
			Model:         rt.Provider.Model(),
			MemoryEnabled: cfg.Memory.Enabled,
			Checkpoints:   cfg.Memory.Enabled && cfg.Checkpoint.Enabled,
		})
	}
	rt.Engine, err = engine.New(engine.Config{
		SystemPrompt:            systemPrompt,
		MaxToolResultChars:      cfg.MaxToolResultChars,
		MaxConversationMessages: cfg.MaxConversationMessages,
	}, deps)
	if err != nil {
		return rt, err
	}
	if s, ok := strategy.(*compaction.Summarizing); ok {
		s.OnCompacted = rt.Engine.CompactionApplied
	}
	if rt.Startup != nil {
		rt.Engine.SetSession(rt.Startup.Session.ID, rt.Startup.Messages)
	}

	// Commands. Memory services are only set when present so a disabled
	// store leaves the interfaces nil.
	cmdDeps := commands.Deps{
		Conversation: rt.Engine,
		Metrics:      rt.Metrics,
	}
	if rt.Sessions != nil {
		cmdDeps.Sessions = rt.Sessions
		cmdDeps.Checkpoints = rt.Checkpoints
		cmdDeps.Events = rt.Store
		cmdDeps.Flush = rt.Sink.Flush
	}
	rt.Commands = commands.NewManager(cmdDeps)

	logging.L_info("agent: ready", "tools", rt.Tools.Count(), "session", rt.Engine.SessionID())
	return rt, nil
}

// openMemory opens the store and the managers on top of it, resolves the
// starting session and prunes.
func (rt *Runtime) openMemory(ctx context.Context) error {
	cfg := rt.Config

	dbPath, err := paths.Resolve(rt.WorkingDir, cfg.Memory.DBPath)
	if err != nil {
		return err
	}
	blobDir, err := paths.Resolve(rt.WorkingDir, cfg.Memory.BlobDir)
	if err != nil {
		return err
	}

	rt.Store, err = store.Open(store.Config{Path: dbPath})
	if err != nil {
		return err
	}
	rt.Sink = events.NewSink(rt.Store, events.Options{})

	rt.Sessions = session.NewManager(rt.Store, rt.Sink, rt.Provider.Model())
	rt.Checkpoints, err = checkpoint.NewManager(rt.Store, rt.Sink, checkpoint.Config{
		Enabled:        cfg.Checkpoint.Enabled,
		WriteToolsOnly: cfg.Checkpoint.WriteToolsOnly,
		WorkingDir:     rt.WorkingDir,
		BlobDir:        blobDir,
		InlineMaxBytes: int(cfg.Checkpoint.InlineMaxBytes),
		Exclude:        cfg.Checkpoint.Exclude,
	})
	if err != nil {
		return err
	}

	rt.Startup, err = rt.Sessions.ResolveStartup(ctx, session.Selector{
		ResumeID:   cfg.Session.ResumeID,
		SessionID:  cfg.Session.ID,
		Continue:   cfg.Session.Continue,
		ForkActive: cfg.Session.Fork,
	})
	if err != nil {
		return err
	}

	// The active session counts as recent so the prune below never removes it.
	active := rt.Startup.Session.ID
	if err := rt.Store.WithTx(ctx, func(tx *store.Tx) error {
		return tx.TouchSession(ctx, active, time.Now().UTC())
	}); err != nil {
		return err
	}

	pruner := pruning.New(rt.Store, rt.Checkpoints, pruning.Config{
		RetentionDays:         cfg.Memory.RetentionDays,
		MaxSessions:           cfg.Memory.MaxSessions,
		MaxMessagesPerSession: cfg.Memory.MaxMessagesPerSession,
	})
	rt.PruneReport, err = pruner.Prune(ctx)
	if err != nil {
		return err
	}
	if cfg.Memory.PruneSchedule != "" {
		rt.stopSchedule, err = pruner.Schedule(context.Background(), cfg.Memory.PruneSchedule)
		if err != nil {
			return err
		}
	}
	return nil
}

// Close stops the prune schedule, drains the event sink and closes the
// store. Safe to call on a partially built runtime.
func (rt *Runtime) Close() {
	if rt == nil {
		return
	}
	if rt.stopSchedule != nil {
		rt.stopSchedule()
		rt.stopSchedule = nil
	}
	if rt.Sink != nil {
		if err := rt.Sink.Close(); err != nil {
			logging.L_warn("agent: event sink close failed", "error", err)
		}
		rt.Sink = nil
	}
	if rt.Checkpoints != nil {
		rt.Checkpoints.Close()
		rt.Checkpoints = nil
	}
	if rt.Store != nil {
		if err := rt.Store.Close(); err != nil {
			logging.L_warn("agent: store close failed", "error", err)
		}
		rt.Store = nil
	}
	logging.L_debug("agent: closed")
	if rt.closeLogging {
		logging.Close()
		rt.closeLogging = false
	}
}
