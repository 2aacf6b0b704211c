// Package commands implements the local slash commands of the REPL.
package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Command represents a slash command
type Command struct {
	Name        string   // e.g., "/session"
	Description string   // e.g., "Show or switch sessions"
	Usage       []string // Full usage lines shown by /help
	Aliases     []string
	Memory      bool // Requires memory to be enabled
	Handler     CommandHandler
}

// CommandHandler is the function signature for command handlers
type CommandHandler func(ctx context.Context, args *CommandArgs) *CommandResult

// CommandArgs contains the arguments passed to a command handler
type CommandArgs struct {
	Deps    *Deps
	Manager *Manager
	RawArgs string   // Everything after the command name, trimmed
	Fields  []string // RawArgs split on whitespace
}

// Manager is the command registry.
type Manager struct {
	mu       sync.RWMutex
	commands map[string]*Command // keyed by name (lowercase)
	deps     *Deps
}

// NewManager creates a manager with the built-in commands registered.
func NewManager(deps Deps) *Manager {
	m := &Manager{
		commands: make(map[string]*Command),
		deps:     &deps,
	}
	registerBuiltins(m)
	return m
}

// MemoryEnabled reports whether session persistence is available.
func (m *Manager) MemoryEnabled() bool {
	return m.deps.Sessions != nil
}

// Register adds a command to the manager
func (m *Manager) Register(cmd *Command) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.commands[strings.ToLower(cmd.Name)] = cmd
	for _, alias := range cmd.Aliases {
		m.commands[strings.ToLower(alias)] = cmd
	}
}

// Get returns a command by name (or alias)
func (m *Manager) Get(name string) *Command {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.commands[strings.ToLower(name)]
}

// List returns all unique commands (no aliases), sorted by name
func (m *Manager) List() []*Command {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[*Command]bool)
	var list []*Command
	for _, cmd := range m.commands {
		if !seen[cmd] {
			seen[cmd] = true
			list = append(list, cmd)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name < list[j].Name
	})
	return list
}

// Execute runs a command line such as "/session list 5".
func (m *Manager) Execute(ctx context.Context, line string) *CommandResult {
	line = strings.TrimSpace(line)
	parts := strings.SplitN(line, " ", 2)
	name := strings.ToLower(parts[0])
	rawArgs := ""
	if len(parts) > 1 {
		rawArgs = strings.TrimSpace(parts[1])
	}

	cmd := m.Get(name)
	if cmd == nil {
		return textResult("Unknown command: %s\nType /help for available commands.", name)
	}
	if cmd.Memory && !m.MemoryEnabled() {
		return textResult("%s requires memory.enabled=true", cmd.Name)
	}

	return cmd.Handler(ctx, &CommandArgs{
		Deps:    m.deps,
		Manager: m,
		RawArgs: rawArgs,
		Fields:  strings.Fields(rawArgs),
	})
}

// IsCommand checks if text is a command
func IsCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), "/")
}

func sprintf(format string, a ...any) string {
	if len(a) == 0 {
		return format
	}
	return fmt.Sprintf(format, a...)
}
