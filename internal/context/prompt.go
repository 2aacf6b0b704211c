package context

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/roelfdiedericks/agentloop/internal/logging"
	"github.com/roelfdiedericks/agentloop/internal/tools"
)

// identity is the opening line of every system prompt.
const identity = "You are a helpful AI assistant with access to tools. Use them when they help you complete the user's request, and answer directly when they don't."

// PromptParams contains parameters for building the system prompt
type PromptParams struct {
	WorkingDir    string
	Tools         *tools.Registry
	Model         string
	Timezone      string // Local zone when empty
	MemoryEnabled bool   // Sessions persist across runs
	Checkpoints   bool   // File changes can be rewound
	// Optional preloaded project files (if nil, loads from disk)
	ProjectFiles []ProjectFile
	// Appended verbatim after the built sections
	Extra string
}

// BuildSystemPrompt assembles the system prompt from its sections.
func BuildSystemPrompt(params PromptParams) string {
	logging.L_debug("context: building system prompt",
		"workingDir", params.WorkingDir,
		"memory", params.MemoryEnabled,
	)

	var sections []string

	sections = append(sections, identity)

	if params.Tools != nil && params.Tools.Count() > 0 {
		sections = append(sections, buildToolingSection(params.Tools))
		sections = append(sections, buildToolCallStyleSection())
	}

	sections = append(sections, buildSafetySection())
	sections = append(sections, buildWorkspaceSection(params.WorkingDir))

	if params.MemoryEnabled {
		sections = append(sections, buildSessionSection(params.Checkpoints))
	}

	sections = append(sections, buildTimeSection(params.Timezone))

	files := params.ProjectFiles
	if files == nil && params.WorkingDir != "" {
		files = LoadProjectFiles(params.WorkingDir)
	}
	if HasContent(files) {
		sections = append(sections, buildProjectContextSection(files))
	}

	sections = append(sections, params.Extra)
	sections = append(sections, buildRuntimeSection(params))

	var nonEmpty []string
	for _, s := range sections {
		if strings.TrimSpace(s) != "" {
			nonEmpty = append(nonEmpty, s)
		}
	}

	prompt := strings.Join(nonEmpty, "\n\n")
	logging.L_debug("context: system prompt built", "chars", len(prompt))

	return prompt
}

func buildToolingSection(reg *tools.Registry) string {
	defs := reg.Definitions()
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })

	var lines []string
	lines = append(lines, "## Tooling")
	lines = append(lines, "Tool names are case-sensitive. Call tools exactly as listed.")
	lines = append(lines, "")
	for _, d := range defs {
		desc := strings.TrimSpace(strings.SplitN(d.Description, "\n", 2)[0])
		lines = append(lines, fmt.Sprintf("- %s: %s", d.Name, desc))
	}
	lines = append(lines, "")
	lines = append(lines, "If a task is more complex or takes longer, consider breaking it into steps.")

	return strings.Join(lines, "\n")
}

func buildToolCallStyleSection() string {
	return `## Tool Call Style

Default: do not narrate routine, low-risk tool calls (just call the tool).
Narrate only when it helps: multi-step work, sensitive actions (e.g., overwriting files), or when the user explicitly asks.
Keep narration brief and value-dense.`
}

func buildSafetySection() string {
	return `## Safety

You have no independent goals; avoid long-term plans beyond the user's request.
Prioritize human oversight over completion; if instructions conflict, pause and ask.`
}

func buildWorkspaceSection(workingDir string) string {
	return fmt.Sprintf(`## Workspace

Your working directory is: %s
File tools resolve relative paths against this directory and cannot reach outside it.`, workingDir)
}

func buildSessionSection(checkpoints bool) string {
	lines := []string{
		"## Session",
		"This conversation is persisted and may be resumed later. Earlier turns may be condensed into a [CONTEXT SUMMARY] block; treat it as accurate history.",
	}
	if checkpoints {
		lines = append(lines, "Files you change are checkpointed before each turn, so the user can rewind them.")
	}
	return strings.Join(lines, "\n")
}

func buildTimeSection(timezone string) string {
	var lines []string
	lines = append(lines, "## Current Date & Time")

	now := time.Now()
	if loc, err := time.LoadLocation(timezone); timezone != "" && err == nil {
		now = now.In(loc)
	}

	zone, _ := now.Zone()
	lines = append(lines, fmt.Sprintf("Time zone: %s", zone))
	lines = append(lines, fmt.Sprintf("Current time: %s", now.Format("2006-01-02 15:04:05 MST")))
	lines = append(lines, fmt.Sprintf("Day of week: %s", now.Format("Monday")))

	return strings.Join(lines, "\n")
}

func buildProjectContextSection(files []ProjectFile) string {
	var lines []string

	lines = append(lines, "# Project Context")
	lines = append(lines, "")
	lines = append(lines, "The following project context files have been loaded:")
	lines = append(lines, "")

	for _, f := range files {
		if f.Missing {
			continue
		}
		lines = append(lines, fmt.Sprintf("## %s", f.Name))
		lines = append(lines, "")
		lines = append(lines, f.Content)
		lines = append(lines, "")
	}

	return strings.Join(lines, "\n")
}

func buildRuntimeSection(params PromptParams) string {
	hostname, _ := os.Hostname()

	parts := []string{}
	if hostname != "" {
		parts = append(parts, fmt.Sprintf("host=%s", hostname))
	}
	parts = append(parts, fmt.Sprintf("os=%s (%s)", runtime.GOOS, runtime.GOARCH))
	if params.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", params.Model))
	}

	return fmt.Sprintf("## Runtime\n\nRuntime: %s", strings.Join(parts, " | "))
}
