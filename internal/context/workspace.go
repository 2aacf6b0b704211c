// Package context loads project context files and builds the system prompt.
package context

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/roelfdiedericks/agentloop/internal/logging"
	"github.com/roelfdiedericks/agentloop/internal/paths"
)

// Project file names, looked up in the working directory and its .agentloop dir
const (
	FileAgents = "AGENTS.md" // Operating notes for this project
	FileTools  = "TOOLS.md"  // Environment notes
)

// maxProjectFileChars caps each injected file
const maxProjectFileChars = 20_000

// ProjectFile is one loaded context file.
type ProjectFile struct {
	Name    string // e.g. "AGENTS.md"
	Path    string // full path
	Content string // file contents (empty if missing)
	Missing bool   // true if file doesn't exist
}

var projectFileOrder = []string{FileAgents, FileTools}

// LoadProjectFiles loads the project context files from workingDir. A file in
// workingDir/.agentloop wins over one in workingDir.
func LoadProjectFiles(workingDir string) []ProjectFile {
	logging.L_debug("context: loading project files", "dir", workingDir)

	var files []ProjectFile
	for _, name := range projectFileOrder {
		candidates := []string{
			filepath.Join(workingDir, paths.DirName, name),
			filepath.Join(workingDir, name),
		}

		f := ProjectFile{Name: name, Path: candidates[len(candidates)-1], Missing: true}
		for _, p := range candidates {
			content, err := os.ReadFile(p)
			if err != nil {
				continue
			}
			text := stripFrontmatter(string(content))
			if len(text) > maxProjectFileChars {
				logging.L_warn("context: project file truncated", "path", p, "chars", len(text))
				text = text[:maxProjectFileChars] + "\n[...truncated]"
			}
			f = ProjectFile{Name: name, Path: p, Content: text}
			logging.L_debug("context: loaded project file", "name", name, "chars", len(text))
			break
		}
		if f.Missing {
			logging.L_trace("context: project file missing", "name", name)
		}
		files = append(files, f)
	}
	return files
}

// HasContent reports whether any file was found with non-blank content.
func HasContent(files []ProjectFile) bool {
	for _, f := range files {
		if !f.Missing && strings.TrimSpace(f.Content) != "" {
			return true
		}
	}
	return false
}

// stripFrontmatter removes YAML frontmatter from content
func stripFrontmatter(content string) string {
	if !strings.HasPrefix(content, "---") {
		return content
	}

	endIndex := strings.Index(content[3:], "\n---")
	if endIndex == -1 {
		return content
	}

	start := 3 + endIndex + 4 // 3 for initial ---, endIndex, 4 for \n---
	return strings.TrimLeft(content[start:], "\n\r\t ")
}
