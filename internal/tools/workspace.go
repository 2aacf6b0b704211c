package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	. "github.com/roelfdiedericks/agentloop/internal/logging"
	"github.com/roelfdiedericks/agentloop/internal/paths"
)

// Denied files - blocked even within the workspace.
var deniedFiles = []string{
	".env",
	".env.local",
	".env.production",
	"id_rsa",
	"id_ed25519",
}

// Workspace confines file tools to a root directory.
type Workspace struct {
	root string
}

// NewWorkspace creates a workspace rooted at root (made absolute).
func NewWorkspace(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	return &Workspace{root: abs}, nil
}

// Root returns the absolute workspace root.
func (w *Workspace) Root() string {
	return w.root
}

// Resolve validates that inputPath stays within the root, contains no
// symlinks and does not name a denied file. Returns the absolute path.
func (w *Workspace) Resolve(inputPath string) (string, error) {
	if strings.TrimSpace(inputPath) == "" {
		return "", fmt.Errorf("path is required")
	}
	resolved, err := paths.Resolve(w.root, inputPath)
	if err != nil {
		return "", err
	}

	if !paths.Within(w.root, resolved) {
		L_warn("tools: path escapes workspace", "path", inputPath, "resolved", resolved, "root", w.root)
		return "", fmt.Errorf("path escapes workspace root: %s", inputPath)
	}

	relative, _ := filepath.Rel(w.root, resolved)
	if relative != "." {
		if err := assertNoSymlink(relative, w.root); err != nil {
			return "", err
		}
	}

	filename := filepath.Base(resolved)
	for _, denied := range deniedFiles {
		if filename == denied {
			L_warn("tools: access to denied file blocked", "path", inputPath, "file", denied)
			return "", fmt.Errorf("access denied: %s is a protected file", denied)
		}
	}

	L_trace("tools: path validated", "input", inputPath, "resolved", resolved)
	return resolved, nil
}

// ResolveWrite is Resolve plus a block on the runtime's own state directory.
func (w *Workspace) ResolveWrite(inputPath string) (string, error) {
	resolved, err := w.Resolve(inputPath)
	if err != nil {
		return "", err
	}
	if paths.Within(filepath.Join(w.root, paths.DirName), resolved) {
		L_warn("tools: write to state directory blocked", "path", inputPath)
		return "", fmt.Errorf("write denied: %s is reserved", paths.DirName)
	}
	return resolved, nil
}

func assertNoSymlink(relative, root string) error {
	current := root
	for _, part := range strings.Split(relative, string(filepath.Separator)) {
		if part == "" || part == "." {
			continue
		}
		current = filepath.Join(current, part)

		info, err := os.Lstat(current)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("failed to stat path component: %w", err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			L_warn("tools: symlink detected in path", "path", current)
			return fmt.Errorf("symlink not allowed in workspace path: %s", current)
		}
	}
	return nil
}
