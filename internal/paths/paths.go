// Package paths provides centralized path resolution for agentloop.
// This package has NO internal imports (only stdlib) to avoid import cycles.
// All functions return errors to allow callers to log appropriately.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DirName is the project-local state directory.
const DirName = ".agentloop"

// ConfigBaseName is the config file name without extension.
const ConfigBaseName = "agentloop"

// ConfigExtensions are tried in order when looking for a config file.
var ConfigExtensions = []string{".json", ".toml", ".yaml", ".yml"}

// WorkingDir returns the absolute working directory.
// An empty dir means the process working directory.
func WorkingDir(dir string) (string, error) {
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to get working directory: %w", err)
		}
		return cwd, nil
	}
	expanded, err := ExpandTilde(dir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}
	return abs, nil
}

// StatePath returns a path within the project-local state directory (<base>/.agentloop/<subpath>).
func StatePath(base, subpath string) string {
	return filepath.Join(base, DirName, subpath)
}

// Resolve makes path absolute relative to base, expanding a leading ~.
func Resolve(base, path string) (string, error) {
	expanded, err := ExpandTilde(path)
	if err != nil {
		return "", err
	}
	if filepath.IsAbs(expanded) {
		return filepath.Clean(expanded), nil
	}
	return filepath.Join(base, expanded), nil
}

// ConfigPath returns the active config file path.
// Priority: ./agentloop.{json,toml,yaml,yml} > ./.agentloop/agentloop.{...}
// Returns ("", nil) if no config exists - this is a valid state, not an error.
func ConfigPath(base string) (string, error) {
	dirs := []string{base, filepath.Join(base, DirName)}
	for _, dir := range dirs {
		for _, ext := range ConfigExtensions {
			candidate := filepath.Join(dir, ConfigBaseName+ext)
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			} else if !os.IsNotExist(err) {
				return "", fmt.Errorf("failed to stat %s: %w", candidate, err)
			}
		}
	}
	return "", nil
}

// EnsureDir creates a directory if it doesn't exist.
// Uses 0750 permissions (owner: rwx, group: rx, other: none).
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	return nil
}

// EnsureParentDir creates the parent directory of a file path if it doesn't exist.
func EnsureParentDir(filePath string) error {
	return EnsureDir(filepath.Dir(filePath))
}

// ExpandTilde expands a path that starts with ~ to the user's home directory.
// Returns the path unchanged if it doesn't start with ~.
func ExpandTilde(path string) (string, error) {
	if len(path) == 0 || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	if len(path) == 1 {
		return home, nil
	}
	return filepath.Join(home, path[1:]), nil
}

// Within reports whether path is root itself or nested below it.
// Both arguments must be absolute and clean.
func Within(root, path string) bool {
	if path == root {
		return true
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
