package fileutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAtomicWriteCreatesParents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "file.txt")

	if err := AtomicWrite(path, []byte("hello"), 0640); err != nil {
		t.Fatalf("AtomicWrite failed: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back failed: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("expected hello, got %q", got)
	}
	if mode := FileMode(path, 0); mode != 0640 {
		t.Errorf("expected mode 0640, got %o", mode)
	}
}

func TestAtomicWriteReplacesAndLeavesNoTemp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.txt")

	if err := AtomicWrite(path, []byte("one"), 0644); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := AtomicWrite(path, []byte("two"), 0644); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	got, _ := os.ReadFile(path)
	if string(got) != "two" {
		t.Errorf("expected two, got %q", got)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("expected only the target file, found %d entries", len(entries))
	}
}

func TestFileModeDefault(t *testing.T) {
	if mode := FileMode(filepath.Join(t.TempDir(), "missing"), 0600); mode != 0600 {
		t.Errorf("expected default mode, got %o", mode)
	}
}
