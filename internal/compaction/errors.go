package compaction

import (
	"errors"
	"fmt"
)

// Sentinel errors for compaction operations.
var (
	// ErrCompactionFailed wraps every failed summarization attempt.
	ErrCompactionFailed = errors.New("compaction failed")

	// ErrNothingToCompact means the compaction zone is empty.
	ErrNothingToCompact = errors.New("nothing to compact")

	// ErrUnknownStrategy is returned by New for an unrecognised strategy name.
	ErrUnknownStrategy = errors.New("unknown compaction strategy")
)

// Error provides structured context for a failed compaction step.
type Error struct {
	Op  string // "Summarize", "Rebuild", ...
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("compaction %s failed: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes every *Error match ErrCompactionFailed.
func (e *Error) Is(target error) bool {
	return target == ErrCompactionFailed
}
