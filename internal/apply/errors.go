package apply

import (
	"errors"
	"fmt"
	"strings"

	"github.com/clyso/cbs/internal/errkind"
)

var (
	// ErrMergeCommit indicates a patch refers to a commit with multiple
	// parents. Redundancy detection assumes single-parent commits, so
	// merges are rejected outright.
	ErrMergeCommit = errors.New("merge commits cannot be cherry-picked")

	// ErrAmbiguousCherry indicates git cherry produced more than one line
	// for a one-commit window.
	ErrAmbiguousCherry = errors.New("ambiguous cherry result")

	// ErrPatchSetMismatch indicates the commit window behind a patch set
	// does not line up with its recorded patches.
	ErrPatchSetMismatch = errors.New("patch set does not match its commit window")
)

// ConflictError reports a cherry-pick that stopped on conflicts. The
// worktree has been rolled back by the time callers see it.
type ConflictError struct {
	SHA   string
	Files []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cherry-pick %s conflicts in: %s", e.SHA, strings.Join(e.Files, ", "))
}

// Code classifies the failure for exit-code mapping.
func (e *ConflictError) Code() errkind.Code { return errkind.CodeConflict }

// Error wraps an engine failure with the operation that produced it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("apply.%s: %v", e.Op, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// Code classifies the failure. Everything the engine cannot attribute is an
// external tool failure, since all its unclassified errors come from the
// git collaborator.
func (e *Error) Code() errkind.Code {
	switch {
	case errors.Is(e.Err, ErrMergeCommit):
		return errkind.CodeInvalidInput
	case errors.Is(e.Err, ErrAmbiguousCherry):
		return errkind.CodeExternalTool
	case errors.Is(e.Err, ErrPatchSetMismatch):
		return errkind.CodeMalformed
	default:
		if c := errkind.CodeOf(e.Err); c != errkind.CodeUnknown {
			return c
		}
		return errkind.CodeExternalTool
	}
}

func newError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}
