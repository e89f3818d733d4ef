package manifest

import (
	"errors"
	"fmt"

	"github.com/clyso/cbs/internal/errkind"
)

var (
	// ErrManifestExists indicates a manifest with the same UUID is already
	// stored. Practically unreachable with v4 UUIDs, but checked.
	ErrManifestExists = errors.New("manifest already exists")

	// ErrNameTaken indicates the name alias resolves to a different manifest.
	ErrNameTaken = errors.New("manifest name already taken")

	// ErrNoActiveStage indicates the operation needs an open stage and none is.
	ErrNoActiveStage = errors.New("no active stage")

	// ErrStageOpen indicates an open stage blocks the operation; it must be
	// committed or aborted first.
	ErrStageOpen = errors.New("a stage is still open")

	// ErrStageAuthorMismatch indicates the open stage belongs to another author.
	ErrStageAuthorMismatch = errors.New("active stage belongs to another author")

	// ErrEmptyActiveStage indicates a commit was attempted on a stage holding
	// no patch sets. The stage stays open.
	ErrEmptyActiveStage = errors.New("active stage holds no patch sets")

	// ErrStageNotFound indicates no stage matches the reference.
	ErrStageNotFound = errors.New("stage not found")

	// ErrStagePublished indicates the stage was already published and can no
	// longer be amended or removed.
	ErrStagePublished = errors.New("stage already published")

	// ErrStageHashMismatch indicates the stored content hash does not match
	// the stage's patches. Treated as corruption.
	ErrStageHashMismatch = errors.New("stage content hash mismatch")
)

// Error wraps an engine failure with the operation and manifest reference.
type Error struct {
	Op       string
	Manifest string
	Err      error
}

func (e *Error) Error() string {
	if e.Manifest == "" {
		return fmt.Sprintf("manifest.%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("manifest.%s %s: %v", e.Op, e.Manifest, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Code classifies the failure for exit-code mapping. Database failures
// pass through with their own classification.
func (e *Error) Code() errkind.Code {
	switch {
	case errors.Is(e.Err, ErrManifestExists):
		return errkind.CodeAlreadyExists
	case errors.Is(e.Err, ErrNameTaken),
		errors.Is(e.Err, ErrStageOpen),
		errors.Is(e.Err, ErrStagePublished),
		errors.Is(e.Err, ErrStageAuthorMismatch):
		return errkind.CodeConflict
	case errors.Is(e.Err, ErrEmptyActiveStage):
		return errkind.CodeInvalidInput
	case errors.Is(e.Err, ErrNoActiveStage), errors.Is(e.Err, ErrStageNotFound):
		return errkind.CodeNotFound
	case errors.Is(e.Err, ErrStageHashMismatch):
		return errkind.CodeMalformed
	default:
		return errkind.CodeOf(e.Err)
	}
}

func newError(op, ref string, err error) *Error {
	return &Error{Op: op, Manifest: ref, Err: err}
}
