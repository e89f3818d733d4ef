package db

import (
	"errors"
	"fmt"

	"github.com/clyso/cbs/internal/errkind"
)

var (
	// ErrNotFound indicates no record exists for the key, in either tier.
	ErrNotFound = errors.New("record not found")

	// ErrPatchExists indicates a patch UUID is already stored locally.
	ErrPatchExists = errors.New("patch already stored")

	// ErrMalformed indicates a persisted record failed decoding. Treated
	// as corruption: surfaced with the offending key, never repaired.
	ErrMalformed = errors.New("malformed record")

	// ErrStagePatchesExist indicates the staging area for the version is
	// already populated, guarding against double-publishing stages.
	ErrStagePatchesExist = errors.New("staging area already populated")

	// ErrMissingStagePatch indicates a stage references a patch whose
	// formatted text is not in the remote tier.
	ErrMissingStagePatch = errors.New("stage patch file missing")
)

// Error wraps a database failure with the operation and record key.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("db.%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("db.%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Code classifies the failure for exit-code mapping. Store-layer codes
// pass through so precondition and transport failures keep their kind.
func (e *Error) Code() errkind.Code {
	switch {
	case errors.Is(e.Err, ErrPatchExists), errors.Is(e.Err, ErrStagePatchesExist):
		return errkind.CodeAlreadyExists
	case errors.Is(e.Err, ErrNotFound), errors.Is(e.Err, ErrMissingStagePatch):
		return errkind.CodeNotFound
	case errors.Is(e.Err, ErrMalformed):
		return errkind.CodeMalformed
	}
	if c := errkind.CodeOf(e.Err); c != errkind.CodeUnknown {
		return c
	}
	return errkind.CodeTransport
}

func newError(op, key string, err error) *Error {
	return &Error{Op: op, Key: key, Err: err}
}

func notFound(op, key string) *Error {
	return &Error{Op: op, Key: key, Err: ErrNotFound}
}

func malformed(op, key string, err error) *Error {
	return &Error{Op: op, Key: key, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
}

// IsNotFound reports whether err means the record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsMalformed reports whether err means a record failed decoding.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformed)
}

// ExistingManifestError indicates the manifest already exists remotely
// while this process never loaded that remote copy, so publishing it
// would overwrite an object it has not seen.
type ExistingManifestError struct {
	UUID string
}

func (e *ExistingManifestError) Error() string {
	return fmt.Sprintf("db: manifest %s already exists in the remote database", e.UUID)
}

// Code classifies the failure for exit-code mapping.
func (e *ExistingManifestError) Code() errkind.Code { return errkind.CodeAlreadyExists }

// ConflictingManifestError indicates a concurrent publisher updated the
// manifest after this process loaded it. Fatal for the current run; the
// caller must re-load and re-decide, never retry blindly.
type ConflictingManifestError struct {
	UUID string
}

func (e *ConflictingManifestError) Error() string {
	return fmt.Sprintf("db: manifest %s was updated by a concurrent publisher", e.UUID)
}

// Code classifies the failure for exit-code mapping.
func (e *ConflictingManifestError) Code() errkind.Code { return errkind.CodePrecondition }
