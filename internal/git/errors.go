package git

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors checkable with errors.Is. They wrap the underlying go-git
// errors behind a stable surface.

// ErrAlreadyUpToDate is returned when a fetch or push results in no changes.
var ErrAlreadyUpToDate = errors.New("already up to date")

// ErrAuthRequired is returned when the remote wants credentials and none
// were embedded in the URL.
var ErrAuthRequired = errors.New("authentication required")

// ErrBranchExists is returned when creating a branch that already exists
// without force.
var ErrBranchExists = errors.New("branch already exists")

// ErrNotFastForward is returned when a push is rejected because it is not a
// fast-forward.
var ErrNotFastForward = errors.New("not a fast-forward")

// ErrInvalidRef is returned for malformed reference names or options.
var ErrInvalidRef = errors.New("invalid reference")

// ErrResolveFailed is returned when a revision cannot be resolved to a
// commit.
var ErrResolveFailed = errors.New("cannot resolve revision")

// ErrTagExists is returned when creating a tag that already exists.
var ErrTagExists = errors.New("tag already exists")

// WrapError adds context while keeping sentinel checks working.
func WrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// WrapErrorf is WrapError with formatting.
func WrapErrorf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// ExecError carries the output of a failed git invocation so callers can
// log what the tool said.
type ExecError struct {
	Args   []string
	Output string
	Err    error
}

func (e *ExecError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("git %s: %v: %s", strings.Join(e.Args, " "), e.Err, e.Output)
}

func (e *ExecError) Unwrap() error { return e.Err }
