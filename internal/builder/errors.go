package builder

import (
	"errors"
	"fmt"
	"strings"

	"github.com/clyso/cbs/internal/errkind"
)

// ErrInvalidDescriptor reports an unusable version descriptor.
var ErrInvalidDescriptor = errors.New("invalid version descriptor")

// ErrNoBuildScript reports a component that must build but provides no
// build_rpms script.
var ErrNoBuildScript = errors.New("no build_rpms script")

// ComponentError ties a failure to the component it belongs to.
type ComponentError struct {
	Component string
	Err       error
}

func (e *ComponentError) Error() string {
	return fmt.Sprintf("%s: %v", e.Component, e.Err)
}

func (e *ComponentError) Unwrap() error { return e.Err }

// GroupError aggregates every failure from one concurrent phase. The
// group is only assembled after all results are known, so a broken
// component cannot hide failures in an unrelated one.
type GroupError struct {
	Op   string
	Errs []*ComponentError
}

func (e *GroupError) Error() string {
	parts := make([]string, len(e.Errs))
	for i, ce := range e.Errs {
		parts[i] = ce.Error()
	}
	if len(parts) == 1 {
		return fmt.Sprintf("builder.%s: %s", e.Op, parts[0])
	}
	return fmt.Sprintf("builder.%s: %d components failed: %s",
		e.Op, len(parts), strings.Join(parts, "; "))
}

// Unwrap exposes the per-component failures to errors.Is and errors.As.
func (e *GroupError) Unwrap() []error {
	out := make([]error, len(e.Errs))
	for i, ce := range e.Errs {
		out[i] = ce
	}
	return out
}

// Code classifies the failure for exit-code mapping.
func (e *GroupError) Code() errkind.Code { return errkind.CodeBuildFailed }

// ScriptError reports a build script or packaging tool that exited
// non-zero.
type ScriptError struct {
	Script string
	Args   []string
	Output string
	Err    error
}

func (e *ScriptError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("%s %s: %v", e.Script, strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("%s %s: %v: %s", e.Script, strings.Join(e.Args, " "), e.Err, e.Output)
}

func (e *ScriptError) Unwrap() error { return e.Err }

// Code classifies the failure for exit-code mapping.
func (e *ScriptError) Code() errkind.Code { return errkind.CodeBuildFailed }

// Error decorates a run failure with the phase it happened in.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("builder.%s: %v", e.Op, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// Code classifies the failure for exit-code mapping.
func (e *Error) Code() errkind.Code {
	if errors.Is(e.Err, ErrInvalidDescriptor) {
		return errkind.CodeInvalidInput
	}
	if c := errkind.CodeOf(e.Err); c != errkind.CodeUnknown {
		return c
	}
	return errkind.CodeBuildFailed
}

func newError(op string, err error) error {
	return &Error{Op: op, Err: err}
}
