// Package errkind classifies errors raised across the pipeline.
// It extends Go's standard error handling with structured error codes so the
// top-level entry point can map any failure to a process exit code without
// inspecting package internals.
package errkind

import (
	"context"
	"errors"
)

// Code represents a specific error condition in the pipeline.
// Codes are string-based for debuggability and natural JSON serialization.
type Code string

const (
	// Resource errors.

	// CodeNotFound indicates a requested object does not exist.
	CodeNotFound Code = "NOT_FOUND"

	// CodeAlreadyExists indicates an object already exists and cannot be created again.
	CodeAlreadyExists Code = "ALREADY_EXISTS"

	// CodeConflict indicates an object state conflict that prevents the operation,
	// such as a name alias pointing at a different object.
	CodeConflict Code = "CONFLICT"

	// CodePrecondition indicates an optimistic-concurrency precondition failed on
	// publish. The operation is fatal for the current run; callers must re-load
	// and re-decide, never retry blindly.
	CodePrecondition Code = "PRECONDITION_FAILED"

	// Validation errors.

	// CodeInvalidInput indicates the provided input is invalid.
	CodeInvalidInput Code = "INVALID_INPUT"

	// CodeMalformed indicates persisted data failed decoding or hash verification.
	// Treated as corruption: logged with the offending path and surfaced, never
	// silently repaired.
	CodeMalformed Code = "MALFORMED_DATA"

	// Execution errors.

	// CodeExternalTool indicates an external tool (git, build script, signer,
	// package manager) exited non-zero or could not be started.
	CodeExternalTool Code = "EXTERNAL_TOOL_FAILED"

	// CodeBuildFailed indicates a component build operation failed.
	CodeBuildFailed Code = "BUILD_FAILED"

	// CodePublishFailed indicates a publish operation failed.
	CodePublishFailed Code = "PUBLISH_FAILED"

	// CodeTransport indicates a network operation against git, object storage,
	// the registry, or the secrets backend failed.
	CodeTransport Code = "TRANSPORT_ERROR"

	// System errors.

	// CodeTimeout indicates the run exceeded its overall time limit.
	CodeTimeout Code = "TIMEOUT"

	// CodeCanceled indicates the run was interrupted before completion.
	CodeCanceled Code = "CANCELED"

	// CodeInternal indicates an internal error occurred.
	CodeInternal Code = "INTERNAL_ERROR"

	// CodeUnknown indicates an unclassified error occurred.
	CodeUnknown Code = "UNKNOWN"
)

// Coder is implemented by structured error types that know their code.
type Coder interface {
	Code() Code
}

// CodeOf walks err's chain and returns the first classification found.
// Context errors classify as timeout or canceled; everything else is unknown.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var c Coder
	if errors.As(err, &c) {
		return c.Code()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	if errors.Is(err, context.Canceled) {
		return CodeCanceled
	}
	return CodeUnknown
}
