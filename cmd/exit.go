package cmd

import (
	"github.com/clyso/cbs/internal/errkind"
)

// Process exit codes, POSIX errno values chosen by error kind. This file
// is the only place an error kind becomes an exit status.
const (
	exitOK           = 0
	exitNotFound     = 2   // ENOENT
	exitExternal     = 5   // EIO
	exitPrecondition = 11  // EAGAIN
	exitExists       = 17  // EEXIST
	exitInvalid      = 22  // EINVAL
	exitTimeout      = 110 // ETIMEDOUT
	exitCanceled     = 125 // ECANCELED
	exitInternal     = 131 // ENOTRECOVERABLE
)

// exitCode resolves err's kind and returns the exit status for it. A nil
// error is success; an unclassified error is an internal failure.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	switch errkind.CodeOf(err) {
	case errkind.CodeNotFound:
		return exitNotFound
	case errkind.CodeAlreadyExists, errkind.CodeConflict:
		return exitExists
	case errkind.CodePrecondition:
		return exitPrecondition
	case errkind.CodeInvalidInput, errkind.CodeMalformed:
		return exitInvalid
	case errkind.CodeExternalTool, errkind.CodeBuildFailed,
		errkind.CodePublishFailed, errkind.CodeTransport:
		return exitExternal
	case errkind.CodeTimeout:
		return exitTimeout
	case errkind.CodeCanceled:
		return exitCanceled
	default:
		return exitInternal
	}
}

// exitError attaches a kind to errors raised by the command layer itself,
// flag validation and state checks that no inner package classifies.
type exitError struct {
	code errkind.Code
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

// Code classifies the failure for exit-code mapping.
func (e *exitError) Code() errkind.Code { return e.code }

// usage marks err as a command-line or configuration mistake (EINVAL).
// A nil err passes through untouched.
func usage(err error) error {
	if err == nil {
		return nil
	}
	return &exitError{code: errkind.CodeInvalidInput, err: err}
}

// conflict marks err as a create collision (EEXIST).
func conflict(err error) error {
	return &exitError{code: errkind.CodeAlreadyExists, err: err}
}

// precondition marks err as an unmet state requirement (EAGAIN).
func precondition(err error) error {
	return &exitError{code: errkind.CodePrecondition, err: err}
}
