package store

import (
	"errors"
	"fmt"

	"github.com/clyso/cbs/internal/errkind"
)

// Error represents an object store operation error with context about the
// operation that failed. It wraps the underlying SDK error for debugging.
type Error struct {
	// Op is the operation that failed (e.g., "get", "put", "list")
	Op string

	// Bucket is the bucket name (if applicable)
	Bucket string

	// Key is the object key (if applicable)
	Key string

	// Err is the underlying error from the SDK or other source
	Err error
}

// Error implements the error interface by providing a formatted error message.
func (e *Error) Error() string {
	if e.Bucket != "" && e.Key != "" {
		return fmt.Sprintf("store.%s %s/%s: %v", e.Op, e.Bucket, e.Key, e.Err)
	}
	if e.Bucket != "" {
		return fmt.Sprintf("store.%s bucket %s: %v", e.Op, e.Bucket, e.Err)
	}
	if e.Key != "" {
		return fmt.Sprintf("store.%s object %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("store.%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error chaining support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Code classifies the error for exit-code mapping.
func (e *Error) Code() errkind.Code {
	switch {
	case errors.Is(e.Err, ErrObjectNotFound):
		return errkind.CodeNotFound
	case errors.Is(e.Err, ErrObjectAlreadyExists):
		return errkind.CodeAlreadyExists
	case errors.Is(e.Err, ErrEtagMismatch):
		return errkind.CodePrecondition
	case errors.Is(e.Err, ErrInvalidInput):
		return errkind.CodeInvalidInput
	default:
		return errkind.CodeTransport
	}
}

// WithBucket adds bucket context to an existing error.
func (e *Error) WithBucket(bucket string) *Error {
	e.Bucket = bucket
	return e
}

// WithKey adds object key context to an existing error.
func (e *Error) WithKey(key string) *Error {
	e.Key = key
	return e
}

// NewError creates a new Error with the given operation and underlying error.
func NewError(op string, err error) *Error {
	return &Error{
		Op:  op,
		Err: err,
	}
}

// NewObjectError creates a new Error with bucket and key context.
func NewObjectError(op, bucket, key string, err error) *Error {
	return &Error{
		Op:     op,
		Bucket: bucket,
		Key:    key,
		Err:    err,
	}
}

// Sentinel errors for object store operation failures. Use errors.Is().
var (
	// ErrObjectNotFound indicates that the requested object does not exist.
	ErrObjectNotFound = errors.New("store: object not found")

	// ErrObjectAlreadyExists indicates an if-absent write found the key
	// unexpectedly occupied.
	ErrObjectAlreadyExists = errors.New("store: object already exists")

	// ErrEtagMismatch indicates an if-match write lost against a concurrent
	// writer: the object changed since it was loaded.
	ErrEtagMismatch = errors.New("store: etag mismatch")

	// ErrInvalidInput indicates that the provided input is invalid.
	ErrInvalidInput = errors.New("store: invalid input")
)

// IsObjectNotFound checks if an error indicates the object was not found.
func IsObjectNotFound(err error) bool {
	return errors.Is(err, ErrObjectNotFound)
}

// IsObjectAlreadyExists checks if an error indicates an if-absent violation.
func IsObjectAlreadyExists(err error) bool {
	return errors.Is(err, ErrObjectAlreadyExists)
}

// IsEtagMismatch checks if an error indicates an if-match violation.
func IsEtagMismatch(err error) bool {
	return errors.Is(err, ErrEtagMismatch)
}

// IsPreconditionFailed checks if an error is either precondition violation.
func IsPreconditionFailed(err error) bool {
	return IsObjectAlreadyExists(err) || IsEtagMismatch(err)
}
