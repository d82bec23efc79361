// Package apierr defines the structured error taxonomy the lifecycle engine
// uses to translate backend and validation failures into the user-visible
// {code, message} envelope.
package apierr

import "fmt"

// Class is the broad error category used to pick an HTTP status and a
// retry policy.
type Class string

const (
	ClassInput            Class = "input"
	ClassConflict         Class = "conflict"
	ClassNotFound         Class = "not_found"
	ClassBackendTransient Class = "backend_transient"
	ClassBackendPermanent Class = "backend_permanent"
	ClassInternal         Class = "internal"
)

// Code is a stable machine-readable error identifier.
type Code string

const (
	CodeInvalidEntrypoint     Code = "INVALID_ENTRYPOINT"
	CodeInvalidMetadataLabel  Code = "INVALID_METADATA_LABEL"
	CodeInvalidExpiration     Code = "INVALID_EXPIRATION"
	CodeInvalidVolumeName     Code = "INVALID_VOLUME_NAME"
	CodeInvalidMountPath      Code = "INVALID_MOUNT_PATH"
	CodeInvalidSubPath        Code = "INVALID_SUB_PATH"
	CodeInvalidHostPath       Code = "INVALID_HOST_PATH"
	CodeInvalidPVCName        Code = "INVALID_PVC_NAME"
	CodeDuplicateVolumeName   Code = "DUPLICATE_VOLUME_NAME"
	CodeHostPathNotAllowed    Code = "HOST_PATH_NOT_ALLOWED"
	CodeHostPathNotFound      Code = "HOST_PATH_NOT_FOUND"
	CodeUnsupportedVolume     Code = "UNSUPPORTED_VOLUME_BACKEND"
	CodeInvalidParameter      Code = "INVALID_PARAMETER"
	CodeUnexpectedResponse    Code = "UNEXPECTED_RESPONSE"
	CodeInvalidPort           Code = "INVALID_PORT"
	CodeInvalidVolumeBackend  Code = "INVALID_VOLUME_BACKEND"
)

// Error is the structured error type carried through provider and lifecycle
// call paths. It implements error and wraps an optional cause.
type Error struct {
	Class   Class
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds a classed, coded error with no wrapped cause.
func New(class Class, code Code, message string) *Error {
	return &Error{Class: class, Code: code, Message: message}
}

// Wrap builds a classed, coded error around an underlying cause.
func Wrap(class Class, code Code, message string, cause error) *Error {
	return &Error{Class: class, Code: code, Message: message, Cause: cause}
}

// Input is shorthand for a validator-class error: no side effects, 400.
func Input(code Code, message string) *Error {
	return New(ClassInput, code, message)
}

// Conflict is shorthand for a 409, no-side-effects error.
func Conflict(code Code, message string) *Error {
	return New(ClassConflict, code, message)
}

// NotFound is shorthand for an idempotent 404.
func NotFound(message string) *Error {
	return New(ClassNotFound, CodeUnexpectedResponse, message)
}

// Internal is shorthand for an invariant-violation error; callers should log
// the full error and surface only an opaque id to the caller.
func Internal(message string, cause error) *Error {
	return Wrap(ClassInternal, CodeUnexpectedResponse, message, cause)
}

// As extracts an *Error from err, reporting whether err is one.
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}

// IsNotFound reports whether err is a NotFound-class apierr.Error.
func IsNotFound(err error) bool {
	e, ok := As(err)
	return ok && e.Class == ClassNotFound
}
