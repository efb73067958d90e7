package lab

import (
	"errors"
	"strings"
)

// Sentinel errors
var (
	ErrResourceExhausted  = errors.New("resource exhausted")
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")
	ErrImageBuild         = errors.New("image build failed")
	ErrSurfaceUnhealthy   = errors.New("primary surface unhealthy")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrSessionNotFound    = errors.New("session not found")
)

// Error carries the context a caller needs to act on a failed operation: the
// attempted verb, the session, the error kind (one of the sentinels above), the
// underlying cause and, for build and health failures, diagnostic output.
type Error struct {
	Op        string
	SessionID string
	Kind      error
	Err       error
	Output    string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.SessionID != "" {
		b.WriteString(" ")
		b.WriteString(e.SessionID)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewError builds an *Error. err may be nil.
func NewError(op, sessionID string, kind, err error) *Error {
	return &Error{Op: op, SessionID: sessionID, Kind: kind, Err: err}
}

// Retryable reports whether err means "try again later" rather than "this
// request is invalid" or "your environment failed".
func Retryable(err error) bool {
	return errors.Is(err, ErrResourceExhausted) || errors.Is(err, ErrRuntimeUnavailable)
}

// Diagnostics returns the tool output attached to err, if any.
func Diagnostics(err error) string {
	var le *Error
	if errors.As(err, &le) {
		return le.Output
	}
	return ""
}

// Error codes reported to callers.
const (
	CodeResourceExhausted  = "RESOURCE_EXHAUSTED"
	CodeRuntimeUnavailable = "RUNTIME_UNAVAILABLE"
	CodeImageBuildFailed   = "IMAGE_BUILD_FAILED"
	CodeSurfaceUnhealthy   = "SURFACE_UNHEALTHY"
	CodeInvalidTransition  = "INVALID_TRANSITION"
	CodeSessionNotFound    = "SESSION_NOT_FOUND"
	CodeInternal           = "INTERNAL_ERROR"
)

// Code names the kind of err.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, ErrResourceExhausted):
		return CodeResourceExhausted
	case errors.Is(err, ErrRuntimeUnavailable):
		return CodeRuntimeUnavailable
	case errors.Is(err, ErrImageBuild):
		return CodeImageBuildFailed
	case errors.Is(err, ErrSurfaceUnhealthy):
		return CodeSurfaceUnhealthy
	}
	return CodeInternal
}
