package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for propagation and for the HTTP surface.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation_error"
	KindProvisioning  ErrorKind = "provisioning_error"
	KindLaunch        ErrorKind = "launch_error"
	KindConflict      ErrorKind = "conflict"
	KindBridge        ErrorKind = "bridge_error"
	KindFetchFailed   ErrorKind = "fetch_failed"
	KindUploadFailed  ErrorKind = "upload_failed"
	KindCleanupFailed ErrorKind = "cleanup_failed"
	KindTimeout       ErrorKind = "timeout"
	KindNotFound      ErrorKind = "not_found"
	KindInternal      ErrorKind = "internal_error"
)

// Sentinel errors usable with errors.Is.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrAgentNotRunning = errors.New("agent process not running")
	ErrAlreadyRunning  = errors.New("agent process already running for session")
)

// Error is the taxonomy error carried across component boundaries.
type Error struct {
	Kind      ErrorKind
	Op        string // operation that failed, e.g. "rooms.create"
	SessionID string
	Stage     string
	Err       error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.SessionID != "" {
		msg += fmt.Sprintf(" (session %s)", e.SessionID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a taxonomy error wrapping err.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// WithSession returns a copy of e annotated with the session id and stage.
func (e *Error) WithSession(sessionID, stage string) *Error {
	cp := *e
	cp.SessionID = sessionID
	cp.Stage = stage
	return &cp
}

// Validationf is shorthand for a validation error with a formatted message.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: "validate", Err: fmt.Errorf(format, args...)}
}

// KindOf returns the taxonomy kind of err, or KindInternal when err carries none.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given taxonomy kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
