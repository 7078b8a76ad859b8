package core

import (
	"fmt"

	"pkt.systems/ttyx/schema"
)

// SessionErrorKind classifies session failures.
type SessionErrorKind string

const (
	// SessionErrorBringUp indicates the session could not reach its first prompt.
	SessionErrorBringUp SessionErrorKind = "bring_up"
	// SessionErrorProvider indicates the provider failed to connect or start a channel.
	SessionErrorProvider SessionErrorKind = "provider"
	// SessionErrorDispatch indicates a write to the session failed.
	SessionErrorDispatch SessionErrorKind = "dispatch"
	// SessionErrorNotFound indicates the session does not exist.
	SessionErrorNotFound SessionErrorKind = "not_found"
)

// SessionError wraps session failures with a stable classification.
type SessionError struct {
	Kind      SessionErrorKind
	Op        string
	SessionID schema.SessionID
	Err       error
}

func newSessionError(kind SessionErrorKind, op string, id schema.SessionID, err error) *SessionError {
	return &SessionError{Kind: kind, Op: op, SessionID: id, Err: err}
}

func (e *SessionError) Error() string {
	if e == nil {
		return "session error"
	}
	msg := fmt.Sprintf("session %s", e.Op)
	if e.SessionID != "" {
		msg = fmt.Sprintf("session %s %s", e.SessionID, e.Op)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg + " failed"
}

func (e *SessionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
