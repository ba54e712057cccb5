// Package distfserr defines the error taxonomy shared by every component:
// local store, metadata store, protocol codec, and the replication engine
// all report failures through the same closed set of kinds so the router
// can translate them into a response message without inspecting internals.
package distfserr

import (
	"errors"
	"fmt"
)

// Kind is one of the error categories from the system's error taxonomy.
type Kind string

const (
	KindProtocol    Kind = "protocol"
	KindIntegrity   Kind = "integrity"
	KindStale       Kind = "stale"
	KindNotFound    Kind = "not_found"
	KindExists      Kind = "exists"
	KindIsDirectory Kind = "is_directory"
	KindInvalidPath Kind = "invalid_path"
	KindWriteFailed Kind = "write_failed"
	KindTimeout     Kind = "timeout"
	KindUnavailable Kind = "unavailable"
	KindFatal       Kind = "fatal"
)

// Error wraps an underlying cause with a taxonomy Kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an *Error around an existing cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from err, defaulting to KindWriteFailed for
// errors that were never classified (a programming oversight, not a
// protocol-level "unavailable" — surfacing it as a write failure keeps it
// visible rather than silently mapped to "unavailable").
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindWriteFailed
}
