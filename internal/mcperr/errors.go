// Package mcperr implements the single structured error taxonomy shared
// across the daemon. Boundary layers (the CLI, an admin API, if either is
// ever built) translate an *Error into a user-facing form; the core never
// constructs ad-hoc error strings for conditions this taxonomy covers.
package mcperr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error into one of the taxonomy's top-level buckets.
type Kind string

const (
	KindConfigIo                   Kind = "config.io"
	KindConfigParse                Kind = "config.parse"
	KindConfigValidation           Kind = "config.validation"
	KindConfigIDCollisionExhausted Kind = "config.id_collision_exhausted"

	KindProjectUnknownID Kind = "project.unknown_id"
	KindProjectCorrupt   Kind = "project.corrupt"
	KindProjectIo        Kind = "project.io"

	KindBackendStartFailed       Kind = "backend.start_failed"
	KindBackendTimeout           Kind = "backend.timeout"
	KindBackendTransportClosed   Kind = "backend.transport_closed"
	KindBackendProtocolViolation Kind = "backend.protocol_violation"

	KindToolNotFound           Kind = "tool.not_found"
	KindToolPermissionDenied   Kind = "tool.permission_denied"
	KindToolInvalidArguments   Kind = "tool.invalid_arguments"
	KindToolBackendUnavailable Kind = "tool.backend_unavailable"
	KindToolRemoteError        Kind = "tool.remote_error"

	KindBridgeHandshakeFailed Kind = "bridge.handshake_failed"
	KindBridgeSocketBusy      Kind = "bridge.socket_busy"
	KindBridgeIncompatible    Kind = "bridge.incompatible"

	KindRpcMalformed     Kind = "rpc.malformed"
	KindRpcUnknownMethod Kind = "rpc.unknown_method"

	// KindDaemonAlreadyRunning covers spec.md §6's "pid file present and
	// live" startup-failure cause: another Supervisor already holds the
	// single-instance lock for this root.
	KindDaemonAlreadyRunning Kind = "daemon.already_running"

	KindInternal Kind = "internal"
)

// Error is the concrete type satisfying error for every taxonomy member.
// Field is set only for Kind == KindConfigValidation. Path and ID are set
// where the originating operation names a file or an identifier, purely
// for log correlation; callers should match on Kind, not on these fields.
type Error struct {
	Kind  Kind
	Field string
	Path  string
	ID    string
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	switch {
	case e.Path != "" && e.Cause != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Path, e.Cause)
	case e.Path != "":
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Path, msg)
	case e.ID != "" && e.Cause != nil:
		return fmt.Sprintf("%s[%s]: %v", e.Kind, e.ID, e.Cause)
	case e.ID != "":
		return fmt.Sprintf("%s[%s]: %s", e.Kind, e.ID, msg)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so that
// errors.Is(err, mcperr.New(KindToolNotFound, "")) style checks work
// without callers needing a field-level sentinel per Kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// New constructs a bare Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs an Error of the given kind wrapping cause.
func Wrap(kind Kind, cause error, msg string) *Error {
	return &Error{Kind: kind, Cause: cause, Msg: msg}
}

// WithPath attaches a file path to e and returns e for chaining.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithID attaches an identifier (backend id, project id, tool name) to e.
func (e *Error) WithID(id string) *Error {
	e.ID = id
	return e
}

// WithField attaches the offending field name for validation errors.
func (e *Error) WithField(field string) *Error {
	e.Field = field
	return e
}

// KindOf extracts the Kind from err, returning KindInternal if err is not
// an *Error (or a wrapped one).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
