// Package xerrors defines the error taxonomy shared by the TFTP and SFTP
// servers. Both protocol cores classify failures into a Kind and convert
// them to wire-level responses (a TFTP ERROR packet or an SFTP STATUS code)
// without ever propagating raw errors to the listener.
package xerrors

import (
	"errors"
	"fmt"
)

// Kind categorizes a failure for wire-protocol translation and audit
// severity selection.
type Kind int

const (
	// KindIO is an OS filesystem or socket error. Non-recoverable for the
	// operation in progress; unrelated requests on the same listener continue.
	KindIO Kind = iota

	// KindProtocol is a malformed packet, unexpected opcode, or framing
	// violation. Terminal for the session.
	KindProtocol

	// KindAuthentication is an SSH auth refusal. Terminal; rate-limited.
	KindAuthentication

	// KindAccessDenied is a sandbox boundary, symlink, or write-pattern
	// violation.
	KindAccessDenied

	// KindNotFound is a missing file or handle.
	KindNotFound

	// KindTimeout is exhausted retries or a silent peer. Terminal for the
	// session; the peer may reconnect.
	KindTimeout

	// KindResourceExhaustion is a connection cap or file-size cap hit.
	// Terminal; auditable.
	KindResourceExhaustion

	// KindNotSupported is MAIL mode, multicast-when-disabled, or an
	// unimplemented SFTP feature.
	KindNotSupported

	// KindInvalidArgument is a malformed request parameter that isn't a
	// protocol framing violation (e.g., an invalid option value).
	KindInvalidArgument

	// KindAlreadyExists is a create/rename target collision.
	KindAlreadyExists
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindProtocol:
		return "protocol"
	case KindAuthentication:
		return "authentication"
	case KindAccessDenied:
		return "access_denied"
	case KindNotFound:
		return "not_found"
	case KindTimeout:
		return "timeout"
	case KindResourceExhaustion:
		return "resource_exhaustion"
	case KindNotSupported:
		return "not_supported"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindAlreadyExists:
		return "already_exists"
	default:
		return "unknown"
	}
}

// Error is a classified domain error. Path is intentionally omitted from the
// default Error() string: permission-denied errors must never leak the
// target path to the peer. Callers that need the path for local logging
// read the Path field directly rather than formatting it in.
type Error struct {
	Kind    Kind
	Message string
	Path    string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an Error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error that wraps cause, preserving it for errors.Is/As.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithPath attaches a path to the error for local logging/audit use only.
func (e *Error) WithPath(path string) *Error {
	clone := *e
	clone.Path = path
	return &clone
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error, otherwise
// returns KindIO as the conservative default for unclassified failures.
func KindOf(err error) Kind {
	var xerr *Error
	if errors.As(err, &xerr) {
		return xerr.Kind
	}
	return KindIO
}
