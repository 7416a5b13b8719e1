// Package coreerr centralizes the error taxonomy shared across sotto-core
// packages: configuration, permission, resource, transient I/O, device-gone,
// protocol-version, sidecar, and internal (panic-derived) failures.
package coreerr

import "errors"

// Kind classifies an error for UI surfacing and recovery policy.
type Kind string

const (
	Configuration  Kind = "configuration"
	Permission     Kind = "permission"
	Resource       Kind = "resource"
	TransientIO    Kind = "transient_io"
	DeviceGone     Kind = "device_gone"
	ProtocolVer    Kind = "protocol_version"
	SidecarFailure Kind = "sidecar"
	Internal       Kind = "internal"
)

// Error wraps an underlying cause with a taxonomy Kind.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds a taxonomy error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a taxonomy error around an existing cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err carries the given taxonomy Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
