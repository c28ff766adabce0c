// Package bridgeerr defines the typed error kinds surfaced across the
// bridge core, so callers can branch on failure class without parsing
// message text.
package bridgeerr

import "fmt"

// Kind classifies a bridge error.
type Kind string

const (
	KindInvalidInput        Kind = "invalid_input"
	KindStorage             Kind = "storage"
	KindProtocol            Kind = "protocol"
	KindSerialization       Kind = "serialization"
	KindSessionNotFound     Kind = "session_not_found"
	KindKeyDerivation       Kind = "key_derivation"
	KindSchemaVersionTooOld Kind = "schema_version_too_old"
)

// Error is the concrete error type returned across package boundaries
// in the bridge core. It never carries a panic in place of a value -
// every user-facing failure path constructs one of these instead.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newErr(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func InvalidInput(message string) *Error {
	return newErr(KindInvalidInput, message, nil)
}

func Storage(message string, cause error) *Error {
	return newErr(KindStorage, message, cause)
}

func Protocol(message string) *Error {
	return newErr(KindProtocol, message, nil)
}

func ProtocolWrap(message string, cause error) *Error {
	return newErr(KindProtocol, message, cause)
}

func Serialization(message string, cause error) *Error {
	return newErr(KindSerialization, message, cause)
}

func SessionNotFound(message string) *Error {
	return newErr(KindSessionNotFound, message, nil)
}

func KeyDerivation(message string, cause error) *Error {
	return newErr(KindKeyDerivation, message, cause)
}

func SchemaVersionTooOld(message string) *Error {
	return newErr(KindSchemaVersionTooOld, message, nil)
}

// Is reports whether err is a bridge *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if be, ok := err.(*Error); ok {
			e = be
			break
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return e != nil && e.Kind == kind
}
