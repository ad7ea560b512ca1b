// Package perror defines the error kinds the proxy core surfaces to its
// callers, so they can branch on failure category without string matching.
package perror

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error surfaced by the core.
type Kind string

const (
	ConfigInvalid          Kind = "ConfigInvalid"
	BindFailed             Kind = "BindFailed"
	CaUnavailable          Kind = "CaUnavailable"
	CertIssueFailed        Kind = "CertIssueFailed"
	UpstreamConnectFailed  Kind = "UpstreamConnectFailed"
	UpstreamTimeout        Kind = "UpstreamTimeout"
	ClientAborted          Kind = "ClientAborted"
	ProtocolViolation      Kind = "ProtocolViolation"
	LocalLoopBlocked       Kind = "LocalLoopBlocked"
)

// Error wraps an underlying cause with a Kind so callers can branch on it
// without string-matching.
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

// New creates an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap creates an Error of the given kind wrapping err.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from err, if it (or something it wraps) is an
// *Error. The zero Kind is returned otherwise.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// HTTPStatus maps a Kind to the status code the dispatcher should write to
// the client. Kinds with no client-visible response (e.g.
// ClientAborted) return 0.
func (k Kind) HTTPStatus() int {
	switch k {
	case CertIssueFailed, UpstreamConnectFailed:
		return http.StatusBadGateway
	case UpstreamTimeout:
		return http.StatusGatewayTimeout
	case ProtocolViolation, LocalLoopBlocked:
		return http.StatusBadRequest
	case ConfigInvalid, CaUnavailable, BindFailed:
		return 0
	default:
		return 0
	}
}
