// Package errs defines the stable error taxonomy returned by the
// supervision and credential-brokerage subsystem. Callers switch on Kind,
// never on message text.
package errs

import (
	"fmt"
	"net/http"
)

// Kind identifies a class of failure in the taxonomy. It is stable across
// releases; Message and Details are not.
type Kind string

const (
	InvalidInstanceID    Kind = "invalid_instance_id"
	InstanceNotFound     Kind = "instance_not_found"
	ServiceDisabled      Kind = "service_disabled"
	InstancePaused       Kind = "instance_paused"
	OAuthRequired        Kind = "oauth_required"
	ReauthRequired       Kind = "reauth_required"
	RefreshFailed        Kind = "refresh_failed"
	NoCredential         Kind = "no_credential"
	PortExhausted        Kind = "port_exhausted"
	SpawnFailed          Kind = "spawn_failed"
	StartupTimeout       Kind = "startup_timeout"
	ProtocolProbeFailed  Kind = "protocol_probe_failed"
	WebhookSignatureBad  Kind = "webhook_signature_invalid"
	WebhookHandlerFailed Kind = "webhook_handler_error"
)

// httpStatus maps each Kind to the surface status in spec §7. Kinds not
// present here have no fixed HTTP surface (e.g. they only ever bubble up
// through the Supervisor's retry budget).
var httpStatus = map[Kind]int{
	InvalidInstanceID:    http.StatusBadRequest,
	InstanceNotFound:     http.StatusNotFound,
	ServiceDisabled:      http.StatusServiceUnavailable,
	InstancePaused:       http.StatusForbidden,
	OAuthRequired:        http.StatusUnauthorized,
	ReauthRequired:       http.StatusUnauthorized,
	RefreshFailed:        http.StatusUnauthorized,
	NoCredential:         http.StatusUnauthorized,
	PortExhausted:        http.StatusServiceUnavailable,
	SpawnFailed:          http.StatusInternalServerError,
	StartupTimeout:       http.StatusInternalServerError,
	ProtocolProbeFailed:  http.StatusInternalServerError,
	WebhookSignatureBad:  http.StatusBadRequest,
	WebhookHandlerFailed: http.StatusOK,
}

// Error is the structured error type surfaced across component boundaries.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus returns the status code this Kind surfaces as. Unknown kinds
// map to 500.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind wrapping cause; cause is never
// included verbatim in Message (it may carry credential material upstream),
// only in Unwrap's chain for internal logging.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetails attaches structured detail fields and returns the receiver.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if err == nil {
		return false
	}
	if ae, ok := err.(*Error); ok {
		e = ae
	} else {
		return false
	}
	return e.Kind == kind
}

// MaskToken redacts all but a short prefix/suffix of a bearer token, for use
// in any log line or error Detail that might otherwise carry a credential.
func MaskToken(tok string) string {
	if len(tok) <= 8 {
		return "****"
	}
	return tok[:4] + "..." + tok[len(tok)-4:]
}
