// Package apperr defines the error kinds every boundary operation reports.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindUnauthorized      Kind = "unauthorized"
	KindMissingUserID     Kind = "missing_user_id"
	KindInvalidParameter  Kind = "invalid_parameter"
	KindInvalidField      Kind = "invalid_field"
	KindNotFound          Kind = "not_found"
	KindAmbiguousSelector Kind = "ambiguous_selector"
	KindCryptoFailure     Kind = "crypto_failure"
	KindInternal          Kind = "internal_error"
)

// Error carries a kind and a caller-safe message. Err holds the underlying
// cause for logs and is never rendered to clients.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func Unauthorized(message string) *Error {
	return &Error{Kind: KindUnauthorized, Message: message}
}

func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

func InvalidParameter(format string, args ...interface{}) *Error {
	return New(KindInvalidParameter, format, args...)
}

func InvalidField(field string) *Error {
	return New(KindInvalidField, "invalid field: %s", field)
}

func CryptoFailure(err error, message string) *Error {
	return Wrap(KindCryptoFailure, err, message)
}

// KindOf reports the kind of err, or KindInternal for errors that did not
// originate here.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// MessageOf returns the caller-safe message for err.
func MessageOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal server error"
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindMissingUserID, KindInvalidParameter, KindInvalidField:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAmbiguousSelector:
		return http.StatusConflict
	case KindCryptoFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
