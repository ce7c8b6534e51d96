// Package apperr — таксономия ошибок чата, общая для HTTP и WebSocket.
package apperr

import (
	"context"
	"errors"
	"net/http"
)

type Kind string

const (
	KindInvalidArgument  Kind = "invalid_argument"
	KindUnauthenticated  Kind = "unauthenticated"
	KindCapabilityDenied Kind = "capability_denied"
	KindNotFound         Kind = "not_found"
	KindUpstreamFailure  Kind = "upstream_failure"
	KindInternal         Kind = "internal"
)

// Error несёт вид ошибки, сообщение для клиента и (опционально) исходную причину.
// Причина в ответ клиенту не попадает.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is сравнивает только вид: errors.Is(err, apperr.ErrNotFound).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels для errors.Is.
var (
	ErrInvalidArgument  = &Error{Kind: KindInvalidArgument}
	ErrUnauthenticated  = &Error{Kind: KindUnauthenticated}
	ErrCapabilityDenied = &Error{Kind: KindCapabilityDenied}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrUpstreamFailure  = &Error{Kind: KindUpstreamFailure}
	ErrInternal         = &Error{Kind: KindInternal}
)

func Invalid(msg string) error { return &Error{Kind: KindInvalidArgument, Message: msg} }

func Unauthenticated(msg string) error { return &Error{Kind: KindUnauthenticated, Message: msg} }

func Denied(msg string) error { return &Error{Kind: KindCapabilityDenied, Message: msg} }

func NotFound(msg string) error { return &Error{Kind: KindNotFound, Message: msg} }

func Upstream(msg string, err error) error {
	return &Error{Kind: KindUpstreamFailure, Message: msg, Err: err}
}

func Internal(msg string, err error) error {
	return &Error{Kind: KindInternal, Message: msg, Err: err}
}

// KindOf определяет вид любой ошибки. Таймауты хранилища — UpstreamFailure,
// всё неизвестное — Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindUpstreamFailure
	}
	return KindInternal
}

// Message возвращает безопасный для клиента текст ошибки.
func Message(err error) string {
	var ae *Error
	if errors.As(err, &ae) && ae.Message != "" {
		return ae.Message
	}
	switch KindOf(err) {
	case KindUpstreamFailure:
		return "upstream failure"
	default:
		return "internal error"
	}
}

// HTTPStatus — классификация вида ошибки для ответов API.
func HTTPStatus(k Kind) int {
	switch k {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindCapabilityDenied:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindUpstreamFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
