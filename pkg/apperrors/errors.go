package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// 错误分类（Kind）。组件边界上的错误都应能通过 errors.Is 匹配到其中之一。
var (
	ErrInvalidInput            = errors.New("invalid input")
	ErrNotFound                = errors.New("not found")
	ErrInvalidTransition       = errors.New("invalid state transition")
	ErrConcurrencyConflict     = errors.New("concurrency conflict")
	ErrStaleReservation        = errors.New("stale reservation")
	ErrTransientWorkerFailure  = errors.New("transient worker failure")
	ErrPermanentSegmentFailure = errors.New("permanent segment failure")
	ErrBackendUnavailable      = errors.New("signing backend unavailable")
	ErrObjectNotFound          = errors.New("object not found")
	ErrSigningKeyInvalid       = errors.New("signing key invalid")
)

// Error 带操作名和分类的应用错误
type Error struct {
	Kind    error
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Kind != nil {
		msg = e.Kind.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 让 errors.Is(err, ErrXxx) 可以匹配 Kind
func (e *Error) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

// E 构造错误
func E(op string, kind error, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

func InvalidInput(op, message string) *Error {
	return E(op, ErrInvalidInput, message, nil)
}

func NotFound(op, message string) *Error {
	return E(op, ErrNotFound, message, nil)
}

// HTTPStatus 把错误分类映射为 HTTP 状态码
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrObjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConcurrencyConflict), errors.Is(err, ErrStaleReservation):
		return http.StatusConflict
	case errors.Is(err, ErrBackendUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
