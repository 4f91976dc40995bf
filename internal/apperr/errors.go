// Package apperr defines the error taxonomy shared by every pipeline component.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and surfacing decisions.
type Kind string

const (
	KindUnknown             Kind = "unknown"
	KindValidation          Kind = "validation"
	KindTransientProvider   Kind = "transient_provider"
	KindPermanentProvider   Kind = "permanent_provider"
	KindInvalidTransition   Kind = "invalid_transition"
	KindForbidden           Kind = "forbidden"
	KindConcurrencyConflict Kind = "concurrency_conflict"
	KindNotFound            Kind = "not_found"
)

// Sentinels matched with errors.Is. Every *Error unwraps to the sentinel of its kind.
var (
	ErrValidation          = errors.New("validation error")
	ErrTransientProvider   = errors.New("transient provider error")
	ErrPermanentProvider   = errors.New("permanent provider error")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrForbidden           = errors.New("forbidden")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrNotFound            = errors.New("not found")
)

var sentinels = map[Kind]error{
	KindValidation:          ErrValidation,
	KindTransientProvider:   ErrTransientProvider,
	KindPermanentProvider:   ErrPermanentProvider,
	KindInvalidTransition:   ErrInvalidTransition,
	KindForbidden:           ErrForbidden,
	KindConcurrencyConflict: ErrConcurrencyConflict,
	KindNotFound:            ErrNotFound,
}

// Error carries a kind, a caller-safe message and an optional cause.
type Error struct {
	Kind    Kind
	Code    string // finer grained code, e.g. SchemaInvalid or RateLimited
	Message string
	Cause   error
}

func (e *Error) Error() string {
	prefix := string(e.Kind)
	if e.Code != "" {
		prefix = e.Code
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s, ok := sentinels[e.Kind]; ok {
		errs = append(errs, s)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// New builds an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an error of the given kind around cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithCode sets the fine grained code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

func InvalidTransition(format string, args ...any) *Error {
	return New(KindInvalidTransition, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return New(KindForbidden, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

// KindOf returns the kind of the first *Error in the chain, or the kind whose
// sentinel matches, or KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	for kind, s := range sentinels {
		if errors.Is(err, s) {
			return kind
		}
	}
	return KindUnknown
}

// CodeOf returns the fine grained code of the first *Error in the chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Retryable reports whether the caller may retry the operation with backoff.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransientProvider, KindConcurrencyConflict:
		return true
	}
	return false
}

// PublicMessage is what may be shown to an end user. Forbidden and validation
// errors expose the kind only.
func PublicMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return "internal error"
	}
	switch e.Kind {
	case KindForbidden:
		return "forbidden"
	case KindValidation:
		return "invalid request"
	}
	return e.Message
}
