package workflow

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindUnauthenticated   Kind = "unauthenticated"
	KindForbidden         Kind = "forbidden"
	KindNotFound          Kind = "not_found"
	KindInvalidTransition Kind = "invalid_transition"
	KindAdapterFailure    Kind = "adapter_failure"
	KindConflict          Kind = "conflict"
	KindValidation        Kind = "validation"
	KindMailAuth          Kind = "mail_auth"
)

// Error is a typed rejection. Gate names the field whose precondition
// blocked an invalid transition.
type Error struct {
	Kind    Kind
	Gate    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Retryable reports whether re-invoking the same operation may succeed.
func (e *Error) Retryable() bool {
	return e != nil && (e.Kind == KindAdapterFailure || e.Kind == KindMailAuth)
}

func Unauthenticated() *Error {
	return &Error{Kind: KindUnauthenticated, Message: "authentication required"}
}

func Forbidden(message string) *Error {
	return &Error{Kind: KindForbidden, Message: message}
}

func NotFound(what string) *Error {
	return &Error{Kind: KindNotFound, Message: what + " not found"}
}

func InvalidTransition(gate, message string) *Error {
	return &Error{Kind: KindInvalidTransition, Gate: gate, Message: message}
}

func AdapterFailure(message string, err error) *Error {
	return &Error{Kind: KindAdapterFailure, Message: message, Err: err}
}

func Conflict(message string) *Error {
	return &Error{Kind: KindConflict, Message: message}
}

func Validation(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

func MailAuthRequired(message string) *Error {
	return &Error{Kind: KindMailAuth, Message: message}
}

// KindOf returns the kind of a workflow error anywhere in err's chain, or ""
// when err is not one.
func KindOf(err error) Kind {
	var wfErr *Error
	if errors.As(err, &wfErr) {
		return wfErr.Kind
	}
	return ""
}
