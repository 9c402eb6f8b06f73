package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"introbroker/internal/auth"
	"introbroker/internal/authpw"
	"introbroker/internal/store"
	"introbroker/internal/workflow"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// fromWorkflow turns an engine rejection into its HTTP form.
func fromWorkflow(err *workflow.Error) *DomainError {
	switch err.Kind {
	case workflow.KindUnauthenticated:
		return domainError(http.StatusUnauthorized, "UNAUTHENTICATED", err.Message, nil)
	case workflow.KindForbidden:
		return domainError(http.StatusForbidden, "FORBIDDEN", err.Message, nil)
	case workflow.KindNotFound:
		return domainError(http.StatusNotFound, "NOT_FOUND", err.Message, nil)
	case workflow.KindInvalidTransition:
		return domainError(http.StatusConflict, "INVALID_TRANSITION", err.Message, map[string]any{"gate": err.Gate})
	case workflow.KindAdapterFailure:
		return domainError(http.StatusBadGateway, "ADAPTER_FAILURE", err.Message, map[string]any{"retryable": true})
	case workflow.KindConflict:
		return domainError(http.StatusConflict, "CONFLICT", err.Message, nil)
	case workflow.KindValidation:
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Message, nil)
	case workflow.KindMailAuth:
		return domainError(http.StatusFailedDependency, "MAIL_AUTH_REQUIRED", err.Message, map[string]any{"retryable": true})
	default:
		return domainError(http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil)
	}
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var flowErr *workflow.Error
	if errors.As(err, &flowErr) {
		mapped := fromWorkflow(flowErr)
		return mapped.Status, mapped.Code, mapped.Message, mapped.Details
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHENTICATED", "Unauthorized", nil
	case errors.Is(err, authpw.ErrEmailTaken):
		return http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil
	case errors.Is(err, authpw.ErrInvalidInput):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "UNAVAILABLE", "Request cancelled", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
