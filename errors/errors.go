package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

var (
	ErrWorkerPanic       = fmt.Errorf("worker panic")
	ErrOnlyCensoredFiles = fmt.Errorf("censored directory contains directories")
	ErrEmptyWords        = fmt.Errorf("no words have been found")

	ErrAuthFailure           = fmt.Errorf("unauthenticated or stale token")
	ErrDuplicateRegistration = fmt.Errorf("connection already registered")
	ErrStoreUnavailable      = fmt.Errorf("notification store unavailable")
	ErrDeliveryExhausted     = fmt.Errorf("delivery retries exhausted")
	ErrAckBeyondDelivered    = fmt.Errorf("acknowledged sequence was never delivered")
	ErrUnknownConnection     = fmt.Errorf("unknown connection")
	ErrInvalidNotification   = fmt.Errorf("invalid notification")
	ErrInvalidIdentifier     = fmt.Errorf("invalid identifier")
	ErrNotificationNotFound  = fmt.Errorf("notification not found")
	ErrNotMember             = fmt.Errorf("identity is not a member of scope")
	ErrForbidden             = fmt.Errorf("forbidden")

	ErrUserAlreadyExists  = fmt.Errorf("user already exists")
	ErrInvalidCredentials = fmt.Errorf("invalid credentials")
	ErrInvalidPassword    = fmt.Errorf("password does not meet complexity rules")
	ErrTokenGeneration    = fmt.Errorf("token generation failed")
	ErrInvalidHash        = fmt.Errorf("invalid password hash format")
	ErrInvalidRequest     = fmt.Errorf("invalid request")
)

// HTTPStatus maps a domain error to the status code returned to API clients.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case stderrors.Is(err, ErrAuthFailure), stderrors.Is(err, ErrInvalidCredentials):
		return http.StatusUnauthorized
	case stderrors.Is(err, ErrForbidden), stderrors.Is(err, ErrNotMember):
		return http.StatusForbidden
	case stderrors.Is(err, ErrInvalidNotification), stderrors.Is(err, ErrInvalidIdentifier),
		stderrors.Is(err, ErrInvalidPassword), stderrors.Is(err, ErrAckBeyondDelivered),
		stderrors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case stderrors.Is(err, ErrNotificationNotFound), stderrors.Is(err, ErrUnknownConnection):
		return http.StatusNotFound
	case stderrors.Is(err, ErrUserAlreadyExists), stderrors.Is(err, ErrDuplicateRegistration):
		return http.StatusConflict
	case stderrors.Is(err, ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsRetryable reports whether the caller should retry with backoff.
func IsRetryable(err error) bool {
	return stderrors.Is(err, ErrStoreUnavailable)
}
