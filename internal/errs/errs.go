// Package errs holds the error kinds shared by every component of the chat core.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrPermissionDenied     = errors.New("permission denied")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrInvariantViolation   = errors.New("invariant violation")
	ErrGapExceeded          = errors.New("gap exceeded")
	ErrTransientTransport   = errors.New("transient transport failure")
	ErrSystemInvariantFault = errors.New("system invariant fault")
	ErrUnauthenticated      = errors.New("unauthenticated")
)

var kinds = []struct {
	err    error
	name   string
	status int
}{
	{ErrPermissionDenied, "permission_denied", http.StatusForbidden},
	{ErrInvalidArgument, "invalid_argument", http.StatusBadRequest},
	{ErrNotFound, "not_found", http.StatusNotFound},
	{ErrConflict, "conflict", http.StatusConflict},
	{ErrInvariantViolation, "invariant_violation", http.StatusConflict},
	{ErrGapExceeded, "gap_exceeded", http.StatusGone},
	{ErrTransientTransport, "transient_transport", http.StatusServiceUnavailable},
	{ErrSystemInvariantFault, "system_invariant_fault", http.StatusInternalServerError},
	{ErrUnauthenticated, "unauthenticated", http.StatusUnauthorized},
}

// New wraps kind with a formatted detail message.
func New(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Transient marks err as a transport/storage hiccup, keeping the cause in the chain.
func Transient(op string, err error) error {
	if err == nil || errors.Is(err, ErrTransientTransport) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrTransientTransport, op, err)
}

// Kind returns the snake_case name of the first kind found in err's chain,
// or "internal" when err carries none.
func Kind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "internal"
}

// HTTPStatus maps err to the status code returned by the HTTP API.
func HTTPStatus(err error) int {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.status
		}
	}
	return http.StatusInternalServerError
}

// IsTransient reports whether err may succeed when retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientTransport)
}
