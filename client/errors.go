package client

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the SDK.
var (
	// ErrNetworkUnavailable wraps any transport-level failure. With
	// persistence enabled it triggers the optimistic-cache path instead of
	// surfacing to the caller.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrNotFound is the 404 class.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is the 409 class (optimistic precondition failed).
	ErrVersionConflict = errors.New("version conflict")

	// ErrPermissionDenied is the 403 class.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrTransactionConflict is returned when a transaction exhausts its
	// retry budget against persistent conflicts.
	ErrTransactionConflict = errors.New("transaction conflict: retry budget exhausted")

	// ErrRealtimeDisabled is returned from Snapshots when no broker URL is
	// configured.
	ErrRealtimeDisabled = errors.New("realtime features disabled: no broker configured")

	// ErrPersistenceDisabled is returned from queue inspection calls when
	// the cache is not enabled.
	ErrPersistenceDisabled = errors.New("persistence is not enabled")
)

// APIError is a structured error response from the server.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("server error %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Unwrap maps well-known status codes onto the SDK sentinels so callers can
// branch with errors.Is.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case 404:
		return ErrNotFound
	case 409:
		return ErrVersionConflict
	case 403:
		return ErrPermissionDenied
	}
	return nil
}

// IsNetworkError reports whether err is a transport failure (as opposed to a
// definitive server response).
func IsNetworkError(err error) bool {
	return errors.Is(err, ErrNetworkUnavailable)
}
