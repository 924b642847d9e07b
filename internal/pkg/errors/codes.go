package errors

import "net/http"

// Error code constants. Errors carry code + message; clients branch on code.

// Document error codes.
const (
	CodeDocumentNotFound = "DOCUMENT_NOT_FOUND"
	CodeVersionConflict  = "VERSION_CONFLICT"
	CodePathInvalid      = "PATH_INVALID"
)

// Authorization error codes.
const (
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeTokenInvalid     = "TOKEN_INVALID"
)

// Request error codes.
const (
	CodeMalformedRequest = "MALFORMED_REQUEST"
	CodeBatchInvalid     = "BATCH_INVALID"
)

// Infrastructure error codes.
const (
	CodeInternalError = "INTERNAL_ERROR"
	CodeStorageError  = "STORAGE_ERROR"
)

// Convenience constructors using predefined codes.

// ErrDocumentNotFoundf creates a document not found error.
func ErrDocumentNotFoundf(path string) *AppError {
	return &AppError{
		Code:       CodeDocumentNotFound,
		Message:    "document not found: " + path,
		HTTPStatus: http.StatusNotFound,
		Err:        ErrNotFound,
	}
}

// ErrVersionConflictf creates an optimistic-concurrency conflict error.
func ErrVersionConflictf(path string) *AppError {
	return &AppError{
		Code:       CodeVersionConflict,
		Message:    "version conflict: " + path + " has been modified",
		HTTPStatus: http.StatusConflict,
		Err:        ErrVersionConflict,
	}
}

// ErrPermissionDeniedf creates a rules-denial error.
func ErrPermissionDeniedf(operation, path string) *AppError {
	return &AppError{
		Code:       CodePermissionDenied,
		Message:    "operation not allowed: " + operation + " " + path,
		HTTPStatus: http.StatusForbidden,
		Err:        ErrPermissionDeny,
	}
}

// ErrMalformedRequestf creates a bad request error.
func ErrMalformedRequestf(detail string) *AppError {
	return &AppError{
		Code:       CodeMalformedRequest,
		Message:    detail,
		HTTPStatus: http.StatusBadRequest,
		Err:        ErrBadRequest,
	}
}
