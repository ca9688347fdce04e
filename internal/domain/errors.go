package domain

import (
	"errors"
	"net/http"
)

var (
	// ErrValidation indicates malformed input or an unsupported file type
	ErrValidation = errors.New("invalid request")
	// ErrNotFound indicates an unknown job, session, document or knowledge base
	ErrNotFound = errors.New("resource not found")
	// ErrConflict indicates an operation racing a conflicting one,
	// e.g. deleting a knowledge base with jobs in flight
	ErrConflict = errors.New("conflicting operation")
	// ErrUpstream indicates an engine failure after the retry budget is spent
	ErrUpstream = errors.New("engine request failed")
	// ErrTimeout indicates the engine produced nothing within the deadline
	ErrTimeout = errors.New("engine request timed out")
	// ErrUnauthorized indicates a missing or wrong API key
	ErrUnauthorized = errors.New("unauthorized")
)

// HTTPStatus maps a domain error to its HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Kind returns the stable machine-readable kind for a domain error.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrUpstream):
		return "upstream_error"
	default:
		return "internal_error"
	}
}
