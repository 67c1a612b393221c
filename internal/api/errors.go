// Package api provides the HTTP client for the remote catalog service:
// presigned upload URL fetch, encrypted blob PUT, and file record
// create/update, with retry and error classification.
package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for catalog status classification. Use
// errors.Is(err, api.ErrStorageLimit) to check.
var (
	// ErrNoSubscription maps HTTP 402: the account has no active
	// subscription. Session-terminal.
	ErrNoSubscription = errors.New("api: no active subscription")
	// ErrStorageLimit maps HTTP 426: the storage quota is exhausted.
	// Session-terminal.
	ErrStorageLimit = errors.New("api: storage limit exceeded")
	// ErrFileTooLarge maps HTTP 413: the file exceeds the plan's
	// per-file cap. Terminal for the item, never retried.
	ErrFileTooLarge = errors.New("api: file too large for plan")

	ErrUnauthorized = errors.New("api: unauthorized")
	ErrNotFound     = errors.New("api: not found")
	ErrServerError  = errors.New("api: server error")
)

// APIError wraps a sentinel with the HTTP status, request ID, and the
// response body for debugging.
type APIError struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("api: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("api: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps a catalog HTTP status to a sentinel error.
// Returns nil for 2xx.
func classifyStatus(code int) error {
	switch code {
	case http.StatusPaymentRequired:
		return ErrNoSubscription
	case http.StatusRequestEntityTooLarge:
		return ErrFileTooLarge
	case http.StatusUpgradeRequired:
		return ErrStorageLimit
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusNotFound:
		return ErrNotFound
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return nil
	}
}

// isTerminal reports whether a status must never be retried: the
// plan/quota statuses have a fixed meaning that retrying cannot change.
func isTerminal(code int) bool {
	switch code {
	case http.StatusPaymentRequired,
		http.StatusRequestEntityTooLarge,
		http.StatusUpgradeRequired,
		http.StatusUnauthorized:
		return true
	default:
		return false
	}
}
