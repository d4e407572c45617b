package agent

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTransport covers network failures and unexpected relay responses.
	ErrTransport = errors.New("relay transport error")
	// ErrNotFound means the relay no longer knows the request (never created or reaped).
	ErrNotFound = errors.New("request not found")
	// ErrExhaustedRetries ends the loop after too many consecutive transport errors.
	ErrExhaustedRetries = errors.New("too many consecutive relay errors")
)

// StatusError is a non-2xx relay response.
type StatusError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: relay returned %d %s: %s", e.Op, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: relay returned %d", e.Op, e.StatusCode)
}

// Unwrap maps 404 to ErrNotFound and everything else to ErrTransport.
func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return ErrTransport
}
