package relay

import "errors"

var (
	// ErrNotFound is returned when an operation references a request id the store does not hold.
	ErrNotFound = errors.New("request not found")

	// ErrEmptyPayload is returned when an upload carries no image bytes.
	ErrEmptyPayload = errors.New("empty payload")
)
