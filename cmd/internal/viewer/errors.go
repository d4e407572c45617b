package viewer

import "errors"

var (
	// ErrTimeout means no completed result arrived within the session timeout.
	ErrTimeout = errors.New("timed out waiting for capture")
	// ErrNotFound means the relay does not know the request (never created or reaped).
	ErrNotFound = errors.New("request not found")
	// ErrTransport covers network failures and unexpected relay responses.
	ErrTransport = errors.New("relay transport error")
	// ErrSuperseded ends a session replaced by a newer capture.
	ErrSuperseded = errors.New("capture superseded by a newer request")
)
