// Package v1 defines the screenrelay HTTP protocol v1 contract.
//
// It is shared between the relay, the capture agent and the viewer so the wire format
// stays authoritative in one place. Binary payloads are []byte fields and therefore
// travel as standard base64 strings in JSON.
package v1

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status values reported on the wire.
const (
	StatusCreated    = "created"
	StatusUploaded   = "uploaded"
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
)

// Route fragments. Paths are built by the helpers below so server and clients agree.
const (
	PathRequests = "/requests"
	PathPending  = "/requests:pending"

	VerbUpload = "upload"
	VerbWatch  = "watch"
)

// WatchSubprotocol is the websocket subprotocol negotiated by the watch endpoint.
const WatchSubprotocol = "screenrelay.v1"

// EventTypeStatus is the only watch event type.
const EventTypeStatus = "status"

// RequestPath returns "/requests/{id}".
func RequestPath(id string) string {
	return PathRequests + "/" + id
}

// RequestVerbPath returns "/requests/{id}:{verb}".
func RequestVerbPath(id, verb string) string {
	return RequestPath(id) + ":" + verb
}

// SplitRequestPath parses the part of a path after "/requests/" into id and optional verb.
func SplitRequestPath(rest string) (id, verb string, err error) {
	if rest == "" || strings.Contains(rest, "/") {
		return "", "", errors.New("malformed request path")
	}
	id, verb, _ = strings.Cut(rest, ":")
	if id == "" {
		return "", "", errors.New("missing request id")
	}
	return id, verb, nil
}

// ValidStatus reports whether s is a lifecycle status.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted:
		return true
	}
	return false
}

// CreateRequest is the body of POST /requests.
type CreateRequest struct {
	RequesterID string `json:"requesterId"`
}

// CreateResponse answers POST /requests.
type CreateResponse struct {
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
}

// PendingRequest is one claimed entry returned by GET /requests:pending.
type PendingRequest struct {
	RequestID   string    `json:"requestId"`
	RequesterID string    `json:"requesterId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// PendingResponse answers GET /requests:pending.
type PendingResponse struct {
	HasRequests bool             `json:"hasRequests"`
	Requests    []PendingRequest `json:"requests"`
}

// UploadRequest is the body of POST /requests/{id}:upload.
type UploadRequest struct {
	RequestID string `json:"requestId,omitempty"`
	Payload   []byte `json:"payload" validate:"required,min=1"`
}

// UploadResponse answers a successful upload.
type UploadResponse struct {
	Status string `json:"status"`
}

// ResultResponse answers GET /requests/{id}. Payload is set only when Status is completed.
type ResultResponse struct {
	Status  string `json:"status"`
	Payload []byte `json:"payload,omitempty"`
}

// Completed reports whether the result carries the captured image.
func (r ResultResponse) Completed() bool {
	return r.Status == StatusCompleted && len(r.Payload) > 0
}

// LinkResponse answers GET /link.
type LinkResponse struct {
	ViewerURL string `json:"viewerUrl"`
	RelayURL  string `json:"relayUrl"`
}

// WatchEvent is pushed over the watch websocket.
type WatchEvent struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
	Payload   []byte `json:"payload,omitempty"`
}

// Validate checks the rules every watch event must satisfy.
func (e WatchEvent) Validate() error {
	if e.Type != EventTypeStatus {
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
	if e.RequestID == "" {
		return errors.New("missing requestId")
	}
	if !ValidStatus(e.Status) {
		return fmt.Errorf("invalid status: %q", e.Status)
	}
	if e.Status == StatusCompleted && len(e.Payload) == 0 {
		return errors.New("completed event without payload")
	}
	return nil
}

// APIError is the error body shape: {"error":{"code":"...","message":"..."}}.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps APIError.
type ErrorResponse struct {
	Error APIError `json:"error"`
}

// Error codes.
const (
	CodeNotFound         = "not_found"
	CodeBadRequest       = "bad_request"
	CodeInvalidJSON      = "invalid_json"
	CodeIDMismatch       = "id_mismatch"
	CodeMethodNotAllowed = "method_not_allowed"
	CodePayloadTooLarge  = "payload_too_large"
	CodeWatchDisabled    = "watch_disabled"
	CodeInternal         = "internal"
)
