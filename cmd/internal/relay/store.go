package relay

import (
	"context"
	"time"
)

// CaptureRequest is one viewer-initiated capture.
// Only State changes after creation.
type CaptureRequest struct {
	ID          string
	RequesterID string
	CreatedAt   time.Time
	State       State
}

// CaptureResult holds the uploaded image for a request.
type CaptureResult struct {
	RequestID string
	Payload   []byte
	StoredAt  time.Time
}

// RequestStore is a keyed, unordered map of capture requests.
//
// Requirements:
//   - every mutation is atomic for a single key
//   - ClaimPending transitions each returned entry Pending -> Processing under the same
//     critical section that observed it, so two callers never receive the same entry
//   - missing keys are reported through the bool result, never as an error
type RequestStore interface {
	Insert(ctx context.Context, req CaptureRequest) error
	Get(ctx context.Context, id string) (CaptureRequest, bool, error)
	SetState(ctx context.Context, id string, st State) (bool, error)
	ClaimPending(ctx context.Context) ([]CaptureRequest, error)
	CreatedBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	Delete(ctx context.Context, id string) error
	CountByState(ctx context.Context) (map[State]int, error)
	Close() error
}

// ResultStore is a keyed map of uploaded results.
type ResultStore interface {
	Put(ctx context.Context, res CaptureResult) error
	Get(ctx context.Context, requestID string) (CaptureResult, bool, error)
	Delete(ctx context.Context, requestID string) error
	Len(ctx context.Context) (int, error)
	Close() error
}
