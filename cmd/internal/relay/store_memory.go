package relay

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// InMemoryRequestStore is the process-local RequestStore.
// A single mutex guards the map; volume is a handful of requests per minute.
type InMemoryRequestStore struct {
	mu   sync.Mutex
	reqs map[string]*CaptureRequest
}

// NewInMemoryRequestStore constructs an empty request store.
func NewInMemoryRequestStore() *InMemoryRequestStore {
	return &InMemoryRequestStore{
		reqs: make(map[string]*CaptureRequest),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryRequestStore) Close() error { return nil }

// Insert adds or replaces a request.
func (s *InMemoryRequestStore) Insert(ctx context.Context, req CaptureRequest) error {
	if req.ID == "" {
		return errors.New("missing request id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := req
	s.reqs[req.ID] = &cp
	return nil
}

// Get returns a copy of the request with the given id.
func (s *InMemoryRequestStore) Get(ctx context.Context, id string) (CaptureRequest, bool, error) {
	if err := ctx.Err(); err != nil {
		return CaptureRequest{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reqs[id]
	if !ok {
		return CaptureRequest{}, false, nil
	}
	return *r, true, nil
}

// SetState overwrites the state of an existing request.
func (s *InMemoryRequestStore) SetState(ctx context.Context, id string, st State) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reqs[id]
	if !ok {
		return false, nil
	}
	r.State = st
	return true, nil
}

// ClaimPending returns every pending request and marks each one processing.
// Returned entries are ordered by creation time for stable logs.
func (s *InMemoryRequestStore) ClaimPending(ctx context.Context) ([]CaptureRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	var claimed []CaptureRequest
	for _, r := range s.reqs {
		if r.State != StatePending {
			continue
		}
		r.State = StateProcessing
		claimed = append(claimed, *r)
	}
	s.mu.Unlock()

	sort.Slice(claimed, func(i, j int) bool {
		if claimed[i].CreatedAt.Equal(claimed[j].CreatedAt) {
			return claimed[i].ID < claimed[j].ID
		}
		return claimed[i].CreatedAt.Before(claimed[j].CreatedAt)
	})
	return claimed, nil
}

// CreatedBefore lists ids of requests created strictly before cutoff, in any state.
func (s *InMemoryRequestStore) CreatedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for id, r := range s.reqs {
		if r.CreatedAt.Before(cutoff) {
			out = append(out, id)
		}
	}
	return out, nil
}

// Delete removes a request. Missing ids are ignored.
func (s *InMemoryRequestStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.reqs, id)
	s.mu.Unlock()
	return nil
}

// CountByState reports how many requests sit in each state.
func (s *InMemoryRequestStore) CountByState(ctx context.Context) (map[State]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make(map[State]int, len(States))
	for _, st := range States {
		out[st] = 0
	}

	s.mu.Lock()
	for _, r := range s.reqs {
		out[r.State]++
	}
	s.mu.Unlock()

	return out, nil
}

// InMemoryResultStore is the process-local ResultStore.
// Payloads are copied on the way in and out so callers never share backing arrays.
type InMemoryResultStore struct {
	mu      sync.Mutex
	results map[string]CaptureResult
}

// NewInMemoryResultStore constructs an empty result store.
func NewInMemoryResultStore() *InMemoryResultStore {
	return &InMemoryResultStore{
		results: make(map[string]CaptureResult),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryResultStore) Close() error { return nil }

// Put inserts or overwrites the result for res.RequestID.
func (s *InMemoryResultStore) Put(ctx context.Context, res CaptureResult) error {
	if res.RequestID == "" {
		return errors.New("missing request id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	res.Payload = bytes.Clone(res.Payload)

	s.mu.Lock()
	s.results[res.RequestID] = res
	s.mu.Unlock()
	return nil
}

// Get returns a copy of the stored result.
func (s *InMemoryResultStore) Get(ctx context.Context, requestID string) (CaptureResult, bool, error) {
	if err := ctx.Err(); err != nil {
		return CaptureResult{}, false, err
	}

	s.mu.Lock()
	res, ok := s.results[requestID]
	s.mu.Unlock()

	if !ok {
		return CaptureResult{}, false, nil
	}
	res.Payload = bytes.Clone(res.Payload)
	return res, true, nil
}

// Delete removes a result. Missing ids are ignored.
func (s *InMemoryResultStore) Delete(ctx context.Context, requestID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.results, requestID)
	s.mu.Unlock()
	return nil
}

// Len reports how many results are held.
func (s *InMemoryResultStore) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results), nil
}
