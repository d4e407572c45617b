package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"screenrelay/cmd/internal/ids"
)

// DefaultRequestTTL is the age after which the reaper deletes a request in any state.
const DefaultRequestTTL = time.Hour

// Result is what PollResult reports. Payload is set only for StateCompleted.
type Result struct {
	RequestID string
	State     State
	Payload   []byte
}

// Service owns both stores and implements the four relay operations.
//
// Create and PollPending touch only the request store and rely on its per-call atomicity.
// Upload, PollResult and Reap span both stores and run under mu, so a reader never sees a
// completed request without its result and the reaper never deletes under an in-flight upload.
type Service struct {
	log      *slog.Logger
	requests RequestStore
	results  ResultStore
	hub      *Hub
	metrics  *Metrics

	now   func() time.Time
	newID func(time.Time) (string, error)
	ttl   time.Duration

	mu sync.Mutex
}

// Option configures optional Service dependencies.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides request id generation.
func WithIDGenerator(gen func(time.Time) (string, error)) Option {
	return func(s *Service) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// WithHub attaches a watch hub that is signalled after every committed upload.
func WithHub(h *Hub) Option {
	return func(s *Service) {
		s.hub = h
	}
}

// WithMetrics attaches relay counters.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithTTL overrides the reaper age threshold.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewService constructs a Service. Nil stores fall back to in-memory implementations.
func NewService(log *slog.Logger, requests RequestStore, results ResultStore, opts ...Option) *Service {
	if log == nil {
		log = slog.Default()
	}
	if requests == nil {
		requests = NewInMemoryRequestStore()
	}
	if results == nil {
		results = NewInMemoryResultStore()
	}

	s := &Service{
		log:      log,
		requests: requests,
		results:  results,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    ids.NewULID,
		ttl:      DefaultRequestTTL,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s
}

// Hub returns the watch hub (may be nil).
func (s *Service) Hub() *Hub { return s.hub }

// Requests exposes the request store for readiness reporting and metrics.
func (s *Service) Requests() RequestStore { return s.requests }

// TTL returns the age threshold used by Reap.
func (s *Service) TTL() time.Duration { return s.ttl }

// Close releases both stores.
func (s *Service) Close() error {
	errReq := s.requests.Close()
	errRes := s.results.Close()
	if errReq != nil {
		return errReq
	}
	return errRes
}

// Create registers a new pending request for requesterID and returns it.
// requesterID is opaque and not validated.
func (s *Service) Create(ctx context.Context, requesterID string) (CaptureRequest, error) {
	now := s.now()
	id, err := s.newID(now)
	if err != nil {
		return CaptureRequest{}, fmt.Errorf("relay: new request id: %w", err)
	}

	req := CaptureRequest{
		ID:          id,
		RequesterID: requesterID,
		CreatedAt:   now,
		State:       StatePending,
	}
	if err := s.requests.Insert(ctx, req); err != nil {
		return CaptureRequest{}, fmt.Errorf("relay: insert request: %w", err)
	}

	s.metrics.incCreated()
	s.log.Info("relay.request.created", "request_id", id, "requester_id", requesterID)
	return req, nil
}

// PollPending claims every pending request for the caller.
// Each returned request is already Processing; concurrent callers receive disjoint sets.
func (s *Service) PollPending(ctx context.Context) ([]CaptureRequest, error) {
	claimed, err := s.requests.ClaimPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("relay: claim pending: %w", err)
	}
	if len(claimed) > 0 {
		s.metrics.addClaimed(len(claimed))
		s.log.Info("relay.request.claimed", "count", len(claimed))
	}
	return claimed, nil
}

// Upload stores payload for id and marks the request completed.
//
// It does not check the prior state: uploading for a pending request (never claimed) or
// re-uploading for a completed one is allowed, and the last write wins.
func (s *Service) Upload(ctx context.Context, id string, payload []byte) error {
	s.mu.Lock()
	err := s.uploadLocked(ctx, id, payload)
	s.mu.Unlock()
	if err != nil {
		return err
	}

	s.metrics.incUploaded()
	watchers := 0
	if s.hub != nil {
		watchers = s.hub.Publish(id)
	}
	s.log.Info("relay.result.uploaded", "request_id", id, "bytes", len(payload), "watchers", watchers)
	return nil
}

func (s *Service) uploadLocked(ctx context.Context, id string, payload []byte) error {
	prev, ok, err := s.requests.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("relay: get request: %w", err)
	}
	if !ok {
		s.metrics.incNotFound("upload")
		return ErrNotFound
	}
	if len(payload) == 0 {
		return ErrEmptyPayload
	}

	// Result first, then state: Completed is only ever observable with its payload present.
	if err := s.results.Put(ctx, CaptureResult{RequestID: id, Payload: payload, StoredAt: s.now()}); err != nil {
		return fmt.Errorf("relay: put result: %w", err)
	}
	if _, err := s.requests.SetState(ctx, id, StateCompleted); err != nil {
		return fmt.Errorf("relay: set state: %w", err)
	}

	if prev.State == StateCompleted {
		s.log.Info("relay.result.overwrite", "request_id", id)
	}
	return nil
}

// PollResult reports the current state of id and, once completed, its payload.
func (s *Service) PollResult(ctx context.Context, id string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok, err := s.requests.Get(ctx, id)
	if err != nil {
		return Result{}, fmt.Errorf("relay: get request: %w", err)
	}
	if !ok {
		s.metrics.incNotFound("poll_result")
		return Result{}, ErrNotFound
	}

	out := Result{RequestID: id, State: req.State}
	if req.State != StateCompleted {
		return out, nil
	}

	res, ok, err := s.results.Get(ctx, id)
	if err != nil {
		return Result{}, fmt.Errorf("relay: get result: %w", err)
	}
	if !ok {
		// Unreachable while uploads commit under mu; reported as still in flight.
		out.State = StateProcessing
		return out, nil
	}
	out.Payload = res.Payload
	return out, nil
}

// Reap deletes every request older than the TTL as of now, in any state, with its result.
// Watchers of removed requests are woken so their streams can end. It returns the number
// of requests removed.
func (s *Service) Reap(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	removed, err := s.reapLocked(ctx, now.Add(-s.ttl))
	s.mu.Unlock()

	s.metrics.addReaped(len(removed))
	if s.hub != nil {
		for _, id := range removed {
			s.hub.Publish(id)
		}
	}
	return len(removed), err
}

func (s *Service) reapLocked(ctx context.Context, cutoff time.Time) ([]string, error) {
	expired, err := s.requests.CreatedBefore(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("relay: list expired: %w", err)
	}

	removed := make([]string, 0, len(expired))
	for _, id := range expired {
		if err := s.requests.Delete(ctx, id); err != nil {
			return removed, fmt.Errorf("relay: delete request %s: %w", id, err)
		}
		if err := s.results.Delete(ctx, id); err != nil {
			return removed, fmt.Errorf("relay: delete result %s: %w", id, err)
		}
		removed = append(removed, id)
	}
	return removed, nil
}

// Counts returns per-state request counts and the number of stored results.
func (s *Service) Counts(ctx context.Context) (map[State]int, int, error) {
	byState, err := s.requests.CountByState(ctx)
	if err != nil {
		return nil, 0, err
	}
	results, err := s.results.Len(ctx)
	if err != nil {
		return nil, 0, err
	}
	return byState, results, nil
}
