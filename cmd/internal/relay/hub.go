package relay

import (
	"log/slog"
	"sync"
)

// Hub fans out "request completed" signals to watchers of a request id.
//
// Concurrency guarantees:
// - Subscribe/Close are safe under concurrent Publish.
// - Publish never blocks; each subscription buffers one pending signal.
type Hub struct {
	log *slog.Logger

	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

// Subscription receives a value on C each time the watched request is completed.
// C is never closed by the hub; use Done to observe Close.
type Subscription struct {
	RequestID string
	C         <-chan struct{}

	ch        chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	hub       *Hub
}

// NewHub constructs an empty Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:  log,
		subs: make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe registers interest in requestID.
func (h *Hub) Subscribe(requestID string) *Subscription {
	ch := make(chan struct{}, 1)
	s := &Subscription{
		RequestID: requestID,
		C:         ch,
		ch:        ch,
		done:      make(chan struct{}),
		hub:       h,
	}

	h.mu.Lock()
	set := h.subs[requestID]
	if set == nil {
		set = make(map[*Subscription]struct{})
		h.subs[requestID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()

	h.log.Debug("hub.subscribe", "request_id", requestID)
	return s
}

// Publish signals every subscriber of requestID.
func (h *Hub) Publish(requestID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for s := range h.subs[requestID] {
		select {
		case s.ch <- struct{}{}:
			n++
		default:
			// A signal is already queued; the watcher will re-read state anyway.
		}
	}
	return n
}

// Watchers reports how many subscriptions exist for requestID.
func (h *Hub) Watchers(requestID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[requestID])
}

// Done is closed once the subscription is closed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Close unregisters the subscription (idempotent).
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		h := s.hub
		h.mu.Lock()
		if set := h.subs[s.RequestID]; set != nil {
			delete(set, s)
			if len(set) == 0 {
				delete(h.subs, s.RequestID)
			}
		}
		h.mu.Unlock()
		close(s.done)
	})
}
