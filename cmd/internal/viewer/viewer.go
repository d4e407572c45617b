// Package viewer implements the requesting side: create a capture, then wait for the image.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	DefaultInterval = time.Second
	DefaultTimeout  = 30 * time.Second
)

// Options tune a Viewer.
type Options struct {
	RequesterID string
	Interval    time.Duration
	Timeout     time.Duration
	// Watch tries the push stream first and falls back to polling if it breaks.
	Watch bool
}

// Result is a completed capture.
type Result struct {
	RequestID string
	Payload   []byte
	Polls     int
	Elapsed   time.Duration
}

// Viewer runs capture sessions. Starting a session cancels the previous one.
type Viewer struct {
	log    *slog.Logger
	client *Client
	opts   Options

	mu      sync.Mutex
	seq     uint64
	cancel  context.CancelCauseFunc
	current string
}

// New builds a viewer. Zero options get defaults and a random requester id.
func New(log *slog.Logger, client *Client, opts Options) *Viewer {
	if log == nil {
		log = slog.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.RequesterID == "" {
		opts.RequesterID = NewRequesterID()
	}
	return &Viewer{log: log, client: client, opts: opts}
}

// RequesterID returns the identity sent with every create.
func (v *Viewer) RequesterID() string { return v.opts.RequesterID }

// Current returns the request id of the active session, if any.
func (v *Viewer) Current() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

// Capture creates a request and waits for its image until the session timeout.
func (v *Viewer) Capture(ctx context.Context) (Result, error) {
	sctx, seq := v.begin(ctx)
	defer v.end(seq)

	start := time.Now()
	id, err := v.client.Create(sctx, v.opts.RequesterID)
	if err != nil {
		return Result{}, v.sessionErr(sctx, err)
	}
	v.setCurrent(seq, id)
	v.log.Info("viewer.request.created", "request_id", id, "requester_id", v.opts.RequesterID)

	wctx, cancel := context.WithTimeout(sctx, v.opts.Timeout)
	defer cancel()

	if v.opts.Watch {
		res, err := v.client.Watch(wctx, id)
		switch {
		case err == nil:
			return v.done(id, res.Payload, 0, start), nil
		case errors.Is(err, ErrTransport):
			v.log.Warn("viewer.watch.fallback", "request_id", id, "err", err)
		default:
			return Result{}, v.sessionErr(wctx, err)
		}
	}

	polls := 0
	t := time.NewTicker(v.opts.Interval)
	defer t.Stop()
	for {
		select {
		case <-wctx.Done():
			return Result{}, v.sessionErr(wctx, wctx.Err())
		case <-t.C:
		}

		polls++
		res, err := v.client.PollResult(wctx, id)
		switch {
		case err == nil:
		case errors.Is(err, ErrNotFound):
			return Result{}, fmt.Errorf("request %s: %w", id, ErrNotFound)
		case errors.Is(err, ErrTransport):
			// A failed poll is just a missed attempt.
			v.log.Warn("viewer.poll.fail", "request_id", id, "attempt", polls, "err", err)
			continue
		default:
			return Result{}, v.sessionErr(wctx, err)
		}

		v.log.Debug("viewer.poll", "request_id", id, "attempt", polls, "status", res.Status)
		if res.Completed() {
			return v.done(id, res.Payload, polls, start), nil
		}
	}
}

func (v *Viewer) done(id string, payload []byte, polls int, start time.Time) Result {
	r := Result{RequestID: id, Payload: payload, Polls: polls, Elapsed: time.Since(start)}
	v.log.Info("viewer.capture.done", "request_id", id, "bytes", len(payload), "polls", polls, "elapsed_ms", r.Elapsed.Milliseconds())
	return r
}

// sessionErr turns context endings into the viewer's own errors.
func (v *Viewer) sessionErr(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, ErrSuperseded):
		return ErrSuperseded
	case errors.Is(cause, context.DeadlineExceeded):
		return fmt.Errorf("%w after %s", ErrTimeout, v.opts.Timeout)
	default:
		return cause
	}
}

func (v *Viewer) begin(parent context.Context) (context.Context, uint64) {
	ctx, cancel := context.WithCancelCause(parent)

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cancel != nil {
		v.log.Info("viewer.session.superseded", "request_id", v.current)
		v.cancel(ErrSuperseded)
	}
	v.seq++
	v.cancel = cancel
	v.current = ""
	return ctx, v.seq
}

func (v *Viewer) setCurrent(seq uint64, id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.seq == seq {
		v.current = id
	}
}

func (v *Viewer) end(seq uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.seq != seq {
		return
	}
	if v.cancel != nil {
		v.cancel(context.Canceled)
	}
	v.cancel = nil
}

// WriteImage stores a result payload as a PNG file. An empty path uses capture-<id>.png
// in the working directory.
func WriteImage(path string, res Result) (string, error) {
	if path == "" {
		path = "capture-" + res.RequestID + ".png"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", err
		}
	}
	if err := os.WriteFile(path, res.Payload, 0o644); err != nil {
		return "", err
	}
	return path, nil
}
