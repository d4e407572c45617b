// Package agent implements the desktop side of the relay: poll, capture, upload.
package agent

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"screenrelay/cmd/internal/capture"
)

// Agent runs the capture loop against one relay.
type Agent struct {
	log      *slog.Logger
	client   *Client
	capturer capture.Capturer
	region   *capture.Region

	interval  time.Duration
	maxErrors int

	stopped  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
}

// Iteration summarizes one poll cycle.
type Iteration struct {
	Claimed         int
	Uploaded        int
	CaptureFailures int
	UploadFailures  int
	Vanished        int
}

// New builds an agent from a resolved config.
func New(log *slog.Logger, client *Client, capturer capture.Capturer, cfg Config) *Agent {
	if log == nil {
		log = slog.Default()
	}
	return &Agent{
		log:       log,
		client:    client,
		capturer:  capturer,
		region:    cfg.Region,
		interval:  cfg.PollInterval,
		maxErrors: cfg.MaxConsecutiveErrors,
		stopCh:    make(chan struct{}),
	}
}

// Stop asks the loop to exit after the current iteration.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() {
		a.stopped.Store(true)
		close(a.stopCh)
	})
}

// Run polls until ctx is done, Stop is called, or the error budget is spent.
// It returns nil on a requested stop and ErrExhaustedRetries when giving up.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info("agent.start",
		"relay_url", a.client.BaseURL(),
		"interval", a.interval.String(),
		"max_consecutive_errors", a.maxErrors,
		"region", regionAttr(a.region),
	)

	consecutive := 0
	for {
		if a.stopped.Load() || ctx.Err() != nil {
			a.log.Info("agent.stop", "reason", "requested")
			return nil
		}

		it, err := a.RunOnce(ctx)
		if ctx.Err() != nil {
			a.log.Info("agent.stop", "reason", "context_done")
			return nil
		}

		if err != nil {
			consecutive++
			a.log.Warn("agent.poll.fail", "err", err, "consecutive_errors", consecutive, "max", a.maxErrors)
			if Exhausted(consecutive, a.maxErrors) {
				a.log.Error("agent.exhausted", "consecutive_errors", consecutive)
				return fmt.Errorf("%w: %d in a row, last: %v", ErrExhaustedRetries, consecutive, err)
			}
		} else {
			if consecutive > 0 {
				a.log.Info("agent.recovered", "after_errors", consecutive)
			}
			consecutive = 0
			if it.Claimed > 0 {
				a.log.Info("agent.iteration", "claimed", it.Claimed, "uploaded", it.Uploaded,
					"capture_failures", it.CaptureFailures, "vanished", it.Vanished)
			}
		}

		if !a.sleep(ctx, NextDelay(a.interval, consecutive)) {
			a.log.Info("agent.stop", "reason", "requested")
			return nil
		}
	}
}

// RunOnce performs a single poll cycle. Every claimed request is attempted even when an
// earlier upload fails; the last transport failure is returned so it still counts against
// the error budget. Capture failures and requests that vanished before upload are counted
// and skipped.
func (a *Agent) RunOnce(ctx context.Context) (Iteration, error) {
	var it Iteration

	pending, err := a.client.PollPending(ctx)
	if err != nil {
		return it, err
	}
	it.Claimed = len(pending)

	var lastErr error
	for _, p := range pending {
		if a.stopped.Load() || ctx.Err() != nil {
			break
		}

		start := time.Now()
		img, err := a.capturer.Capture(ctx, a.region)
		if err != nil {
			it.CaptureFailures++
			a.log.Error("agent.capture.fail", "request_id", p.RequestID, "err", err)
			continue
		}

		err = a.client.Upload(ctx, p.RequestID, img)
		switch {
		case err == nil:
			it.Uploaded++
			a.log.Info("agent.upload.ok",
				"request_id", p.RequestID,
				"requester_id", p.RequesterID,
				"bytes", len(img),
				"encoded_bytes", base64.StdEncoding.EncodedLen(len(img)),
				"duration_ms", time.Since(start).Milliseconds(),
			)
		case errors.Is(err, ErrNotFound):
			it.Vanished++
			a.log.Warn("agent.upload.vanished", "request_id", p.RequestID)
		default:
			it.UploadFailures++
			if !isTransport(err) {
				err = fmt.Errorf("%w: %v", ErrTransport, err)
			}
			lastErr = err
			a.log.Error("agent.upload.fail", "request_id", p.RequestID, "err", err)
		}
	}
	return it, lastErr
}

func (a *Agent) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-a.stopCh:
		return false
	}
}

func regionAttr(r *capture.Region) string {
	if r == nil {
		return "full"
	}
	return r.String()
}
