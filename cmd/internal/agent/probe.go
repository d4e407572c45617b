package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ProbeOptions bound the start-up connectivity check.
type ProbeOptions struct {
	Attempts        int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultProbeOptions tries three times with a short exponential backoff.
func DefaultProbeOptions() ProbeOptions {
	return ProbeOptions{Attempts: 3, InitialInterval: 500 * time.Millisecond, MaxInterval: 4 * time.Second}
}

// Probe checks the relay health endpoint before the loop starts, so a wrong
// server URL fails fast instead of eating the loop's error budget.
func Probe(ctx context.Context, log *slog.Logger, c *Client, opts ProbeOptions) error {
	if log == nil {
		log = slog.Default()
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = opts.InitialInterval
	if opts.MaxInterval > 0 {
		eb.MaxInterval = opts.MaxInterval
	}
	eb.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(opts.Attempts-1)), ctx)

	attempt := 0
	err := backoff.RetryNotify(
		func() error {
			attempt++
			err := c.Health(ctx)
			if err != nil && !errors.Is(err, ErrTransport) {
				return backoff.Permanent(err)
			}
			return err
		},
		policy,
		func(err error, next time.Duration) {
			log.Warn("agent.probe.retry", "attempt", attempt, "next_in", next.String(), "err", err)
		},
	)
	if err != nil {
		log.Error("agent.probe.fail", "relay_url", c.BaseURL(), "attempts", attempt, "err", err)
		return fmt.Errorf("relay %s unreachable: %w", c.BaseURL(), err)
	}

	log.Info("agent.probe.ok", "relay_url", c.BaseURL(), "attempts", attempt)
	return nil
}
