package relay

import (
	"context"
	"log/slog"
	"time"
)

// DefaultReapInterval is how often the reaper sweeps.
const DefaultReapInterval = 5 * time.Minute

// Reaper periodically deletes expired requests. It is the only component that deletes entries.
type Reaper struct {
	log      *slog.Logger
	svc      *Service
	interval time.Duration
	now      func() time.Time
}

// NewReaper constructs a Reaper over svc. Non-positive intervals use DefaultReapInterval.
func NewReaper(log *slog.Logger, svc *Service, interval time.Duration) *Reaper {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	return &Reaper{
		log:      log,
		svc:      svc,
		interval: interval,
		now:      svc.now,
	}
}

// Run sweeps every interval until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	r.log.Info("reaper.start", "interval", r.interval.String(), "ttl", r.svc.TTL().String())

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reaper.stop")
			return
		case <-t.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one pass, computing "now" once, and returns how many requests were removed.
func (r *Reaper) Sweep(ctx context.Context) int {
	now := r.now()

	n, err := r.svc.Reap(ctx, now)
	if err != nil {
		r.log.Error("reaper.sweep.fail", "err", err, "removed", n)
		return n
	}
	if n > 0 {
		r.log.Info("reaper.sweep", "removed", n)
	} else {
		r.log.Debug("reaper.sweep", "removed", 0)
	}
	return n
}
