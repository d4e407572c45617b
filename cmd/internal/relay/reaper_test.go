package relay

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestReap_DeletesExpiredInAnyState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, clk := newTestService(t)

	pending, _ := svc.Create(ctx, "pending")

	processing, _ := svc.Create(ctx, "processing")
	if _, err := svc.requests.SetState(ctx, processing.ID, StateProcessing); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	completed, _ := svc.Create(ctx, "completed")
	if err := svc.Upload(ctx, completed.ID, []byte("img")); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	clk.Advance(DefaultRequestTTL + time.Second)
	fresh, _ := svc.Create(ctx, "fresh")

	r := NewReaper(discardLogger(), svc, time.Minute)
	if n := r.Sweep(ctx); n != 3 {
		t.Fatalf("Sweep removed %d, want 3", n)
	}

	for _, id := range []string{pending.ID, processing.ID, completed.ID} {
		if _, err := svc.PollResult(ctx, id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("PollResult(%s) err=%v want ErrNotFound", id, err)
		}
		if _, ok, _ := svc.results.Get(ctx, id); ok {
			t.Fatalf("result for %s survived reaping", id)
		}
	}

	res, err := svc.PollResult(ctx, fresh.ID)
	if err != nil || res.State != StatePending {
		t.Fatalf("fresh request: state=%v err=%v", res.State, err)
	}
}

func TestReap_KeepsRequestsAtExactlyTTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, clk := newTestService(t)

	req, _ := svc.Create(ctx, "viewer")
	clk.Advance(DefaultRequestTTL)

	n, err := svc.Reap(ctx, clk.Now())
	if err != nil {
		t.Fatalf("Reap: %v", err)
	}
	if n != 0 {
		t.Fatalf("Reap removed %d at exactly TTL, want 0", n)
	}
	if _, err := svc.PollResult(ctx, req.ID); err != nil {
		t.Fatalf("PollResult: %v", err)
	}
}

func TestReap_CustomTTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, clk := newTestService(t, WithTTL(10*time.Second))

	req, _ := svc.Create(ctx, "viewer")
	clk.Advance(11 * time.Second)

	if n, err := svc.Reap(ctx, clk.Now()); err != nil || n != 1 {
		t.Fatalf("Reap n=%d err=%v want 1/nil", n, err)
	}
	if err := svc.Upload(ctx, req.ID, []byte("late")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("late Upload err=%v want ErrNotFound", err)
	}
}

func TestReaperRun_StopsOnCancel(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)
	r := NewReaper(discardLogger(), svc, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("reaper did not stop after cancel")
	}
}

func TestReaperRun_SweepsOnTick(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, clk := newTestService(t)

	req, _ := svc.Create(ctx, "viewer")
	clk.Advance(2 * DefaultRequestTTL)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go NewReaper(discardLogger(), svc, 5*time.Millisecond).Run(runCtx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := svc.PollResult(ctx, req.ID); errors.Is(err, ErrNotFound) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("request %s not reaped by running reaper", req.ID)
}

func TestNewReaper_DefaultInterval(t *testing.T) {
	t.Parallel()
	svc, _ := newTestService(t)

	if r := NewReaper(nil, svc, 0); r.interval != DefaultReapInterval {
		t.Fatalf("interval=%v want=%v", r.interval, DefaultReapInterval)
	}
}
