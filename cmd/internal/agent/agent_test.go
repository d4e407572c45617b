package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"screenrelay/cmd/internal/capture"
	"screenrelay/cmd/internal/relay"
	relayapi "screenrelay/cmd/internal/relay/api"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testRelay struct {
	svc *relay.Service
	srv *httptest.Server
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()

	svc := relay.NewService(discardLogger(), nil, nil)
	h, err := relayapi.NewHandler(discardLogger(), svc)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	h.Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testRelay{svc: svc, srv: srv}
}

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.ServerURL = url
	cfg.PollInterval = 10 * time.Millisecond
	cfg.RequestTimeout = time.Second
	return cfg
}

var fakePNG = []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a}

func TestRunOnce_CapturesAndUploadsEveryClaim(t *testing.T) {
	tr := newTestRelay(t)
	ctx := context.Background()

	r1, _ := tr.svc.Create(ctx, "viewer1")
	r2, _ := tr.svc.Create(ctx, "viewer2")

	var gotRegion *capture.Region
	region := &capture.Region{X: 1, Y: 2, Width: 3, Height: 4}
	capt := capture.Func(func(_ context.Context, r *capture.Region) ([]byte, error) {
		gotRegion = r
		return fakePNG, nil
	})

	cfg := testConfig(tr.srv.URL)
	cfg.Region = region
	a := New(discardLogger(), NewClient(cfg.ServerURL, nil, cfg.RequestTimeout), capt, cfg)

	it, err := a.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if it.Claimed != 2 || it.Uploaded != 2 {
		t.Fatalf("iteration=%+v", it)
	}
	if gotRegion != region {
		t.Fatalf("capturer got region %v", gotRegion)
	}

	for _, id := range []string{r1.ID, r2.ID} {
		res, err := tr.svc.PollResult(ctx, id)
		if err != nil {
			t.Fatalf("PollResult: %v", err)
		}
		if res.State != relay.StateCompleted || string(res.Payload) != string(fakePNG) {
			t.Fatalf("request %s: %+v", id, res)
		}
	}

	it, err = a.RunOnce(ctx)
	if err != nil || it.Claimed != 0 {
		t.Fatalf("second RunOnce: %+v %v", it, err)
	}
}

func TestRunOnce_CaptureFailureSkipsRequest(t *testing.T) {
	tr := newTestRelay(t)
	ctx := context.Background()

	req, _ := tr.svc.Create(ctx, "viewer1")
	capt := capture.Func(func(context.Context, *capture.Region) ([]byte, error) {
		return nil, capture.ErrCapture
	})

	cfg := testConfig(tr.srv.URL)
	a := New(discardLogger(), NewClient(cfg.ServerURL, nil, cfg.RequestTimeout), capt, cfg)

	it, err := a.RunOnce(ctx)
	if err != nil {
		t.Fatalf("capture failure must not be a transport error: %v", err)
	}
	if it.CaptureFailures != 1 || it.Uploaded != 0 {
		t.Fatalf("iteration=%+v", it)
	}

	res, _ := tr.svc.PollResult(ctx, req.ID)
	if res.State != relay.StateProcessing {
		t.Fatalf("state=%v want processing", res.State)
	}
}

func TestRunOnce_VanishedRequestIsNotTransportError(t *testing.T) {
	tr := newTestRelay(t)
	ctx := context.Background()

	req, _ := tr.svc.Create(ctx, "viewer1")
	capt := capture.Func(func(ctx context.Context, _ *capture.Region) ([]byte, error) {
		// The reaper removes the request while the screenshot is taken.
		if _, err := tr.svc.Reap(ctx, time.Now().Add(2*time.Hour)); err != nil {
			t.Errorf("Reap: %v", err)
		}
		return fakePNG, nil
	})

	cfg := testConfig(tr.srv.URL)
	a := New(discardLogger(), NewClient(cfg.ServerURL, nil, cfg.RequestTimeout), capt, cfg)

	it, err := a.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if it.Vanished != 1 {
		t.Fatalf("iteration=%+v", it)
	}
	if _, err := tr.svc.PollResult(ctx, req.ID); !errors.Is(err, relay.ErrNotFound) {
		t.Fatalf("request should be gone, err=%v", err)
	}
}

func TestRunOnce_FailedUploadDoesNotDropRestOfBatch(t *testing.T) {
	tr := newTestRelay(t)
	ctx := context.Background()

	r1, _ := tr.svc.Create(ctx, "viewer1")
	r2, _ := tr.svc.Create(ctx, "viewer2")

	var uploads atomic.Int32
	front := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ":upload") && uploads.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		tr.srv.Config.Handler.ServeHTTP(w, r)
	}))
	defer front.Close()

	var captures atomic.Int32
	capt := capture.Func(func(context.Context, *capture.Region) ([]byte, error) {
		captures.Add(1)
		return fakePNG, nil
	})

	cfg := testConfig(front.URL)
	a := New(discardLogger(), NewClient(cfg.ServerURL, nil, cfg.RequestTimeout), capt, cfg)

	it, err := a.RunOnce(ctx)
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("err=%v want ErrTransport so the failure is counted", err)
	}
	if it.Claimed != 2 || it.Uploaded != 1 || it.UploadFailures != 1 {
		t.Fatalf("iteration=%+v", it)
	}
	if got := captures.Load(); got != 2 {
		t.Fatalf("captures=%d want 2", got)
	}

	completed := 0
	for _, id := range []string{r1.ID, r2.ID} {
		res, err := tr.svc.PollResult(ctx, id)
		if err != nil {
			t.Fatalf("PollResult: %v", err)
		}
		if res.State == relay.StateCompleted {
			completed++
		}
	}
	if completed != 1 {
		t.Fatalf("completed=%d want 1", completed)
	}
}

func TestRunOnce_StopBetweenRequests(t *testing.T) {
	tr := newTestRelay(t)
	ctx := context.Background()

	_, _ = tr.svc.Create(ctx, "viewer1")
	_, _ = tr.svc.Create(ctx, "viewer2")

	cfg := testConfig(tr.srv.URL)
	var a *Agent
	capt := capture.Func(func(context.Context, *capture.Region) ([]byte, error) {
		a.Stop()
		return fakePNG, nil
	})
	a = New(discardLogger(), NewClient(cfg.ServerURL, nil, cfg.RequestTimeout), capt, cfg)

	it, err := a.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if it.Claimed != 2 || it.Uploaded != 1 {
		t.Fatalf("iteration=%+v, stop should end the batch after the in-flight request", it)
	}
}

func TestRun_ExhaustsRetriesOnTransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	cfg := testConfig(url)
	cfg.MaxConsecutiveErrors = 3
	cfg.RequestTimeout = 200 * time.Millisecond

	capt := capture.Func(func(context.Context, *capture.Region) ([]byte, error) {
		t.Fatalf("capture must not run without claims")
		return nil, nil
	})
	a := New(discardLogger(), NewClient(url, nil, cfg.RequestTimeout), capt, cfg)

	start := time.Now()
	err := a.Run(context.Background())
	if !errors.Is(err, ErrExhaustedRetries) {
		t.Fatalf("err=%v want ErrExhaustedRetries", err)
	}
	// Two doubled sleeps happen before the third failure.
	if elapsed := time.Since(start); elapsed < 4*cfg.PollInterval {
		t.Fatalf("loop did not back off: %v", elapsed)
	}
}

func TestRun_ErrorCounterResetsOnSuccess(t *testing.T) {
	var calls atomic.Int32
	// Fail, fail, succeed, then fail forever: with a budget of 3 the loop must survive
	// the first two failures and give up only after three fresh ones.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := calls.Add(1)
		if n == 3 {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"hasRequests":false,"requests":[]}`))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxConsecutiveErrors = 3
	a := New(discardLogger(), NewClient(srv.URL, nil, cfg.RequestTimeout), capture.Func(nil), cfg)

	err := a.Run(context.Background())
	if !errors.Is(err, ErrExhaustedRetries) {
		t.Fatalf("err=%v", err)
	}
	if got := calls.Load(); got != 6 {
		t.Fatalf("polls=%d want 6", got)
	}
}

func TestRun_StopsOnStopAndCancel(t *testing.T) {
	tr := newTestRelay(t)
	cfg := testConfig(tr.srv.URL)

	a := New(discardLogger(), NewClient(cfg.ServerURL, nil, cfg.RequestTimeout), capture.Func(nil), cfg)
	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	time.Sleep(30 * time.Millisecond)
	a.Stop()
	a.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run after Stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after Stop")
	}

	b := New(discardLogger(), NewClient(cfg.ServerURL, nil, cfg.RequestTimeout), capture.Func(nil), cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { done <- b.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run after cancel: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestPolicy(t *testing.T) {
	t.Parallel()

	if d := NextDelay(2*time.Second, 0); d != 2*time.Second {
		t.Fatalf("NextDelay ok=%v", d)
	}
	if d := NextDelay(2*time.Second, 3); d != 4*time.Second {
		t.Fatalf("NextDelay err=%v", d)
	}
	if Exhausted(4, 5) || !Exhausted(5, 5) || Exhausted(100, 0) {
		t.Fatalf("Exhausted boundaries wrong")
	}
}
