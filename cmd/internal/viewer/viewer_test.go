package viewer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

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
	return newTestRelayWatch(t, true)
}

func newTestRelayWatch(t *testing.T, watch bool) *testRelay {
	t.Helper()

	svc := relay.NewService(discardLogger(), nil, nil, relay.WithHub(relay.NewHub(discardLogger())))
	var opts []relayapi.HandlerOption
	if watch {
		gw, err := relayapi.NewWatchGateway(discardLogger(), svc, nil, 5*time.Second)
		if err != nil {
			t.Fatalf("NewWatchGateway: %v", err)
		}
		opts = append(opts, relayapi.WithWatchGateway(gw))
	}
	h, err := relayapi.NewHandler(discardLogger(), svc, opts...)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testRelay{svc: svc, srv: srv}
}

// fakeAgent claims pending requests and uploads payload after delay.
func (tr *testRelay) fakeAgent(t *testing.T, ctx context.Context, delay time.Duration, payload []byte) {
	t.Helper()
	go func() {
		for ctx.Err() == nil {
			claimed, err := tr.svc.PollPending(ctx)
			if err != nil {
				return
			}
			for _, c := range claimed {
				time.Sleep(delay)
				_ = tr.svc.Upload(ctx, c.ID, payload)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()
}

var fakePNG = []byte{0x89, 'P', 'N', 'G', 1, 2, 3}

func TestCapture_PollsUntilCompleted(t *testing.T) {
	tr := newTestRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.fakeAgent(t, ctx, 30*time.Millisecond, fakePNG)

	v := New(discardLogger(), NewClient(tr.srv.URL, nil), Options{Interval: 10 * time.Millisecond, Timeout: 2 * time.Second})
	res, err := v.Capture(ctx)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if string(res.Payload) != string(fakePNG) {
		t.Fatalf("payload=%v", res.Payload)
	}
	if res.Polls < 1 {
		t.Fatalf("polls=%d", res.Polls)
	}
	if v.Current() != res.RequestID {
		t.Fatalf("Current=%q want %q", v.Current(), res.RequestID)
	}
	if !strings.HasPrefix(v.RequesterID(), "viewer-") {
		t.Fatalf("RequesterID=%q", v.RequesterID())
	}
}

func TestCapture_TimesOutWithoutAgent(t *testing.T) {
	tr := newTestRelay(t)

	v := New(discardLogger(), NewClient(tr.srv.URL, nil), Options{
		RequesterID: "viewer1",
		Interval:    10 * time.Millisecond,
		Timeout:     80 * time.Millisecond,
	})

	start := time.Now()
	_, err := v.Capture(context.Background())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err=%v want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Fatalf("gave up too early: %v", elapsed)
	}

	// The relay still holds the request as pending; only the viewer gave up.
	res, err := tr.svc.PollResult(context.Background(), v.Current())
	if err != nil || res.State != relay.StatePending {
		t.Fatalf("relay state=%v err=%v", res.State, err)
	}
}

func TestCapture_NewSessionSupersedesOld(t *testing.T) {
	tr := newTestRelay(t)

	v := New(discardLogger(), NewClient(tr.srv.URL, nil), Options{Interval: 10 * time.Millisecond, Timeout: 5 * time.Second})

	first := make(chan error, 1)
	go func() {
		_, err := v.Capture(context.Background())
		first <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for v.Current() == "" {
		if time.Now().After(deadline) {
			t.Fatalf("first session never created a request")
		}
		time.Sleep(2 * time.Millisecond)
	}
	oldID := v.Current()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.fakeAgent(t, ctx, 0, fakePNG)

	res, err := v.Capture(ctx)
	if err != nil {
		t.Fatalf("second Capture: %v", err)
	}
	if res.RequestID == oldID {
		t.Fatalf("second session reused the old id")
	}

	select {
	case err := <-first:
		if !errors.Is(err, ErrSuperseded) {
			t.Fatalf("first session err=%v want ErrSuperseded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("first session kept polling")
	}
}

func TestCapture_ReapedRequestIsNotFound(t *testing.T) {
	tr := newTestRelay(t)

	var reaped atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && !reaped.Swap(true) {
			_, _ = tr.svc.Reap(r.Context(), time.Now().Add(2*time.Hour))
		}
		tr.srv.Config.Handler.ServeHTTP(w, r)
	})
	front := httptest.NewServer(mux)
	defer front.Close()

	v := New(discardLogger(), NewClient(front.URL, nil), Options{Interval: 5 * time.Millisecond, Timeout: time.Second})
	if _, err := v.Capture(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
}

func TestCapture_TransportErrorsAreRetried(t *testing.T) {
	tr := newTestRelay(t)

	var polls atomic.Int32
	front := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && polls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		tr.srv.Config.Handler.ServeHTTP(w, r)
	}))
	defer front.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.fakeAgent(t, ctx, 0, fakePNG)

	v := New(discardLogger(), NewClient(front.URL, nil), Options{Interval: 5 * time.Millisecond, Timeout: 2 * time.Second})
	res, err := v.Capture(ctx)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if res.Polls < 3 {
		t.Fatalf("polls=%d, failed attempts should not end the session", res.Polls)
	}
}

func TestCapture_Watch(t *testing.T) {
	tr := newTestRelay(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.fakeAgent(t, ctx, 20*time.Millisecond, fakePNG)

	v := New(discardLogger(), NewClient(tr.srv.URL, nil), Options{Interval: time.Hour, Timeout: 2 * time.Second, Watch: true})
	res, err := v.Capture(ctx)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if string(res.Payload) != string(fakePNG) || res.Polls != 0 {
		t.Fatalf("watch result=%+v", res)
	}
}

func TestCapture_WatchFallsBackToPolling(t *testing.T) {
	tr := newTestRelay(t)

	front := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ":watch") {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		tr.srv.Config.Handler.ServeHTTP(w, r)
	}))
	defer front.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.fakeAgent(t, ctx, 0, fakePNG)

	v := New(discardLogger(), NewClient(front.URL, nil), Options{Interval: 5 * time.Millisecond, Timeout: 2 * time.Second, Watch: true})
	res, err := v.Capture(ctx)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if res.Polls == 0 {
		t.Fatalf("expected polling fallback")
	}
}

func TestCapture_WatchDisabledOnRelayFallsBackToPolling(t *testing.T) {
	tr := newTestRelayWatch(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.fakeAgent(t, ctx, 0, fakePNG)

	v := New(discardLogger(), NewClient(tr.srv.URL, nil), Options{Interval: 5 * time.Millisecond, Timeout: 2 * time.Second, Watch: true})
	res, err := v.Capture(ctx)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if string(res.Payload) != string(fakePNG) || res.Polls == 0 {
		t.Fatalf("result=%+v, expected payload via polling", res)
	}
}

func TestClient_WatchUnknownID(t *testing.T) {
	t.Parallel()

	tr := newTestRelay(t)
	_, err := NewClient(tr.srv.URL, nil).Watch(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}
}

func TestClient_Link(t *testing.T) {
	t.Parallel()

	tr := newTestRelay(t)
	link, err := NewClient(tr.srv.URL, nil).Link(context.Background())
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if link.RelayURL != tr.srv.URL || link.ViewerURL != tr.srv.URL+"/mobile" {
		t.Fatalf("link=%+v", link)
	}
}

func TestWriteImage(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path, err := WriteImage(filepath.Join(dir, "out", "shot.png"), Result{RequestID: "r1", Payload: fakePNG})
	if err != nil {
		t.Fatalf("WriteImage: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil || string(raw) != string(fakePNG) {
		t.Fatalf("read back %v %v", raw, err)
	}
}

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8000", want: "ws://127.0.0.1:8000"},
		{in: "https://relay.example.com", want: "wss://relay.example.com"},
		{in: "127.0.0.1:8000", want: "ws://127.0.0.1:8000"},
	}
	for _, tc := range cases {
		if got := wsBaseURL(tc.in); got != tc.want {
			t.Fatalf("wsBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}
